/*
Package mvcc is the transaction layer of the storage core.

Each index is a b-tree which maps a key to the head of a chain of versions stored in a heap;
each version points to the next older version of the same key.

type tuple struct {
    xmin    TxID     // transaction which created the version
    xmax    TxID     // transaction which replaced or deleted the version, or 0
    prev    RecordID // next older version, or 0
    flags   Flags    // Live once the creating insert has taken effect
    payload []byte
}

- transaction ids come from a counter shared with the log and b-tree splits; commit versions
  are a separate counter which is only advanced when a transaction commits
- a snapshot is the commit version at the time it is taken; a version is visible to a
  snapshot if its creator committed at or before the snapshot, and its deleter did not
- status: txid -> commit version for transactions which have committed since the engine
  was opened; a txid which is not in the table, and is not active or aborted, committed
  before the engine was opened and has a commit version of 0
- writers lock the key (lock manager), check for a conflicting commit after their snapshot,
  append the new version, make it Live, set xmax of the previous version, and point the
  b-tree at the new version
- commit: append commit record, flush the log to it, then publish the commit version
- abort: restore the before images of the transaction's Insert, Update and Delete records;
  the new versions are left dead (not Live) and vacuum reclaims them
- vacuum: the horizon is the oldest snapshot of any active transaction; each chain is cut
  below the newest version visible at the horizon, keys whose chains are entirely dead are
  dropped, and reclaimed slots are only freed once every transaction which was active at
  the time has finished
*/
package mvcc
