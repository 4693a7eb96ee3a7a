package lock

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/leftmike/boxsql/storage"
)

const (
	numShards = 16
)

type Options struct {
	// How long Lock waits for a key held by another Locker; 0 means wait until the context
	// is done.
	Timeout time.Duration
	Logger  *log.Logger
}

// Manager grants exclusive locks on keys. A Locker waiting for a key is queued behind the
// other waiters for that key and is granted the key in turn when it is unlocked.
type Manager struct {
	timeout time.Duration
	logger  *log.Logger
	seed    maphash.Seed
	shards  [numShards]shard
}

type shard struct {
	mutex sync.Mutex
	locks map[string]*lock
}

type lock struct {
	holder *Locker

	// Waiters for a lock are maintained in a queue; firstWaiter is the next Locker to be
	// granted the lock; lastWaiter is where Lockers are added to the queue;
	// Locker.nextWaiter is used to link the queue of waiters together.
	firstWaiter *Locker
	lastWaiter  *Locker
}

// Locker holds locks on behalf of one transaction. A Locker must not be used concurrently.
type Locker struct {
	// Name is used in log messages.
	Name string

	mgr  *Manager
	keys map[string]*shard

	// A Locker can wait on only one lock at a time; nextWaiter is used to link the queue of
	// waiters together.
	nextWaiter *Locker
	// Notified when the lock being waited for has been granted.
	waitCh chan struct{}
}

func NewManager(opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = log.StandardLogger()
	}

	mgr := &Manager{
		timeout: opts.Timeout,
		logger:  opts.Logger,
		seed:    maphash.MakeSeed(),
	}
	for idx := range mgr.shards {
		mgr.shards[idx].locks = map[string]*lock{}
	}
	return mgr
}

func (mgr *Manager) shard(skey string) *shard {
	return &mgr.shards[maphash.String(mgr.seed, skey)%numShards]
}

func (lkr *Locker) init(mgr *Manager) {
	if lkr.mgr == nil {
		lkr.mgr = mgr
		lkr.keys = map[string]*shard{}
		lkr.waitCh = make(chan struct{}, 1)
	} else if lkr.mgr != mgr {
		panic("lock: locker used with more than one manager")
	}
}

// grant must be called with the shard locked.
func (lkr *Locker) grant(s *shard, skey string) {
	lkr.keys[skey] = s
}

// TryLock locks key for lkr if it is available or already held by lkr, without waiting.
func (mgr *Manager) TryLock(lkr *Locker, key []byte) bool {
	lkr.init(mgr)

	skey := string(key)
	if _, ok := lkr.keys[skey]; ok {
		return true
	}

	s := mgr.shard(skey)
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if _, ok := s.locks[skey]; !ok {
		s.locks[skey] = &lock{holder: lkr}
		lkr.grant(s, skey)
		return true
	}
	return false
}

// Lock locks key for lkr, waiting for the Lockers which hold it or are queued ahead of lkr.
// It fails with storage.ErrLockTimeout if the lock is not granted within the timeout of the
// manager, or with the error of ctx if it is done first.
func (mgr *Manager) Lock(ctx context.Context, lkr *Locker, key []byte) error {
	if mgr.TryLock(lkr, key) {
		return nil
	}

	skey := string(key)
	s := mgr.shard(skey)
	s.mutex.Lock()
	lk, ok := s.locks[skey]
	if !ok {
		// Unlocked after TryLock.
		s.locks[skey] = &lock{holder: lkr}
		lkr.grant(s, skey)
		s.mutex.Unlock()
		return nil
	}

	lkr.nextWaiter = nil
	if lk.lastWaiter != nil {
		lk.lastWaiter.nextWaiter = lkr
	} else {
		lk.firstWaiter = lkr
	}
	lk.lastWaiter = lkr
	s.mutex.Unlock()

	var timeout <-chan time.Time
	if mgr.timeout > 0 {
		timer := time.NewTimer(mgr.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case <-lkr.waitCh:
		return nil
	case <-timeout:
		err = storage.ErrLockTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.mutex.Lock()
	defer s.mutex.Unlock()

	if lk.holder == lkr {
		// Granted while giving up.
		<-lkr.waitCh
		return nil
	}
	lk.removeWaiter(lkr)

	mgr.logger.WithFields(log.Fields{
		"locker": lkr.Name,
		"key":    skey,
		"holder": lk.holder.Name,
	}).Debug("lock: wait failed")
	return err
}

func (lk *lock) removeWaiter(lkr *Locker) {
	var prev *Locker
	for w := lk.firstWaiter; w != nil; w = w.nextWaiter {
		if w == lkr {
			if prev == nil {
				lk.firstWaiter = w.nextWaiter
			} else {
				prev.nextWaiter = w.nextWaiter
			}
			if lk.lastWaiter == w {
				lk.lastWaiter = prev
			}
			w.nextWaiter = nil
			return
		}
		prev = w
	}
}

// unlock must be called with the shard locked.
func (s *shard) unlock(skey string) {
	lk := s.locks[skey]
	next := lk.firstWaiter
	if next == nil {
		delete(s.locks, skey)
		return
	}

	lk.firstWaiter = next.nextWaiter
	if lk.firstWaiter == nil {
		lk.lastWaiter = nil
	}
	next.nextWaiter = nil
	lk.holder = next
	next.grant(s, skey)
	next.waitCh <- struct{}{}
}

// Unlock releases every lock held by lkr.
func (lkr *Locker) Unlock() {
	for skey, s := range lkr.keys {
		s.mutex.Lock()
		s.unlock(skey)
		s.mutex.Unlock()
	}
	lkr.keys = map[string]*shard{}
}

// Holds reports whether lkr holds the lock on key.
func (lkr *Locker) Holds(key []byte) bool {
	_, ok := lkr.keys[string(key)]
	return ok
}
