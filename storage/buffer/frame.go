package buffer

import (
	"sync"

	"github.com/leftmike/boxsql/storage"
	"github.com/leftmike/boxsql/storage/page"
)

const noFrame int32 = -1

type frame struct {
	// latch protects the contents of buf.
	latch sync.RWMutex
	buf   page.Page

	// mu protects the fields below it.
	mu      sync.Mutex
	pid     storage.PageID
	pins    int
	dirty   bool
	loading bool
	recLSN  storage.LSN

	// prev and next are protected by the pool's lruMutex.
	prev  int32
	next  int32
	inLRU bool
}

// lruPush adds the frame at the head of the list; lruMutex must be held.
func (p *Pool) lruPush(idx int32) {
	f := &p.frames[idx]
	if f.inLRU {
		return
	}
	f.inLRU = true
	f.prev = noFrame
	f.next = p.lruHead
	if p.lruHead != noFrame {
		p.frames[p.lruHead].prev = idx
	} else {
		p.lruTail = idx
	}
	p.lruHead = idx
}

// lruRemove removes the frame from the list if it is on it; lruMutex must be held.
func (p *Pool) lruRemove(idx int32) {
	f := &p.frames[idx]
	if !f.inLRU {
		return
	}
	if f.prev != noFrame {
		p.frames[f.prev].next = f.next
	} else {
		p.lruHead = f.next
	}
	if f.next != noFrame {
		p.frames[f.next].prev = f.prev
	} else {
		p.lruTail = f.prev
	}
	f.prev = noFrame
	f.next = noFrame
	f.inLRU = false
}
