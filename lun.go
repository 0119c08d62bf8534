// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"sync"
	"sync/atomic"
)

// lun is the per-LUN write state: the block currently taking writes, the
// lifecycle lists, and the provisioner's queue of pre-erased blocks.
//
// Lock order within a LUN: mu before block.mu. listsMu only guards list
// edits and is taken innermost: under mu when a replacement block is
// installed, and under the L2P mutex when a block is retired. On the commit
// path the ring's sync lock is held while the L2P mutex and block mutexes
// are taken.
type lun struct {
	id int

	// mu guards cur, the current-block selection.
	mu  sync.Mutex
	cur *block

	// listsMu guards the lifecycle lists.
	listsMu sync.Mutex
	open    []*block
	closed  []*block
	bad     []*block

	pool struct {
		sync.Mutex
		cond sync.Cond
		q    []*block
	}

	// emergency is set when the LUN's free-block count falls below the
	// configured threshold. While set, user writes are rejected.
	emergency atomic.Bool
}

func newLUN(id int) *lun {
	l := &lun{id: id}
	l.pool.cond.L = &l.pool.Mutex
	return l
}

// poolPush queues a pre-erased block, waking any drainer blocked on an
// empty queue.
func (l *lun) poolPush(b *block) {
	l.pool.Lock()
	l.pool.q = append(l.pool.q, b)
	l.pool.cond.Signal()
	l.pool.Unlock()
}

// poolLen returns the queue depth.
func (l *lun) poolLen() int {
	l.pool.Lock()
	defer l.pool.Unlock()
	return len(l.pool.q)
}

// poolPop takes a pre-erased block, blocking until one is available or
// closed reports the device is shutting down.
func (l *lun) poolPop(closed func() bool, kick func()) *block {
	l.pool.Lock()
	defer l.pool.Unlock()
	for len(l.pool.q) == 0 {
		if closed() {
			return nil
		}
		kick()
		l.pool.cond.Wait()
	}
	b := l.pool.q[0]
	l.pool.q = l.pool.q[1:]
	return b
}

// poolWakeAll unblocks drainers parked on the queue, for teardown.
func (l *lun) poolWakeAll() {
	l.pool.Lock()
	l.pool.cond.Broadcast()
	l.pool.Unlock()
}

func (l *lun) listMove(b *block, from, to *[]*block) {
	l.listsMu.Lock()
	defer l.listsMu.Unlock()
	if from != nil {
		s := *from
		for i, x := range s {
			if x == b {
				*from = append(s[:i], s[i+1:]...)
				break
			}
		}
	}
	if to != nil {
		*to = append(*to, b)
	}
}

// openBlocks snapshots the open list.
func (l *lun) openBlocks() []*block {
	l.listsMu.Lock()
	defer l.listsMu.Unlock()
	return append([]*block(nil), l.open...)
}
