// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package ringbuf implements the ring-buffered write cache sitting between
// host writes and the media.
//
// The ring is a power-of-two array of sector-sized entries addressed by three
// monotonically increasing cursors:
//
//	synced <= subm <= mem, mem-synced <= capacity
//
// mem is the producer head: host writes reserve entries under the producer
// mutex and fill them without further synchronization. subm is the submit
// cursor, advanced only by the single drainer while it holds the read lock.
// synced is the persisted tail, advanced only under the sync mutex by the
// completion pipeline, strictly in ring order. An entry's storage cannot be
// reused until synced has passed it, which is what makes it safe for readers
// to copy cache-resident sectors while the drainer and the device work on
// the same entries.
package ringbuf

import (
	"math/bits"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/ocssd/ftl/internal/invariants"
	"github.com/ocssd/ftl/media"
)

// WriteFlags carries per-entry submission state.
type WriteFlags uint8

const (
	// FlagGC marks an entry produced by the garbage collector rather than a
	// host write.
	FlagGC WriteFlags = 1 << iota
	// FlagMapped is set by the mapper once the entry has been assigned a
	// device address.
	FlagMapped
)

// WriteCtx is the per-entry write context. It travels with the sector data
// from submission through mapping to completion.
type WriteCtx struct {
	Lba   media.LBA
	Flags WriteFlags
	// Paddr is the sector offset inside the owning block, assigned by the
	// mapper at drain time.
	Paddr uint64
	// Addr is the device address assigned by the mapper at drain time.
	Addr media.DevAddr
	// BlockID is the arena slot of the owning block, -1 until mapped. The
	// completion pipeline uses it to mark the block's sync bitmap.
	BlockID int32
	// Flush, if non-nil, is completed when the synced cursor passes this
	// entry.
	Flush *FlushWaiter
	// GC, if non-nil, is the shared source buffer backing a collector write.
	// The reference is dropped when the entry drains.
	GC *GCRef
}

// FlushWaiter carries preflush semantics: the waiter completes when the
// synced cursor reaches the position it was installed at.
type FlushWaiter struct {
	ch chan error
}

// NewFlushWaiter returns an unfired waiter.
func NewFlushWaiter() *FlushWaiter {
	return &FlushWaiter{ch: make(chan error, 1)}
}

// Done fires the waiter. Extra calls are no-ops so that failure paths can
// complete a waiter that the sync path races with.
func (w *FlushWaiter) Done(err error) {
	select {
	case w.ch <- err:
	default:
	}
}

// Wait blocks until the waiter fires.
func (w *FlushWaiter) Wait() error {
	return <-w.ch
}

// GCRef is a shared count on a collector-owned source buffer. Each ring entry
// derived from the buffer holds one count; the release hook runs when the
// last entry drains.
type GCRef struct {
	refs    atomic.Int32
	release func()
}

// NewGCRef returns a handle with n outstanding references.
func NewGCRef(n int, release func()) *GCRef {
	r := &GCRef{release: release}
	r.refs.Store(int32(n))
	return r
}

// Unref drops one reference.
func (r *GCRef) Unref() {
	if v := r.refs.Add(-1); v == 0 {
		if r.release != nil {
			r.release()
		}
	} else if v < 0 {
		panic("ringbuf: gc ref underflow")
	}
}

type flushPoint struct {
	// pos is the absolute position of the last entry covered by the flush.
	pos uint64
	w   *FlushWaiter
}

// Buffer is the ring. See the package comment for the cursor discipline.
type Buffer struct {
	secSize int
	size    uint64
	mask    uint64
	buf     []byte
	ctx     []WriteCtx
	// written flags entries whose payload has been filled by the producer
	// that reserved them; the drainer spins on it before copying.
	written []atomic.Bool

	// mu serializes producers reserving entries.
	mu  sync.Mutex
	mem atomic.Uint64

	// readMu admits a single drainer.
	readMu sync.Mutex
	subm   atomic.Uint64

	// syncMu serializes advancement of the synced cursor and guards the sync
	// point and flush waiters.
	syncMu sync.Mutex
	synced atomic.Uint64

	sp struct {
		set     bool
		pos     uint64
		waiters []flushPoint
	}
}

// New returns a ring of at least nrEntries sector-sized slots, rounded up to
// a power of two.
func New(nrEntries int, secSize int) *Buffer {
	size := uint64(1) << bits.Len64(uint64(nrEntries-1))
	if nrEntries <= 1 {
		size = 1
	}
	return &Buffer{
		secSize: secSize,
		size:    size,
		mask:    size - 1,
		buf:     make([]byte, size*uint64(secSize)),
		ctx:     make([]WriteCtx, size),
		written: make([]atomic.Bool, size),
	}
}

// Size returns the ring capacity in entries.
func (b *Buffer) Size() int {
	return int(b.size)
}

// SecSize returns the sector size the ring was built for.
func (b *Buffer) SecSize() int {
	return b.secSize
}

// MayWrite reserves nrCommit entries starting at the current producer head,
// provided at least nrReq entries are free. The asymmetry lets a producer
// probe for the full request before committing a partial batch. On success
// the returned position is the first reserved entry.
func (b *Buffer) MayWrite(nrReq, nrCommit int) (pos uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	mem := b.mem.Load()
	free := b.size - invariants.SafeSub(mem, b.synced.Load())
	if free < uint64(nrReq) {
		return 0, false
	}
	for p := mem; p < mem+uint64(nrCommit); p++ {
		b.written[p&b.mask].Store(false)
	}
	b.mem.Store(mem + uint64(nrCommit))
	return mem, true
}

// WriteEntry fills the reserved slot at pos with sector data and its write
// context. Only the producer that reserved pos may call this, and only
// before the position is handed to the drainer; no locking is required.
func (b *Buffer) WriteEntry(pos uint64, data []byte, ctx WriteCtx) {
	if invariants.Enabled {
		if len(data) > b.secSize {
			panic("ringbuf: entry larger than a sector")
		}
		if pos >= b.mem.Load() || pos < b.synced.Load() {
			panic("ringbuf: write outside reservation")
		}
	}
	slot := b.slotData(pos)
	n := copy(slot, data)
	for i := n; i < b.secSize; i++ {
		slot[i] = 0
	}
	b.ctx[pos&b.mask] = ctx
	b.written[pos&b.mask].Store(true)
}

// WaitEntry spins until the entry at pos has been filled by its producer.
// The reservation in MayWrite makes a position visible to the drainer
// before WriteEntry lands the payload; the drainer closes that window
// here.
func (b *Buffer) WaitEntry(pos uint64) {
	for !b.written[pos&b.mask].Load() {
		runtime.Gosched()
	}
}

func (b *Buffer) slotData(pos uint64) []byte {
	i := (pos & b.mask) * uint64(b.secSize)
	return b.buf[i : i+uint64(b.secSize)]
}

// Ctx returns the write context of the entry at pos. The pointer is only
// stable for positions in [synced, mem) that the caller is entitled to:
// the drainer between ReadCommit and the sync commit, or the completion
// path before SyncAdvance passes the entry.
func (b *Buffer) Ctx(pos uint64) *WriteCtx {
	return &b.ctx[pos&b.mask]
}

// Data returns the sector payload of the entry at pos under the same rules
// as Ctx.
func (b *Buffer) Data(pos uint64) []byte {
	return b.slotData(pos)
}

// CopyFromEntry copies the cached sector at the given ring position into
// dst. Callers must hold the entry's read-in-flight bit in the L2P map,
// which keeps the slot from being reused underneath the copy.
func (b *Buffer) CopyFromEntry(line uint64, dst []byte) {
	copy(dst, b.slotData(line))
}

// ReadLock takes the single-drainer read lock and returns the number of
// entries available to drain.
func (b *Buffer) ReadLock() uint64 {
	b.readMu.Lock()
	return invariants.SafeSub(b.mem.Load(), b.subm.Load())
}

// ReadCommit advances the submit cursor by n and returns the first drained
// position. Requires ReadLock.
func (b *Buffer) ReadCommit(n int) uint64 {
	pos := b.subm.Load()
	if invariants.Enabled {
		if pos+uint64(n) > b.mem.Load() {
			panic("ringbuf: submit cursor overtook producer head")
		}
	}
	b.subm.Store(pos + uint64(n))
	return pos
}

// ReadUnlock releases the read lock.
func (b *Buffer) ReadUnlock() {
	b.readMu.Unlock()
}

// SyncInit takes the sync lock and returns the current synced position. The
// completion pipeline uses the lock to restore ring order across
// out-of-order device completions.
func (b *Buffer) SyncInit() uint64 {
	b.syncMu.Lock()
	return b.synced.Load()
}

// SyncAdvance moves the synced cursor by n, firing any flush waiters the
// cursor passed. Requires SyncInit. Returns the new position.
func (b *Buffer) SyncAdvance(n int) uint64 {
	pos := b.synced.Load() + uint64(n)
	if invariants.Enabled {
		if pos > b.subm.Load() {
			panic("ringbuf: synced cursor overtook submit cursor")
		}
	}
	b.synced.Store(pos)
	b.fireWaitersLocked(pos, nil)
	return pos
}

// SyncEnd releases the sync lock.
func (b *Buffer) SyncEnd() {
	b.syncMu.Unlock()
}

func (b *Buffer) fireWaitersLocked(pos uint64, err error) {
	kept := b.sp.waiters[:0]
	for _, fp := range b.sp.waiters {
		if fp.pos < pos {
			fp.w.Done(err)
		} else {
			kept = append(kept, fp)
		}
	}
	b.sp.waiters = kept
}

// SetSyncPoint installs a sync point at the current producer head, to be
// signalled when the synced cursor covers it. A nil waiter only marks
// urgency for the drainer. Returns false, completing the waiter
// immediately, if the ring holds nothing to flush.
func (b *Buffer) SetSyncPoint(w *FlushWaiter) bool {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	mem := b.mem.Load()
	if mem == b.synced.Load() {
		if w != nil {
			w.Done(nil)
		}
		return false
	}
	pos := mem - 1
	if !b.sp.set || pos > b.sp.pos {
		b.sp.set = true
		b.sp.pos = pos
	}
	if w != nil {
		b.sp.waiters = append(b.sp.waiters, flushPoint{pos: pos, w: w})
	}
	return true
}

// SyncPointCount returns the number of entries between the submit cursor and
// the sync point, inclusive: how many entries must still be drained before
// the flush can complete. Zero if no sync point is pending.
func (b *Buffer) SyncPointCount() int {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	if !b.sp.set {
		return 0
	}
	subm := b.subm.Load()
	if b.sp.pos < subm {
		return 0
	}
	return int(b.sp.pos + 1 - subm)
}

// ResetSyncPoint clears the sync point once the drainer has submitted
// everything it covers. Waiters stay armed; they fire on sync advancement.
func (b *Buffer) ResetSyncPoint() {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	b.sp.set = false
}

// FailWaiters fires all pending flush waiters with err. Used on teardown
// after the ring has been force-drained.
func (b *Buffer) FailWaiters(err error) {
	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	b.fireWaitersLocked(^uint64(0), err)
}

// SyncScanEntry finds the in-flight entry mapped to the given device
// address. Only positions between the synced and submit cursors are
// scanned; those entries are stable while the scan runs because the
// completion that triggered the scan has not committed them.
func (b *Buffer) SyncScanEntry(addr media.DevAddr) (pos uint64, ok bool) {
	subm := b.subm.Load()
	for p := b.synced.Load(); p < subm; p++ {
		ctx := &b.ctx[p&b.mask]
		if ctx.Flags&FlagMapped != 0 && ctx.Addr == addr {
			return p, true
		}
	}
	return 0, false
}

// Mem returns the producer head position.
func (b *Buffer) Mem() uint64 { return b.mem.Load() }

// Subm returns the submit cursor position.
func (b *Buffer) Subm() uint64 { return b.subm.Load() }

// Synced returns the persisted tail position.
func (b *Buffer) Synced() uint64 { return b.synced.Load() }
