// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"github.com/ocssd/ftl/internal/ringbuf"
	"github.com/ocssd/ftl/media"
)

// pendingWrite is the completion context of one in-flight write request:
// the ring range it drained plus how much padding rode along.
type pendingWrite struct {
	sentry   uint64
	nrValid  int
	nrPadded int
	rq       *media.Request
}

// endIOWrite is the completion callback for all device writes. It runs on a
// device callback goroutine.
func (d *Dev) endIOWrite(rq *media.Request) {
	defer d.activeIO.Done()
	if cc, ok := rq.Priv.(*closeCtx); ok {
		d.endIOBlockClose(rq, cc)
		return
	}
	cw := rq.Priv.(*pendingWrite)
	if rq.Err != nil && rq.SectorErrors != 0 {
		d.endWriteFail(cw)
		return
	}
	d.commitWrite(cw)
	d.releaseWriteRequest(rq)
}

// commitWrite commits a completed request's ring entries in original ring
// order. The ring's persistence guarantee is "everything below the synced
// cursor is durable", so a completion arriving ahead of a gap parks in the
// pending queue until the requests before it commit.
func (d *Dev) commitWrite(cw *pendingWrite) {
	d.writeCompleted(cw.nrValid)
	if cw.nrValid == 0 {
		return
	}
	pos := d.rb.SyncInit()
	if cw.sentry == pos {
		pos = d.commitEntries(cw)
		for {
			next, ok := d.pending.Get(pos)
			if !ok {
				break
			}
			d.pending.Delete(pos)
			pos = d.commitEntries(next)
		}
	} else {
		d.pending.Put(cw.sentry, cw)
	}
	d.rb.SyncEnd()
}

// commitEntries marks every entry of the request persisted and advances the
// synced cursor over them. Callers hold the ring sync lock.
func (d *Dev) commitEntries(cw *pendingWrite) uint64 {
	for i := 0; i < cw.nrValid; i++ {
		line := cw.sentry + uint64(i)
		d.syncEntry(d.rb.Ctx(line), line)
	}
	d.m.syncedSectors.Add(int64(cw.nrValid))
	return d.rb.SyncAdvance(cw.nrValid)
}

// syncEntry retires one ring entry: the owning block's sync bitmap gains
// the sector (closing the block when it fills), the L2P mapping moves from
// cacheline to persisted address, and any flush waiter or collector
// reference is released.
func (d *Dev) syncEntry(ctx *ringbuf.WriteCtx, line uint64) {
	b := &d.blocks[ctx.BlockID]
	b.mu.Lock()
	closeNow := b.markSynced(ctx.Paddr)
	b.mu.Unlock()

	d.updateMapDev(ctx.Lba, line, ctx.Addr, ctx.BlockID, ctx.Paddr)

	if ctx.Flush != nil {
		ctx.Flush.Done(nil)
		ctx.Flush = nil
	}
	if ctx.GC != nil {
		ctx.GC.Unref()
		ctx.GC = nil
	}
	if closeNow {
		d.queueBlockClose(b)
	}
}
