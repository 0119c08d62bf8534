// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"github.com/cockroachdb/errors"
	"github.com/ocssd/ftl/media"
	"golang.org/x/sync/errgroup"
)

// padOpenBlocks finishes every open block on shutdown: the remainder of its
// data sectors is filled with padding so the recovery page can land in the
// last physical page and the block can close. Blocks that never took a
// write go back to the media manager untouched, as do the pre-erased blocks
// still parked in the pool queues.
func (d *Dev) padOpenBlocks() error {
	var g errgroup.Group
	for _, l := range d.luns {
		for _, b := range l.openBlocks() {
			b := b
			g.Go(func() error { return d.padBlk(b) })
		}
	}
	err := g.Wait()

	for _, l := range d.luns {
		l.pool.Lock()
		q := l.pool.q
		l.pool.q = nil
		l.pool.Unlock()
		for _, b := range q {
			d.mm.PutBlk(b.h)
		}
	}
	return err
}

func (d *Dev) padBlk(b *block) error {
	b.mu.Lock()
	if b.state != blockOpen {
		// Full blocks are already on their way through the close path.
		b.mu.Unlock()
		if ch := b.waitClosed(); ch != nil {
			<-ch
		}
		return nil
	}
	if b.curSec == 0 {
		b.state = blockFree
		b.mu.Unlock()
		l := d.luns[b.lun]
		l.listMove(b, &l.open, nil)
		d.mm.PutBlk(b.h)
		return nil
	}

	start := uint64(b.curSec)
	nrPad := b.nrSecs - b.curSec
	if _, ok := b.allocSecs(nrPad); !ok {
		b.mu.Unlock()
		return errors.AssertionFailedf("ftl: block %d pad allocation failed", b.id)
	}
	closeNow := false
	for i := 0; i < nrPad; i++ {
		b.rlpg.lbas[start+uint64(i)] = media.AddrEmpty
		b.rlpg.nrPadded++
		if b.padInvalidate(start + uint64(i)) {
			closeNow = true
		}
	}
	b.mu.Unlock()
	d.m.paddedSectors.Add(int64(nrPad))

	// Program the pad sectors before the recovery page goes out.
	ss := d.geo.SecSize
	for off := 0; off < nrPad; off += d.maxWritePgs {
		n := min(d.maxWritePgs, nrPad-off)
		addrs := d.mm.AllocPPAList(n)
		meta := d.mm.AllocMetaList(n)
		for i := 0; i < n; i++ {
			addrs[i] = b.addr(start+uint64(off+i), d.geo)
			meta[i] = media.AddrEmpty
		}
		done := make(chan error, 1)
		rq := &media.Request{
			Op:    media.OpWrite,
			Addrs: addrs,
			Data:  make([]byte, n*ss),
			Meta:  meta,
			Done:  func(rq *media.Request) { done <- rq.Err },
		}
		if err := d.mm.Submit(rq); err != nil {
			d.mm.FreePPAList(addrs)
			d.mm.FreeMetaList(meta)
			return errors.Wrapf(err, "padding block %d", b.id)
		}
		padErr := <-done
		d.mm.FreePPAList(addrs)
		d.mm.FreeMetaList(meta)
		if padErr != nil {
			// The block grew bad while being padded shut; recovery drains
			// what it can and marks it bad.
			d.maybeRecoverBlock(b)
			if ch := b.waitClosed(); ch != nil {
				<-ch
			}
			return nil
		}
	}

	if closeNow {
		d.queueBlockClose(b)
	}
	if ch := b.waitClosed(); ch != nil {
		<-ch
	}
	return nil
}
