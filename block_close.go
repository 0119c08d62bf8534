// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"github.com/cockroachdb/errors"
	"github.com/ocssd/ftl/media"
)

// closeCtx is the completion context of a block-close write: the request
// carrying the recovery page into the block's last physical page.
type closeCtx struct {
	b *block
}

// queueBlockClose schedules the recovery-page write for a block whose sync
// bitmap just filled. It runs asynchronously: some callers sit under the
// ring sync lock or a LUN mutex, and no I/O is issued under either.
func (d *Dev) queueBlockClose(b *block) {
	d.activeIO.Add(1)
	go d.closeBlk(b)
}

func (d *Dev) closeBlk(b *block) {
	defer d.activeIO.Done()

	b.mu.Lock()
	if b.failing || b.state != blockFull {
		// A grown-bad block is recovered, not closed; recovery owns it now.
		b.mu.Unlock()
		return
	}
	b.state = blockClosing
	buf, err := encodeRecPage(b, d.geo.SecsPerPage*d.geo.SecSize)
	b.mu.Unlock()
	if err != nil {
		d.opts.Logger.Fatalf("ftl: %v", err)
		return
	}

	// The recovery page occupies the block's last physical page, right
	// after the data sectors.
	addrs := d.mm.AllocPPAList(d.geo.SecsPerPage)
	meta := d.mm.AllocMetaList(d.geo.SecsPerPage)
	for i := 0; i < d.geo.SecsPerPage; i++ {
		addrs[i] = b.addr(uint64(b.nrSecs+i), d.geo)
		meta[i] = media.AddrEmpty
	}
	rq := &media.Request{
		Op:    media.OpWrite,
		Addrs: addrs,
		Data:  buf,
		Meta:  meta,
		Done:  d.endIOWrite,
		Priv:  &closeCtx{b: b},
	}
	d.activeIO.Add(1)
	if err := d.mm.Submit(rq); err != nil {
		d.activeIO.Done()
		d.opts.Logger.Fatalf("ftl: device rejected close request: %v",
			errors.Wrapf(err, "closing block %d", b.id))
	}
}

// endIOBlockClose completes a block close. A failure while writing the
// recovery page means the block grew bad on its way out; there is nothing
// to re-map (the metadata is per-block), so the block goes straight to
// recovery.
func (d *Dev) endIOBlockClose(rq *media.Request, cc *closeCtx) {
	b := cc.b
	d.mm.FreePPAList(rq.Addrs)
	d.mm.FreeMetaList(rq.Meta)

	if rq.Err != nil {
		d.opts.Logger.Errorf("ftl: block %d close failed: %v", b.id, rq.Err)
		d.maybeRecoverBlock(b)
		return
	}

	b.mu.Lock()
	b.state = blockClosed
	allInvalid := b.invalid.full(b.nrSecs)
	if allInvalid {
		b.state = blockRetired
	}
	b.mu.Unlock()
	b.signalClosed()

	l := d.luns[b.lun]
	l.listMove(b, &l.open, &l.closed)
	d.m.blocksClosed.Add(1)
	if allInvalid {
		d.retire(b)
	}
}

// retire returns a fully-invalid closed block to the media manager. Blocks
// with live sectors are never retired here; the collector drains them
// through GCWrite first, and the last invalidation funnels back into this
// path.
func (d *Dev) retire(b *block) {
	l := d.luns[b.lun]
	l.listMove(b, &l.closed, nil)
	d.mm.PutBlk(b.h)
	d.m.blocksRetired.Add(1)
	d.kickProvisioner()
}
