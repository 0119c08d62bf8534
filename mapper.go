// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"github.com/ocssd/ftl/internal/ringbuf"
	"github.com/ocssd/ftl/media"
)

// getLUNRR picks the LUN for the next page group: round-robin normally, the
// LUN with the most free blocks while any LUN is in emergency-GC mode.
func (d *Dev) getLUNRR() *lun {
	if d.emergencyLUNs.Load() > 0 {
		best := d.luns[0]
		bestFree := -1
		for _, l := range d.luns {
			if free := d.mm.FreeBlocks(l.id) + l.poolLen(); free > bestFree {
				best, bestFree = l, free
			}
		}
		return best
	}
	n := d.lunRR.Add(1) - 1
	return d.luns[int(n)%len(d.luns)]
}

// mapRRPage maps one device page group: nrSecs consecutive sectors on the
// chosen LUN's current block, of which the first validSecs back ring
// entries and the rest are padding. Ring contexts get their device address,
// the block records the reverse LBA entry, and padding sectors are marked
// invalid and synced up front so the block can close even though no host
// data lands there.
func (d *Dev) mapRRPage(
	sentry uint64, addrs []media.DevAddr, meta []media.LBA, nrSecs, validSecs int,
) error {
	l := d.getLUNRR()
	l.mu.Lock()
	defer l.mu.Unlock()

	var b *block
	var paddr uint64
	for {
		b = l.cur
		if b != nil {
			b.mu.Lock()
			if b.state == blockOpen && !b.failing {
				if p, ok := b.allocSecs(nrSecs); ok {
					paddr = p
					break
				}
			}
			b.mu.Unlock()
		}
		nb := d.replaceBlk(l)
		if nb == nil {
			return ErrClosed
		}
		l.cur = nb
	}
	// b.mu held.
	closeNow := false
	for i := 0; i < nrSecs; i++ {
		sec := paddr + uint64(i)
		a := b.addr(sec, d.geo)
		addrs[i] = a
		if i < validSecs {
			ctx := d.rb.Ctx(sentry + uint64(i))
			ctx.Paddr = sec
			ctx.Addr = a
			ctx.BlockID = b.id
			ctx.Flags |= ringbuf.FlagMapped
			meta[i] = ctx.Lba
			b.rlpg.lbas[sec] = ctx.Lba
			b.rlpg.nrLbas++
		} else {
			meta[i] = media.AddrEmpty
			b.rlpg.lbas[sec] = media.AddrEmpty
			b.rlpg.nrPadded++
			if b.padInvalidate(sec) {
				closeNow = true
			}
		}
	}
	b.mu.Unlock()
	if closeNow {
		d.queueBlockClose(b)
	}
	return nil
}

// replaceBlk takes the next pre-erased block from the LUN's pool queue,
// blocking on the provisioner if the queue is empty. Returns nil only on
// teardown.
func (d *Dev) replaceBlk(l *lun) *block {
	b := l.poolPop(func() bool { return d.closed.Load() }, d.kickProvisioner)
	if b == nil {
		return nil
	}
	b.mu.Lock()
	b.state = blockOpen
	b.mu.Unlock()
	l.listMove(b, nil, &l.open)
	return b
}
