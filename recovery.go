// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"time"

	"github.com/ocssd/ftl/internal/ringbuf"
	"github.com/ocssd/ftl/media"
)

// endWriteFail handles a write request that completed with per-sector
// failures: the affected blocks have grown bad. The successful prefix of
// the request commits in ring order; everything from the first failed
// sector on is re-issued through a fresh request with new mappings, so the
// failed LBAs stay cache-resident until the re-issue persists them. The
// valid sectors already synced on the failing blocks are moved out through
// the collector's write path.
func (d *Dev) endWriteFail(cw *pendingWrite) {
	rq := cw.rq
	d.m.writeFailures.Add(1)

	nrSecs := cw.nrValid + cw.nrPadded
	firstFail := cw.nrValid
	for i := 0; i < nrSecs; i++ {
		if rq.SectorErrors&(1<<uint(i)) == 0 {
			continue
		}
		if i < firstFail {
			firstFail = i
		}
		a := rq.Addrs[i]
		d.maybeRecoverBlock(&d.blocks[a.LUN*d.geo.BlksPerLUN+a.Blk])
	}

	if firstFail >= cw.nrValid {
		// Only padding sectors failed. The host data all landed; the block
		// recovery launched above deals with the media.
		d.commitWrite(cw)
		d.releaseWriteRequest(rq)
		return
	}

	prefix := firstFail
	tail := cw.nrValid - prefix

	// Abandon the flash sectors behind the tail entries: they are dead on
	// their blocks (invalid, and accounted as synced so the blocks can
	// close) and the entries lose their mapping until the re-issue assigns
	// a new one.
	for i := prefix; i < cw.nrValid; i++ {
		ctx := d.rb.Ctx(cw.sentry + uint64(i))
		b := &d.blocks[ctx.BlockID]
		b.mu.Lock()
		closeNow := b.padInvalidate(ctx.Paddr)
		b.mu.Unlock()
		ctx.Flags &^= ringbuf.FlagMapped
		if closeNow {
			d.queueBlockClose(b)
		}
	}

	d.activeIO.Add(1)
	go d.reissueEntries(cw.sentry+uint64(prefix), tail)

	if prefix > 0 {
		d.commitWrite(&pendingWrite{sentry: cw.sentry, nrValid: prefix})
	}
	d.releaseWriteRequest(rq)
}

// reissueEntries drives tail ring entries through a fresh mapping and
// device request. Ring order is preserved: the new request carries the same
// sentry, so the completion pipeline slots it into the same gap the failed
// request left.
func (d *Dev) reissueEntries(sentry uint64, n int) {
	defer d.activeIO.Done()
	d.m.recoveredSectors.Add(int64(n))

	secsToSync := n
	if rem := n % d.minWritePgs; rem != 0 {
		secsToSync += d.minWritePgs - rem
	}
	ss := d.geo.SecSize
	data := d.bufPool.Get().([]byte)[:secsToSync*ss]
	for i := 0; i < n; i++ {
		copy(data[i*ss:(i+1)*ss], d.rb.Data(sentry+uint64(i)))
	}
	for i := n * ss; i < len(data); i++ {
		data[i] = 0
	}

	addrs := d.mm.AllocPPAList(secsToSync)
	meta := d.mm.AllocMetaList(secsToSync)
	for g := 0; g < secsToSync; g += d.minWritePgs {
		valid := min(max(n-g, 0), d.minWritePgs)
		if err := d.mapRRPage(sentry+uint64(g), addrs[g:g+d.minWritePgs],
			meta[g:g+d.minWritePgs], d.minWritePgs, valid); err != nil {
			d.mm.FreePPAList(addrs)
			d.mm.FreeMetaList(meta)
			d.bufPool.Put(data[:cap(data)]) //nolint:staticcheck
			d.rb.FailWaiters(err)
			d.opts.Logger.Errorf("ftl: abandoning recovery of %d sectors: %v", n, err)
			return
		}
	}

	cw := &pendingWrite{sentry: sentry, nrValid: n, nrPadded: secsToSync - n}
	rq := &media.Request{
		Op:    media.OpWrite,
		Addrs: addrs[:secsToSync],
		Data:  data,
		Meta:  meta[:secsToSync],
		Done:  d.endIOWrite,
		Priv:  cw,
	}
	cw.rq = rq
	d.activeIO.Add(1)
	if err := d.mm.Submit(rq); err != nil {
		d.activeIO.Done()
		d.opts.Logger.Fatalf("ftl: device rejected recovery request: %v", err)
	}
}

// maybeRecoverBlock starts grown-bad-block recovery once per block: take it
// out of write rotation, move its live synced sectors out through the GC
// write path, and hand it back to the media manager marked bad.
func (d *Dev) maybeRecoverBlock(b *block) {
	b.mu.Lock()
	if b.failing {
		b.mu.Unlock()
		return
	}
	b.failing = true
	b.mu.Unlock()
	d.m.blockRecoveries.Add(1)
	d.activeIO.Add(1)
	go d.recoverBlock(b)
}

type liveSec struct {
	lba media.LBA
	sec uint64
}

func (d *Dev) recoverBlock(b *block) {
	defer d.activeIO.Done()

	// The block stopped taking allocations when it was marked failing, but
	// sectors from earlier requests may still be committing. Wait until
	// every allocated sector is accounted for (synced or abandoned) before
	// deciding what is live.
	for {
		b.mu.Lock()
		if b.synced.count() >= b.curSec {
			break
		}
		b.mu.Unlock()
		time.Sleep(50 * time.Microsecond)
	}

	// Snapshot the live sectors: synced, not invalidated, and carrying a
	// real LBA. b.mu is held from the loop above.
	var live []liveSec
	for sec := 0; sec < b.nrSecs; sec++ {
		if !b.synced.test(sec) || b.invalid.test(sec) {
			continue
		}
		lba := b.rlpg.lbas[sec]
		if lba.IsEmpty() {
			continue
		}
		live = append(live, liveSec{lba: lba, sec: uint64(sec)})
	}
	b.mu.Unlock()

	ss := d.geo.SecSize
chunks:
	for off := 0; off < len(live); off += d.geo.MaxPhysSecs {
		end := min(off+d.geo.MaxPhysSecs, len(live))
		chunk := live[off:end]

		addrs := d.mm.AllocPPAList(len(chunk))
		for i, s := range chunk {
			addrs[i] = b.addr(s.sec, d.geo)
		}
		data := make([]byte, len(chunk)*ss)
		done := make(chan struct{})
		rq := &media.Request{
			Op:    media.OpRead,
			Addrs: addrs,
			Data:  data,
			Done:  func(*media.Request) { close(done) },
		}
		if err := d.mm.Submit(rq); err != nil {
			d.mm.FreePPAList(addrs)
			d.opts.Logger.Errorf("ftl: block %d recovery read rejected: %v", b.id, err)
			continue
		}
		<-done
		d.mm.FreePPAList(addrs)
		if rq.Err != nil {
			// Sectors that cannot be read off the dying block are lost to
			// the host as read errors; there is nothing left to move.
			d.opts.Logger.Errorf("ftl: block %d recovery read failed: %v", b.id, rq.Err)
			continue
		}

		lbas := make([]media.LBA, len(chunk))
		old := make([]media.DevAddr, len(chunk))
		for i, s := range chunk {
			lbas[i] = s.lba
			old[i] = b.addr(s.sec, d.geo)
		}
		for {
			err := d.GCWrite(lbas, old, data, nil)
			if err == nil {
				break
			}
			if err == ErrClosed {
				d.opts.Logger.Errorf("ftl: block %d recovery interrupted by close", b.id)
				break chunks
			}
			// Ring full: wait for the drainer.
			d.kickWriter()
			time.Sleep(100 * time.Microsecond)
		}
	}

	b.mu.Lock()
	b.state = blockBad
	b.mu.Unlock()
	b.signalClosed()
	l := d.luns[b.lun]
	l.listMove(b, &l.open, &l.bad)
	d.mm.MarkBad(b.h)
	d.m.blocksBad.Add(1)
}
