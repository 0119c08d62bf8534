// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ocssd/ftl/media"
)

// writeLoop is the dedicated drainer: it moves buffered sectors out of the
// ring and onto media in device-granularity requests. It wakes on kicks
// from writers and flushes, or on a short timer otherwise.
func (d *Dev) writeLoop() {
	defer d.wg.Done()
	for {
		for d.submitWrite() {
		}
		select {
		case <-d.stopWriter:
			return
		case <-d.writerKick:
		case <-time.After(d.opts.DrainInterval):
		}
	}
}

// calcSecsToSync decides how many sectors the next device write carries.
// Every request is a multiple of minPgs, the device's write granularity; a
// flush below that granularity is padded up to it.
func calcSecsToSync(avail, toFlush, minPgs, maxPgs int) int {
	if avail >= maxPgs || toFlush >= maxPgs {
		return maxPgs
	}
	if avail >= minPgs {
		if toFlush == 0 {
			return minPgs * (avail / minPgs)
		}
		secs := minPgs * (toFlush / minPgs)
		for {
			inc := secs + minPgs
			if inc > avail || inc > maxPgs {
				break
			}
			secs = inc
		}
		return secs
	}
	if toFlush > 0 {
		return minPgs
	}
	return 0
}

// submitWrite drains one batch from the ring into a device request.
// Returns false when there was nothing worth submitting.
func (d *Dev) submitWrite() bool {
	avail := int(d.rb.ReadLock())
	toFlush := d.rb.SyncPointCount()
	secsToSync := calcSecsToSync(avail, toFlush, d.minWritePgs, d.maxWritePgs)
	if secsToSync == 0 {
		d.rb.ReadUnlock()
		return false
	}
	secsToCom := min(secsToSync, avail)
	sentry := d.rb.ReadCommit(secsToCom)
	d.rb.ReadUnlock()
	nrPadded := secsToSync - secsToCom

	ss := d.geo.SecSize
	data := d.bufPool.Get().([]byte)[:secsToSync*ss]
	for i := 0; i < secsToCom; i++ {
		d.rb.WaitEntry(sentry + uint64(i))
		copy(data[i*ss:(i+1)*ss], d.rb.Data(sentry+uint64(i)))
	}
	for i := secsToCom * ss; i < len(data); i++ {
		data[i] = 0
	}

	addrs := d.mm.AllocPPAList(secsToSync)
	meta := d.mm.AllocMetaList(secsToSync)
	for g := 0; g < secsToSync; g += d.minWritePgs {
		valid := min(max(secsToCom-g, 0), d.minWritePgs)
		if err := d.mapRRPage(sentry+uint64(g), addrs[g:g+d.minWritePgs],
			meta[g:g+d.minWritePgs], d.minWritePgs, valid); err != nil {
			// Only reachable on teardown with the provisioner out of
			// blocks. The batch cannot be submitted; fail any flush waiters
			// so shutdown does not hang on a sync point that will never be
			// covered.
			d.mm.FreePPAList(addrs)
			d.mm.FreeMetaList(meta)
			d.bufPool.Put(data[:cap(data)]) //nolint:staticcheck
			d.rb.FailWaiters(err)
			d.opts.Logger.Errorf("ftl: abandoning %d-sector batch: %v", secsToSync, err)
			return false
		}
	}
	if nrPadded > 0 {
		d.m.paddedSectors.Add(int64(nrPadded))
	}

	cw := &pendingWrite{sentry: sentry, nrValid: secsToCom, nrPadded: nrPadded}
	rq := &media.Request{
		Op:    media.OpWrite,
		Addrs: addrs[:secsToSync],
		Data:  data,
		Meta:  meta[:secsToSync],
		Done:  d.endIOWrite,
		Priv:  cw,
	}
	cw.rq = rq

	if toFlush > 0 && toFlush <= secsToSync {
		d.rb.ResetSyncPoint()
	}

	d.activeIO.Add(1)
	if err := d.mm.Submit(rq); err != nil {
		d.activeIO.Done()
		d.opts.Logger.Fatalf("ftl: device rejected write request: %v",
			errors.Wrapf(err, "submitting %d sectors", secsToSync))
	}
	d.m.deviceWrites.Add(1)
	return true
}

// releaseWriteRequest returns a write request's scratch resources to their
// pools. Called exactly once per request on the completion path.
func (d *Dev) releaseWriteRequest(rq *media.Request) {
	d.mm.FreePPAList(rq.Addrs)
	d.mm.FreeMetaList(rq.Meta)
	d.bufPool.Put(rq.Data[:cap(rq.Data)]) //nolint:staticcheck
}
