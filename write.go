// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"sync/atomic"

	"github.com/cockroachdb/crlib/crtime"
	"github.com/cockroachdb/errors"
	"github.com/ocssd/ftl/internal/ringbuf"
	"github.com/ocssd/ftl/media"
)

// Write buffers data at lba. The call returns once the sectors are in the
// write cache; with sync set it additionally waits until they are persisted
// on media. A zero-length sync write degenerates to Flush.
//
// Write returns ErrRequeue when the cache is full or a LUN is in
// emergency-GC mode; the caller retries.
func (d *Dev) Write(lba LBA, data []byte, sync bool) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if len(data) == 0 {
		if sync {
			return d.Flush()
		}
		return nil
	}
	k, err := d.secCount(lba, len(data))
	if err != nil {
		return err
	}
	if d.emergencyLUNs.Load() > 0 {
		d.m.requeues.Add(1)
		d.kickProvisioner()
		return ErrRequeue
	}

	start := crtime.NowMono()
	pos, ok := d.rb.MayWrite(k, k)
	if !ok {
		d.m.requeues.Add(1)
		d.kickWriter()
		return ErrRequeue
	}

	var fw *ringbuf.FlushWaiter
	if sync {
		fw = ringbuf.NewFlushWaiter()
	}
	ss := d.geo.SecSize
	for i := 0; i < k; i++ {
		ctx := ringbuf.WriteCtx{Lba: lba + LBA(i), BlockID: -1}
		if sync && i == k-1 {
			ctx.Flush = fw
		}
		d.rb.WriteEntry(pos+uint64(i), data[i*ss:(i+1)*ss], ctx)
		d.updateMapCached(lba+LBA(i), pos+uint64(i))
	}
	d.m.writeSectors.Add(int64(k))

	d.maySubmitWrite(k)

	if h := d.opts.WriteLatency; h != nil {
		h.Observe(float64(start.Elapsed().Nanoseconds()))
	}
	if sync {
		d.rb.SetSyncPoint(nil)
	}
	d.kickWriter()
	if sync {
		defer func() {
			if h := d.opts.SyncLatency; h != nil {
				h.Observe(float64(start.Elapsed().Nanoseconds()))
			}
		}()
		return fw.Wait()
	}
	return nil
}

// Flush installs a sync point at the current producer head and waits for
// the synced cursor to cover it: every write buffered before the call is
// durable when Flush returns.
func (d *Dev) Flush() error {
	if d.closed.Load() {
		return ErrClosed
	}
	start := crtime.NowMono()
	w := ringbuf.NewFlushWaiter()
	if !d.rb.SetSyncPoint(w) {
		return nil
	}
	d.m.flushes.Add(1)
	d.kickWriter()
	err := w.Wait()
	if h := d.opts.SyncLatency; h != nil {
		h.Observe(float64(start.Elapsed().Nanoseconds()))
	}
	return err
}

// Discard unmaps n sectors starting at lba. Cached copies are dropped and
// persisted sectors are invalidated on their owning blocks.
func (d *Dev) Discard(lba LBA, n int) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if int(lba)+n > d.nrSecs {
		return errors.Errorf("ftl: discard of %d sectors at lba %d beyond capacity %d",
			n, lba, d.nrSecs)
	}
	d.invalidateRange(lba, n)
	return nil
}

// GCWrite re-issues live sectors on behalf of the garbage collector. lbas
// and data are parallel, one entry per sector; AddrEmpty entries are
// skipped. If old is non-nil it carries the device address each sector is
// being moved from, and a sector is only re-mapped if the L2P still points
// there: a host write that overwrote the LBA mid-move wins. The collector's
// source buffer stays shared until every derived ring entry has drained, at
// which point release runs. GC writes are admitted even under emergency-GC
// mode.
func (d *Dev) GCWrite(lbas []LBA, old []media.DevAddr, data []byte, release func()) error {
	if d.closed.Load() {
		return ErrClosed
	}
	if len(data) != len(lbas)*d.geo.SecSize {
		return errors.Errorf("ftl: gc data length %d does not cover %d sectors",
			len(data), len(lbas))
	}
	live := 0
	for _, l := range lbas {
		if !l.IsEmpty() {
			live++
		}
	}
	if live == 0 {
		if release != nil {
			release()
		}
		return nil
	}
	pos, ok := d.rb.MayWrite(live, live)
	if !ok {
		d.m.requeues.Add(1)
		d.kickWriter()
		return ErrRequeue
	}
	ref := ringbuf.NewGCRef(live, release)
	ss := d.geo.SecSize
	i := 0
	for s, l := range lbas {
		if l.IsEmpty() {
			continue
		}
		ctx := ringbuf.WriteCtx{Lba: l, Flags: ringbuf.FlagGC, BlockID: -1, GC: ref}
		d.rb.WriteEntry(pos+uint64(i), data[s*ss:(s+1)*ss], ctx)
		if old != nil {
			d.updateMapGC(l, pos+uint64(i), old[s])
		} else {
			d.updateMapCached(l, pos+uint64(i))
		}
		i++
	}
	d.m.gcWriteSectors.Add(int64(live))
	// The collector has priority over host admission: count the sectors but
	// never park.
	d.inflightWrites.Add(int64(live))
	d.kickWriter()
	return nil
}

func (d *Dev) secCount(lba LBA, nrBytes int) (int, error) {
	ss := d.geo.SecSize
	if nrBytes%ss != 0 {
		return 0, errors.Errorf("ftl: request of %d bytes not sector aligned", nrBytes)
	}
	k := nrBytes / ss
	if k > d.opts.MaxReadSectors {
		return 0, errors.Errorf("ftl: request of %d sectors exceeds per-request cap %d",
			k, d.opts.MaxReadSectors)
	}
	if int(lba)+k > d.nrSecs {
		return 0, errors.Errorf("ftl: %d sectors at lba %d beyond capacity %d", k, lba, d.nrSecs)
	}
	return k, nil
}

// atomicIncBelow adds inc to v only if v has not yet reached the cap.
func atomicIncBelow(v *atomic.Int64, below, inc int) bool {
	for {
		cur := v.Load()
		if cur >= int64(below) {
			return false
		}
		if v.CompareAndSwap(cur, cur+int64(inc)) {
			return true
		}
	}
}

// maySubmitWrite admits k sectors against the inflight cap, parking the
// caller until completions drain enough room.
func (d *Dev) maySubmitWrite(k int) {
	if atomicIncBelow(&d.inflightWrites, d.opts.InflightWriteCap, k) {
		return
	}
	d.admission.Lock()
	for !atomicIncBelow(&d.inflightWrites, d.opts.InflightWriteCap, k) {
		d.admission.cond.Wait()
	}
	d.admission.Unlock()
}

// writeCompleted returns k sectors of admission capacity and wakes parked
// writers.
func (d *Dev) writeCompleted(k int) {
	d.inflightWrites.Add(int64(-k))
	d.admission.Lock()
	d.admission.cond.Broadcast()
	d.admission.Unlock()
}
