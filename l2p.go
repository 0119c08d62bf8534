// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"runtime"
	"sync"

	"github.com/ocssd/ftl/internal/base"
	"github.com/ocssd/ftl/media"
)

// l2pEntry is one logical sector's mapping: its PPA plus, for persisted
// entries, the arena slot of the owning block (needed to invalidate the
// sector on overwrite or discard).
type l2pEntry struct {
	ppa base.PPA
	blk int32
}

// l2pMap is the logical-to-physical map: a dense array over the device's
// logical capacity under a single mutex. The mutex covers lookups, mapping
// updates, invalidations and the read-in-flight bit; nothing that blocks is
// done while holding it.
type l2pMap struct {
	mu      sync.Mutex
	entries []l2pEntry
}

func newL2PMap(nrSecs int) *l2pMap {
	m := &l2pMap{entries: make([]l2pEntry, nrSecs)}
	for i := range m.entries {
		m.entries[i] = l2pEntry{ppa: base.EmptyPPA(), blk: -1}
	}
	return m
}

// lookupForRead snapshots the mappings of k consecutive LBAs into out. For
// cache-resident entries it sets the read-in-flight bit, which holds off
// any mapping update that would let the cacheline be reused while the
// caller copies it. A single bit is carried per entry, so concurrent
// readers of the same cached LBA serialize here.
func (d *Dev) lookupForRead(lba media.LBA, out []base.PPA) {
	m := d.l2p
	for i := range out {
		for {
			m.mu.Lock()
			e := &m.entries[lba+media.LBA(i)]
			if e.ppa.ReadInflight() {
				m.mu.Unlock()
				runtime.Gosched()
				continue
			}
			if e.ppa.IsCached() {
				e.ppa = e.ppa.WithReadInflight(true)
			}
			out[i] = e.ppa
			m.mu.Unlock()
			break
		}
	}
}

// clearInflight drops the read-in-flight bits taken by lookupForRead. The
// snapshot identifies which entries were cached; an entry is only touched
// if it still points at the same cacheline.
func (d *Dev) clearInflight(lba media.LBA, snap []base.PPA) {
	m := d.l2p
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, p := range snap {
		if !p.IsCached() {
			continue
		}
		e := &m.entries[lba+media.LBA(i)]
		if e.ppa.SameLine(p.CacheLine()) {
			e.ppa = e.ppa.WithReadInflight(false)
		}
	}
}

// updateMapCached publishes a new cacheline mapping for lba. If the
// existing entry is cache-resident with a reader in flight the update
// yields and retries: publishing would allow the slot under the reader to
// be rewritten. An overwritten persisted mapping is invalidated on its
// owning block.
func (d *Dev) updateMapCached(lba media.LBA, line uint64) {
	m := d.l2p
	for {
		m.mu.Lock()
		e := &m.entries[lba]
		if e.ppa.ReadInflight() {
			m.mu.Unlock()
			d.m.mapBusy.Add(1)
			runtime.Gosched()
			continue
		}
		if e.ppa.IsPersisted() {
			d.invalidateSecLocked(e.blk, e.ppa)
		}
		e.ppa = base.CachedPPA(line)
		e.blk = -1
		m.mu.Unlock()
		return
	}
}

// updateMapDev moves lba's mapping from the cacheline it was written
// through to its persisted address. Called by the completion pipeline as
// the entry commits. If the entry no longer points at that cacheline the
// LBA was overwritten while the write was in flight; the freshly persisted
// sector is dead on arrival and is invalidated on its block instead.
func (d *Dev) updateMapDev(lba media.LBA, line uint64, addr media.DevAddr, blkID int32, sec uint64) {
	m := d.l2p
	for {
		m.mu.Lock()
		e := &m.entries[lba]
		if e.ppa.ReadInflight() && e.ppa.SameLine(line) {
			// A reader is copying this cacheline. The slot must not become
			// reusable until it finishes, and committing this entry is what
			// makes it reusable.
			m.mu.Unlock()
			d.m.mapBusy.Add(1)
			runtime.Gosched()
			continue
		}
		if e.ppa.SameLine(line) {
			e.ppa = base.PersistedPPA(addr)
			e.blk = blkID
		} else {
			d.invalidateSecOn(blkID, sec)
		}
		m.mu.Unlock()
		return
	}
}

// updateMapGC publishes a collector re-write's cacheline mapping only if
// the entry still points at the device sector being moved. A host write
// that got in first keeps its mapping; the orphaned ring entry is
// invalidated when it later drains.
func (d *Dev) updateMapGC(lba media.LBA, line uint64, old media.DevAddr) {
	m := d.l2p
	for {
		m.mu.Lock()
		e := &m.entries[lba]
		if e.ppa.ReadInflight() {
			m.mu.Unlock()
			d.m.mapBusy.Add(1)
			runtime.Gosched()
			continue
		}
		if e.ppa.IsPersisted() && e.ppa.Addr() == old {
			d.invalidateSecLocked(e.blk, e.ppa)
			e.ppa = base.CachedPPA(line)
			e.blk = -1
		}
		m.mu.Unlock()
		return
	}
}

// invalidateRange unmaps n LBAs starting at slba, invalidating persisted
// sectors on their owning blocks. Backs the host discard operation.
func (d *Dev) invalidateRange(slba media.LBA, n int) {
	m := d.l2p
	for i := 0; i < n; i++ {
		for {
			m.mu.Lock()
			e := &m.entries[slba+media.LBA(i)]
			if e.ppa.ReadInflight() {
				m.mu.Unlock()
				runtime.Gosched()
				continue
			}
			if e.ppa.IsPersisted() {
				d.invalidateSecLocked(e.blk, e.ppa)
			}
			e.ppa = base.EmptyPPA()
			e.blk = -1
			m.mu.Unlock()
			break
		}
	}
}

// l2pGet snapshots one entry.
func (d *Dev) l2pGet(lba media.LBA) base.PPA {
	d.l2p.mu.Lock()
	defer d.l2p.mu.Unlock()
	return d.l2p.entries[lba].ppa
}

// invalidateSecLocked invalidates the persisted sector behind a mapping.
// The L2P mutex may be held. The block mutex is taken, which is ordered
// after it; retiring a block that became fully invalid also takes the LUN's
// list lock and returns the block to the media manager.
func (d *Dev) invalidateSecLocked(blkID int32, ppa base.PPA) {
	if blkID < 0 {
		return
	}
	a := ppa.Addr()
	sec := uint64(a.Pg*d.geo.SecsPerPage + a.Pl*(d.geo.SecsPerPage/d.geo.NrPlanes) + a.Sec)
	d.invalidateSecOn(blkID, sec)
}

// invalidateSecOn marks one data sector invalid on a block, retiring the
// block if it is closed and now fully invalid.
func (d *Dev) invalidateSecOn(blkID int32, sec uint64) {
	b := &d.blocks[blkID]
	b.mu.Lock()
	allInvalid := b.markInvalid(sec)
	retire := allInvalid && b.state == blockClosed
	if retire {
		b.state = blockRetired
	}
	b.mu.Unlock()
	if retire {
		d.retire(b)
	}
}
