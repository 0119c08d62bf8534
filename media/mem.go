// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package media

import (
	"sync"

	"github.com/cockroachdb/errors"
)

// Mem is an in-memory device implementing the Manager contract. It emulates
// the full geometry, keeps per-sector data and OOB state, and supports fault
// injection for write and erase failures.
type Mem struct {
	geo Geometry

	mu struct {
		sync.Mutex
		luns []memLUN
		// failWriteSecs maps the index of a sector within the next write
		// request to a forced failure.
		failWriteSecs map[int]bool
		failEraseLUN  map[int]int
	}

	ppaPool  sync.Pool
	metaPool sync.Pool
}

type memLUN struct {
	blks []memBlk
	free []int
	bad  map[int]bool
}

type memBlk struct {
	data    []byte
	oob     []LBA
	written []bool
	erases  int
}

var _ Manager = (*Mem)(nil)

// DefaultGeometry is the geometry NewMem uses when handed a zero value: a
// small device that keeps tests fast while exercising multi-LUN striping.
var DefaultGeometry = Geometry{
	NrLUNs:      4,
	NrChannels:  2,
	NrPlanes:    1,
	SecSize:     4096,
	SecsPerPage: 4,
	PgsPerBlk:   16,
	BlksPerLUN:  32,
	MaxPhysSecs: 64,
}

// NewMem returns an in-memory device with the given geometry.
func NewMem(geo Geometry) *Mem {
	if geo == (Geometry{}) {
		geo = DefaultGeometry
	}
	m := &Mem{geo: geo}
	m.mu.luns = make([]memLUN, geo.NrLUNs)
	m.mu.failWriteSecs = make(map[int]bool)
	m.mu.failEraseLUN = make(map[int]int)
	secsPerBlk := geo.SecsPerBlk()
	for i := range m.mu.luns {
		l := &m.mu.luns[i]
		l.blks = make([]memBlk, geo.BlksPerLUN)
		l.free = make([]int, 0, geo.BlksPerLUN)
		l.bad = make(map[int]bool)
		for b := range l.blks {
			l.blks[b].data = make([]byte, secsPerBlk*geo.SecSize)
			l.blks[b].oob = make([]LBA, secsPerBlk)
			l.blks[b].written = make([]bool, secsPerBlk)
			l.free = append(l.free, b)
		}
	}
	return m
}

// Geometry implements Manager.
func (m *Mem) Geometry() Geometry {
	return m.geo
}

// GetBlk implements Manager.
func (m *Mem) GetBlk(lun int) (BlockHandle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &m.mu.luns[lun]
	if len(l.free) == 0 {
		return BlockHandle{}, false
	}
	blk := l.free[0]
	l.free = l.free[1:]
	return BlockHandle{Ch: lun % m.geo.NrChannels, LUN: lun, Blk: blk}, true
}

// PutBlk implements Manager.
func (m *Mem) PutBlk(h BlockHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l := &m.mu.luns[h.LUN]
	if l.bad[h.Blk] {
		return
	}
	l.free = append(l.free, h.Blk)
}

// MarkBad implements Manager.
func (m *Mem) MarkBad(h BlockHandle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.luns[h.LUN].bad[h.Blk] = true
}

// EraseBlk implements Manager.
func (m *Mem) EraseBlk(h BlockHandle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n := m.mu.failEraseLUN[h.LUN]; n > 0 {
		m.mu.failEraseLUN[h.LUN] = n - 1
		return errors.Errorf("mem: erase failure injected on lun %d blk %d", h.LUN, h.Blk)
	}
	b := &m.mu.luns[h.LUN].blks[h.Blk]
	for i := range b.data {
		b.data[i] = 0
	}
	for i := range b.oob {
		b.oob[i] = 0
		b.written[i] = false
	}
	b.erases++
	return nil
}

// FreeBlocks implements Manager.
func (m *Mem) FreeBlocks(lun int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.mu.luns[lun].free)
}

// Erases returns the erase count of a block, for tests.
func (m *Mem) Erases(h BlockHandle) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mu.luns[h.LUN].blks[h.Blk].erases
}

// FailNextWriteSector arranges for sector index i of the next write request
// to fail with ErrFailWrite.
func (m *Mem) FailNextWriteSector(i int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.failWriteSecs[i] = true
}

// FailNextErase arranges for the next n erases on the LUN to fail.
func (m *Mem) FailNextErase(lun, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mu.failEraseLUN[lun] = n
}

// AllocPPAList implements Manager.
func (m *Mem) AllocPPAList(n int) []DevAddr {
	if v := m.ppaPool.Get(); v != nil {
		l := v.([]DevAddr)
		if cap(l) >= n {
			return l[:n]
		}
	}
	return make([]DevAddr, n, m.geo.MaxPhysSecs)
}

// FreePPAList implements Manager.
func (m *Mem) FreePPAList(l []DevAddr) {
	m.ppaPool.Put(l[:0]) //nolint:staticcheck
}

// AllocMetaList implements Manager.
func (m *Mem) AllocMetaList(n int) []LBA {
	if v := m.metaPool.Get(); v != nil {
		l := v.([]LBA)
		if cap(l) >= n {
			return l[:n]
		}
	}
	return make([]LBA, n, m.geo.MaxPhysSecs)
}

// FreeMetaList implements Manager.
func (m *Mem) FreeMetaList(l []LBA) {
	m.metaPool.Put(l[:0]) //nolint:staticcheck
}

// Submit implements Manager. The request executes on a separate goroutine,
// modelling the device's completion context.
func (m *Mem) Submit(rq *Request) error {
	if len(rq.Addrs) == 0 {
		return errors.New("mem: empty request")
	}
	if len(rq.Addrs) > m.geo.MaxPhysSecs {
		return errors.Errorf("mem: request of %d sectors exceeds device cap %d",
			len(rq.Addrs), m.geo.MaxPhysSecs)
	}
	if len(rq.Data) != len(rq.Addrs)*m.geo.SecSize {
		return errors.Errorf("mem: data length %d does not cover %d sectors",
			len(rq.Data), len(rq.Addrs))
	}
	go m.run(rq)
	return nil
}

func (m *Mem) run(rq *Request) {
	m.mu.Lock()
	switch rq.Op {
	case OpWrite:
		for i, a := range rq.Addrs {
			if m.mu.failWriteSecs[i] {
				delete(m.mu.failWriteSecs, i)
				rq.SectorErrors |= 1 << uint(i)
				rq.Err = ErrFailWrite
				continue
			}
			b := &m.mu.luns[a.LUN].blks[a.Blk]
			sec := m.secIndex(a)
			copy(b.data[sec*m.geo.SecSize:(sec+1)*m.geo.SecSize],
				rq.Data[i*m.geo.SecSize:(i+1)*m.geo.SecSize])
			if rq.Meta != nil {
				b.oob[sec] = rq.Meta[i]
			}
			b.written[sec] = true
		}
	case OpRead:
		for i, a := range rq.Addrs {
			b := &m.mu.luns[a.LUN].blks[a.Blk]
			sec := m.secIndex(a)
			dst := rq.Data[i*m.geo.SecSize : (i+1)*m.geo.SecSize]
			if b.written[sec] {
				copy(dst, b.data[sec*m.geo.SecSize:(sec+1)*m.geo.SecSize])
			} else {
				for j := range dst {
					dst[j] = 0
				}
			}
			if rq.Meta != nil {
				rq.Meta[i] = b.oob[sec]
			}
		}
	}
	m.mu.Unlock()
	rq.Done(rq)
}

func (m *Mem) secIndex(a DevAddr) int {
	planeSecs := m.geo.SecsPerPage / m.geo.NrPlanes
	return a.Pg*m.geo.SecsPerPage + a.Pl*planeSecs + a.Sec
}
