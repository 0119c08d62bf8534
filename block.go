// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"encoding/binary"
	"hash/crc32"
	"math/bits"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/ocssd/ftl/internal/invariants"
	"github.com/ocssd/ftl/media"
)

// blockState tracks the lifecycle of an erase block.
//
//	free -> open -> full -> closing -> closed -> retired
//
// Any state can transition to bad on a grown write or erase failure.
type blockState uint8

const (
	blockFree blockState = iota
	blockOpen
	blockFull
	blockClosing
	blockClosed
	blockRetired
	blockBad
)

func (s blockState) String() string {
	switch s {
	case blockFree:
		return "free"
	case blockOpen:
		return "open"
	case blockFull:
		return "full"
	case blockClosing:
		return "closing"
	case blockClosed:
		return "closed"
	case blockRetired:
		return "retired"
	case blockBad:
		return "bad"
	}
	return "unknown"
}

// bitmap is a fixed-size bitset over block sectors.
type bitmap []uint64

func newBitmap(n int) bitmap {
	return make(bitmap, (n+63)/64)
}

func (b bitmap) set(i int) {
	invariants.CheckBounds(i, len(b)*64)
	b[i/64] |= 1 << (uint(i) % 64)
}

func (b bitmap) test(i int) bool {
	invariants.CheckBounds(i, len(b)*64)
	return b[i/64]&(1<<(uint(i)%64)) != 0
}

func (b bitmap) count() int {
	n := 0
	for _, w := range b {
		n += bits.OnesCount64(w)
	}
	return n
}

func (b bitmap) full(n int) bool {
	return b.count() == n
}

func (b bitmap) clear() {
	for i := range b {
		b[i] = 0
	}
}

// block is the per-erase-block state. Sector allocation is contiguous:
// curSec always equals the popcount of sectorBitmap. syncBitmap records
// media-persisted sectors; invalidBitmap records overwritten or padded ones.
type block struct {
	id  int32
	lun int
	h   media.BlockHandle

	mu       sync.Mutex
	state    blockState
	curSec   int
	nrSecs   int // data sectors in the block
	sectors  bitmap
	synced   bitmap
	invalid  bitmap
	rlpg     *recPage
	failing  bool
	closedCh chan struct{}
}

// reinit prepares a (re-)provisioned block for writing.
func (b *block) reinit(h media.BlockHandle, nrSecs int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.h = h
	b.state = blockFree
	b.curSec = 0
	b.nrSecs = nrSecs
	if b.sectors == nil {
		b.sectors = newBitmap(nrSecs)
		b.synced = newBitmap(nrSecs)
		b.invalid = newBitmap(nrSecs)
	} else {
		b.sectors.clear()
		b.synced.clear()
		b.invalid.clear()
	}
	b.rlpg = newRecPage(nrSecs)
	b.failing = false
	b.closedCh = make(chan struct{})
}

// allocSecs bumps the sector cursor by n and returns the first allocated
// sector, or false if the block cannot hold n more sectors. Callers hold
// b.mu.
func (b *block) allocSecs(n int) (uint64, bool) {
	if b.curSec+n > b.nrSecs {
		return 0, false
	}
	old := b.curSec
	for i := 0; i < n; i++ {
		if invariants.Enabled && b.sectors.test(old+i) {
			panic(errors.AssertionFailedf("block %d: sector %d allocated twice", b.id, old+i))
		}
		b.sectors.set(old + i)
	}
	b.curSec += n
	// The full popcount cross-check is linear in the block size; run it on
	// a sample of allocations.
	if invariants.Sometimes(20) && b.curSec != b.sectors.count() {
		panic(errors.AssertionFailedf("block %d: cursor %d diverged from sector bitmap %d",
			b.id, b.curSec, b.sectors.count()))
	}
	if b.curSec == b.nrSecs {
		b.state = blockFull
	}
	return uint64(old), true
}

// markSynced sets the sector's bit in the sync bitmap and reports whether
// the bitmap just became full, at which point the block is ready to close.
// Callers hold b.mu.
func (b *block) markSynced(sec uint64) bool {
	if invariants.Enabled && b.synced.test(int(sec)) {
		panic(errors.AssertionFailedf("block %d: sector %d synced twice", b.id, sec))
	}
	b.synced.set(int(sec))
	return b.synced.full(b.nrSecs)
}

// markInvalid invalidates a previously persisted sector and reports whether
// the whole block is now invalid. Callers hold b.mu.
func (b *block) markInvalid(sec uint64) bool {
	if b.invalid.test(int(sec)) {
		return false
	}
	b.invalid.set(int(sec))
	return b.invalid.full(b.nrSecs)
}

// padInvalidate accounts a padding sector: never written by the host, it is
// both invalid and, once the pad lands, considered synced so the block can
// close. Returns true when the sync bitmap filled up. Callers hold b.mu.
func (b *block) padInvalidate(sec uint64) bool {
	b.invalid.set(int(sec))
	return b.markSynced(sec)
}

// signalClosed wakes waiters parked on the block reaching a terminal state
// (closed or bad). Idempotent.
func (b *block) signalClosed() {
	b.mu.Lock()
	ch := b.closedCh
	b.closedCh = nil
	b.mu.Unlock()
	if ch != nil {
		close(ch)
	}
}

// waitClosed returns a channel closed once the block reaches a terminal
// state, or nil if it already has.
func (b *block) waitClosed() <-chan struct{} {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closedCh
}

// addr returns the device address of a data sector in this block.
func (b *block) addr(sec uint64, geo media.Geometry) media.DevAddr {
	spp := geo.SecsPerPage
	planeSecs := spp / geo.NrPlanes
	in := int(sec) % spp
	return media.DevAddr{
		Ch:  b.h.Ch,
		LUN: b.h.LUN,
		Pl:  in / planeSecs,
		Blk: b.h.Blk,
		Pg:  int(sec) / spp,
		Sec: in % planeSecs,
	}
}

// recPage is the per-block recovery metadata stamped in the block's last
// physical page when it closes: the reverse LBA map plus the three sector
// bitmaps, CRC-protected.
type recPage struct {
	nrLbas   uint32
	nrPadded uint32
	lbas     []media.LBA
}

func newRecPage(nrSecs int) *recPage {
	p := &recPage{lbas: make([]media.LBA, nrSecs)}
	for i := range p.lbas {
		p.lbas[i] = media.AddrEmpty
	}
	return p
}

var recPageCRC = crc32.MakeTable(crc32.Castagnoli)

// Serialized layout, little-endian:
//
//	status(4) rlpgLen(4) reqLen(4) bitmapLen(4) crc(4) nrLbas(4) nrPadded(4)
//	lbas[nrSecs](8 each) sectorBitmap syncBitmap invalidBitmap
//
// The CRC covers everything after itself.
const recPageHdrLen = 28
const recPageCRCOff = 16

// encodeRecPage serializes the recovery page for a block, padded out to
// reqLen (the size of the physical page it is written to). Callers hold
// b.mu.
func encodeRecPage(b *block, reqLen int) ([]byte, error) {
	bitmapLen := len(b.sectors) * 8
	rlpgLen := recPageHdrLen + len(b.rlpg.lbas)*8 + 3*bitmapLen
	if rlpgLen > reqLen {
		return nil, errors.Errorf(
			"ftl: recovery page of %d bytes exceeds page size %d", rlpgLen, reqLen)
	}
	buf := make([]byte, reqLen)
	binary.LittleEndian.PutUint32(buf[0:], uint32(b.state))
	binary.LittleEndian.PutUint32(buf[4:], uint32(rlpgLen))
	binary.LittleEndian.PutUint32(buf[8:], uint32(reqLen))
	binary.LittleEndian.PutUint32(buf[12:], uint32(bitmapLen))
	binary.LittleEndian.PutUint32(buf[20:], b.rlpg.nrLbas)
	binary.LittleEndian.PutUint32(buf[24:], b.rlpg.nrPadded)
	off := recPageHdrLen
	for _, l := range b.rlpg.lbas {
		binary.LittleEndian.PutUint64(buf[off:], uint64(l))
		off += 8
	}
	for _, bm := range []bitmap{b.sectors, b.synced, b.invalid} {
		for _, w := range bm {
			binary.LittleEndian.PutUint64(buf[off:], w)
			off += 8
		}
	}
	crc := crc32.Checksum(buf[recPageCRCOff+4:rlpgLen], recPageCRC)
	binary.LittleEndian.PutUint32(buf[recPageCRCOff:], crc)
	return buf, nil
}

// decodedRecPage is the parsed form of an on-media recovery page.
type decodedRecPage struct {
	status   uint32
	nrLbas   uint32
	nrPadded uint32
	lbas     []media.LBA
	sectors  bitmap
	synced   bitmap
	invalid  bitmap
}

// decodeRecPage parses and CRC-checks a recovery page.
func decodeRecPage(buf []byte) (*decodedRecPage, error) {
	if len(buf) < recPageHdrLen {
		return nil, errors.Errorf("ftl: recovery page truncated at %d bytes", len(buf))
	}
	rlpgLen := int(binary.LittleEndian.Uint32(buf[4:]))
	bitmapLen := int(binary.LittleEndian.Uint32(buf[12:]))
	if rlpgLen < recPageHdrLen || rlpgLen > len(buf) {
		return nil, errors.Errorf("ftl: bad recovery page length %d", rlpgLen)
	}
	want := binary.LittleEndian.Uint32(buf[recPageCRCOff:])
	if got := crc32.Checksum(buf[recPageCRCOff+4:rlpgLen], recPageCRC); got != want {
		return nil, errors.Errorf("ftl: recovery page crc mismatch (got %08x, want %08x)", got, want)
	}
	nrLbaBytes := rlpgLen - recPageHdrLen - 3*bitmapLen
	if nrLbaBytes < 0 || nrLbaBytes%8 != 0 || bitmapLen%8 != 0 {
		return nil, errors.Errorf("ftl: inconsistent recovery page geometry")
	}
	d := &decodedRecPage{
		status:   binary.LittleEndian.Uint32(buf[0:]),
		nrLbas:   binary.LittleEndian.Uint32(buf[20:]),
		nrPadded: binary.LittleEndian.Uint32(buf[24:]),
	}
	off := recPageHdrLen
	d.lbas = make([]media.LBA, nrLbaBytes/8)
	for i := range d.lbas {
		d.lbas[i] = media.LBA(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
	}
	for _, bm := range []*bitmap{&d.sectors, &d.synced, &d.invalid} {
		*bm = make(bitmap, bitmapLen/8)
		for i := range *bm {
			(*bm)[i] = binary.LittleEndian.Uint64(buf[off:])
			off += 8
		}
	}
	return d, nil
}
