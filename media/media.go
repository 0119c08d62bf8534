// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package media

import "errors"

// ErrFailWrite is the device-side per-sector write failure status. Requests
// carrying it flow into grown-bad-block recovery instead of surfacing to the
// host.
var ErrFailWrite = errors.New("media: device write failure")

// Geometry describes the device. All counts are per the unit in the name;
// sizes are bytes.
type Geometry struct {
	NrLUNs     int
	NrChannels int
	NrPlanes   int
	SecSize    int
	// SecsPerPage is the number of sectors in one flash page across all
	// planes: the minimum write unit the device accepts.
	SecsPerPage int
	PgsPerBlk   int
	BlksPerLUN  int
	// MaxPhysSecs caps the number of sectors in a single device request.
	MaxPhysSecs int
}

// SecsPerBlk returns the total number of sectors in an erase block.
func (g Geometry) SecsPerBlk() int {
	return g.SecsPerPage * g.PgsPerBlk
}

// DataSecsPerBlk returns the number of sectors available for data in an
// erase block. The last physical page is reserved for the block's recovery
// metadata.
func (g Geometry) DataSecsPerBlk() int {
	return g.SecsPerBlk() - g.SecsPerPage
}

// NrSecs returns the addressable capacity of the device in sectors, counting
// data sectors only.
func (g Geometry) NrSecs() int {
	return g.NrLUNs * g.BlksPerLUN * g.DataSecsPerBlk()
}

// BlockHandle names one erase block on the device.
type BlockHandle struct {
	Ch  int
	LUN int
	Blk int
}

// Op is the request type.
type Op uint8

const (
	// OpWrite programs the addressed sectors.
	OpWrite Op = iota
	// OpRead reads the addressed sectors.
	OpRead
)

// Request is one device I/O. Addrs, Data and Meta are parallel: sector i of
// Data (and OOB entry i of Meta) belongs at Addrs[i]. Completion is
// dispatched asynchronously on a device callback goroutine via Done.
type Request struct {
	Op    Op
	Addrs []DevAddr
	Data  []byte
	// Meta is the per-sector out-of-band area. Writes stamp it; reads fill
	// it.
	Meta []LBA
	// Done is invoked exactly once when the request completes.
	Done func(*Request)
	// Err is the request-level status. A write with per-sector failures
	// carries ErrFailWrite here and the failed positions in
	// SectorErrors.
	Err error
	// SectorErrors is a bitmap over Addrs; bit i set means sector i failed.
	SectorErrors uint64
	// Priv is opaque caller context.
	Priv any
}

// Manager is the media-manager contract the translation layer consumes.
type Manager interface {
	Geometry() Geometry

	// GetBlk takes a free block from the LUN. ok is false when the LUN has
	// no free blocks.
	GetBlk(lun int) (h BlockHandle, ok bool)
	// PutBlk returns a block to the free pool.
	PutBlk(h BlockHandle)
	// MarkBad retires a grown-bad block permanently.
	MarkBad(h BlockHandle)
	// EraseBlk erases a block in place.
	EraseBlk(h BlockHandle) error
	// FreeBlocks reports the number of free blocks on the LUN.
	FreeBlocks(lun int) int

	// DMA-addressable scratch lists for request setup. Every Alloc must be
	// matched with a Free on all exit paths.
	AllocPPAList(n int) []DevAddr
	FreePPAList(l []DevAddr)
	AllocMetaList(n int) []LBA
	FreeMetaList(l []LBA)

	// Submit queues a request. A nil error means the request was accepted
	// and Done will be invoked.
	Submit(rq *Request) error
}
