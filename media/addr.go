// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package media defines the address types and the contract consumed from the
// media manager, plus an in-memory device for tests and benchmarking.
package media

import "fmt"

// LBA is a host-visible logical block address, in sector units.
type LBA uint64

// AddrEmpty marks an unmapped or padded position in an LBA list.
const AddrEmpty = LBA(^uint64(0))

// IsEmpty returns true for the AddrEmpty sentinel.
func (l LBA) IsEmpty() bool {
	return l == AddrEmpty
}

// DevAddr is a fully-qualified physical sector address in the device's
// geometry. It is only meaningful to the media manager; inside the
// translation layer addresses travel as PPAs.
type DevAddr struct {
	Ch  int
	LUN int
	Pl  int
	Blk int
	Pg  int
	Sec int
}

// Packed device address layout. The block field is capped at 14 bits so that
// a packed address always fits in the low 62 bits of a word, leaving the top
// two bits for the PPA tag.
const (
	devSecBits = 8
	devPlBits  = 8
	devChBits  = 8
	devLUNBits = 8
	devPgBits  = 16
	devBlkBits = 14

	devSecShift = 0
	devPlShift  = devSecShift + devSecBits
	devChShift  = devPlShift + devPlBits
	devLUNShift = devChShift + devChBits
	devPgShift  = devLUNShift + devLUNBits
	devBlkShift = devPgShift + devPgBits
)

// Pack encodes the address into the wire form handed to the device.
func (a DevAddr) Pack() uint64 {
	return uint64(a.Sec)<<devSecShift |
		uint64(a.Pl)<<devPlShift |
		uint64(a.Ch)<<devChShift |
		uint64(a.LUN)<<devLUNShift |
		uint64(a.Pg)<<devPgShift |
		uint64(a.Blk)<<devBlkShift
}

// UnpackDevAddr decodes a packed device address.
func UnpackDevAddr(v uint64) DevAddr {
	mask := func(bits int) uint64 { return 1<<bits - 1 }
	return DevAddr{
		Sec: int(v >> devSecShift & mask(devSecBits)),
		Pl:  int(v >> devPlShift & mask(devPlBits)),
		Ch:  int(v >> devChShift & mask(devChBits)),
		LUN: int(v >> devLUNShift & mask(devLUNBits)),
		Pg:  int(v >> devPgShift & mask(devPgBits)),
		Blk: int(v >> devBlkShift & mask(devBlkBits)),
	}
}

// SameBlk returns true if both addresses fall in the same erase block.
func (a DevAddr) SameBlk(b DevAddr) bool {
	return a.Ch == b.Ch && a.LUN == b.LUN && a.Blk == b.Blk
}

func (a DevAddr) String() string {
	return fmt.Sprintf("ch%d/lun%d/pl%d/blk%d/pg%d/sec%d", a.Ch, a.LUN, a.Pl, a.Blk, a.Pg, a.Sec)
}
