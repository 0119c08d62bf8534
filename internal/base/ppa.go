// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package base

import (
	"fmt"

	"github.com/ocssd/ftl/media"
)

// PPA is the value stored in the L2P map for one LBA: a single 64-bit word
// encoding one of three variants.
//
//   - Empty: the LBA is unmapped.
//   - Cached: the latest value lives in the write cache; the payload is the
//     ring position (cacheline). Cached PPAs additionally carry a
//     read-in-flight bit, set while a reader is copying the cacheline out.
//   - Persisted: the value is on media; the payload is the packed DevAddr.
//
// The packed DevAddr occupies the low 62 bits, so the two tag bits never
// collide with a persisted address.
type PPA struct {
	v uint64
}

const (
	ppaCachedBit   = 1 << 63
	ppaInflightBit = 1 << 62
	ppaLineMask    = ppaInflightBit - 1
)

// EmptyPPA returns the unmapped sentinel.
func EmptyPPA() PPA {
	return PPA{v: ^uint64(0)}
}

// CachedPPA returns a cached PPA for the given ring position. The
// read-in-flight bit is clear.
func CachedPPA(line uint64) PPA {
	return PPA{v: ppaCachedBit | line}
}

// PersistedPPA returns a persisted PPA for the given device address.
func PersistedPPA(a media.DevAddr) PPA {
	return PPA{v: a.Pack()}
}

// IsEmpty returns true for the unmapped sentinel.
func (p PPA) IsEmpty() bool {
	return p.v == ^uint64(0)
}

// IsCached returns true if the PPA points into the write cache.
func (p PPA) IsCached() bool {
	return !p.IsEmpty() && p.v&ppaCachedBit != 0
}

// IsPersisted returns true if the PPA is a device address.
func (p PPA) IsPersisted() bool {
	return !p.IsEmpty() && p.v&ppaCachedBit == 0
}

// CacheLine returns the ring position of a cached PPA.
func (p PPA) CacheLine() uint64 {
	return p.v & ppaLineMask
}

// ReadInflight reports whether a reader holds the cacheline.
func (p PPA) ReadInflight() bool {
	return p.IsCached() && p.v&ppaInflightBit != 0
}

// WithReadInflight returns the cached PPA with the read-in-flight bit set or
// cleared.
func (p PPA) WithReadInflight(set bool) PPA {
	if set {
		return PPA{v: p.v | ppaInflightBit}
	}
	return PPA{v: p.v &^ uint64(ppaInflightBit)}
}

// SameLine returns true if p is cached at the given ring position,
// regardless of the read-in-flight bit.
func (p PPA) SameLine(line uint64) bool {
	return p.IsCached() && p.CacheLine() == line
}

// Addr returns the device address of a persisted PPA.
func (p PPA) Addr() media.DevAddr {
	return media.UnpackDevAddr(p.v)
}

func (p PPA) String() string {
	switch {
	case p.IsEmpty():
		return "empty"
	case p.IsCached():
		if p.ReadInflight() {
			return fmt.Sprintf("cache:%d(r)", p.CacheLine())
		}
		return fmt.Sprintf("cache:%d", p.CacheLine())
	default:
		return p.Addr().String()
	}
}
