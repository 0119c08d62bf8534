// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"time"

	"github.com/ocssd/ftl/internal/base"
	"github.com/prometheus/client_golang/prometheus"
)

// Options holds the parameters for opening a device. The zero value, after
// EnsureDefaults, is a usable configuration.
type Options struct {
	// RingBufferSectors is the capacity of the write cache in sectors,
	// rounded up to a power of two. It must comfortably exceed the device's
	// maximum request size.
	RingBufferSectors int

	// InflightWriteCap bounds the number of write sectors admitted but not
	// yet completed on media. Writers park once the cap is reached.
	InflightWriteCap int

	// PoolQueueDepth is the number of pre-erased blocks the provisioner
	// keeps ready per LUN.
	PoolQueueDepth int

	// EmergencyFreeBlocks is the per-LUN free-block threshold below which
	// the LUN enters emergency-GC mode and user writes are rejected with
	// ErrRequeue.
	EmergencyFreeBlocks int

	// ProvisionInterval is the period of the provisioner timer.
	ProvisionInterval time.Duration

	// DrainInterval is how long the drainer idles when the ring holds less
	// than a full device write and no flush is pending.
	DrainInterval time.Duration

	// ErasesPerSecond paces block erases issued by the provisioner. Zero
	// means unpaced.
	ErasesPerSecond float64

	// MaxReadSectors caps the sectors accepted in one host request.
	MaxReadSectors int

	// Logger for messages.
	Logger base.Logger

	// WriteLatency, if set, records the latency of buffered host writes.
	WriteLatency prometheus.Histogram
	// SyncLatency, if set, records the latency of host flushes and sync
	// writes, from submission until the ring's synced cursor covers them.
	SyncLatency prometheus.Histogram
}

// EnsureDefaults ensures that the default values for all options are set if a
// valid value was not already specified. Returns the receiver for chaining.
func (o *Options) EnsureDefaults() *Options {
	if o.RingBufferSectors <= 0 {
		o.RingBufferSectors = 4096
	}
	if o.InflightWriteCap <= 0 {
		o.InflightWriteCap = 400000
	}
	if o.PoolQueueDepth <= 0 {
		o.PoolQueueDepth = 1
	}
	if o.EmergencyFreeBlocks <= 0 {
		o.EmergencyFreeBlocks = 2
	}
	if o.ProvisionInterval <= 0 {
		o.ProvisionInterval = 10 * time.Millisecond
	}
	if o.DrainInterval <= 0 {
		o.DrainInterval = time.Millisecond
	}
	if o.MaxReadSectors <= 0 {
		o.MaxReadSectors = 64
	}
	if o.Logger == nil {
		o.Logger = base.DefaultLogger
	}
	return o
}
