// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"sync/atomic"

	"github.com/cockroachdb/crlib/crhumanize"
	"github.com/cockroachdb/redact"
)

// metricsCounters is the live, atomically updated side of the metrics.
type metricsCounters struct {
	writeSectors      atomic.Int64
	gcWriteSectors    atomic.Int64
	syncedSectors     atomic.Int64
	paddedSectors     atomic.Int64
	recoveredSectors  atomic.Int64
	cacheHits         atomic.Int64
	deviceReadSectors atomic.Int64
	deviceWrites      atomic.Int64
	flushes           atomic.Int64
	requeues          atomic.Int64
	mapBusy           atomic.Int64
	writeFailures     atomic.Int64
	blockRecoveries   atomic.Int64
	blocksClosed      atomic.Int64
	blocksRetired     atomic.Int64
	blocksBad         atomic.Int64
	eraseFailures     atomic.Int64
	emergencyTrips    atomic.Int64
}

// Metrics is a point-in-time snapshot of the translation layer's counters.
type Metrics struct {
	// WriteSectors is the number of host write sectors accepted into the
	// cache; GCWriteSectors counts the collector's re-issues.
	WriteSectors   int64
	GCWriteSectors int64
	// SyncedSectors is the number of ring entries committed persistent.
	SyncedSectors int64
	// PaddedSectors counts filler sectors the drainer adds to honor the
	// device write granularity and those written to close blocks on
	// shutdown. Padding on recovery re-issues is not counted.
	PaddedSectors int64
	// RecoveredSectors counts sectors re-issued after device write
	// failures.
	RecoveredSectors int64

	// CacheHits counts read sectors served from the ring;
	// DeviceReadSectors those fetched from media.
	CacheHits         int64
	DeviceReadSectors int64
	// DeviceWrites is the number of write requests the drainer submitted to
	// the device; recovery re-issues, teardown padding and block-close
	// writes are not counted.
	DeviceWrites int64
	Flushes      int64

	// Requeues counts writes pushed back to the host (cache full or
	// emergency-GC); MapBusy counts yield-retries on contended L2P entries.
	Requeues int64
	MapBusy  int64

	WriteFailures   int64
	BlockRecoveries int64
	BlocksClosed    int64
	BlocksRetired   int64
	BlocksBad       int64
	EraseFailures   int64
	EmergencyTrips  int64
}

// Metrics returns a snapshot of the device counters.
func (d *Dev) Metrics() Metrics {
	return Metrics{
		WriteSectors:      d.m.writeSectors.Load(),
		GCWriteSectors:    d.m.gcWriteSectors.Load(),
		SyncedSectors:     d.m.syncedSectors.Load(),
		PaddedSectors:     d.m.paddedSectors.Load(),
		RecoveredSectors:  d.m.recoveredSectors.Load(),
		CacheHits:         d.m.cacheHits.Load(),
		DeviceReadSectors: d.m.deviceReadSectors.Load(),
		DeviceWrites:      d.m.deviceWrites.Load(),
		Flushes:           d.m.flushes.Load(),
		Requeues:          d.m.requeues.Load(),
		MapBusy:           d.m.mapBusy.Load(),
		WriteFailures:     d.m.writeFailures.Load(),
		BlockRecoveries:   d.m.blockRecoveries.Load(),
		BlocksClosed:      d.m.blocksClosed.Load(),
		BlocksRetired:     d.m.blocksRetired.Load(),
		BlocksBad:         d.m.blocksBad.Load(),
		EraseFailures:     d.m.eraseFailures.Load(),
		EmergencyTrips:    d.m.emergencyTrips.Load(),
	}
}

var _ redact.SafeFormatter = Metrics{}

// SafeFormat implements redact.SafeFormatter.
func (m Metrics) SafeFormat(w redact.SafePrinter, _ rune) {
	count := func(v int64) redact.SafeString {
		return redact.SafeString(crhumanize.Count(v, crhumanize.Compact))
	}
	w.Printf("write: %s host %s gc %s synced %s padded (%s recovered)\n",
		count(m.WriteSectors), count(m.GCWriteSectors), count(m.SyncedSectors),
		count(m.PaddedSectors), count(m.RecoveredSectors))
	w.Printf("read: %s cache %s device\n", count(m.CacheHits), count(m.DeviceReadSectors))
	w.Printf("device: %s writes %s flushes %s requeues %s map-busy\n",
		count(m.DeviceWrites), count(m.Flushes), count(m.Requeues), count(m.MapBusy))
	w.Printf("blocks: %s closed %s retired %s bad (%s write failures, %s erase failures, %s emergency trips)",
		count(m.BlocksClosed), count(m.BlocksRetired), count(m.BlocksBad),
		count(m.WriteFailures), count(m.EraseFailures), count(m.EmergencyTrips))
}

func (m Metrics) String() string {
	return redact.StringWithoutMarkers(m)
}
