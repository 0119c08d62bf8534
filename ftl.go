// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Package ftl implements a host-side flash translation layer for
// Open-Channel solid-state drives. The device exposes raw erase blocks
// addressed by channel, LUN, plane, block, page and sector; this package
// provides the block-device abstraction on top: a ring-buffered write cache
// that guarantees media write granularity, a logical-to-physical map whose
// reads blend cache hits with device reads, a round-robin allocator that
// stripes writes across LUNs and retires full blocks, and a completion
// pipeline that commits persistence strictly in write order and recovers
// from grown-bad-block write failures.
package ftl

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/swiss"
	"github.com/ocssd/ftl/internal/base"
	"github.com/ocssd/ftl/internal/rate"
	"github.com/ocssd/ftl/internal/ringbuf"
	"github.com/ocssd/ftl/media"
)

// LBA is a host-visible logical block address, in sector units.
type LBA = media.LBA

// AddrEmpty marks an unmapped position in a scattered LBA list.
const AddrEmpty = media.AddrEmpty

// ErrRequeue is returned when a write cannot be admitted right now; the
// caller should back off and resubmit.
var ErrRequeue = base.ErrRequeue

// ErrClosed means the device has been closed.
var ErrClosed = base.ErrClosed

// Dev is a flash translation layer bound to one device. All state is scoped
// to the instance; there are no package-level singletons.
type Dev struct {
	opts   Options
	mm     media.Manager
	geo    media.Geometry
	nrSecs int

	minWritePgs int
	maxWritePgs int

	rb     *ringbuf.Buffer
	l2p    *l2pMap
	luns   []*lun
	blocks []block

	// lunRR is the round-robin cursor for user writes.
	lunRR atomic.Uint32
	// emergencyLUNs counts LUNs currently in emergency-GC mode.
	emergencyLUNs atomic.Int32

	// inflightWrites tracks admitted-but-uncompleted write sectors, bounded
	// by Options.InflightWriteCap.
	inflightWrites atomic.Int64
	admission      struct {
		sync.Mutex
		cond sync.Cond
	}

	// pending is the completion pipeline's out-of-order parking lot, keyed
	// by the sentry (first ring position) of each completed request. It is
	// guarded by the ring's sync lock.
	pending swiss.Map[uint64, *pendingWrite]

	eraseLimiter *rate.Limiter

	writerKick chan struct{}
	provKick   chan struct{}
	stopWriter chan struct{}
	stopProv   chan struct{}
	wg         sync.WaitGroup

	// activeIO tracks in-flight device requests and recovery work so that
	// Close can wait them out.
	activeIO sync.WaitGroup

	bufPool sync.Pool

	m metricsCounters

	closed atomic.Bool
}

// Open binds a translation layer to a media manager. The returned Dev
// accepts host I/O immediately; the provisioner has pre-erased one round of
// blocks before Open returns.
func Open(mm media.Manager, opts *Options) (*Dev, error) {
	if opts == nil {
		opts = &Options{}
	}
	opts.EnsureDefaults()
	geo := mm.Geometry()
	if geo.SecsPerPage <= 0 || geo.PgsPerBlk <= 1 || geo.NrLUNs <= 0 {
		return nil, errors.Errorf("ftl: unusable geometry %+v", geo)
	}
	if geo.NrPlanes <= 0 || geo.SecsPerPage%geo.NrPlanes != 0 {
		return nil, errors.Errorf("ftl: %d sectors per page not divisible over %d planes",
			geo.SecsPerPage, geo.NrPlanes)
	}
	maxW := geo.MaxPhysSecs - geo.MaxPhysSecs%geo.SecsPerPage
	if maxW < geo.SecsPerPage {
		return nil, errors.Errorf("ftl: device max of %d sectors below write granularity %d",
			geo.MaxPhysSecs, geo.SecsPerPage)
	}
	if opts.RingBufferSectors < 2*maxW {
		opts.RingBufferSectors = 2 * maxW
	}

	d := &Dev{
		opts:        *opts,
		mm:          mm,
		geo:         geo,
		nrSecs:      geo.NrSecs(),
		minWritePgs: geo.SecsPerPage,
		maxWritePgs: maxW,
		rb:          ringbuf.New(opts.RingBufferSectors, geo.SecSize),
		blocks:      make([]block, geo.NrLUNs*geo.BlksPerLUN),
		writerKick:  make(chan struct{}, 1),
		provKick:    make(chan struct{}, 1),
		stopWriter:  make(chan struct{}),
		stopProv:    make(chan struct{}),
	}
	d.l2p = newL2PMap(d.nrSecs)
	d.luns = make([]*lun, geo.NrLUNs)
	for i := range d.luns {
		d.luns[i] = newLUN(i)
	}
	for i := range d.blocks {
		d.blocks[i].id = int32(i)
		d.blocks[i].lun = i / geo.BlksPerLUN
	}
	d.admission.cond.L = &d.admission.Mutex
	d.pending.Init(16)
	if opts.ErasesPerSecond > 0 {
		d.eraseLimiter = rate.NewLimiter(opts.ErasesPerSecond, opts.ErasesPerSecond)
	}
	d.bufPool.New = func() any {
		return make([]byte, d.maxWritePgs*geo.SecSize)
	}

	d.provision()

	d.wg.Add(2)
	go d.writeLoop()
	go d.provisionLoop()
	return d, nil
}

// blockID returns the arena slot for a media block handle.
func (d *Dev) blockID(h media.BlockHandle) int32 {
	return int32(h.LUN*d.geo.BlksPerLUN + h.Blk)
}

func (d *Dev) kickWriter() {
	select {
	case d.writerKick <- struct{}{}:
	default:
	}
}

func (d *Dev) kickProvisioner() {
	select {
	case d.provKick <- struct{}{}:
	default:
	}
}

// NrSecs returns the logical capacity in sectors.
func (d *Dev) NrSecs() int {
	return d.nrSecs
}

// SecSize returns the sector size in bytes.
func (d *Dev) SecSize() int {
	return d.geo.SecSize
}

// Close flushes the write cache, pads and closes every open block so its
// recovery page lands on media, and releases the workers. Blocks that never
// took a write are returned to the media manager un-padded.
func (d *Dev) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	// Quiesce the data path with the drainer still running. Outstanding
	// recoveries can keep pushing entries through the GC write path, so
	// alternate between flushing the ring and waiting out the in-flight
	// work until both come up empty.
	var err error
	for attempts := 0; ; attempts++ {
		w := ringbuf.NewFlushWaiter()
		if d.rb.SetSyncPoint(w) {
			if attempts > 100 {
				// A device with no blocks left cannot absorb the remaining
				// entries; give up rather than spin on a flush that will
				// never cover.
				err = errors.CombineErrors(err, errors.Errorf(
					"ftl: %d cache entries stranded at close", d.rb.Mem()-d.rb.Synced()))
				break
			}
			d.kickWriter()
			err = errors.CombineErrors(err, w.Wait())
			d.activeIO.Wait()
			continue
		}
		d.activeIO.Wait()
		if !d.rb.SetSyncPoint(nil) {
			break
		}
	}

	close(d.stopWriter)
	for _, l := range d.luns {
		l.poolWakeAll()
	}

	err = errors.CombineErrors(err, d.padOpenBlocks())
	d.activeIO.Wait()

	close(d.stopProv)
	d.wg.Wait()

	d.rb.FailWaiters(ErrClosed)
	return err
}
