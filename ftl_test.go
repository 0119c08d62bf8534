// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/crlib/testutils/leaktest"
	"github.com/ocssd/ftl/media"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

var testGeo = media.Geometry{
	NrLUNs:      2,
	NrChannels:  2,
	NrPlanes:    1,
	SecSize:     64,
	SecsPerPage: 4,
	PgsPerBlk:   4,
	BlksPerLUN:  8,
	MaxPhysSecs: 16,
}

func testDev(t *testing.T, geo media.Geometry, opts *Options) (*Dev, *media.Mem) {
	t.Helper()
	mem := media.NewMem(geo)
	d, err := Open(mem, opts)
	require.NoError(t, err)
	return d, mem
}

// sector returns one sector filled with b.
func sector(d *Dev, b byte) []byte {
	return bytes.Repeat([]byte{b}, d.SecSize())
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWriteReadCacheHit(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	require.NoError(t, d.Write(0, sector(d, 'A'), false))
	got := make([]byte, d.SecSize())
	require.NoError(t, d.Read(0, got))
	require.Equal(t, sector(d, 'A'), got)
	require.EqualValues(t, 1, d.Metrics().CacheHits)
}

func TestWriteDrainReadFromDevice(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	require.NoError(t, d.Write(0, sector(d, 'A'), false))
	require.NoError(t, d.Flush())
	waitFor(t, "mapping to persist", func() bool { return d.l2pGet(0).IsPersisted() })

	got := make([]byte, d.SecSize())
	require.NoError(t, d.Read(0, got))
	require.Equal(t, sector(d, 'A'), got)
	require.EqualValues(t, 1, d.Metrics().DeviceReadSectors)
}

func TestOverwriteInvalidatesFirstCopy(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	require.NoError(t, d.Write(0, sector(d, 'A'), false))
	require.NoError(t, d.Write(0, sector(d, 'B'), false))

	got := make([]byte, d.SecSize())
	require.NoError(t, d.Read(0, got))
	require.Equal(t, sector(d, 'B'), got)

	require.NoError(t, d.Flush())
	waitFor(t, "mapping to persist", func() bool { return d.l2pGet(0).IsPersisted() })

	// Both copies drained; the first one's flash sector is dead on arrival.
	p := d.l2pGet(0)
	b := &d.blocks[d.l2p.entries[0].blk]
	b.mu.Lock()
	invalid := b.invalid.count()
	b.mu.Unlock()
	require.True(t, p.IsPersisted())
	require.GreaterOrEqual(t, invalid, 1)

	require.NoError(t, d.Read(0, got))
	require.Equal(t, sector(d, 'B'), got)
}

func TestReadUnmappedReturnsZeros(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	require.NoError(t, d.Write(1, sector(d, 'A'), false))
	got := make([]byte, 3*d.SecSize())
	for i := range got {
		got[i] = 0xff
	}
	require.NoError(t, d.Read(0, got))
	require.Equal(t, make([]byte, d.SecSize()), got[:d.SecSize()])
	require.Equal(t, sector(d, 'A'), got[d.SecSize():2*d.SecSize()])
	require.Equal(t, make([]byte, d.SecSize()), got[2*d.SecSize():])
}

func TestPartialHoleFill(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	// Persist lbas 0..3, then overwrite 1 and 3 in cache only: a 4-sector
	// read mixes device holes with cache hits.
	buf := make([]byte, 4*d.SecSize())
	for i := 0; i < 4; i++ {
		copy(buf[i*d.SecSize():], sector(d, byte('a'+i)))
	}
	require.NoError(t, d.Write(0, buf, false))
	require.NoError(t, d.Flush())
	waitFor(t, "mappings to persist", func() bool {
		return d.l2pGet(0).IsPersisted() && d.l2pGet(3).IsPersisted()
	})
	require.NoError(t, d.Write(1, sector(d, 'B'), false))
	require.NoError(t, d.Write(3, sector(d, 'D'), false))

	got := make([]byte, 4*d.SecSize())
	require.NoError(t, d.Read(0, got))
	require.Equal(t, sector(d, 'a'), got[:d.SecSize()])
	require.Equal(t, sector(d, 'B'), got[d.SecSize():2*d.SecSize()])
	require.Equal(t, sector(d, 'c'), got[2*d.SecSize():3*d.SecSize()])
	require.Equal(t, sector(d, 'D'), got[3*d.SecSize():])
}

func TestDiscard(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	require.NoError(t, d.Write(0, sector(d, 'A'), false))
	require.NoError(t, d.Write(1, sector(d, 'B'), false))
	require.NoError(t, d.Flush())
	waitFor(t, "mapping to persist", func() bool { return d.l2pGet(0).IsPersisted() })
	require.NoError(t, d.Write(1, sector(d, 'C'), false))

	// The range covers a persisted entry and a cached one.
	require.NoError(t, d.Discard(0, 2))
	require.True(t, d.l2pGet(0).IsEmpty())
	require.True(t, d.l2pGet(1).IsEmpty())

	got := make([]byte, 2*d.SecSize())
	require.NoError(t, d.Read(0, got))
	require.Equal(t, make([]byte, 2*d.SecSize()), got)
}

func TestSyncWriteWaitsForPersist(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	require.NoError(t, d.Write(5, sector(d, 'S'), true))
	// A sync write returns only after the synced cursor covered it.
	require.True(t, d.l2pGet(5).IsPersisted())
}

func TestBlockCloseAndNewBlock(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	geo.NrLUNs = 1
	d, _ := testDev(t, geo, nil)
	defer d.Close()

	// One block holds 12 data sectors. Fill it exactly; the sync bitmap
	// fills and the block closes with its recovery page.
	nr := geo.DataSecsPerBlk()
	buf := make([]byte, nr*d.SecSize())
	for i := 0; i < nr; i++ {
		copy(buf[i*d.SecSize():], sector(d, byte('a'+i%26)))
	}
	require.NoError(t, d.Write(0, buf[:8*d.SecSize()], false))
	require.NoError(t, d.Write(8, buf[8*d.SecSize():], true))

	waitFor(t, "block to close", func() bool { return d.Metrics().BlocksClosed == 1 })
	// An exact fill needed no padding.
	require.EqualValues(t, 0, d.Metrics().PaddedSectors)

	// The next write lands on a fresh block from the provisioner queue.
	require.NoError(t, d.Write(LBA(nr), sector(d, 'z'), true))

	got := make([]byte, len(buf))
	require.NoError(t, d.Read(0, got))
	require.Equal(t, buf, got)
}

func TestFlushPadsToWriteGranularity(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	geo.NrLUNs = 1
	d, _ := testDev(t, geo, nil)
	defer d.Close()

	// A single-sector sync write forces a one-page request padded with
	// three filler sectors carrying empty LBAs.
	require.NoError(t, d.Write(0, sector(d, 'A'), true))
	m := d.Metrics()
	require.EqualValues(t, 3, m.PaddedSectors)
	require.EqualValues(t, 1, m.DeviceWrites)

	got := make([]byte, d.SecSize())
	require.NoError(t, d.Read(0, got))
	require.Equal(t, sector(d, 'A'), got)
}

func TestWriteFailureRecovery(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	geo.NrLUNs = 1
	geo.PgsPerBlk = 8 // 28 data sectors per block
	d, mem := testDev(t, geo, nil)
	defer d.Close()

	// Fail sector 2 of the next 16-sector request: its block grows bad,
	// the prefix commits, and the tail is re-issued with new mappings.
	mem.FailNextWriteSector(2)
	buf := make([]byte, 16*d.SecSize())
	for i := 0; i < 16; i++ {
		copy(buf[i*d.SecSize():], sector(d, byte('a'+i)))
	}
	require.NoError(t, d.Write(0, buf, true))

	m := d.Metrics()
	require.EqualValues(t, 1, m.WriteFailures)
	require.EqualValues(t, 1, m.BlockRecoveries)
	require.EqualValues(t, 14, m.RecoveredSectors)

	// Block recovery moves the two committed sectors off the dying block
	// through the GC write path; once it finishes and the cache drains,
	// every LBA ends with exactly one persisted mapping and its data.
	waitFor(t, "block to be marked bad", func() bool { return d.Metrics().BlocksBad == 1 })
	require.NoError(t, d.Flush())
	for i := 0; i < 16; i++ {
		waitFor(t, "mapping to persist", func() bool { return d.l2pGet(LBA(i)).IsPersisted() })
	}
	got := make([]byte, len(buf))
	require.NoError(t, d.Read(0, got))
	require.Equal(t, buf, got)
}

func TestConcurrentReadAndOverwrite(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	require.NoError(t, d.Write(7, sector(d, 'X'), false))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		vals := []byte{'X', 'Y'}
		i := 0
		for {
			select {
			case <-stop:
				return
			default:
			}
			_ = d.Write(7, sector(d, vals[i%2]), false)
			i++
		}
	}()

	got := make([]byte, d.SecSize())
	for i := 0; i < 200; i++ {
		require.NoError(t, d.Read(7, got))
		// The read sees one write or the other, never a torn sector.
		first := got[0]
		require.Contains(t, []byte{'X', 'Y'}, first)
		require.Equal(t, bytes.Repeat([]byte{first}, d.SecSize()), got)
	}
	close(stop)
	wg.Wait()
}

func TestEmergencyModeRejectsUserWrites(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	geo.NrLUNs = 1
	geo.BlksPerLUN = 3
	d, _ := testDev(t, geo, &Options{EmergencyFreeBlocks: 4})
	defer d.Close()

	waitFor(t, "emergency mode", func() bool { return d.emergencyLUNs.Load() > 0 })
	err := d.Write(0, sector(d, 'A'), false)
	require.ErrorIs(t, err, ErrRequeue)

	// The collector's writes are still admitted.
	require.NoError(t, d.GCWrite([]LBA{1}, nil, sector(d, 'G'), nil))
	got := make([]byte, d.SecSize())
	require.NoError(t, d.Read(1, got))
	require.Equal(t, sector(d, 'G'), got)
}

func TestEraseFailureMarksBlockBad(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	mem := media.NewMem(geo)
	mem.FailNextErase(0, 1)
	d, err := Open(mem, nil)
	require.NoError(t, err)
	defer d.Close()

	waitFor(t, "erase failure", func() bool { return d.Metrics().EraseFailures == 1 })
	// The provisioner moved on to the next block; writes still work.
	require.NoError(t, d.Write(0, sector(d, 'A'), true))
}

func TestGCRefReleasedOnDrain(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)
	defer d.Close()

	released := make(chan struct{})
	lbas := []LBA{3, AddrEmpty, 5}
	data := make([]byte, 3*d.SecSize())
	copy(data, sector(d, 'p'))
	copy(data[2*d.SecSize():], sector(d, 'q'))
	require.NoError(t, d.GCWrite(lbas, nil, data, func() { close(released) }))
	require.NoError(t, d.Flush())

	select {
	case <-released:
	case <-time.After(5 * time.Second):
		t.Fatal("gc buffer not released after drain")
	}
	got := make([]byte, d.SecSize())
	require.NoError(t, d.Read(3, got))
	require.Equal(t, sector(d, 'p'), got)
	require.NoError(t, d.Read(5, got))
	require.Equal(t, sector(d, 'q'), got)
}

func TestSyncLatencyHistogram(t *testing.T) {
	defer leaktest.AfterTest(t)()
	hist := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ftl_sync_latency",
		Buckets: []float64{1e3, 1e6, 1e9},
	})
	d, _ := testDev(t, testGeo, &Options{SyncLatency: hist})
	defer d.Close()

	require.NoError(t, d.Write(0, sector(d, 'A'), true))
	require.NoError(t, d.Write(1, sector(d, 'B'), false))
	require.NoError(t, d.Flush())

	var m dto.Metric
	require.NoError(t, hist.Write(&m))
	require.EqualValues(t, 2, m.Histogram.GetSampleCount())
}

func TestRandomRoundTrip(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	geo.BlksPerLUN = 16
	d, _ := testDev(t, geo, nil)
	defer d.Close()

	rng := rand.New(rand.NewSource(17))
	model := make(map[LBA][]byte)
	// Concentrate on a small hot set so overwritten blocks turn fully
	// invalid and recycle; there is no collector to reclaim cold blocks.
	const span = 64

	for op := 0; op < 1500; op++ {
		lba := LBA(rng.Int63n(span))
		switch rng.Intn(10) {
		case 0:
			require.NoError(t, d.Flush())
		case 1:
			n := 1 + rng.Intn(3)
			require.NoError(t, d.Discard(lba, n))
			for i := 0; i < n; i++ {
				delete(model, lba+LBA(i))
			}
		default:
			k := 1 + rng.Intn(4)
			buf := make([]byte, k*d.SecSize())
			rng.Read(buf)
			err := d.Write(lba, buf, rng.Intn(20) == 0)
			if err == ErrRequeue {
				op--
				_ = d.Flush()
				time.Sleep(time.Millisecond)
				continue
			}
			require.NoError(t, err)
			for i := 0; i < k; i++ {
				model[lba+LBA(i)] = append([]byte(nil), buf[i*d.SecSize():(i+1)*d.SecSize()]...)
			}
		}
	}
	require.NoError(t, d.Flush())

	got := make([]byte, d.SecSize())
	zero := make([]byte, d.SecSize())
	for lba := LBA(0); int(lba) < d.NrSecs(); lba++ {
		require.NoError(t, d.Read(lba, got))
		want, ok := model[lba]
		if !ok {
			want = zero
		}
		require.Equal(t, want, got, "lba %d", lba)
	}
}

func TestCloseIsIdempotentAndFinal(t *testing.T) {
	defer leaktest.AfterTest(t)()
	d, _ := testDev(t, testGeo, nil)

	require.NoError(t, d.Write(0, sector(d, 'A'), false))
	require.NoError(t, d.Close())
	require.ErrorIs(t, d.Close(), ErrClosed)
	require.ErrorIs(t, d.Write(0, sector(d, 'B'), false), ErrClosed)
	require.ErrorIs(t, d.Read(0, make([]byte, d.SecSize())), ErrClosed)
}

func TestCloseReturnsUntouchedBlocks(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	mem := media.NewMem(geo)
	d, err := Open(mem, nil)
	require.NoError(t, err)

	free := 0
	for l := 0; l < geo.NrLUNs; l++ {
		free += mem.FreeBlocks(l)
	}
	require.NoError(t, d.Close())

	// Every pre-erased block went back to the free pool un-padded.
	after := 0
	for l := 0; l < geo.NrLUNs; l++ {
		after += mem.FreeBlocks(l)
	}
	require.Equal(t, geo.NrLUNs*geo.BlksPerLUN, after)
	require.Greater(t, after, free)
}

func TestClosePadsOpenBlocks(t *testing.T) {
	defer leaktest.AfterTest(t)()
	geo := testGeo
	geo.NrLUNs = 1
	d, _ := testDev(t, geo, nil)

	// One persisted sector, padded out to a full page, leaves the block open
	// with 8 unwritten data sectors; Close pads them so the recovery page can
	// land.
	require.NoError(t, d.Write(0, sector(d, 'A'), true))
	require.NoError(t, d.Close())

	m := d.Metrics()
	require.EqualValues(t, 1, m.BlocksClosed)
	// 3 pads to fill the first page, 8 more on teardown.
	require.EqualValues(t, 11, m.PaddedSectors)
}
