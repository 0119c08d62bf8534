// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"github.com/cockroachdb/errors"
	"github.com/ocssd/ftl/internal/base"
	"github.com/ocssd/ftl/media"
)

// Read fills buf with the current contents of the sectors starting at lba.
// Sectors whose latest value is cache-resident are copied straight out of
// the ring; unmapped sectors read as zeroes; the rest are fetched from
// media with a single internal request sized to the holes and spliced back
// into place.
func (d *Dev) Read(lba LBA, buf []byte) error {
	if d.closed.Load() {
		return ErrClosed
	}
	k, err := d.secCount(lba, len(buf))
	if err != nil {
		return err
	}

	ppas := make([]base.PPA, k)
	d.lookupForRead(lba, ppas)
	defer d.clearInflight(lba, ppas)

	ss := d.geo.SecSize
	// holeIdx collects the positions that need a device read; everything
	// else is satisfied (or zeroed) in this pass.
	var holeIdx []int
	for i, p := range ppas {
		dst := buf[i*ss : (i+1)*ss]
		switch {
		case p.IsEmpty():
			for j := range dst {
				dst[j] = 0
			}
		case p.IsCached():
			d.rb.CopyFromEntry(p.CacheLine(), dst)
			d.m.cacheHits.Add(1)
		default:
			holeIdx = append(holeIdx, i)
		}
	}
	if len(holeIdx) == 0 {
		return nil
	}
	d.m.deviceReadSectors.Add(int64(len(holeIdx)))

	for off := 0; off < len(holeIdx); off += d.geo.MaxPhysSecs {
		end := min(off+d.geo.MaxPhysSecs, len(holeIdx))
		if err := d.readHoles(lba, buf, ppas, holeIdx[off:end]); err != nil {
			return err
		}
	}
	return nil
}

// readHoles issues one device read covering the given hole positions and
// splices the sectors back into buf at their original offsets.
func (d *Dev) readHoles(lba LBA, buf []byte, ppas []base.PPA, holes []int) error {
	ss := d.geo.SecSize
	addrs := d.mm.AllocPPAList(len(holes))
	defer d.mm.FreePPAList(addrs)
	for j, i := range holes {
		addrs[j] = ppas[i].Addr()
	}

	// A read with no cache hits or zero-fills needs no splice: read
	// directly into the caller's buffer.
	contiguous := len(holes) == len(ppas) && len(holes) == holes[len(holes)-1]-holes[0]+1
	data := buf
	if !contiguous {
		data = d.bufPool.Get().([]byte)
		defer d.bufPool.Put(data) //nolint:staticcheck
		if cap(data) < len(holes)*ss {
			data = make([]byte, len(holes)*ss)
		}
		data = data[:len(holes)*ss]
	}

	done := make(chan struct{})
	rq := &media.Request{
		Op:    media.OpRead,
		Addrs: addrs,
		Data:  data[:len(holes)*ss],
		Done:  func(*media.Request) { close(done) },
	}
	if err := d.mm.Submit(rq); err != nil {
		return errors.Wrapf(err, "reading %d sectors at lba %d", len(holes), lba)
	}
	<-done
	if rq.Err != nil {
		return errors.Wrapf(rq.Err, "reading %d sectors at lba %d", len(holes), lba)
	}
	if !contiguous {
		for j, i := range holes {
			copy(buf[i*ss:(i+1)*ss], data[j*ss:(j+1)*ss])
		}
	}
	return nil
}
