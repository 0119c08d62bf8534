// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import "time"

// provisionLoop keeps every LUN's pool queue stocked with pre-erased
// blocks. It wakes on its timer or on demand when a drainer finds a queue
// empty.
func (d *Dev) provisionLoop() {
	defer d.wg.Done()
	t := time.NewTicker(d.opts.ProvisionInterval)
	defer t.Stop()
	for {
		select {
		case <-d.stopProv:
			return
		case <-d.provKick:
		case <-t.C:
		}
		d.provision()
	}
}

// provision tops up each LUN's queue to the configured depth. A LUN whose
// free-block count falls below the emergency threshold has its emergency
// bit set before its next block is taken; the bit clears once the count
// recovers.
func (d *Dev) provision() {
	for _, l := range d.luns {
		for l.poolLen() < d.opts.PoolQueueDepth {
			if d.mm.FreeBlocks(l.id) < d.opts.EmergencyFreeBlocks {
				d.setEmergency(l, true)
			}
			h, ok := d.mm.GetBlk(l.id)
			if !ok {
				d.setEmergency(l, true)
				break
			}
			if d.eraseLimiter != nil {
				d.eraseLimiter.Wait(1)
			}
			if err := d.mm.EraseBlk(h); err != nil {
				d.opts.Logger.Errorf("ftl: erase of lun %d blk %d failed, marking bad: %v",
					h.LUN, h.Blk, err)
				d.mm.MarkBad(h)
				d.m.eraseFailures.Add(1)
				continue
			}
			b := &d.blocks[d.blockID(h)]
			b.reinit(h, d.geo.DataSecsPerBlk())
			l.poolPush(b)
		}
		if d.mm.FreeBlocks(l.id) >= d.opts.EmergencyFreeBlocks {
			d.setEmergency(l, false)
		}
	}
}

func (d *Dev) setEmergency(l *lun, on bool) {
	if l.emergency.CompareAndSwap(!on, on) {
		if on {
			d.emergencyLUNs.Add(1)
			d.m.emergencyTrips.Add(1)
			d.opts.Logger.Infof("ftl: lun %d entering emergency-gc mode", l.id)
		} else {
			d.emergencyLUNs.Add(-1)
		}
	}
}
