// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package main

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/cockroachdb/crlib/crtime"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"golang.org/x/exp/rand"

	"github.com/ocssd/ftl"
	"github.com/ocssd/ftl/media"
)

var benchFlags = struct {
	duration    time.Duration
	concurrency int
	readPercent int
	secsPerOp   int
	syncEvery   int
	seed        uint64
	luns        int
	blksPerLUN  int
	pgsPerBlk   int
	showGraph   bool
	showMetrics bool
}{}

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "run a mixed read/write workload against an in-memory device",
	RunE:  runBench,
}

func init() {
	f := benchCmd.Flags()
	f.DurationVar(&benchFlags.duration, "duration", 10*time.Second, "benchmark duration")
	f.IntVar(&benchFlags.concurrency, "concurrency", 8, "concurrent workers")
	f.IntVar(&benchFlags.readPercent, "read-percent", 50, "percentage of read ops")
	f.IntVar(&benchFlags.secsPerOp, "sectors", 4, "sectors per operation")
	f.IntVar(&benchFlags.syncEvery, "sync-every", 64, "issue a sync write every N writes (0 disables)")
	f.Uint64Var(&benchFlags.seed, "seed", 1, "random seed")
	f.IntVar(&benchFlags.luns, "luns", 8, "device LUNs")
	f.IntVar(&benchFlags.blksPerLUN, "blocks-per-lun", 128, "erase blocks per LUN")
	f.IntVar(&benchFlags.pgsPerBlk, "pages-per-block", 64, "pages per erase block")
	f.BoolVar(&benchFlags.showGraph, "graph", true, "plot per-second throughput")
	f.BoolVar(&benchFlags.showMetrics, "metrics", true, "dump device metrics at the end")
}

type benchWorker struct {
	reads  *hdrhistogram.Histogram
	writes *hdrhistogram.Histogram
	ops    int64
}

func newBenchWorker() *benchWorker {
	return &benchWorker{
		reads:  hdrhistogram.New(1, int64(10*time.Second), 3),
		writes: hdrhistogram.New(1, int64(10*time.Second), 3),
	}
}

func runBench(cmd *cobra.Command, args []string) error {
	geo := media.DefaultGeometry
	geo.NrLUNs = benchFlags.luns
	geo.BlksPerLUN = benchFlags.blksPerLUN
	geo.PgsPerBlk = benchFlags.pgsPerBlk

	mem := media.NewMem(geo)
	dev, err := ftl.Open(mem, nil)
	if err != nil {
		return err
	}

	var (
		workers = make([]*benchWorker, benchFlags.concurrency)
		secOps  []int64
		opsMu   sync.Mutex
		stop    = make(chan struct{})
		wg      sync.WaitGroup
	)
	ss := dev.SecSize()
	span := dev.NrSecs() - benchFlags.secsPerOp

	for i := range workers {
		w := newBenchWorker()
		workers[i] = w
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(benchFlags.seed + uint64(id)))
			buf := make([]byte, benchFlags.secsPerOp*ss)
			writes := 0
			for {
				select {
				case <-stop:
					return
				default:
				}
				lba := ftl.LBA(rng.Int63n(int64(span)))
				start := crtime.NowMono()
				if rng.Intn(100) < benchFlags.readPercent {
					if err := dev.Read(lba, buf); err != nil {
						fmt.Fprintf(os.Stderr, "read: %v\n", err)
						return
					}
					_ = w.reads.RecordValue(int64(start.Elapsed()))
				} else {
					rng.Read(buf)
					writes++
					doSync := benchFlags.syncEvery > 0 && writes%benchFlags.syncEvery == 0
					for {
						err := dev.Write(lba, buf, doSync)
						if err == ftl.ErrRequeue {
							time.Sleep(50 * time.Microsecond)
							continue
						}
						if err != nil {
							fmt.Fprintf(os.Stderr, "write: %v\n", err)
							return
						}
						break
					}
					_ = w.writes.RecordValue(int64(start.Elapsed()))
				}
				w.ops++
			}
		}(i)
	}

	// Sample per-second throughput for the graph.
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(time.Second)
		defer t.Stop()
		var last int64
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				var total int64
				for _, w := range workers {
					total += w.ops
				}
				opsMu.Lock()
				secOps = append(secOps, total-last)
				opsMu.Unlock()
				last = total
			}
		}
	}()

	time.Sleep(benchFlags.duration)
	close(stop)
	wg.Wait()
	if err := dev.Close(); err != nil {
		return err
	}

	reads := hdrhistogram.New(1, int64(10*time.Second), 3)
	writes := hdrhistogram.New(1, int64(10*time.Second), 3)
	for _, w := range workers {
		reads.Merge(w.reads)
		writes.Merge(w.writes)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"op", "count", "p50", "p95", "p99", "max"})
	for _, row := range []struct {
		name string
		h    *hdrhistogram.Histogram
	}{{"read", reads}, {"write", writes}} {
		table.Append([]string{
			row.name,
			fmt.Sprint(row.h.TotalCount()),
			time.Duration(row.h.ValueAtQuantile(50)).String(),
			time.Duration(row.h.ValueAtQuantile(95)).String(),
			time.Duration(row.h.ValueAtQuantile(99)).String(),
			time.Duration(row.h.Max()).String(),
		})
	}
	table.Render()

	if benchFlags.showGraph {
		opsMu.Lock()
		series := make([]float64, len(secOps))
		for i, v := range secOps {
			series[i] = float64(v)
		}
		opsMu.Unlock()
		if len(series) > 1 {
			fmt.Println("\nops/sec")
			fmt.Println(asciigraph.Plot(series, asciigraph.Height(10)))
		}
	}

	if benchFlags.showMetrics {
		fmt.Printf("\n%s\n", dev.Metrics())
	}
	return nil
}
