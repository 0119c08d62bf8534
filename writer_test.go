// Copyright 2026 The FTL Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

package ftl

import (
	"fmt"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"
)

func TestCalcSecsToSync(t *testing.T) {
	datadriven.RunTest(t, "testdata/calc_secs_to_sync", func(t *testing.T, td *datadriven.TestData) string {
		var minPgs, maxPgs int
		td.ScanArgs(t, "min", &minPgs)
		td.ScanArgs(t, "max", &maxPgs)
		var buf strings.Builder
		for _, line := range strings.Split(strings.TrimSpace(td.Input), "\n") {
			var avail, toFlush int
			_, err := fmt.Sscanf(line, "%d %d", &avail, &toFlush)
			if err != nil {
				td.Fatalf(t, "parsing %q: %v", line, err)
			}
			got := calcSecsToSync(avail, toFlush, minPgs, maxPgs)
			fmt.Fprintf(&buf, "avail=%-3d flush=%-3d -> %d\n", avail, toFlush, got)
		}
		return buf.String()
	})
}

func TestCalcSecsToSyncProperties(t *testing.T) {
	const minPgs, maxPgs = 4, 32
	for avail := 0; avail <= 80; avail++ {
		for toFlush := 0; toFlush <= avail; toFlush++ {
			got := calcSecsToSync(avail, toFlush, minPgs, maxPgs)
			require.Zero(t, got%minPgs,
				"avail=%d flush=%d: %d not a multiple of the write granularity", avail, toFlush, got)
			require.LessOrEqual(t, got, maxPgs)
			if toFlush > 0 {
				// A pending flush always forces a submission.
				require.Positive(t, got, "avail=%d flush=%d", avail, toFlush)
			}
			if toFlush == 0 {
				// Without a flush there is no reason to pad.
				require.LessOrEqual(t, got, avail, "avail=%d flush=%d", avail, toFlush)
			}
		}
	}
}
