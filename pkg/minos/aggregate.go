// Package minos reduces a run's timeline into its final report.
package minos

import (
	"math"
	"strconv"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/oracle"
)

// Options carry the fallbacks the parser needs for payloads that omit them.
type Options struct {
	MemoryLimit int64
	HostCPUs    int
}

// Aggregate computes peak memory, peak CPU, filesystem growth and peak
// network throughput. Metrics without samples are zero. CPU is clamped to
// [0, 1] here and only here.
func Aggregate(t domain.Timeline, opts Options) domain.Report {
	var r domain.Report

	for _, s := range t.Samples {
		if mem, ok := oracle.MemoryRatio(s.Stats, opts.MemoryLimit); ok && mem > r.MaxMemoryRatio {
			r.MaxMemoryRatio = mem
		}
		if cpu, ok := oracle.CPURatio(s.Stats, opts.HostCPUs); ok && cpu > r.MaxCPURatio {
			r.MaxCPURatio = cpu
		}
		if fs, ok := oracle.FilesystemGrowth(s); ok && fs > r.FilesystemGrowth {
			r.FilesystemGrowth = fs
		}
	}
	r.MaxCPURatio = clamp01(r.MaxCPURatio)

	for _, n := range t.Net {
		if float64(n) > r.MaxNetworkKBps {
			r.MaxNetworkKBps = float64(n)
		}
	}
	return r
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// Percent renders a ratio as a percentage rounded to the ratio's second decimal.
func Percent(ratio float64) float64 {
	return oracle.Round2(ratio) * 100
}

var sizeUnits = []string{"B", "KB", "MB", "GB", "TB", "PB", "EB", "ZB", "YB"}

// HumanBytes renders n in the largest binary unit whose scaled value is at
// least 1, with two decimals. Zero renders as "0B".
func HumanBytes(n int64) string {
	if n == 0 {
		return "0B"
	}
	sign := ""
	if n < 0 {
		sign = "-"
	}

	v := math.Abs(float64(n))
	i := 0
	for v >= 1024 && i < len(sizeUnits)-1 {
		v /= 1024
		i++
	}
	return sign + strconv.FormatFloat(v, 'f', 2, 64) + " " + sizeUnits[i]
}
