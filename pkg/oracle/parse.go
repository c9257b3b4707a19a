// Package oracle turns raw runtime and telemetry payloads into numbers.
// Everything here is pure; callers decide what to keep.
package oracle

import (
	"math"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"

	"github.com/argus-triage/argus/pkg/domain"
)

// MemoryRatio returns peak memory usage over the memory limit.
// cgroup v2 hosts report no max_usage, so current usage stands in for it.
// fallbackLimit is used when the payload carries no limit. ok is false when
// the memory payload is empty.
func MemoryRatio(stats container.StatsResponse, fallbackLimit int64) (ratio float64, ok bool) {
	mem := stats.MemoryStats
	if mem.Usage == 0 && mem.MaxUsage == 0 && mem.Limit == 0 {
		return 0, false
	}

	peak := mem.MaxUsage
	if peak == 0 {
		peak = mem.Usage
	}

	limit := float64(mem.Limit)
	if limit == 0 {
		limit = float64(fallbackLimit)
	}
	if limit <= 0 {
		return 0, false
	}
	return float64(peak) / limit, true
}

// CPURatio returns the container's share of system CPU time between the two
// readings in stats, scaled by the number of CPUs. The result is not clamped;
// the runtime occasionally reports values above 1.
func CPURatio(stats container.StatsResponse, fallbackCPUs int) (ratio float64, ok bool) {
	cur, pre := stats.CPUStats, stats.PreCPUStats
	if cur.SystemUsage <= pre.SystemUsage {
		return 0, false
	}
	systemDelta := float64(cur.SystemUsage - pre.SystemUsage)
	cpuDelta := float64(cur.CPUUsage.TotalUsage) - float64(pre.CPUUsage.TotalUsage)

	return cpuDelta / systemDelta * float64(cpuCount(cur, fallbackCPUs)), true
}

func cpuCount(cur container.CPUStats, fallback int) int {
	if n := len(cur.CPUUsage.PercpuUsage); n > 0 {
		return n
	}
	if cur.OnlineCPUs > 0 {
		return int(cur.OnlineCPUs)
	}
	if fallback > 0 {
		return fallback
	}
	return 1
}

// FilesystemGrowth returns the read/write layer size of a sample.
func FilesystemGrowth(s domain.Sample) (int64, bool) {
	if s.SizeRw == nil {
		return 0, false
	}
	return *s.SizeRw, true
}

// ParseNetLine parses one nethogs trace row: exactly three whitespace
// separated fields, the last being KB/s.
func ParseNetLine(line string) (float64, bool) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return 0, false
	}
	if isHexFloat(fields[2]) {
		return 0, false
	}
	v, err := strconv.ParseFloat(fields[2], 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return Round2(v), true
}

// isHexFloat reports tokens such as 0x1p4, which ParseFloat accepts but
// nethogs never prints.
func isHexFloat(tok string) bool {
	tok = strings.TrimLeft(tok, "+-")
	return len(tok) > 1 && tok[0] == '0' && (tok[1] == 'x' || tok[1] == 'X')
}

// ParseNetChunk parses a chunk of side-channel output and returns the highest
// valid reading. ok is false when no line is valid.
func ParseNetChunk(chunk string) (domain.NetSample, bool) {
	chunk = strings.TrimSpace(strings.ReplaceAll(chunk, "\t", "   "))

	var best float64
	found := false
	for _, line := range strings.Split(chunk, "\n") {
		v, ok := ParseNetLine(strings.TrimSuffix(line, "\r"))
		if !ok {
			continue
		}
		if !found || v > best {
			best = v
		}
		found = true
	}
	return domain.NetSample(best), found
}

// Round2 rounds half away from zero to two decimals.
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}
