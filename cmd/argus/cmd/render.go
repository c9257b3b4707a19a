package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/minos"
)

func checkFormat(format string) error {
	switch format {
	case "text", "json", "yaml":
		return nil
	}
	return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
}

func render(w io.Writer, r domain.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		return renderText(w, r)
	}
}

func renderText(w io.Writer, r domain.Report) error {
	var b strings.Builder
	fmt.Fprintf(&b, "Unit: %s\n", r.Unit)
	fmt.Fprintf(&b, "Max Memory Usage is %.0f%%, Max CPU Usage is %.0f%%\n",
		minos.Percent(r.MaxMemoryRatio), minos.Percent(r.MaxCPURatio))
	fmt.Fprintf(&b, "Increase in Size of Filesystem: %s\n", minos.HumanBytes(r.FilesystemGrowth))
	fmt.Fprintf(&b, "Max Network Usage is %s KB/s\n", strconv.FormatFloat(r.MaxNetworkKBps, 'f', -1, 64))
	fmt.Fprintf(&b, "Stopped: %s after %d ticks (%s)\n", r.Reason, r.Ticks, r.Duration.Round(time.Millisecond))
	if r.UnitError != "" {
		fmt.Fprintf(&b, "Unit error: %s\n", r.UnitError)
	}
	if r.PollError != "" {
		fmt.Fprintf(&b, "Poll error: %s\n", r.PollError)
	}
	if v := r.Verdict; v != nil {
		if v.Suspicious {
			fmt.Fprintf(&b, "Verdict: SUSPICIOUS (%s)\n", strings.Join(v.Matched, "; "))
		} else {
			b.WriteString("Verdict: clean\n")
		}
	}
	_, err := io.WriteString(w, b.String())
	return err
}
