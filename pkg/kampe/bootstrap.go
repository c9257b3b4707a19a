package kampe

import (
	"path"
	"strconv"
	"strings"
)

// Bootstrap describes what runs inside the sandbox: dependency installs, the
// background network collector, then the target under a bandwidth cap.
type Bootstrap struct {
	Installs     []string
	Collector    string
	Target       string
	NetLimitKBps float64
	KeepAlive    bool
}

// DefaultInstalls installs the offline .deb bundles shipped in the helper
// directory mounted at mountTarget.
func DefaultInstalls(mountTarget string) []string {
	deps := []string{"downloadTrickle", "downloadWget", "downloadNethogs", "downloadScreen"}
	cmds := make([]string, 0, len(deps))
	for _, d := range deps {
		cmds = append(cmds, "dpkg -i "+path.Join(mountTarget, "ubuntuDeps", d)+"/*.deb")
	}
	return cmds
}

// DefaultCollector is the nethogs wrapper script inside the helper directory.
func DefaultCollector(mountTarget string) string {
	return path.Join(mountTarget, "scripts", "nethogs.sh")
}

// Commands returns the ordered command list.
func (b Bootstrap) Commands() []string {
	cmds := append([]string(nil), b.Installs...)
	if b.Collector != "" {
		cmds = append(cmds, "screen -d -m bash "+shellQuote(b.Collector))
	}

	limit := strconv.FormatFloat(b.NetLimitKBps, 'f', -1, 64)
	cmds = append(cmds, "trickle -d "+limit+" -u "+limit+" bash "+shellQuote(b.Target))

	if b.KeepAlive {
		cmds = append(cmds, "sleep infinity")
	}
	return cmds
}

// Shell joins the command list into a single bash invocation that stops at
// the first failing step.
func (b Bootstrap) Shell() []string {
	return []string{"bash", "-c", strings.Join(b.Commands(), " && ")}
}

func shellQuote(s string) string {
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`;&|<>()*?[]{}!#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
