package kampe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBootstrap_Commands(t *testing.T) {
	b := Bootstrap{
		Installs:     DefaultInstalls("/tmp"),
		Collector:    DefaultCollector("/tmp"),
		Target:       "/tmp/samples/dropper.sh",
		NetLimitKBps: 100,
		KeepAlive:    true,
	}

	assert.Equal(t, []string{
		"dpkg -i /tmp/ubuntuDeps/downloadTrickle/*.deb",
		"dpkg -i /tmp/ubuntuDeps/downloadWget/*.deb",
		"dpkg -i /tmp/ubuntuDeps/downloadNethogs/*.deb",
		"dpkg -i /tmp/ubuntuDeps/downloadScreen/*.deb",
		"screen -d -m bash /tmp/scripts/nethogs.sh",
		"trickle -d 100 -u 100 bash /tmp/samples/dropper.sh",
		"sleep infinity",
	}, b.Commands())
}

func TestBootstrap_ShellWithoutKeepAlive(t *testing.T) {
	b := Bootstrap{Target: "/tmp/my file.sh", NetLimitKBps: 12.5}

	assert.Equal(t, []string{"bash", "-c", "trickle -d 12.5 -u 12.5 bash '/tmp/my file.sh'"}, b.Shell())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "/tmp/a.sh", shellQuote("/tmp/a.sh"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "''", shellQuote(""))
}
