//go:build unix

package erinyes

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

// openNonBlocking opens a FIFO without waiting for a writer to appear.
func openNonBlocking(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_RDONLY|unix.O_NONBLOCK, 0)
}

// wouldBlock reports an empty FIFO on platforms where the poller cannot
// watch pipes and the read fails immediately instead.
func wouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN)
}
