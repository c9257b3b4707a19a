//go:build !unix

package erinyes

import "os"

func openNonBlocking(path string) (*os.File, error) {
	return os.Open(path)
}

func wouldBlock(error) bool { return false }
