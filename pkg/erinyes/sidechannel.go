package erinyes

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/argus-triage/argus/pkg/domain"
	"github.com/argus-triage/argus/pkg/oracle"
)

// DefaultChunkSize is how much of the side-channel is consumed per tick.
const DefaultChunkSize = 100

// NetworkSource yields at most one throughput reading per call.
type NetworkSource interface {
	// Read returns ok=false when nothing usable was available this tick.
	Read(ctx context.Context) (sample domain.NetSample, ok bool, err error)
}

// SideChannel reads the nethogs trace written by the collector inside the
// sandbox onto the shared helper mount. The artifact is usually a FIFO; a
// regular file is treated as an append-only log and read from where the last
// complete line ended.
type SideChannel struct {
	Path      string
	ChunkSize int
	// ReadWait bounds a read from a FIFO with no pending data.
	ReadWait time.Duration

	offset int64
}

// NewSideChannel reads path in chunks of DefaultChunkSize.
func NewSideChannel(path string) *SideChannel {
	return &SideChannel{Path: path, ChunkSize: DefaultChunkSize, ReadWait: 10 * time.Millisecond}
}

func (s *SideChannel) Read(ctx context.Context) (domain.NetSample, bool, error) {
	info, err := os.Stat(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		// collector not started yet
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to stat side-channel %s: %w", s.Path, err)
	}

	f, err := openNonBlocking(s.Path)
	if err != nil {
		return 0, false, fmt.Errorf("failed to open side-channel %s: %w", s.Path, err)
	}
	defer f.Close()

	regular := info.Mode().IsRegular()
	if regular {
		if _, err := f.Seek(s.offset, io.SeekStart); err != nil {
			return 0, false, fmt.Errorf("failed to seek side-channel: %w", err)
		}
	} else {
		_ = f.SetReadDeadline(time.Now().Add(s.ReadWait))
	}

	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = DefaultChunkSize
	}
	buf := make([]byte, chunk)
	n, err := f.Read(buf)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrDeadlineExceeded) && !wouldBlock(err) {
		return 0, false, fmt.Errorf("failed to read side-channel: %w", err)
	}
	data := buf[:n]

	if regular {
		data = completeLines(data, n == chunk)
		s.offset += int64(len(data))
	}

	sample, ok := oracle.ParseNetChunk(string(data))
	return sample, ok, nil
}

// completeLines trims a trailing partial line so it is re-read next tick.
// A full chunk without any newline is consumed whole so an overlong line
// cannot stall the reader.
func completeLines(data []byte, full bool) []byte {
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		return data[:i+1]
	}
	if full {
		return data
	}
	return data[:0]
}
