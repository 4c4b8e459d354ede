package service

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/dotX12/nginx-sentinel/internal/domain"
)

const (
	minBackoff        = 250 * time.Millisecond
	maxBackoff        = 5 * time.Second
	pollInterval      = 200 * time.Millisecond
	rotationCheckEach = 5 // check for rotation every Nth AtEof poll
)

// LogFollower durably tails the configured access log, surviving
// rotation and truncation (spec §4.6). Its state machine —
// Opening -> Reading -> AtEof -> RotationCheck — is built on stdlib
// os/bufio rather than a generic tailing library: the inode+size
// heuristic it implements is more specific than what a library like
// nxadm/tail exposes as a public API (see DESIGN.md).
type LogFollower struct {
	logger zerolog.Logger
	lines  chan<- string

	file   *os.File
	reader *bufio.Reader
	inode  uint64
	offset int64
}

// NewLogFollower creates a LogFollower that writes complete lines to
// lines. lines is expected to be a bounded channel; Follow blocks on
// send so the pipeline never silently drops a line under backpressure
// (spec §5).
func NewLogFollower(logger zerolog.Logger, lines chan<- string) *LogFollower {
	return &LogFollower{logger: logger, lines: lines}
}

// Follow runs the state machine against path until ctx is cancelled. A
// new path received on retarget (the Orchestrator's command channel for
// the watcher -> follower retarget described in spec §9) closes the
// current file and continues following the new path.
func (f *LogFollower) Follow(ctx context.Context, path string, retarget <-chan string) error {
	defer f.closeFile()

	backoff := minBackoff
	pollCount := 0

	for {
		if f.file == nil {
			if err := f.open(path); err != nil {
				f.logger.Warn().Err(err).Str("path", path).Dur("backoff", backoff).Msg("log unavailable, retrying")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case newPath, ok := <-retarget:
					if ok {
						path = newPath
						backoff = minBackoff
					}
					continue
				case <-time.After(backoff):
				}
				backoff *= 2
				if backoff > maxBackoff {
					backoff = maxBackoff
				}
				continue
			}
			backoff = minBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case newPath, ok := <-retarget:
			if ok && newPath != path {
				f.logger.Info().Str("old", path).Str("new", newPath).Msg("retargeting follower")
				f.closeFile()
				path = newPath
			}
			continue
		default:
		}

		advanced, err := f.readAvailable()
		if err != nil {
			f.logger.Warn().Err(err).Msg("read error, reopening")
			f.closeFile()
			continue
		}

		if advanced {
			pollCount = 0
			continue
		}

		pollCount++
		if pollCount%rotationCheckEach == 0 {
			if f.rotated(path) {
				f.logger.Info().Str("path", path).Msg("rotation detected, reopening")
				f.closeFile()
				continue
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func (f *LogFollower) open(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrLogUnavailable, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("%w: %v", domain.ErrLogUnavailable, err)
	}

	f.file = file
	f.reader = bufio.NewReader(file)
	f.inode = inodeOf(info)
	f.offset = 0
	return nil
}

func (f *LogFollower) closeFile() {
	if f.file != nil {
		f.file.Close()
		f.file = nil
		f.reader = nil
	}
}

// readAvailable reads and forwards every complete line currently
// buffered, leaving a trailing partial line for the next call. Reports
// whether at least one line was forwarded.
func (f *LogFollower) readAvailable() (bool, error) {
	advanced := false
	for {
		line, err := f.reader.ReadString('\n')
		if len(line) > 0 && line[len(line)-1] == '\n' {
			f.offset += int64(len(line))
			select {
			case f.lines <- line[:len(line)-1]:
			}
			advanced = true
			continue
		}
		if err != nil {
			// Partial line or EOF: rewind the reader to the last
			// confirmed offset so the unterminated bytes are re-read
			// once more data (and the newline) arrives.
			if len(line) > 0 {
				if _, seekErr := f.file.Seek(f.offset, 0); seekErr == nil {
					f.reader.Reset(f.file)
				}
			}
			return advanced, nil
		}
	}
}

// rotated reports whether the path's inode differs from the open
// handle's, or the file has been truncated below the current read
// offset (spec §4.6's RotationCheck state).
func (f *LogFollower) rotated(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}
	if inodeOf(info) != f.inode {
		return true
	}
	if info.Size() < f.offset {
		return true
	}
	return false
}

func inodeOf(info os.FileInfo) uint64 {
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return stat.Ino
	}
	return 0
}
