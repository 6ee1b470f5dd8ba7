// Package tail incrementally reads newline-delimited records appended to a
// growing file, surviving slow appearance and rotation of the file.
package tail

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"context"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/runlab/agentd/internal/common/logger"
)

// Options control a tail run.
type Options struct {
	// FromEnd skips content already present when the file is first opened.
	// Content of a file that appears (or reappears) later is always new.
	FromEnd bool

	// Resync is a low-frequency fallback read pass for notifications lost by
	// the platform watcher. Zero selects the default of 500ms.
	Resync time.Duration
}

// Tailer yields trimmed, non-empty lines newly appended to one file. The
// sequence is infinite: it ends only when the context is cancelled or the
// watcher fails unrecoverably.
type Tailer struct {
	path   string
	opts   Options
	logger *logger.Logger
}

// New creates a Tailer for the given path.
func New(path string, opts Options, log *logger.Logger) *Tailer {
	if opts.Resync <= 0 {
		opts.Resync = 500 * time.Millisecond
	}
	return &Tailer{
		path:   path,
		opts:   opts,
		logger: log.WithFields(zap.String("component", "tailer"), zap.String("path", path)),
	}
}

// Run starts tailing. Lines are delivered on the returned channel, which is
// closed when tailing stops; a non-nil error (other than context
// cancellation) is delivered on the error channel first.
func (t *Tailer) Run(ctx context.Context) (<-chan string, <-chan error) {
	lines := make(chan string, 64)
	errc := make(chan error, 1)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		errc <- fmt.Errorf("failed to create filesystem watcher: %w", err)
		close(lines)
		return lines, errc
	}
	if err := watcher.Add(filepath.Dir(t.path)); err != nil {
		watcher.Close()
		errc <- fmt.Errorf("failed to watch parent directory: %w", err)
		close(lines)
		return lines, errc
	}

	// Coalesce bursts of change notifications into a single pending read
	// pass: a full trigger slot already guarantees a subsequent pass.
	trigger := make(chan struct{}, 1)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != t.path {
					continue
				}
				select {
				case trigger <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				t.logger.Warn("watcher error", zap.Error(err))
			}
		}
	}()

	go t.loop(ctx, watcher, trigger, lines, errc)
	return lines, errc
}

// tailState is the per-file bookkeeping. The offset never exceeds the file
// size observed at the last successful read; it is the sole correctness
// mechanism for never rereading and never skipping bytes.
type tailState struct {
	file    *os.File
	offset  int64
	pending []byte
}

func (s *tailState) reset() {
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}
	s.offset = 0
	s.pending = nil
}

func (t *Tailer) loop(ctx context.Context, watcher *fsnotify.Watcher, trigger <-chan struct{}, lines chan<- string, errc chan<- error) {
	defer close(lines)
	defer watcher.Close()

	state := &tailState{}
	defer state.reset()

	// Initial open. FromEnd only applies to content that predates the tail.
	if info, err := os.Stat(t.path); err == nil {
		file, err := os.Open(t.path)
		if err != nil {
			errc <- fmt.Errorf("failed to open %s: %w", t.path, err)
			return
		}
		state.file = file
		if t.opts.FromEnd {
			state.offset = info.Size()
		}
	}

	resync := time.NewTicker(t.opts.Resync)
	defer resync.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-trigger:
		case <-resync.C:
		}

		if err := t.readPass(ctx, state, lines); err != nil {
			errc <- err
			return
		}
	}
}

// readPass consumes everything appended since the last pass. Disappearance or
// truncation (rotation) resets state and waits for the file to reappear.
func (t *Tailer) readPass(ctx context.Context, state *tailState, lines chan<- string) error {
	info, err := os.Stat(t.path)
	if os.IsNotExist(err) {
		if state.file != nil {
			t.logger.Debug("file disappeared, waiting for it to reappear")
		}
		state.reset()
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", t.path, err)
	}

	if state.file != nil {
		if held, err := state.file.Stat(); err != nil || !os.SameFile(held, info) {
			// The path now names a different file: remove+recreate happened
			// between passes.
			t.logger.Debug("file was replaced, restarting from offset zero")
			state.reset()
		}
	}

	if info.Size() < state.offset {
		// Truncated in place: treat as rotation.
		t.logger.Debug("file shrank, restarting from offset zero",
			zap.Int64("offset", state.offset),
			zap.Int64("size", info.Size()))
		state.reset()
	}

	if state.file == nil {
		file, err := os.Open(t.path)
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", t.path, err)
		}
		state.file = file
	}

	if info.Size() == state.offset {
		return nil
	}

	if _, err := state.file.Seek(state.offset, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}

	buf := make([]byte, 64*1024)
	for {
		n, err := state.file.Read(buf)
		if n > 0 {
			state.offset += int64(n)
			state.pending = append(state.pending, buf[:n]...)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("failed to read: %w", err)
		}
	}

	// Split off complete lines; a trailing partial stays pending for the
	// next pass.
	for {
		idx := bytes.IndexByte(state.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(state.pending[:idx]))
		state.pending = state.pending[idx+1:]
		if line == "" {
			continue
		}
		select {
		case lines <- line:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
