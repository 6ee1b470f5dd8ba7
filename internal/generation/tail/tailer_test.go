package tail

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/runlab/agentd/internal/common/logger"
)

func startTail(t *testing.T, path string, opts Options) (<-chan string, <-chan error, context.CancelFunc) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	opts.Resync = 20 * time.Millisecond
	lines, errc := New(path, opts, logger.Default()).Run(ctx)
	return lines, errc, cancel
}

func appendLines(t *testing.T, path string, lines ...string) {
	t.Helper()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	for _, line := range lines {
		if _, err := f.WriteString(line + "\n"); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
}

func expectLines(t *testing.T, ch <-chan string, want ...string) {
	t.Helper()

	for _, w := range want {
		select {
		case got, ok := <-ch:
			if !ok {
				t.Fatalf("channel closed while waiting for %q", w)
			}
			if got != w {
				t.Fatalf("got line %q, want %q", got, w)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", w)
		}
	}
}

func expectNone(t *testing.T, ch <-chan string) {
	t.Helper()

	select {
	case got, ok := <-ch:
		if ok {
			t.Fatalf("unexpected line %q", got)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTailAppendedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	appendLines(t, path, `{"n":0}`)

	lines, _, cancel := startTail(t, path, Options{})
	defer cancel()

	// Without FromEnd, pre-existing content is replayed.
	expectLines(t, lines, `{"n":0}`)

	appendLines(t, path, `{"n":1}`, `{"n":2}`)
	expectLines(t, lines, `{"n":1}`, `{"n":2}`)
}

func TestFromEndSkipsExisting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	appendLines(t, path, "old-1", "old-2")

	lines, _, cancel := startTail(t, path, Options{FromEnd: true})
	defer cancel()

	appendLines(t, path, "new-1")
	expectLines(t, lines, "new-1")
}

func TestWaitsForFileToAppear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")

	lines, _, cancel := startTail(t, path, Options{FromEnd: true})
	defer cancel()

	time.Sleep(50 * time.Millisecond)
	appendLines(t, path, "first")

	// Content of a file that appears after the tail starts is new content,
	// even in FromEnd mode.
	expectLines(t, lines, "first")
}

func TestPartialLineHeldUntilComplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	lines, _, cancel := startTail(t, path, Options{})
	defer cancel()

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := f.WriteString(`{"par`); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectNone(t, lines)

	if _, err := f.WriteString("tial\":1}\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	expectLines(t, lines, `{"partial":1}`)
}

func TestBlankLinesSkipped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	lines, _, cancel := startTail(t, path, Options{})
	defer cancel()

	appendLines(t, path, "a", "", "   ", "b")
	expectLines(t, lines, "a", "b")
}

func TestRotationEmitsOnlyPostRotationContent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	appendLines(t, path, "pre-1", "pre-2")

	lines, _, cancel := startTail(t, path, Options{})
	defer cancel()
	expectLines(t, lines, "pre-1", "pre-2")

	if err := os.Remove(path); err != nil {
		t.Fatalf("remove: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	appendLines(t, path, "post-1")
	expectLines(t, lines, "post-1")
	expectNone(t, lines)
}

// TestIncrementalEqualsFullRead checks that tailing a burst of appends yields
// exactly the lines of a final full read.
func TestIncrementalEqualsFullRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	lines, _, cancel := startTail(t, path, Options{})
	defer cancel()

	const total = 500
	go func() {
		for i := 0; i < total; i++ {
			appendLines(t, path, fmt.Sprintf("line-%03d", i))
		}
	}()

	want := make([]string, total)
	for i := range want {
		want[i] = fmt.Sprintf("line-%03d", i)
	}
	expectLines(t, lines, want...)
}

func TestCancelStopsTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.jsonl")
	lines, _, cancel := startTail(t, path, Options{})

	cancel()

	select {
	case _, ok := <-lines:
		if ok {
			t.Fatal("expected closed channel after cancel")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
