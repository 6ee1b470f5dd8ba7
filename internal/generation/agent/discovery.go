package agent

import (
	"context"
	"io/fs"
	"path/filepath"
	"strings"
	"time"

	"github.com/runlab/agentd/internal/common/errors"
	"github.com/runlab/agentd/internal/generation/cancel"
)

// findLogFile scans the logs root recursively for a file whose name embeds
// the session identifier. When duplicates exist the most recently modified
// match wins. Returns "" when nothing matches.
func findLogFile(root, sessionID string) string {
	var (
		best    string
		bestMod time.Time
	)
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// Unreadable subtrees are skipped, not fatal.
			return nil
		}
		if d.IsDir() || !strings.Contains(d.Name(), sessionID) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = path
			bestMod = info.ModTime()
		}
		return nil
	})
	return best
}

// waitForLogFile polls for the session's log file with a bounded timeout,
// aborting as soon as the token fires.
func waitForLogFile(ctx context.Context, token *cancel.Token, root, sessionID string, timeout time.Duration) (string, error) {
	const pollInterval = 500 * time.Millisecond

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	poll := time.NewTicker(pollInterval)
	defer poll.Stop()

	for {
		if path := findLogFile(root, sessionID); path != "" {
			return path, nil
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-token.Done():
			return "", errors.Cancelled("generation cancelled while waiting for agent log file")
		case <-deadline.C:
			return "", errors.DiscoveryTimeout("agent log file never appeared under " + root)
		case <-poll.C:
		}
	}
}
