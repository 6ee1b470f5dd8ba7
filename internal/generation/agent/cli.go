package agent

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/runlab/agentd/internal/common/errors"
	"github.com/runlab/agentd/internal/common/logger"
	"github.com/runlab/agentd/internal/generation/tail"
)

// CLIBackend runs one turn of a CLI coding agent as a subprocess. The event
// source is the log file the agent writes, not its stdout: stdout is drained
// and discarded, stderr is scanned for the session identifier announcement
// that correlates the subprocess to its log file.
type CLIBackend struct {
	spec             CLISpec
	sessionIDRe      *regexp.Regexp
	discoveryTimeout time.Duration
	killGrace        time.Duration
	logger           *logger.Logger
}

// NewCLIBackend creates the CLI process adapter.
func NewCLIBackend(spec CLISpec, discoveryTimeout, killGrace time.Duration, log *logger.Logger) *CLIBackend {
	return &CLIBackend{
		spec:             spec,
		sessionIDRe:      regexp.MustCompile(spec.SessionIDPattern),
		discoveryTimeout: discoveryTimeout,
		killGrace:        killGrace,
		logger:           log.WithFields(zap.String("component", "cli-backend"), zap.String("agent", spec.Name)),
	}
}

// Kind returns the backend selector value.
func (b *CLIBackend) Kind() Kind { return KindCLI }

// procState records the subprocess exit so multiple stages can observe it.
type procState struct {
	done chan struct{}
	err  error // set before done is closed
}

// buildArgs assembles the subprocess invocation for one turn.
func (b *CLIBackend) buildArgs(turn Turn) []string {
	prompt := turn.Prompt
	if len(turn.Images) > 0 {
		// Image attachments are passed by prepending their paths to the
		// prompt text.
		prompt = strings.Join(turn.Images, "\n") + "\n\n" + prompt
	}

	args := append([]string(nil), b.spec.BaseArgs...)
	args = append(args, b.spec.PromptFlag, prompt)
	if turn.Model != "" {
		args = append(args, b.spec.ModelFlag, turn.Model)
	}
	if turn.AgentSessionID != "" {
		args = append(args, b.spec.ResumeFlag, turn.AgentSessionID)
	}
	return args
}

// Run executes one turn: spawn, correlate, tail, convert the exit code.
func (b *CLIBackend) Run(ctx context.Context, turn Turn, emit func(json.RawMessage)) error {
	log := b.logger.WithSessionID(turn.SessionID)

	cmd := exec.Command(b.spec.Binary, b.buildArgs(turn)...)
	cmd.Dir = turn.WorkDir
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.ProcessSpawnFailure(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.ProcessSpawnFailure(err)
	}

	if err := cmd.Start(); err != nil {
		return errors.ProcessSpawnFailure(err)
	}
	log.Info("agent process started", zap.Int("pid", cmd.Process.Pid))

	sessionIDCh := make(chan string, 1)

	// Drain the pipes. Stdout is not machine-parseable for this backend and
	// is discarded; stderr goes to diagnostics and is scanned for the
	// session identifier announcement.
	var pipes errgroup.Group
	pipes.Go(func() error {
		_, err := io.Copy(io.Discard, stdout)
		return err
	})
	pipes.Go(func() error {
		return b.scanStderr(stderr, sessionIDCh, log)
	})

	proc := &procState{done: make(chan struct{})}
	go func() {
		_ = pipes.Wait()
		proc.err = cmd.Wait()
		close(proc.done)
	}()

	// Teardown fires on caller cancellation or on an internal failure that
	// would otherwise orphan the process. The two triggers are kept separate:
	// a teardown the backend initiates must never read back as a caller stop.
	kill := make(chan struct{})
	var killOnce sync.Once
	terminate := func() { killOnce.Do(func() { close(kill) }) }

	// Terminate gracefully, escalate to a forced kill after the grace period.
	go func() {
		select {
		case <-proc.done:
			return
		case <-turn.Token.Done():
		case <-kill:
		}
		log.Info("terminating agent process")
		_ = cmd.Process.Signal(syscall.SIGTERM)
		select {
		case <-proc.done:
		case <-time.After(b.killGrace):
			log.Warn("agent did not exit within grace period, killing")
			_ = cmd.Process.Kill()
		}
	}()

	logPath, agentSessionID, err := b.discover(ctx, turn, proc, sessionIDCh, log)
	if err != nil {
		terminate()
		b.awaitExit(proc)
		if turn.Token.Cancelled() {
			emit(DoneEvent())
			return nil
		}
		return err
	}

	emit(InitEvent(logPath, agentSessionID))
	if turn.AgentSessionID == "" && turn.OnAgentSessionID != nil {
		turn.OnAgentSessionID(agentSessionID)
	}

	tailErr := b.forwardEvents(ctx, logPath, proc, emit, log)
	if tailErr != nil {
		terminate()
		b.awaitExit(proc)
	}

	if turn.Token.Cancelled() {
		emit(DoneEvent())
		return nil
	}
	if tailErr != nil {
		return errors.InternalError("agent log tail failed", tailErr)
	}
	if proc.err != nil {
		exitCode := -1
		if exitErr, ok := proc.err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
		return errors.ProcessExitFailure(exitCode, proc.err)
	}
	emit(DoneEvent())
	return nil
}

// scanStderr forwards agent stderr to diagnostic logs and reports the first
// session identifier match.
func (b *CLIBackend) scanStderr(stderr io.Reader, sessionIDCh chan<- string, log *logger.Logger) error {
	announced := false
	buf := make([]byte, 32*1024)
	pending := ""
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			pending += string(buf[:n])
			for {
				idx := strings.IndexByte(pending, '\n')
				if idx < 0 {
					break
				}
				line := strings.TrimSpace(pending[:idx])
				pending = pending[idx+1:]
				if line == "" {
					continue
				}
				log.Debug("agent stderr", zap.String("line", line))
				if !announced {
					if match := b.sessionIDRe.FindString(line); match != "" {
						announced = true
						sessionIDCh <- match
					}
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

// discover resolves the agent's log file path and session identifier.
func (b *CLIBackend) discover(ctx context.Context, turn Turn, proc *procState, sessionIDCh <-chan string, log *logger.Logger) (logPath, agentSessionID string, err error) {
	if turn.AgentSessionID != "" {
		// Resumed turn: the log file must already exist.
		agentSessionID = turn.AgentSessionID
		logPath = findLogFile(b.spec.LogsRoot, agentSessionID)
		if logPath == "" {
			return "", "", errors.DiscoveryTimeout("no log file found for resumed session " + agentSessionID)
		}
		return logPath, agentSessionID, nil
	}

	// Initial turn: wait for the stderr announcement, then for the log file
	// embedding that identifier to appear.
	deadline := time.NewTimer(b.discoveryTimeout)
	defer deadline.Stop()

	select {
	case agentSessionID = <-sessionIDCh:
	case <-turn.Token.Done():
		return "", "", errors.Cancelled("generation cancelled before the agent announced a session")
	case <-ctx.Done():
		return "", "", ctx.Err()
	case <-deadline.C:
		return "", "", errors.DiscoveryTimeout("agent never announced a session identifier")
	case <-proc.done:
		if proc.err != nil {
			if exitErr, ok := proc.err.(*exec.ExitError); ok {
				return "", "", errors.ProcessExitFailure(exitErr.ExitCode(), proc.err)
			}
			return "", "", errors.ProcessExitFailure(-1, proc.err)
		}
		return "", "", errors.DiscoveryTimeout("agent exited before announcing a session identifier")
	}
	log.Info("agent session announced", zap.String("agent_session_id", agentSessionID))

	logPath, err = waitForLogFile(ctx, turn.Token, b.spec.LogsRoot, agentSessionID, b.discoveryTimeout)
	if err != nil {
		return "", "", err
	}
	return logPath, agentSessionID, nil
}

// forwardEvents tails the log file and forwards every line until the process
// has exited and the tail has flushed. A tailer failure ends the turn with
/// that error: events may have been lost, so the turn cannot claim success.
func (b *CLIBackend) forwardEvents(ctx context.Context, logPath string, proc *procState, emit func(json.RawMessage), log *logger.Logger) error {
	tailCtx, cancelTail := context.WithCancel(ctx)
	defer cancelTail()

	lines, tailErrs := tail.New(logPath, tail.Options{FromEnd: true}, log).Run(tailCtx)

	procDone := proc.done
	var flush <-chan time.Time
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				// The line channel also closes right after a tailer failure;
				// pick the error up before declaring a clean stop.
				select {
				case err := <-tailErrs:
					if err != nil {
						log.Warn("tailer failed", zap.Error(err))
						return err
					}
				default:
				}
				b.awaitExit(proc)
				return nil
			}
			emit(json.RawMessage(line))
		case err := <-tailErrs:
			if err != nil {
				log.Warn("tailer failed", zap.Error(err))
				cancelTail()
				for line := range lines {
					emit(json.RawMessage(line))
				}
				return err
			}
		case <-procDone:
			// Let the tailer pick up what the agent wrote just before
			// exiting, then stop it and drain.
			procDone = nil
			flush = time.After(time.Second)
		case <-flush:
			cancelTail()
			for line := range lines {
				emit(json.RawMessage(line))
			}
			return nil
		}
	}
}

func (b *CLIBackend) awaitExit(proc *procState) {
	<-proc.done
}
