package claude

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zette-dev/kurocha/internal/executor"
	"github.com/zette-dev/kurocha/internal/logger"
	"github.com/zette-dev/kurocha/internal/metrics"
)

const (
	defaultBinary    = "claude"
	defaultKillGrace = 5 * time.Second
	defaultPipeGrace = 2 * time.Second
	scanBufSize      = 8 * 1024 * 1024 // max NDJSON line length
)

// Config controls how the Claude Code CLI is launched.
type Config struct {
	Binary    string
	KillGrace time.Duration
	// PipeGrace bounds how long output is still read after the process has
	// exited. Helpers that escaped the process group can otherwise hold the
	// pipes open indefinitely.
	PipeGrace time.Duration
	Env       map[string]string
}

// Executor runs one headless Claude Code CLI process per Execute call and
// consumes its stream-json output.
type Executor struct {
	binary    string
	killGrace time.Duration
	pipeGrace time.Duration
	env       map[string]string
	workspace executor.WorkspaceProvider
	log       *logger.Logger
}

// New creates a Claude Code executor. workspace supplies the working
// directory for requests that do not set one and may be nil.
func New(cfg Config, workspace executor.WorkspaceProvider, log *logger.Logger) *Executor {
	if cfg.Binary == "" {
		cfg.Binary = defaultBinary
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.PipeGrace <= 0 {
		cfg.PipeGrace = defaultPipeGrace
	}
	return &Executor{
		binary:    cfg.Binary,
		killGrace: cfg.KillGrace,
		pipeGrace: cfg.PipeGrace,
		env:       cfg.Env,
		workspace: workspace,
		log:       log.WithFields(zap.String("component", "claude-executor")),
	}
}

var _ executor.Executor = (*Executor)(nil)

// Execute spawns the CLI for req and blocks until it exits. onAssistant, when
// non-nil, is called for each assistant event in arrival order.
//
// The result is computed only after stdout and stderr are fully drained and
// the process has been reaped. Output still open PipeGrace after the process
// exits is abandoned, so a timed-out call returns within timeout plus
// KillGrace plus PipeGrace. A timeout yields *executor.TimeoutError no
// matter how the process exited; a non-zero exit yields
// *executor.ExecuteFailedError.
func (e *Executor) Execute(ctx context.Context, req executor.Request, onAssistant executor.AssistantHandler) (executor.Result, error) {
	if err := ctx.Err(); err != nil {
		return executor.Result{}, fmt.Errorf("claude execution canceled: %w", err)
	}

	args := buildArgs(req)
	timeout := req.Options.Timeout
	if timeout <= 0 {
		timeout = executor.DefaultTimeout
	}

	workDir := req.Options.WorkingDir
	if workDir == "" && e.workspace != nil {
		workDir = e.workspace.CurrentDir()
	}

	e.log.Debug("executing claude",
		zap.String("binary", e.binary),
		zap.Strings("args", args),
		zap.String("work_dir", workDir),
		zap.Duration("timeout", timeout))

	cmd := exec.Command(e.binary, args...)
	cmd.Dir = workDir
	// Unset CLAUDECODE so the CLI runs even when we were launched from inside it.
	cmd.Env = executor.BuildCommandEnv(map[string]string{"CLAUDECODE": ""}, e.env)
	setProcGroup(cmd)

	// Non-file writers make exec copy output itself and enforce WaitDelay
	// on that copying once the process has exited.
	stdout, stdoutW := io.Pipe()
	stderr, stderrW := io.Pipe()
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.WaitDelay = e.pipeGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		metrics.ExecutionsTotal.WithLabelValues(metrics.StatusSpawn).Inc()
		return executor.Result{}, fmt.Errorf("start claude: %w", err)
	}

	term := newTermination(cmd, e.killGrace, e.log)
	timer := time.AfterFunc(timeout, func() { term.begin(reasonTimeout) })
	defer timer.Stop()

	exited := make(chan struct{})
	defer close(exited)
	go func() {
		select {
		case <-ctx.Done():
			term.begin(reasonCanceled)
		case <-exited:
		}
	}()

	var (
		stream    streamState
		errOutput []string
		waitErr   error
	)
	var g errgroup.Group
	g.Go(func() error { return e.drainStderr(stderr, &errOutput) })
	g.Go(func() error { return e.readLoop(stdout, onAssistant, &stream) })
	g.Go(func() error {
		waitErr = cmd.Wait()
		_ = stdoutW.Close()
		_ = stderrW.Close()
		return nil
	})
	if err := g.Wait(); err != nil {
		e.log.Warn("claude output drain failed", zap.Error(err))
	}

	if errors.Is(waitErr, exec.ErrWaitDelay) {
		e.log.Warn("claude output still open after exit, abandoned", zap.Duration("pipe_grace", e.pipeGrace))
		waitErr = nil
	}
	timer.Stop()
	reason := term.finish()
	metrics.ExecutionDuration.Observe(time.Since(start).Seconds())

	switch reason {
	case reasonTimeout:
		metrics.ExecutionsTotal.WithLabelValues(metrics.StatusTimeout).Inc()
		return executor.Result{}, &executor.TimeoutError{Timeout: timeout}
	case reasonCanceled:
		metrics.ExecutionsTotal.WithLabelValues(metrics.StatusCanceled).Inc()
		return executor.Result{}, fmt.Errorf("claude execution canceled: %w", ctx.Err())
	}

	if code := exitCode(waitErr); code != 0 {
		metrics.ExecutionsTotal.WithLabelValues(metrics.StatusFailed).Inc()
		e.log.Warn("claude exited with error", zap.Int("exit_code", code), zap.Error(waitErr))
		return executor.Result{}, &executor.ExecuteFailedError{
			ExitCode: code,
			Stderr:   strings.Join(errOutput, "\n"),
		}
	}

	metrics.ExecutionsTotal.WithLabelValues(metrics.StatusSuccess).Inc()
	if stream.costUSD > 0 {
		metrics.ExecutionCostUSD.Observe(stream.costUSD)
	}

	return executor.Result{
		SessionID: stream.sessionID,
		Response:  stream.response,
		IsError:   stream.isError,
		Subtype:   stream.subtype,
		CostUSD:   stream.costUSD,
		Duration:  stream.duration,
		Usage:     stream.usage,
	}, nil
}

// buildArgs translates a request into CLI flags. ResumeSessionID takes
// precedence over Continue.
func buildArgs(req executor.Request) []string {
	args := []string{
		"-p", req.Prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--append-system-prompt", req.SystemPrompt,
	}

	if req.ResumeSessionID != "" {
		args = append(args, "--resume", req.ResumeSessionID)
	} else if req.Continue {
		args = append(args, "--continue")
	}

	if req.Options.MCPConfigPath != "" {
		args = append(args, "--mcp-config", req.Options.MCPConfigPath)
	}
	if req.Options.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// streamState accumulates what the read loop has seen. It is owned by the
// read loop goroutine until the errgroup returns.
type streamState struct {
	sessionID string
	response  string
	isError   bool
	subtype   string
	costUSD   float64
	duration  time.Duration
	usage     executor.Usage
}

func (s *streamState) observe(evt executor.StreamEvent) {
	if evt.SessionID != "" {
		s.sessionID = evt.SessionID
	}
	if evt.Type == executor.EventResult && evt.Result != nil {
		s.response = evt.Result.Result
		s.isError = evt.Result.IsError
		s.subtype = evt.Result.Subtype
		s.costUSD = evt.Result.TotalCostUSD
		s.duration = time.Duration(evt.Result.DurationMS) * time.Millisecond
		s.usage = evt.Result.Usage
	}
}

// readLoop decodes every stdout line in order. Lines that fail to decode are
// logged and skipped.
func (e *Executor) readLoop(stdout io.Reader, onAssistant executor.AssistantHandler, st *streamState) error {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		evt, err := Decode(line)
		if err != nil {
			if errors.Is(err, ErrUnknownEvent) {
				e.log.Debug("ignoring stream event", zap.Error(err))
			} else {
				metrics.DecodeErrors.Inc()
				e.log.Warn("unparseable NDJSON line", zap.Error(err), zap.ByteString("line", line))
			}
			continue
		}

		e.log.Debug("claude event",
			zap.String("type", string(evt.Type)),
			zap.String("session_id", evt.SessionID))

		st.observe(evt)
		if evt.Type == executor.EventAssistant && onAssistant != nil {
			onAssistant(evt)
		}
	}

	if err := scanner.Err(); err != nil {
		// Keep the pipe flowing so the process cannot block on a full buffer.
		_, _ = io.Copy(io.Discard, stdout)
		return fmt.Errorf("read stdout: %w", err)
	}
	return nil
}

func (e *Executor) drainStderr(stderr io.Reader, lines *[]string) error {
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufSize)
	for scanner.Scan() {
		line := scanner.Text()
		e.log.Debug("claude stderr", zap.String("line", line))
		*lines = append(*lines, line)
	}
	if err := scanner.Err(); err != nil {
		_, _ = io.Copy(io.Discard, stderr)
		return fmt.Errorf("read stderr: %w", err)
	}
	return nil
}

// exitCode maps a Wait error to a process exit code. Signal deaths and
// non-exit errors map to -1.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
