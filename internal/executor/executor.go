// Package executor runs the target program once per candidate input and reports how it ended.
package executor

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"treefuzz/config"
	"treefuzz/internal/procctl"
	"treefuzz/internal/types"

	"go.uber.org/zap"
)

// pipeDrainDelay bounds how long Wait keeps reading output pipes that a leftover descendant
// still holds open after the target itself exited.
const pipeDrainDelay = 250 * time.Millisecond

type Options struct {
	Command      []string // target argv, may contain config.Placeholder
	Extension    string   // extension of the candidate file, e.g. ".js"
	Timeout      time.Duration
	GracePeriod  time.Duration
	CaptureLimit int
	Retries      int
	Env          []string // added to the inherited environment
	Debug        bool     // log target output
}

func OptionsFrom(cfg *config.CampaignConfig, ext string) Options {
	return Options{
		Command:      cfg.Command,
		Extension:    ext,
		Timeout:      cfg.Timeout,
		GracePeriod:  cfg.GracePeriod,
		CaptureLimit: cfg.CaptureLimit,
		Retries:      cfg.Retries,
		Debug:        cfg.Debug,
	}
}

// Executor runs the target. Run is safe for concurrent use; every call gets its own candidate
// file inside the executor's scratch directory.
type Executor struct {
	opts        Options
	path        string // resolved target binary
	env         []string
	placeholder bool
	dir         string
	group       procctl.Group
	logger      *zap.Logger
}

// New resolves the target binary and creates a private scratch directory. A target that
// cannot be found or executed is a SetupError.
func New(opts Options, logger *zap.Logger) (*Executor, error) {
	if len(opts.Command) == 0 || opts.Command[0] == "" {
		return nil, types.NewSetupError("target command is required", nil)
	}
	path, err := exec.LookPath(opts.Command[0])
	if err != nil {
		return nil, types.NewSetupError("resolve target "+opts.Command[0], err)
	}
	if opts.CaptureLimit <= 0 {
		opts.CaptureLimit = config.DefaultCaptureLimit
	}

	placeholder := config.UsesPlaceholder(opts.Command)
	e := &Executor{
		opts:        opts,
		path:        path,
		env:         append(os.Environ(), opts.Env...),
		placeholder: placeholder,
		group:       procctl.New(),
		logger:      logger.Named("executor"),
	}
	if placeholder {
		dir, err := os.MkdirTemp("", "treefuzz-")
		if err != nil {
			return nil, types.NewSetupError("create scratch directory", err)
		}
		e.dir = dir
	}
	return e, nil
}

// Close removes the scratch directory.
func (e *Executor) Close() error {
	if e.dir == "" {
		return nil
	}
	return os.RemoveAll(e.dir)
}

type ending int

const (
	endExited ending = iota
	endTimedOut
	endCancelled
)

// Run executes the target on data and blocks until it ended or was killed.
//
// If the timeout elapses, the whole process group is killed and the result kind is
// ExitTimedOut. If ctx is cancelled, the group gets SIGTERM, then SIGKILL after the grace
// period, and Run returns ctx.Err() without a result.
func (e *Executor) Run(ctx context.Context, data []byte) (*types.ExecResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	argv := e.opts.Command
	var stdin []byte
	if e.placeholder {
		file, err := e.writeCandidate(data)
		if err != nil {
			return nil, err
		}
		defer os.Remove(file)
		argv = substitute(argv, file)
	} else {
		stdin = data
	}

	cmd, stdout, stderr, err := e.start(ctx, argv, stdin)
	if err != nil {
		return nil, err
	}
	started := time.Now()

	done := make(chan struct{})
	outcome := make(chan ending, 1)
	go e.watch(ctx, cmd, done, outcome)

	waitErr := cmd.Wait()
	elapsed := time.Since(started)
	close(done)
	end := <-outcome
	// reap whatever the target left running in its group
	_ = e.group.Kill(cmd)

	if end == endCancelled {
		return nil, ctx.Err()
	}
	if cmd.ProcessState == nil {
		return nil, &types.RuntimeExecutionError{Op: "wait", Err: waitErr}
	}

	result := &types.ExecResult{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.truncated,
		StderrTruncated: stderr.truncated,
		Duration:        elapsed,
	}
	exit := procctl.ExitOf(cmd.ProcessState)
	switch {
	case end == endTimedOut:
		result.Kind = types.ExitTimedOut
		result.Code = -1
	case exit.Signaled:
		result.Kind = types.ExitSignal
		result.Code = -1
		result.Signal = exit.Signal
	default:
		result.Kind = types.ExitNormal
		result.Code = exit.Code
	}

	if e.opts.Debug {
		e.logger.Info("target finished",
			zap.String("status", result.Status()),
			zap.Duration("duration", elapsed),
			zap.ByteString("stdout", result.Stdout),
			zap.ByteString("stderr", result.Stderr))
	}
	return result, nil
}

// watch enforces the timeout and reacts to cancellation until done is closed.
func (e *Executor) watch(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}, outcome chan<- ending) {
	timer := time.NewTimer(e.opts.Timeout)
	defer timer.Stop()

	select {
	case <-done:
		outcome <- endExited
	case <-timer.C:
		if err := e.group.Kill(cmd); err != nil {
			e.logger.Warn("failed to kill timed out target", zap.Error(err))
		}
		outcome <- endTimedOut
	case <-ctx.Done():
		if err := e.group.Terminate(cmd); err != nil {
			e.logger.Warn("failed to terminate target", zap.Error(err))
		}
		grace := time.NewTimer(e.opts.GracePeriod)
		defer grace.Stop()
		select {
		case <-done:
		case <-grace.C:
			_ = e.group.Kill(cmd)
		}
		outcome <- endCancelled
	}
}

func (e *Executor) start(ctx context.Context, argv []string, stdin []byte) (*exec.Cmd, *capture, *capture, error) {
	for attempt := 0; ; attempt++ {
		cmd := exec.Command(e.path, argv[1:]...)
		cmd.Args[0] = argv[0]
		cmd.Env = e.env
		cmd.WaitDelay = pipeDrainDelay
		if !e.placeholder {
			cmd.Stdin = bytes.NewReader(stdin)
		}
		stdout := newCapture(e.opts.CaptureLimit)
		stderr := newCapture(e.opts.CaptureLimit)
		cmd.Stdout = stdout
		cmd.Stderr = stderr

		err := e.group.Start(cmd)
		if err == nil {
			return cmd, stdout, stderr, nil
		}
		if isSetupFailure(err) {
			return nil, nil, nil, types.NewSetupError("spawn target "+e.path, err)
		}
		if !isTransient(err) || attempt >= e.opts.Retries {
			return nil, nil, nil, &types.RuntimeExecutionError{Op: "spawn", Err: err}
		}

		e.logger.Debug("retrying spawn", zap.Int("attempt", attempt+1), zap.Error(err))
		backoff := time.NewTimer(time.Duration(attempt+1) * 10 * time.Millisecond)
		select {
		case <-ctx.Done():
			backoff.Stop()
			return nil, nil, nil, ctx.Err()
		case <-backoff.C:
		}
	}
}

func (e *Executor) writeCandidate(data []byte) (string, error) {
	f, err := os.CreateTemp(e.dir, "candidate-*"+e.opts.Extension)
	if err != nil {
		return "", &types.RuntimeExecutionError{Op: "write", Err: err}
	}
	_, err = f.Write(data)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(f.Name())
		return "", &types.RuntimeExecutionError{Op: "write", Err: err}
	}
	return f.Name(), nil
}

func substitute(argv []string, file string) []string {
	out := make([]string, len(argv))
	for i, arg := range argv {
		out[i] = strings.ReplaceAll(arg, config.Placeholder, file)
	}
	return out
}

// isSetupFailure reports spawn errors that will not go away by retrying: the binary is
// missing, not executable or not a valid executable.
func isSetupFailure(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission) ||
		errors.Is(err, syscall.ENOEXEC)
}

func isTransient(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.ENOMEM) ||
		errors.Is(err, syscall.ETXTBSY) ||
		errors.Is(err, syscall.EINTR)
}
