// Package runloop keeps a command running in the foreground, restarting it
// after clean exits and giving up on crashes or fast exits.
package runloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/loykin/daemonkit/internal/env"
	"github.com/loykin/daemonkit/internal/history"
	"github.com/loykin/daemonkit/internal/logger"
	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/process"
	"github.com/loykin/daemonkit/internal/record"
)

// ErrAlreadyRunning is returned by Run when the record of the id points at a
// live process, or another loop is registering the same id.
var ErrAlreadyRunning = errors.New("daemon process already running")

const (
	DefaultMinRuntime     = time.Second
	DefaultForwardRetries = 50
	forwardPoll           = 100 * time.Millisecond
	outputDrain           = time.Second
)

// StopSignals are the signals turned into stop intents while Run is active.
var StopSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP, syscall.SIGQUIT, syscall.SIGABRT}

type Options struct {
	ID      string
	Command string
	PIDDir  string
	WorkDir string
	Env     *env.Env
	// NoAutoRestart ends the loop after the first clean exit instead of
	// restarting the child.
	NoAutoRestart bool
	// Managed is set when a supervisor launched the loop and already holds
	// the start lock for ID.
	Managed        bool
	MinRuntime     time.Duration
	StopTimeout    time.Duration
	ForwardRetries int
	Stdout         io.Writer
	Stderr         io.Writer
	LogFiles       logger.Config
	History        *history.Recorder
	Logger         *slog.Logger
	Clock          func() time.Time
}

// Loop runs one command under supervision. A Loop is used for a single Run.
type Loop struct {
	opts    Options
	log     *slog.Logger
	rec     *record.Record
	intents chan os.Signal

	mu       sync.Mutex
	state    State
	stopping bool
}

func New(opts Options) (*Loop, error) {
	if opts.ID == "" {
		return nil, errors.New("daemon id is required")
	}
	if opts.Command == "" {
		return nil, errors.New("command is required")
	}
	if opts.PIDDir == "" {
		return nil, errors.New("pid dir is required")
	}
	if opts.MinRuntime <= 0 {
		opts.MinRuntime = DefaultMinRuntime
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = process.DefaultTimeout
	}
	if opts.ForwardRetries <= 0 {
		opts.ForwardRetries = DefaultForwardRetries
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		opts:    opts,
		log:     log.With("id", opts.ID, "command", opts.Command),
		rec:     record.New(opts.PIDDir, opts.ID),
		intents: make(chan os.Signal, 8),
	}, nil
}

// State returns the current state.
func (l *Loop) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *Loop) setState(s State) {
	l.mu.Lock()
	from := l.state
	l.state = s
	l.mu.Unlock()
	if from != s {
		metrics.RecordTransition(l.opts.ID, from.String(), s.String())
	}
}

// Deliver queues sig as a stop intent, exactly as if it had been received
// from the operating system.
func (l *Loop) Deliver(sig os.Signal) {
	l.intents <- sig
}

// Run registers the loop's own pid in the record of ID and runs the command
// until it exits for good. It returns the last exit code of the child, using
// 128+n for a child killed by signal n. The record is removed on return, and
// whatever is left of the last child's process group is killed.
func (l *Loop) Run(ctx context.Context) (int, error) {
	if err := l.register(); err != nil {
		return 1, err
	}
	signal.Notify(l.intents, StopSignals...)
	var group int
	defer func() {
		signal.Stop(l.intents)
		if group > 0 {
			_ = process.SignalGroup(group, syscall.SIGKILL)
		}
		l.rec.Remove()
		l.setState(StateStopped)
		l.log.Info("Daemon process stopped.")
	}()

	stdout, stderr, closeLogs, err := l.outputs()
	if err != nil {
		return 1, err
	}
	defer closeLogs()

	l.log.Info("Starting daemon process.", "pid", os.Getpid())
	for {
		l.setState(StateRunning)
		began := l.opts.Clock()
		code, pid, err := l.runChild(ctx, stdout, stderr)
		group = pid
		if err != nil {
			l.setState(StateExitedFastOrError)
			return code, err
		}
		ran := l.opts.Clock().Sub(began)
		l.opts.History.Emit(context.Background(), history.EventExit, history.Record{ID: l.opts.ID, PID: os.Getpid(), Command: l.opts.Command, ExitCode: code})

		if l.StopRequested() {
			l.log.Info("Daemon process exited on request.", "exit_code", code, "runtime", ran)
			return code, nil
		}
		if ran < l.opts.MinRuntime || code != 0 {
			l.setState(StateExitedFastOrError)
			l.log.Error("Daemon process exited too fast or with an error.", "exit_code", code, "runtime", ran)
			return code, nil
		}
		l.setState(StateExitedClean)
		l.log.Info("Daemon process exited.", "exit_code", code, "runtime", ran)
		if l.opts.NoAutoRestart || l.rec.WillExit() {
			return code, nil
		}
		l.log.Info("Restarting daemon process.")
		metrics.IncRestart(l.opts.ID)
		l.opts.History.Emit(context.Background(), history.EventRestart, history.Record{ID: l.opts.ID, PID: os.Getpid(), Command: l.opts.Command})
	}
}

// register writes the loop's pid into the record. An unmanaged loop takes the
// start lock so two loops cannot claim the same id.
func (l *Loop) register() error {
	self := process.Self()
	if l.opts.Managed {
		if err := l.rec.SetIdentity(self); err != nil {
			return fmt.Errorf("write daemon record: %w", err)
		}
		return nil
	}
	lock, ok, err := l.rec.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: start in progress for %q", ErrAlreadyRunning, l.opts.ID)
	}
	defer func() { _ = lock.Unlock() }()
	if l.rec.IsRunning() {
		pid, _ := l.rec.PID()
		return fmt.Errorf("%w: %q has pid %d", ErrAlreadyRunning, l.opts.ID, pid)
	}
	l.rec.Remove()
	if err := l.rec.SetIdentity(self); err != nil {
		return fmt.Errorf("write daemon record: %w", err)
	}
	return nil
}

// outputs tees the child's streams into rotating files when configured.
func (l *Loop) outputs() (io.Writer, io.Writer, func(), error) {
	if !l.opts.LogFiles.File.Enabled() {
		return l.opts.Stdout, l.opts.Stderr, func() {}, nil
	}
	outF, errF, err := l.opts.LogFiles.ProcessWriters(l.opts.ID)
	if err != nil {
		return nil, nil, nil, err
	}
	stdout, stderr := l.opts.Stdout, l.opts.Stderr
	if outF != nil {
		stdout = io.MultiWriter(stdout, outF)
	}
	if errF != nil {
		stderr = io.MultiWriter(stderr, errF)
	}
	return stdout, stderr, func() {
		if outF != nil {
			_ = outF.Close()
		}
		if errF != nil {
			_ = errF.Close()
		}
	}, nil
}

// runChild runs the command once in its own process group and returns its
// exit code and pid.
func (l *Loop) runChild(ctx context.Context, stdout, stderr io.Writer) (int, int, error) {
	cmd := process.BuildCommand(l.opts.Command)
	cmd.Env = l.opts.Env.Merge(nil)
	if l.opts.WorkDir != "" {
		cmd.Dir = l.opts.WorkDir
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// descendants holding the output pipes must not keep Wait from returning
	cmd.WaitDelay = outputDrain
	process.ConfigureGroup(cmd)
	if err := cmd.Start(); err != nil {
		l.log.Error("Daemon process failed to start.", "error", err)
		return 127, 0, fmt.Errorf("start daemon process: %w", err)
	}
	pid := cmd.Process.Pid
	l.log.Info("Daemon process started.", "child_pid", pid)

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	ctxDone := ctx.Done()
	for {
		select {
		case <-done:
			return exitCode(cmd), pid, nil
		case sig := <-l.intents:
			l.handleIntent(pid, toSyscall(sig), done)
		case <-ctxDone:
			ctxDone = nil
			l.handleIntent(pid, syscall.SIGTERM, done)
		}
	}
}

// handleIntent forwards sig to the child's process group and waits for the
// child to go away. An intent arriving during the wait is forwarded at once.
// A child that outlives SIGTERM is killed with its group; other signals are
// left to the child, which keeps running.
func (l *Loop) handleIntent(pid int, sig syscall.Signal, done <-chan struct{}) {
	l.mu.Lock()
	l.stopping = true
	l.mu.Unlock()
	l.setState(StateStopping)

	for {
		log := l.log.With("child_pid", pid, "signal", process.SignalName(sig))
		log.Info("Stopping daemon process.")
		if err := process.SignalGroup(pid, sig); err != nil && !errors.Is(err, syscall.ESRCH) {
			log.Warn("Signal delivery failed.", "error", err)
		}
		next, exited := l.waitExit(done, l.forwardRetries())
		if exited {
			log.Info("Daemon process stopped.")
			return
		}
		if next != 0 {
			sig = next
			continue
		}
		log.Warn("Daemon process did not stop.")
		if sig != syscall.SIGTERM {
			return
		}
		log.Info("Killing daemon process.")
		_ = process.SignalGroup(pid, syscall.SIGKILL)
		if waitDone(done, int(l.opts.StopTimeout/forwardPoll)+1) {
			log.Info("Daemon process killed.")
		}
		return
	}
}

// StopRequested reports whether a stop intent or context cancellation has
// been received.
func (l *Loop) StopRequested() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stopping
}

// forwardRetries bounds the wait after a forwarded signal to half the stop
// timeout.
func (l *Loop) forwardRetries() int {
	n := l.opts.ForwardRetries
	if limit := int(l.opts.StopTimeout / 2 / forwardPoll); limit >= 1 && n > limit {
		n = limit
	}
	return n
}

// waitExit waits up to retries polls for done. A stop intent received in the
// meantime ends the wait and is returned.
func (l *Loop) waitExit(done <-chan struct{}, retries int) (syscall.Signal, bool) {
	timer := time.NewTimer(time.Duration(retries) * forwardPoll)
	defer timer.Stop()
	select {
	case <-done:
		return 0, true
	case sig := <-l.intents:
		return toSyscall(sig), false
	case <-timer.C:
	}
	select {
	case <-done:
		return 0, true
	default:
		return 0, false
	}
}

func waitDone(done <-chan struct{}, retries int) bool {
	for i := 0; i < retries; i++ {
		select {
		case <-done:
			return true
		case <-time.After(forwardPoll):
		}
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func toSyscall(sig os.Signal) syscall.Signal {
	if s, ok := sig.(syscall.Signal); ok {
		return s
	}
	return syscall.SIGTERM
}

func exitCode(cmd *exec.Cmd) int {
	st := cmd.ProcessState
	if st == nil {
		return 1
	}
	if ws, ok := st.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	return st.ExitCode()
}
