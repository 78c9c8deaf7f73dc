// Package supervisor starts commands as detached daemons, validates that they
// came up, and stops them through the per-id records kept in the pid directory.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"syscall"
	"time"

	"github.com/loykin/daemonkit/internal/detector"
	"github.com/loykin/daemonkit/internal/env"
	"github.com/loykin/daemonkit/internal/history"
	"github.com/loykin/daemonkit/internal/metrics"
	"github.com/loykin/daemonkit/internal/process"
	"github.com/loykin/daemonkit/internal/record"
)

// CaptureEnv names the variable through which the launch shell learns where
// to redirect the daemon's output.
const CaptureEnv = "DAEMONKIT_CAPTURE"

// launchScript replaces the launch shell with the wrapped argv, sending its
// stdout and stderr to the capture file. Errors of the shell itself (an
// unwritable capture file, for one) go to the launcher capture.
const launchScript = `exec "$@" >"$` + CaptureEnv + `" 2>&1`

// WrapFunc turns a daemon id and command line into the argv actually launched.
type WrapFunc func(id, command string) ([]string, error)

// ShellWrap runs the command under /bin/sh without a foreground loop.
func ShellWrap(_ string, command string) ([]string, error) {
	return []string{"/bin/sh", "-c", command}, nil
}

// SelfWrap re-invokes the running executable as "<exe> run" so the daemon is
// kept under a foreground loop. extra is inserted before the run flags.
func SelfWrap(extra ...string) WrapFunc {
	return func(id, command string) ([]string, error) {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		argv := append([]string{exe}, extra...)
		return append(argv, "run", "--managed", "--id", id, "--", command), nil
	}
}

// Options configures a Supervisor. Zero durations take the defaults below.
type Options struct {
	PIDDir       string
	TmpDir       string
	WorkDir      string
	CheckDelay   time.Duration
	CheckTimeout time.Duration
	StopTimeout  time.Duration
	StopSignals  []syscall.Signal
	// ErrorMarkers are searched for in the startup output. nil means
	// DefaultErrorMarkers; an empty non-nil slice disables the search.
	ErrorMarkers []string
	Env          *env.Env
	Wrap         WrapFunc
	History      *history.Recorder
	Logger       *slog.Logger
}

// DefaultErrorMarkers are searched for in the output of a freshly started daemon.
var DefaultErrorMarkers = []string{"Exception:", "Fatal error:", "fatal error:", "panic:"}

const (
	DefaultCheckDelay   = 10 * time.Millisecond
	DefaultCheckTimeout = 5 * time.Second
	DefaultStopTimeout  = 10 * time.Second
)

// Daemon declares a daemon for StartDaemon and StartAll.
type Daemon struct {
	ID          string
	Command     string
	HealthCheck detector.Detector
}

// Status is a point-in-time view of one record.
type Status struct {
	ID        string    `json:"id"`
	Hash      string    `json:"hash"`
	PID       int       `json:"pid,omitempty"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at,omitempty"`
	WillExit  bool      `json:"will_exit"`
}

type Supervisor struct {
	opts Options
	log  *slog.Logger
}

// New validates opts and fills in defaults.
func New(opts Options) (*Supervisor, error) {
	if opts.PIDDir == "" {
		return nil, errors.New("pid dir is required")
	}
	if opts.TmpDir == "" {
		opts.TmpDir = os.TempDir()
	}
	if opts.CheckDelay <= 0 {
		opts.CheckDelay = DefaultCheckDelay
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = DefaultCheckTimeout
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.ErrorMarkers == nil {
		opts.ErrorMarkers = DefaultErrorMarkers
	}
	if err := process.ValidateSignals(opts.StopSignals); err != nil {
		return nil, err
	}
	if opts.Env == nil {
		opts.Env = env.New()
	}
	if opts.Wrap == nil {
		opts.Wrap = SelfWrap()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Supervisor{opts: opts, log: log}, nil
}

// PIDDir returns the bookkeeping directory.
func (s *Supervisor) PIDDir() string { return s.opts.PIDDir }

// Start launches command as the detached daemon id. See StartDaemon.
func (s *Supervisor) Start(id, command string) bool {
	return s.StartDaemon(Daemon{ID: id, Command: command})
}

// StartDaemon launches d detached and reports whether it passed startup
// validation. The record is written only on success; a launch that fails
// validation while still alive is stopped again. Starts of the same id are
// serialised through the record lock.
func (s *Supervisor) StartDaemon(d Daemon) bool {
	log := s.log.With("id", d.ID, "command", d.Command)
	rec := record.New(s.opts.PIDDir, d.ID)

	lock, ok, err := rec.TryLock()
	if err != nil {
		log.Error("Daemon start failed.", "error", err)
		s.startFailed(d, 0, "lock", err.Error())
		return false
	}
	if !ok {
		log.Warn("Daemon start already in progress.")
		metrics.IncStartFailure(d.ID, "in_progress")
		return false
	}
	defer func() { _ = lock.Unlock() }()

	if rec.IsRunning() {
		pid, _ := rec.PID()
		log.Info("Daemon already running.", "pid", pid)
		metrics.IncStartFailure(d.ID, "already_running")
		return false
	}
	// leftovers of a daemon that died without cleaning up, including an
	// exit marker that would stop the new foreground loop at once
	rec.Remove()

	argv, err := s.opts.Wrap(d.ID, d.Command)
	if err == nil && len(argv) == 0 {
		err = errors.New("empty launch command")
	}
	if err != nil {
		log.Error("Daemon launcher failed.", "error", err)
		s.startFailed(d, 0, failLauncher.reason, err.Error())
		return false
	}
	capt, err := newCapture(s.opts.TmpDir)
	if err != nil {
		log.Error("Daemon launcher failed.", "error", err)
		s.startFailed(d, 0, failLauncher.reason, err.Error())
		return false
	}
	defer capt.cleanup()

	cmd := s.launchCommand(argv, capt)
	log.Info("Starting daemon.")
	began := time.Now()
	if err := cmd.Start(); err != nil {
		log.Error("Daemon launcher failed.", "error", err)
		s.startFailed(d, 0, failLauncher.reason, err.Error())
		return false
	}
	exited := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(exited)
	}()
	pid := process.NewIdentity(cmd.Process.Pid)
	log = log.With("pid", cmd.Process.Pid)

	s.awaitStartup(exited)
	alive := !isClosed(exited) && pid.IsRunning()
	fail := checkStartup(capt, s.opts.ErrorMarkers, alive)
	if fail == nil && d.HealthCheck != nil {
		if ok, herr := d.HealthCheck.Alive(); !ok {
			log.Warn("Health check reported failure.", "check", d.HealthCheck.Describe(), "error", herr)
			fail = failHealth
		}
	}
	metrics.ObserveStartCheck(d.ID, time.Since(began).Seconds())

	if fail != nil {
		log.Error(fail.message, "output", string(capt.output()), "launcher", string(capt.launcherOutput()))
		if alive {
			if _, err := pid.GracefullyStop(s.opts.StopTimeout, s.opts.StopSignals); err != nil {
				log.Error("Stopping rejected daemon failed.", "error", err)
			}
		}
		// a foreground loop may have recorded itself before it was rejected
		if got, ok := record.New(s.opts.PIDDir, d.ID).PID(); ok && got == cmd.Process.Pid {
			rec.Remove()
		}
		s.startFailed(d, cmd.Process.Pid, fail.reason, fail.message)
		return false
	}

	committed := record.NewWithIdentity(s.opts.PIDDir, d.ID, pid)
	if err := committed.Dump(); err != nil {
		log.Error("Daemon record could not be written.", "error", err)
		_, _ = pid.GracefullyStop(s.opts.StopTimeout, s.opts.StopSignals)
		s.startFailed(d, cmd.Process.Pid, "record", err.Error())
		return false
	}
	log.Info("Daemon started.")
	metrics.IncStart(d.ID)
	s.opts.History.Emit(context.Background(), history.EventStart, history.Record{ID: d.ID, PID: cmd.Process.Pid, Command: d.Command})
	return true
}

func (s *Supervisor) launchCommand(argv []string, capt *capture) *exec.Cmd {
	args := append([]string{"-c", launchScript, "daemonkit-launch"}, argv...)
	// #nosec G204
	cmd := exec.Command("/bin/sh", args...)
	cmd.Env = s.opts.Env.Merge([]string{CaptureEnv + "=" + capt.outPath})
	if s.opts.WorkDir != "" {
		cmd.Dir = s.opts.WorkDir
	}
	cmd.Stderr = capt.launcher
	process.ConfigureDetached(cmd)
	return cmd
}

// awaitStartup waits CheckTimeout, polling every CheckDelay, and returns early
// when the launched process exits.
func (s *Supervisor) awaitStartup(exited <-chan struct{}) {
	deadline := time.NewTimer(s.opts.CheckTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(s.opts.CheckDelay)
	defer tick.Stop()
	for {
		select {
		case <-exited:
			return
		case <-deadline.C:
			return
		case <-tick.C:
		}
	}
}

func (s *Supervisor) startFailed(d Daemon, pid int, reason, msg string) {
	metrics.IncStartFailure(d.ID, reason)
	s.opts.History.Emit(context.Background(), history.EventStartFailed, history.Record{ID: d.ID, PID: pid, Command: d.Command, Error: msg})
}

// StartAll starts every daemon and reports whether all of them started.
func (s *Supervisor) StartAll(daemons []Daemon) bool {
	all := true
	started := 0
	for _, d := range daemons {
		if s.StartDaemon(d) {
			started++
		} else {
			all = false
		}
	}
	s.log.Info("Started daemons.", "started", started, "total", len(daemons), "all", all)
	return all
}

// Stop escalates through signals (StopSignals when empty) until the daemon id
// dies, waiting up to timeout (StopTimeout when zero) after each. It reports
// false when nothing is running or the escalation was exhausted; the record is
// kept in the latter case. Invalid signals fail before anything is sent.
func (s *Supervisor) Stop(id string, timeout time.Duration, signals []syscall.Signal) (bool, error) {
	if len(signals) == 0 {
		signals = s.opts.StopSignals
	}
	if err := process.ValidateSignals(signals); err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = s.opts.StopTimeout
	}
	log := s.log.With("id", id)
	rec := record.New(s.opts.PIDDir, id)
	if !rec.IsRunning() {
		log.Info("Daemon is not running.")
		rec.Remove()
		return false, nil
	}
	pid, _ := rec.PID()
	log = log.With("pid", pid)
	if err := rec.MarkExit(); err != nil {
		log.Warn("Exit marker could not be written.", "error", err)
	}
	log.Info("Stopping daemon.")
	ok, err := rec.Stop(timeout, signals)
	if err != nil {
		return false, err
	}
	if !ok {
		log.Error("Daemon process did not stop.")
		metrics.IncStopFailure(id)
		s.opts.History.Emit(context.Background(), history.EventStopFailed, history.Record{ID: id, PID: pid, Error: "escalation exhausted"})
		return false, nil
	}
	log.Info("Daemon stopped.")
	metrics.IncStop(id)
	s.opts.History.Emit(context.Background(), history.EventStop, history.Record{ID: id, PID: pid})
	return true, nil
}

// StopAll stops every recorded daemon whose id matches pattern, a regular
// expression applied case-insensitively; an empty pattern matches all. It
// reports true only if every matched stop succeeded.
func (s *Supervisor) StopAll(pattern string, timeout time.Duration, signals []syscall.Signal) (bool, error) {
	var re *regexp.Regexp
	if pattern != "" {
		var err error
		if re, err = regexp.Compile("(?i)" + pattern); err != nil {
			return false, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	ids, err := record.Scan(s.opts.PIDDir)
	if err != nil {
		return false, fmt.Errorf("scan pid dir: %w", err)
	}
	all := true
	matched := 0
	for _, id := range ids {
		if re != nil && !re.MatchString(id) {
			continue
		}
		matched++
		ok, err := s.Stop(id, timeout, signals)
		if err != nil {
			return false, err
		}
		all = all && ok
	}
	s.log.Info("Stopped daemons.", "pattern", pattern, "matched", matched, "all", all)
	return all, nil
}

// IsRunning reports whether the daemon id is alive according to its record.
func (s *Supervisor) IsRunning(id string) bool {
	return record.New(s.opts.PIDDir, id).IsRunning()
}

// Status returns the state of the record for id.
func (s *Supervisor) Status(id string) Status {
	rec := record.New(s.opts.PIDDir, id)
	st := Status{ID: id, Hash: rec.Hash(), WillExit: rec.WillExit()}
	if pid, ok := rec.PID(); ok {
		st.PID = pid
		st.Running = rec.Identity().IsRunning()
		if st.Running {
			st.StartedAt = process.StartTime(pid)
		}
	}
	return st
}

// List returns the status of every record in the pid directory, sorted by id.
func (s *Supervisor) List() ([]Status, error) {
	ids, err := record.Scan(s.opts.PIDDir)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.Status(id))
	}
	return out, nil
}

func isClosed(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}
