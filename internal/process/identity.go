package process

import (
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"
)

// PollInterval is the step used while waiting for a signalled process to exit.
const PollInterval = 10 * time.Millisecond

// DefaultTimeout bounds the wait after each signal of GracefullyStop.
const DefaultTimeout = 5 * time.Second

// DefaultStopSignals is the escalation used when no signals are supplied.
var DefaultStopSignals = []syscall.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL}

// Identity is a handle on an OS process id. The zero pid means the process is
// unknown or has been observed dead; once cleared the handle is never reused,
// a new spawn needs a new Identity.
type Identity struct {
	mu  sync.Mutex
	pid int
}

// NewIdentity wraps pid. Non-positive values produce an empty identity.
func NewIdentity(pid int) *Identity {
	if pid < 0 {
		pid = 0
	}
	return &Identity{pid: pid}
}

// Self returns the identity of the calling process.
func Self() *Identity { return NewIdentity(os.Getpid()) }

// Value returns the tracked pid and whether one is present.
func (p *Identity) Value() (int, bool) {
	if p == nil {
		return 0, false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid, p.pid > 0
}

func (p *Identity) clear() {
	p.mu.Lock()
	p.pid = 0
	p.mu.Unlock()
}

// IsRunning probes the process with the null signal. Zombies count as dead.
func (p *Identity) IsRunning() bool {
	pid, ok := p.Value()
	if !ok {
		return false
	}
	return pidAlive(pid)
}

// SendSignal delivers sig to the process, and to its whole group when the
// process leads one. Delivery failures and an empty identity both report false.
func (p *Identity) SendSignal(sig syscall.Signal) bool {
	pid, ok := p.Value()
	if !ok {
		return false
	}
	return SignalTree(pid, sig) == nil
}

// GracefullyStop sends each signal in order and waits up to timeout after each
// for the process to die. It reports true as soon as the process is observed
// dead, clearing the identity. Signals are validated before anything is sent;
// an empty list means DefaultStopSignals and a non-positive timeout means
// DefaultTimeout.
func (p *Identity) GracefullyStop(timeout time.Duration, signals []syscall.Signal) (bool, error) {
	if len(signals) == 0 {
		signals = DefaultStopSignals
	}
	if err := ValidateSignals(signals); err != nil {
		return false, err
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if !p.IsRunning() {
		p.clear()
		return true, nil
	}
	for _, sig := range signals {
		// a failed delivery usually means the process is already gone;
		// the wait below observes that on its first probe
		_ = p.SendSignal(sig)
		if p.waitExit(timeout) {
			p.clear()
			return true, nil
		}
	}
	if p.IsRunning() {
		return false, nil
	}
	p.clear()
	return true, nil
}

// waitExit polls liveness every PollInterval until the process dies or timeout elapses.
func (p *Identity) waitExit(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		if !p.IsRunning() {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(PollInterval)
	}
}

func (p *Identity) String() string {
	pid, ok := p.Value()
	if !ok {
		return "pid(null)"
	}
	return "pid(" + strconv.Itoa(pid) + ")"
}
