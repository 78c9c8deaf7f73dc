// Package record persists the binding between a logical daemon id and the OS
// process currently serving it. Each id owns a family of files named after
// the SHA-256 of the id inside a bookkeeping directory:
//
//	<hash>.pid   decimal pid, present only while the daemon is believed alive
//	<hash>.id    the literal id, so the directory can be listed by id
//	<hash>.exit  presence-only marker asking a foreground loop to stop
//	<hash>.lock  advisory lock serialising starts of the same id
//
// The filesystem is the source of truth: every decision re-reads the pid file.
package record

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/loykin/daemonkit/internal/process"
)

const (
	dirPerm  = 0o750
	filePerm = 0o600
)

// Record binds id to an optional process identity within dir.
type Record struct {
	id  string
	dir string

	mu  sync.Mutex
	pid *process.Identity
}

// New returns the record for id and loads its pid file, if any.
func New(dir, id string) *Record {
	r := &Record{id: id, dir: dir}
	r.Reload()
	return r
}

// NewWithIdentity returns a record tracking pid without touching the disk.
// Call Dump to persist it.
func NewWithIdentity(dir, id string, pid *process.Identity) *Record {
	return &Record{id: id, dir: dir, pid: pid}
}

// Hash returns the hex SHA-256 of id, the stem of every file of the record.
func Hash(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])
}

func (r *Record) ID() string       { return r.id }
func (r *Record) Dir() string      { return r.dir }
func (r *Record) Hash() string     { return Hash(r.id) }
func (r *Record) PIDPath() string  { return filepath.Join(r.dir, r.Hash()+".pid") }
func (r *Record) IDPath() string   { return filepath.Join(r.dir, r.Hash()+".id") }
func (r *Record) ExitPath() string { return filepath.Join(r.dir, r.Hash()+".exit") }
func (r *Record) LockPath() string { return filepath.Join(r.dir, r.Hash()+".lock") }

// Identity returns the tracked identity, or nil.
func (r *Record) Identity() *process.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pid
}

// PID returns the tracked pid as last loaded.
func (r *Record) PID() (int, bool) {
	return r.Identity().Value()
}

// Reload re-reads the pid file. A missing or unparsable file clears the identity.
func (r *Record) Reload() {
	var id *process.Identity
	if b, err := os.ReadFile(r.PIDPath()); err == nil {
		if pid, err := strconv.Atoi(strings.TrimSpace(string(b))); err == nil && pid > 0 {
			id = process.NewIdentity(pid)
		}
	}
	r.mu.Lock()
	r.pid = id
	r.mu.Unlock()
}

// SetIdentity replaces the tracked identity. A nil identity removes the
// record files, otherwise they are rewritten.
func (r *Record) SetIdentity(pid *process.Identity) error {
	r.mu.Lock()
	r.pid = pid
	r.mu.Unlock()
	if _, ok := pid.Value(); !ok {
		r.Remove()
		return nil
	}
	return r.Dump()
}

// Dump writes the pid and id files. It is a no-op without an identity.
func (r *Record) Dump() error {
	pid, ok := r.PID()
	if !ok {
		return nil
	}
	if err := os.MkdirAll(r.dir, dirPerm); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	if err := os.WriteFile(r.PIDPath(), []byte(strconv.Itoa(pid)), filePerm); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	if err := os.WriteFile(r.IDPath(), []byte(r.id), filePerm); err != nil {
		return fmt.Errorf("write id file: %w", err)
	}
	return nil
}

// Remove deletes the pid, id and exit files, ignoring files already gone.
// The lock file is left alone since another process may hold it.
func (r *Record) Remove() {
	_ = os.Remove(r.PIDPath())
	_ = os.Remove(r.IDPath())
	_ = os.Remove(r.ExitPath())
}

// IsRunning re-reads the pid file and probes the process.
func (r *Record) IsRunning() bool {
	r.Reload()
	return r.Identity().IsRunning()
}

// SendSignal re-reads the pid file and delivers sig.
func (r *Record) SendSignal(sig syscall.Signal) bool {
	r.Reload()
	return r.Identity().SendSignal(sig)
}

// Stop re-reads the pid file and escalates through signals. The record files
// are removed once the process is confirmed dead, and what is left of the group
// it led is killed. Without a tracked process it reports false and leaves the
// files alone.
func (r *Record) Stop(timeout time.Duration, signals []syscall.Signal) (bool, error) {
	if err := process.ValidateSignals(signals); err != nil {
		return false, err
	}
	r.Reload()
	pid := r.Identity()
	n, ok := pid.Value()
	if !ok {
		return false, nil
	}
	leader := process.LeadsGroup(n)
	stopped, err := pid.GracefullyStop(timeout, signals)
	if err != nil || !stopped {
		return false, err
	}
	if leader {
		_ = process.SignalGroup(n, syscall.SIGKILL)
	}
	r.Remove()
	return true, nil
}

// WillExit reports whether an exit has been requested for this id.
func (r *Record) WillExit() bool {
	_, err := os.Stat(r.ExitPath())
	return err == nil
}

// MarkExit asks a foreground loop serving this id to stop instead of restarting.
func (r *Record) MarkExit() error {
	if err := os.MkdirAll(r.dir, dirPerm); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	return os.WriteFile(r.ExitPath(), []byte("1"), filePerm)
}

// TryLock takes the per-id advisory lock without blocking. When ok is true the
// caller must release it with Unlock.
func (r *Record) TryLock() (lock *flock.Flock, ok bool, err error) {
	if err := os.MkdirAll(r.dir, dirPerm); err != nil {
		return nil, false, fmt.Errorf("create pid dir: %w", err)
	}
	lock = flock.New(r.LockPath())
	ok, err = lock.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock for %q: %w", r.id, err)
	}
	return lock, ok, nil
}

func (r *Record) String() string {
	pid, ok := r.PID()
	if !ok {
		return fmt.Sprintf("dpid(%q, null)", r.id)
	}
	return fmt.Sprintf("dpid(%q, %d)", r.id, pid)
}
