package supervisor

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/daemonkit/internal/detector"
	"github.com/loykin/daemonkit/internal/history"
	"github.com/loykin/daemonkit/internal/history/sqlite"
	"github.com/loykin/daemonkit/internal/process"
	"github.com/loykin/daemonkit/internal/record"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("tests require sh/sleep on Unix-like systems")
	}
}

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newTestSupervisor(t *testing.T, mutate ...func(*Options)) (*Supervisor, *syncBuffer) {
	t.Helper()
	requireUnix(t)
	dir := t.TempDir()
	logs := &syncBuffer{}
	opts := Options{
		PIDDir:       filepath.Join(dir, "run"),
		TmpDir:       filepath.Join(dir, "tmp"),
		CheckDelay:   10 * time.Millisecond,
		CheckTimeout: 300 * time.Millisecond,
		StopTimeout:  time.Second,
		ErrorMarkers: []string{"Exception:", "Fatal error:"},
		Wrap:         ShellWrap,
		Logger:       slog.New(slog.NewTextHandler(logs, nil)),
	}
	for _, m := range mutate {
		m(&opts)
	}
	s, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _, _ = s.StopAll("", 200*time.Millisecond, []syscall.Signal{syscall.SIGKILL}) })
	return s, logs
}

func tmpEntries(t *testing.T, s *Supervisor) []string {
	t.Helper()
	entries, err := os.ReadDir(s.opts.TmpDir)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestStartStopLifecycle(t *testing.T) {
	s, logs := newTestSupervisor(t)

	require.True(t, s.Start("worker", "exec sleep 30"))
	assert.True(t, s.IsRunning("worker"))
	assert.Empty(t, tmpEntries(t, s), "capture files are removed after a successful start")

	rec := record.New(s.PIDDir(), "worker")
	pid, ok := rec.PID()
	require.True(t, ok)
	b, err := os.ReadFile(rec.IDPath())
	require.NoError(t, err)
	assert.Equal(t, "worker", string(b))

	st := s.Status("worker")
	assert.True(t, st.Running)
	assert.Equal(t, pid, st.PID)
	assert.Equal(t, record.Hash("worker"), st.Hash)

	assert.False(t, s.Start("worker", "exec sleep 30"), "second start is refused")
	assert.Contains(t, logs.String(), "Daemon already running.")

	ok, err = s.Stop("worker", time.Second, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, s.IsRunning("worker"))
	for _, p := range []string{rec.PIDPath(), rec.IDPath(), rec.ExitPath()} {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), "%s should be removed", p)
	}
	assert.False(t, process.NewIdentity(pid).IsRunning())

	ok, err = s.Stop("worker", time.Second, nil)
	require.NoError(t, err)
	assert.False(t, ok, "stopping nothing reports false")
	assert.Contains(t, logs.String(), "Daemon is not running.")
}

func TestStartRejectsErrorKeyword(t *testing.T) {
	s, logs := newTestSupervisor(t)

	assert.False(t, s.Start("noisy", "echo 'Exception: test'; exit 0"))
	assert.Contains(t, logs.String(), "Daemon command output contains error keyword.")
	assert.False(t, s.IsRunning("noisy"))
	_, err := os.Stat(record.New(s.PIDDir(), "noisy").PIDPath())
	assert.True(t, os.IsNotExist(err), "no record for a rejected start")
	assert.Empty(t, tmpEntries(t, s))
}

func TestStartRejectsKeywordOfLiveProcess(t *testing.T) {
	s, logs := newTestSupervisor(t)

	assert.False(t, s.Start("liar", "echo 'Fatal error: nope'; exec sleep 30"))
	assert.Contains(t, logs.String(), "Daemon command output contains error keyword.")
	ids, err := record.Scan(s.PIDDir())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestStartDetectsCrash(t *testing.T) {
	s, logs := newTestSupervisor(t)

	begin := time.Now()
	assert.False(t, s.Start("crasher", "exit 3"))
	assert.Less(t, time.Since(begin), 250*time.Millisecond, "an early exit ends the wait")
	assert.Contains(t, logs.String(), "Daemon crashed after start.")
	assert.False(t, s.IsRunning("crasher"))
}

func TestStartWrapError(t *testing.T) {
	s, logs := newTestSupervisor(t, func(o *Options) {
		o.Wrap = func(string, string) ([]string, error) { return nil, errors.New("no executable") }
	})
	assert.False(t, s.Start("w", "sleep 1"))
	assert.Contains(t, logs.String(), "Daemon launcher failed.")
}

func TestStartHealthCheck(t *testing.T) {
	s, logs := newTestSupervisor(t)
	ready := filepath.Join(t.TempDir(), "ready")

	ok := s.StartDaemon(Daemon{ID: "unhealthy", Command: "exec sleep 30", HealthCheck: detector.CommandDetector{Command: "test -f " + ready}})
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "Daemon health check failed.")
	assert.False(t, s.IsRunning("unhealthy"))

	ok = s.StartDaemon(Daemon{ID: "healthy", Command: "touch " + ready + "; exec sleep 30", HealthCheck: detector.CommandDetector{Command: "test -f " + ready}})
	assert.True(t, ok)
}

func TestConcurrentStartsOfSameID(t *testing.T) {
	s, _ := newTestSupervisor(t)

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = s.Start("single", "exec sleep 30")
		}(i)
	}
	wg.Wait()
	n := 0
	for _, r := range results {
		if r {
			n++
		}
	}
	assert.Equal(t, 1, n, "exactly one concurrent start may win")
}

func TestStopEscalationExhausted(t *testing.T) {
	s, logs := newTestSupervisor(t)
	require.True(t, s.Start("stubborn", `trap "" INT TERM; exec sleep 30`))

	ok, err := s.Stop("stubborn", 100*time.Millisecond, []syscall.Signal{syscall.SIGINT, syscall.SIGTERM})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Contains(t, logs.String(), "Daemon process did not stop.")
	assert.True(t, s.IsRunning("stubborn"), "record is kept when the daemon survives")
	assert.True(t, s.Status("stubborn").WillExit)

	ok, err = s.Stop("stubborn", time.Second, []syscall.Signal{syscall.SIGKILL})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestStopRejectsInvalidSignals(t *testing.T) {
	s, _ := newTestSupervisor(t)
	require.True(t, s.Start("victim", "exec sleep 30"))

	_, err := s.Stop("victim", time.Second, []syscall.Signal{syscall.SIGTERM, 70})
	require.ErrorIs(t, err, process.ErrInvalidSignal)
	assert.True(t, s.IsRunning("victim"))
}

func TestStopAllPattern(t *testing.T) {
	s, logs := newTestSupervisor(t)
	for _, id := range []string{"a-worker", "B-WORKER", "mailer"} {
		require.True(t, s.Start(id, "exec sleep 30"), id)
	}

	ok, err := s.StopAll("worker", time.Second, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, s.IsRunning("a-worker"))
	assert.False(t, s.IsRunning("B-WORKER"))
	assert.True(t, s.IsRunning("mailer"))
	assert.Contains(t, logs.String(), "matched=2")

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "mailer", list[0].ID)

	ok, err = s.StopAll("", time.Second, nil)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, s.IsRunning("mailer"))

	_, err = s.StopAll("[", time.Second, nil)
	assert.Error(t, err)
}

func TestStopAllReportsFailures(t *testing.T) {
	s, _ := newTestSupervisor(t)
	require.True(t, s.Start("good", "exec sleep 30"))
	require.True(t, s.Start("bad", `trap "" TERM; exec sleep 30`))

	ok, err := s.StopAll("", 100*time.Millisecond, []syscall.Signal{syscall.SIGTERM})
	require.NoError(t, err)
	assert.False(t, ok, "one survivor makes the aggregate false")
	assert.False(t, s.IsRunning("good"))
	assert.True(t, s.IsRunning("bad"))
}

func TestStartAll(t *testing.T) {
	s, _ := newTestSupervisor(t)
	ok := s.StartAll([]Daemon{{ID: "one", Command: "exec sleep 30"}, {ID: "two", Command: "exec sleep 30"}})
	assert.True(t, ok)
	assert.True(t, s.IsRunning("one"))
	assert.True(t, s.IsRunning("two"))

	ok = s.StartAll([]Daemon{{ID: "three", Command: "exec sleep 30"}, {ID: "four", Command: "exit 1"}})
	assert.False(t, ok)
	assert.True(t, s.IsRunning("three"))
}

func TestStartClearsStaleExitMarker(t *testing.T) {
	s, _ := newTestSupervisor(t)
	rec := record.New(s.PIDDir(), "again")
	require.NoError(t, rec.MarkExit())
	require.True(t, s.Start("again", "exec sleep 30"))
	assert.False(t, rec.WillExit())
}

func TestStartRecordsHistory(t *testing.T) {
	sink, err := sqlite.New(":memory:")
	require.NoError(t, err)
	defer func() { _ = sink.Close() }()

	s, _ := newTestSupervisor(t, func(o *Options) {
		o.History = history.NewRecorder(nil, sink)
	})
	require.True(t, s.Start("tracked", "exec sleep 30"))
	assert.False(t, s.Start("tracked-bad", "exit 2"))
	_, err = s.Stop("tracked", time.Second, nil)
	require.NoError(t, err)

	n, err := sink.Count(t.Context(), "tracked")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = sink.Count(t.Context(), "tracked-bad")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestLaunchEnvironment(t *testing.T) {
	out := filepath.Join(t.TempDir(), "env.txt")
	s, _ := newTestSupervisor(t)
	s.opts.Env.Set("DAEMONKIT_TEST_VALUE", "from-config")
	require.True(t, s.Start("env", `echo "$DAEMONKIT_TEST_VALUE" > `+out+`; exec sleep 30`))
	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "from-config", strings.TrimSpace(string(b)))
}

func TestSelfWrap(t *testing.T) {
	argv, err := SelfWrap("--config", "/etc/daemonkit.toml")("mailer", "php mailer.php")
	require.NoError(t, err)
	exe, _ := os.Executable()
	assert.Equal(t, []string{exe, "--config", "/etc/daemonkit.toml", "run", "--managed", "--id", "mailer", "--", "php mailer.php"}, argv)
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
	_, err = New(Options{PIDDir: t.TempDir(), StopSignals: []syscall.Signal{0}})
	assert.ErrorIs(t, err, process.ErrInvalidSignal)
}

func TestDefaultErrorMarkers(t *testing.T) {
	s, logs := newTestSupervisor(t, func(o *Options) { o.ErrorMarkers = nil })
	assert.Equal(t, DefaultErrorMarkers, s.opts.ErrorMarkers)

	assert.False(t, s.Start("liar", "echo 'panic: boom'; exec sleep 30"))
	assert.Contains(t, logs.String(), "Daemon command output contains error keyword.")
	assert.False(t, s.IsRunning("liar"))

	quiet, _ := newTestSupervisor(t, func(o *Options) { o.ErrorMarkers = []string{} })
	assert.True(t, quiet.Start("liar", "echo 'panic: boom'; exec sleep 30"), "an empty list disables the search")
}

func TestStopReachesDaemonDescendants(t *testing.T) {
	s, _ := newTestSupervisor(t)
	pidFile := filepath.Join(t.TempDir(), "grandchild")
	require.True(t, s.Start("tree", `sleep 30 & echo $! > `+pidFile+`; wait`))

	var grandchild *process.Identity
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(pidFile)
		if err != nil {
			return false
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(b)))
		grandchild = process.NewIdentity(n)
		return err == nil && grandchild.IsRunning()
	}, 2*time.Second, 10*time.Millisecond)

	// INT alone ends the shell; its background job ignores INT.
	ok, err := s.Stop("tree", time.Second, []syscall.Signal{syscall.SIGINT})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Eventually(t, func() bool { return !grandchild.IsRunning() }, 2*time.Second, 10*time.Millisecond)
}
