package supervisor

import (
	"bytes"
	"fmt"
	"os"
)

// capture holds the two temporary files observing a detached launch: out
// receives the daemon's combined stdout and stderr, launcher receives the
// stderr of the launch shell itself.
type capture struct {
	outPath      string
	launcher     *os.File
	launcherPath string
}

func newCapture(tmpDir string) (*capture, error) {
	if err := os.MkdirAll(tmpDir, 0o750); err != nil {
		return nil, fmt.Errorf("create tmp dir: %w", err)
	}
	out, err := os.CreateTemp(tmpDir, "daemonkit-*.out")
	if err != nil {
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	outPath := out.Name()
	_ = out.Close()
	launcher, err := os.CreateTemp(tmpDir, "daemonkit-*.err")
	if err != nil {
		_ = os.Remove(outPath)
		return nil, fmt.Errorf("create capture file: %w", err)
	}
	return &capture{outPath: outPath, launcher: launcher, launcherPath: launcher.Name()}, nil
}

func (c *capture) output() []byte {
	b, _ := os.ReadFile(c.outPath)
	return b
}

func (c *capture) launcherOutput() []byte {
	b, _ := os.ReadFile(c.launcherPath)
	return bytes.TrimSpace(b)
}

// cleanup removes both files. A daemon keeps its descriptor on the removed
// output file; a managed run loop stops writing to it once it is unlinked.
func (c *capture) cleanup() {
	_ = c.launcher.Close()
	_ = os.Remove(c.outPath)
	_ = os.Remove(c.launcherPath)
}

// startupFailure names why a launch was rejected.
type startupFailure struct {
	reason  string // metrics label
	message string // log message
}

var (
	failLauncher = &startupFailure{"launcher", "Daemon launcher failed."}
	failKeyword  = &startupFailure{"error_keyword", "Daemon command output contains error keyword."}
	failCrashed  = &startupFailure{"crashed", "Daemon crashed after start."}
	failHealth   = &startupFailure{"health_check", "Daemon health check failed."}
)

// checkStartup applies the launch checks in order: the launch shell wrote to
// its stderr, the daemon printed an error marker, the daemon is gone.
func checkStartup(c *capture, markers []string, alive bool) *startupFailure {
	if len(c.launcherOutput()) > 0 {
		return failLauncher
	}
	out := c.output()
	for _, m := range markers {
		if m != "" && bytes.Contains(out, []byte(m)) {
			return failKeyword
		}
	}
	if !alive {
		return failCrashed
	}
	return nil
}
