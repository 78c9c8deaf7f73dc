package process

import (
	"reflect"
	"testing"
	"time"
)

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name string
		line string
		want []string
	}{
		{"empty", "  ", []string{"/bin/true"}},
		{"plain", "sleep 10", []string{"sleep", "10"}},
		{"meta", "echo hi > /tmp/x", []string{"/bin/sh", "-c", "echo hi > /tmp/x"}},
		{"explicit shell", "sh -c 'echo hi; sleep 1'", []string{"/bin/sh", "-c", "echo hi; sleep 1"}},
		{"explicit abs shell", `/bin/sh -c "exit 3"`, []string{"/bin/sh", "-c", "exit 3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd := BuildCommand(tt.line)
			if !reflect.DeepEqual(cmd.Args, tt.want) {
				t.Fatalf("args = %q want %q", cmd.Args, tt.want)
			}
		})
	}
}

func TestStartTime(t *testing.T) {
	requireUnix(t)
	cmd, _ := spawn(t, "exec sleep 5")
	st := StartTime(cmd.Process.Pid)
	if st.IsZero() {
		t.Skip("start time unavailable on this platform")
	}
	if d := time.Since(st); d < -2*time.Second || d > time.Minute {
		t.Fatalf("implausible start time %v (age %v)", st, d)
	}
	if !StartTime(0).IsZero() {
		t.Fatalf("pid 0 must yield zero time")
	}
}
