package process

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// MaxSignal is the highest signal number accepted by ValidateSignals.
const MaxSignal = 64

// ErrInvalidSignal is returned for signal numbers outside 1..MaxSignal and
// for names that do not resolve to a signal.
var ErrInvalidSignal = errors.New("invalid signal")

// ValidateSignals checks that every signal number lies in 1..MaxSignal.
func ValidateSignals(signals []syscall.Signal) error {
	for _, s := range signals {
		if s < 1 || s > MaxSignal {
			return fmt.Errorf("%w: %d is outside 1..%d", ErrInvalidSignal, int(s), MaxSignal)
		}
	}
	return nil
}

// ParseSignal accepts "TERM", "SIGTERM", "sigterm" or "15".
func ParseSignal(s string) (syscall.Signal, error) {
	v := strings.ToUpper(strings.TrimSpace(s))
	if n, err := strconv.Atoi(v); err == nil {
		sig := syscall.Signal(n)
		if err := ValidateSignals([]syscall.Signal{sig}); err != nil {
			return 0, err
		}
		return sig, nil
	}
	if v != "" {
		if sig := unix.SignalNum("SIG" + strings.TrimPrefix(v, "SIG")); sig != 0 {
			return sig, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidSignal, s)
}

// ParseSignals parses a list of names. A nil or empty list yields nil so that
// callers fall back to DefaultStopSignals.
func ParseSignals(names []string) ([]syscall.Signal, error) {
	if len(names) == 0 {
		return nil, nil
	}
	out := make([]syscall.Signal, 0, len(names))
	for _, n := range names {
		sig, err := ParseSignal(n)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

// SignalName returns the short name ("TERM") of sig, or its number.
func SignalName(sig syscall.Signal) string {
	if name := unix.SignalName(sig); name != "" {
		return strings.TrimPrefix(name, "SIG")
	}
	return strconv.Itoa(int(sig))
}
