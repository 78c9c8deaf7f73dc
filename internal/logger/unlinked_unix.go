//go:build !windows

package logger

import (
	"io"
	"os"
	"sync/atomic"
	"syscall"
)

// unlinkedWriter forwards to f until the file behind f has been removed from
// the file system, and discards from then on.
type unlinkedWriter struct {
	f    *os.File
	gone atomic.Bool
}

// UntilUnlinked returns a writer that stops writing to f once f's file has no
// links left. Pipes and terminals are never considered unlinked.
func UntilUnlinked(f *os.File) io.Writer {
	return &unlinkedWriter{f: f}
}

func (w *unlinkedWriter) Write(p []byte) (int, error) {
	if w.gone.Load() {
		return len(p), nil
	}
	if fi, err := w.f.Stat(); err == nil && fi.Mode().IsRegular() {
		if st, ok := fi.Sys().(*syscall.Stat_t); ok && st.Nlink == 0 {
			w.gone.Store(true)
			return len(p), nil
		}
	}
	return w.f.Write(p)
}
