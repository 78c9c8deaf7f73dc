package history

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	closed bool
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error {
	m.closed = true
	return nil
}

type plainSink struct{}

func (plainSink) Send(context.Context, Event) error { return nil }

func TestRecorder_FansOutAndLogsFailures(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewTextHandler(&buf, nil))
	good := &memSink{}
	bad := &memSink{err: errors.New("unreachable")}
	r := NewRecorder(log, bad, good, plainSink{})

	r.Emit(context.Background(), EventStart, Record{ID: "w1", PID: 42, Command: "sleep 1"})

	require.Len(t, good.events, 1)
	e := good.events[0]
	assert.Equal(t, EventStart, e.Type)
	assert.Equal(t, "w1", e.Record.ID)
	assert.Equal(t, 42, e.Record.PID)
	assert.False(t, e.OccurredAt.IsZero())
	assert.True(t, strings.Contains(buf.String(), "history sink failed"))

	require.NoError(t, r.Close())
	assert.True(t, good.closed)
	assert.True(t, bad.closed)
}

func TestRecorder_NilAndEmptyAreNoops(t *testing.T) {
	var r *Recorder
	r.Emit(context.Background(), EventStop, Record{ID: "x"})
	assert.NoError(t, r.Close())

	NewRecorder(nil).Emit(context.Background(), EventStop, Record{ID: "x"})
}
