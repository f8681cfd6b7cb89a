package testutil

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"

	"go.ntppool.org/gnssrx/channel"
	"go.ntppool.org/gnssrx/controlq"
)

// TestLogger creates a test logger that outputs to testing.T
type TestLogger struct {
	t      *testing.T
	logger *slog.Logger
}

// NewTestLogger creates a debug level test logger. Set GNSSRX_TEST_LOG
// to see the output on stdout; it is discarded otherwise.
func NewTestLogger(t *testing.T) *TestLogger {
	var handler slog.Handler
	if os.Getenv("GNSSRX_TEST_LOG") != "" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	} else {
		handler = slog.DiscardHandler
	}

	return &TestLogger{
		t:      t,
		logger: slog.New(handler).With("test", t.Name()),
	}
}

// Logger returns the slog.Logger instance
func (tl *TestLogger) Logger() *slog.Logger {
	return tl.logger
}

// Script enqueues msgs in order and fails the test on any error.
func Script(t *testing.T, q *controlq.Queue, msgs ...controlq.Message) {
	t.Helper()
	for _, m := range msgs {
		if _, err := q.Enqueue(m); err != nil {
			t.Fatalf("enqueue %s: %v", m, err)
		}
	}
}

// Groups returns n channels of group g.
func Groups(g channel.Group, n int) []channel.Group {
	r := make([]channel.Group, n)
	for i := range r {
		r[i] = g
	}
	return r
}

// PRNs returns the candidates first..first+n-1.
func PRNs(first uint32, n int) []uint32 {
	r := make([]uint32, n)
	for i := range r {
		r[i] = first + uint32(i)
	}
	return r
}

// Assignment is one recorded Dispatcher call
type Assignment struct {
	Channel uint32
	Group   channel.Group
	PRN     uint32
}

// RecordingDispatcher records assignments
type RecordingDispatcher struct {
	mu          sync.Mutex
	assignments []Assignment
}

func (r *RecordingDispatcher) Assign(id uint32, group channel.Group, prn uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = append(r.assignments, Assignment{Channel: id, Group: group, PRN: prn})
}

// Assignments returns a copy of the recorded calls
func (r *RecordingDispatcher) Assignments() []Assignment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Assignment(nil), r.assignments...)
}

// ClosedContext returns an already cancelled context.
func ClosedContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	return ctx
}
