package testutil

import (
	"bytes"
	"log"
	"sync"
	"testing"
)

// testWriter forwards log output to t.Log until the test finishes. Rooms,
// pumps and reconnect loops can log after that, so late lines are dropped.
type testWriter struct {
	mu   sync.Mutex
	t    testing.TB
	done bool
}

func (w *testWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.done {
		w.t.Log(string(bytes.TrimRight(p, "\n")))
	}
	return len(p), nil
}

// TestLogger returns a logger whose output is attached to t.
func TestLogger(t testing.TB) *log.Logger {
	w := &testWriter{t: t}
	t.Cleanup(func() {
		w.mu.Lock()
		w.done = true
		w.mu.Unlock()
	})
	return log.New(w, "", log.Lmicroseconds)
}
