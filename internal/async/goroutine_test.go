package async

import (
	"strings"
	"sync"
	"testing"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
	done chan struct{}
}

func (l *captureLogger) Error(format string, args ...any) {
	l.mu.Lock()
	l.msgs = append(l.msgs, format)
	l.mu.Unlock()
	close(l.done)
}

func TestGoRecoversPanic(t *testing.T) {
	logger := &captureLogger{done: make(chan struct{})}
	Go(logger, "exploding", func() { panic("boom") })
	<-logger.done

	logger.mu.Lock()
	defer logger.mu.Unlock()
	if len(logger.msgs) != 1 {
		t.Fatalf("logged %d times, want 1", len(logger.msgs))
	}
	if !strings.Contains(logger.msgs[0], "panicked") {
		t.Errorf("log format = %q", logger.msgs[0])
	}
}

func TestGoNilLogger(t *testing.T) {
	done := make(chan struct{})
	Go(nil, "", func() {
		defer close(done)
		panic("boom")
	})
	<-done
}
