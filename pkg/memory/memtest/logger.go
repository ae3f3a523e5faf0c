package memtest

import (
	"testing"

	"github.com/go-kit/log"
)

type testingLogger struct {
	t testing.TB
}

// NewTestingLogger routes log lines to t.Log so they only show for failing
// or verbose tests.
func NewTestingLogger(t testing.TB) log.Logger {
	return &testingLogger{t: t}
}

func (l *testingLogger) Log(keyvals ...interface{}) error {
	l.t.Helper()
	l.t.Log(keyvals...)
	return nil
}
