package log

import (
	"testing"

	"github.com/rs/zerolog"
)

// TestingLogger returns a Logger which writes to the test's log output if
// the test is being run with the verbose (-v) flag, and discards everything
// otherwise.
//
// Note that the call to TestingLogger() must be made inside a test (not in
// the init func) because the verbose flag is only set at the time of testing.
func TestingLogger(t testing.TB) Logger {
	if !testing.Verbose() {
		return NewNopLogger()
	}

	return NewLoggerWithWriter(zerolog.ConsoleWriter{
		Out:     testWriter{t},
		NoColor: true,
	}, zerolog.DebugLevel)
}

type testWriter struct {
	testing.TB
}

func (tw testWriter) Write(p []byte) (int, error) {
	tw.Log(string(p))
	return len(p), nil
}
