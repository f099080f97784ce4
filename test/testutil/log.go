package testutil

import (
	"io"

	"github.com/zerodha/logf"
)

// NopLogger returns a logger that discards everything
func NopLogger() logf.Logger {
	return logf.New(logf.Opts{Writer: io.Discard})
}
