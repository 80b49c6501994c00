// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"io"
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide logger. It discards everything until InitLogger is called.
var Logger = log.NewNopLogger()

// InitLogger builds the process logger writing to stderr in the given format, dropping
// messages below lvl, and installs it as the global Logger. The format and level normally
// come from the server config, which owns the -log.format and -log.level flags.
func InitLogger(format string, lvl dslog.Level) log.Logger {
	Logger = newLogger(format, lvl, log.NewSyncWriter(os.Stderr))
	return Logger
}

func newLogger(format string, lvl dslog.Level, w io.Writer) log.Logger {
	l := level.NewFilter(dslog.NewGoKitWithWriter(format, w), lvl.Option)
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5))
}
