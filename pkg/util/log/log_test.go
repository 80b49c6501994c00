// SPDX-License-Identifier: AGPL-3.0-only

package log

import (
	"bytes"
	"strings"
	"testing"

	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	tests := map[string]struct {
		format   string
		level    string
		expected []string
		dropped  []string
	}{
		"logfmt at info": {
			format:   dslog.LogfmtFormat,
			level:    "info",
			expected: []string{"level=info", `msg="caller waiting"`, "level=warn", `msg="operator missed call"`},
			dropped:  []string{"request admitted"},
		},
		"json at warn": {
			format:   dslog.JSONFormat,
			level:    "warn",
			expected: []string{`"msg":"operator missed call"`},
			dropped:  []string{"request admitted", "caller waiting"},
		},
		"logfmt at debug": {
			format:   dslog.LogfmtFormat,
			level:    "debug",
			expected: []string{"request admitted", "caller waiting", "operator missed call"},
		},
	}

	for name, testData := range tests {
		t.Run(name, func(t *testing.T) {
			var lvl dslog.Level
			require.NoError(t, lvl.Set(testData.level))

			buf := &bytes.Buffer{}
			l := newLogger(testData.format, lvl, buf)
			level.Debug(l).Log("msg", "request admitted")
			level.Info(l).Log("msg", "caller waiting")
			level.Warn(l).Log("msg", "operator missed call")

			out := buf.String()
			for _, s := range testData.expected {
				assert.Contains(t, out, s)
			}
			for _, s := range testData.dropped {
				assert.NotContains(t, out, s)
			}
			if testData.format == dslog.JSONFormat {
				assert.True(t, strings.HasPrefix(out, "{"), out)
			}
		})
	}
}

func TestInitLogger(t *testing.T) {
	prev := Logger
	t.Cleanup(func() { Logger = prev })

	var lvl dslog.Level
	require.NoError(t, lvl.Set("warn"))
	logger := InitLogger(dslog.JSONFormat, lvl)
	require.Equal(t, logger, Logger)

	require.Error(t, lvl.Set("chatty"))
}
