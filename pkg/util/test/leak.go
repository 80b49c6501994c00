// SPDX-License-Identifier: AGPL-3.0-only

package test

import (
	"testing"

	"go.uber.org/goleak"
)

func leakOptions() []goleak.Option {
	return []goleak.Option{
		// The gRPC side of the server pulls in opencensus, whose view worker never exits.
		goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"),

		// database/sql keeps its connection opener running until the DB handle is closed,
		// which tests sharing a store do in a cleanup registered after this check.
		goleak.IgnoreTopFunction("database/sql.(*DB).connectionOpener"),
	}
}

// VerifyNoLeak checks that no goroutines started by the test are still running once it completes.
func VerifyNoLeak(t testing.TB) {
	// Run it as a cleanup function so that "last added, first called" ordering execution is guaranteed.
	t.Cleanup(func() {
		goleak.VerifyNone(t, leakOptions()...)
	})
}

// VerifyNoLeakTestMain runs the package tests and fails if any goroutine outlives them.
func VerifyNoLeakTestMain(m *testing.M) {
	goleak.VerifyTestMain(m, leakOptions()...)
}
