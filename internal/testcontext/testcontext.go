// Package testcontext builds contexts for crossbuild tests.
package testcontext

import (
	"context"
	"testing"
	"time"

	"zombiezen.com/go/log/testlog"
)

// reportSlack is how long before the test binary's deadline the context
// expires, leaving time for the failure to be reported.
const reportSlack = 5 * time.Second

// New returns a context that logs to tb and is done when the test finishes
// or shortly before the test binary's -timeout fires.
func New(tb testing.TB) (context.Context, context.CancelFunc) {
	ctx := testlog.WithTB(tb.Context(), tb)
	if t, ok := tb.(*testing.T); ok {
		if deadline, ok := t.Deadline(); ok {
			return context.WithDeadline(ctx, deadline.Add(-reportSlack))
		}
	}
	return context.WithCancel(ctx)
}
