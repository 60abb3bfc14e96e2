package pgtap

import (
	"context"
	"time"
)

// TB is the subset of testing.TB used by StartT.
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
	Logf(format string, args ...any)
	Cleanup(func())
}

// startTimeout bounds StartT, including a first download.
const startTimeout = 10 * time.Minute

// StartT starts a server for the duration of a test. It fails the test when
// the server cannot be started and closes it when the test ends.
func StartT(t TB, opts ...Option) *Postgres {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), startTimeout)
	defer cancel()
	pg, err := Start(ctx, opts...)
	if err != nil {
		t.Fatalf("pgtap: start postgres: %v", err)
		return nil
	}
	t.Cleanup(func() {
		if err := pg.Close(); err != nil {
			t.Logf("pgtap: close postgres: %v", err)
		}
	})
	return pg
}
