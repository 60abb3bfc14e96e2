// Package pgtap runs throwaway PostgreSQL servers for tests and short-lived
// tooling.
//
// A server is started from a platform-specific binary distribution that is
// downloaded once and shared through a cache directory by every process on
// the machine. Each server gets its own data directory, port and socket, and
// Close removes all of it again:
//
//	pg, err := pgtap.Start(ctx)
//	if err != nil {
//		return err
//	}
//	defer pg.Close()
//	conn, err := pgx.Connect(ctx, pg.DSN(""))
//
// Tests can use StartT, which fails the test on error and registers Close as
// a cleanup. A Manager shares one configuration and cache across many
// servers, and Manager.Prepared hands out fresh databases cloned from a
// template that was set up once.
package pgtap
