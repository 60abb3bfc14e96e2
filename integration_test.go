//go:build integration

package pgtap

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

// These tests download real PostgreSQL binaries from Maven Central.

func TestIntegration_Query(t *testing.T) {
	pg := StartT(t, WithServerParam("max_connections", "50"), WithConnectParam("application_name", "pgtap-test"))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	conn, err := pgx.Connect(ctx, pg.DSN(""))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(ctx)

	var maxConns, app string
	if err := conn.QueryRow(ctx, "SHOW max_connections").Scan(&maxConns); err != nil {
		t.Fatal(err)
	}
	if err := conn.QueryRow(ctx, "SELECT current_setting('application_name')").Scan(&app); err != nil {
		t.Fatal(err)
	}
	if maxConns != "50" || app != "pgtap-test" {
		t.Errorf("max_connections=%s application_name=%s", maxConns, app)
	}
}

func TestIntegration_Password(t *testing.T) {
	pg := StartT(t, WithPassword("s3cret"))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := pg.Ping(ctx); err != nil {
		t.Fatalf("Ping with password: %v", err)
	}
}

func TestIntegration_Prepared(t *testing.T) {
	m, err := NewManager()
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	pool, err := m.Prepared(ctx, "widgets", func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "CREATE TABLE widgets (id serial PRIMARY KEY, name text); INSERT INTO widgets (name) VALUES ('a')")
		return err
	})
	if err != nil {
		t.Fatal(err)
	}

	seen := map[string]bool{}
	for i := 0; i < 3; i++ {
		ci, err := pool.CreateDatabase(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if seen[ci.Database] {
			t.Fatalf("database %s handed out twice", ci.Database)
		}
		seen[ci.Database] = true

		conn, err := pgx.Connect(ctx, ci.DSN())
		if err != nil {
			t.Fatal(err)
		}
		var n int
		err = conn.QueryRow(ctx, "SELECT count(*) FROM widgets").Scan(&n)
		conn.Close(ctx)
		if err != nil || n != 1 {
			t.Fatalf("cloned template: count=%d err=%v", n, err)
		}
	}
}
