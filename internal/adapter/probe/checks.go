package probe

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/cli-tools/pgtap/internal/domain"
)

// codeCannotConnectNow is sent while the server is still starting up or
// shutting down.
const codeCannotConnectNow = "57P03"

// PG completes a startup handshake. Any server error other than "cannot
// connect now" proves the server is accepting connections, including bad
// credentials or a database that does not exist yet.
func PG() Check {
	return func(ctx context.Context, ep domain.Endpoint) error {
		probe := ep
		probe.Params = maps.Clone(ep.Params)
		if probe.Params == nil {
			probe.Params = map[string]string{}
		}
		probe.Params["sslmode"] = "disable"

		cfg, err := pgconn.ParseConfig(probe.DSN(""))
		if err != nil {
			return fmt.Errorf("parse endpoint: %w", err)
		}
		conn, err := pgconn.ConnectConfig(ctx, cfg)
		if err == nil {
			return conn.Close(ctx)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code != codeCannotConnectNow {
			return nil
		}
		return err
	}
}

// Marker waits for the "ready" status line the postmaster writes into
// postmaster.pid once it accepts connections.
func Marker() Check {
	return func(_ context.Context, ep domain.Endpoint) error {
		data, err := os.ReadFile(filepath.Join(ep.DataDir, "postmaster.pid"))
		if err != nil {
			return err
		}
		lines := strings.Split(string(data), "\n")
		if len(lines) < 8 {
			return errors.New("postmaster.pid has no status line yet")
		}
		if status := strings.TrimSpace(lines[7]); status != "ready" {
			return fmt.Errorf("postmaster status %q", status)
		}
		return nil
	}
}

// Dial succeeds once the server's TCP port or unix socket accepts a connection.
func Dial() Check {
	return func(ctx context.Context, ep domain.Endpoint) error {
		network, addr := "tcp", net.JoinHostPort(ep.Host, strconv.Itoa(ep.Port))
		if !ep.TCP() {
			network, addr = "unix", SocketPath(ep.SocketDir, ep.Port)
		}
		var d net.Dialer
		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// SocketPath is the unix socket a server listening on port creates in dir.
func SocketPath(dir string, port int) string {
	return filepath.Join(dir, ".s.PGSQL."+strconv.Itoa(port))
}
