package pgtap

import (
	"context"

	"github.com/cli-tools/pgtap/internal/app"
)

// Preparer sets up schema or data in template1. It runs once per key.
type Preparer = app.Preparer

// ConnInfo locates a database handed out by a PreparedPool.
type ConnInfo = app.ConnInfo

// PreparedPool hands out fresh databases cloned from a prepared template.
type PreparedPool struct {
	p *app.PreparedProvider
}

// Prepared returns the pool for key. The first call for a key starts a server
// with opts and runs prepare against its template1 database; later calls with
// the same key share that server and ignore opts and prepare.
func (m *Manager) Prepared(ctx context.Context, key string, prepare Preparer, opts ...Option) (*PreparedPool, error) {
	p, err := m.svc.Prepared(ctx, key, m.request(opts), prepare)
	if err != nil {
		return nil, err
	}
	return &PreparedPool{p: p}, nil
}

// CreateDatabase returns a database no other caller has received.
func (pp *PreparedPool) CreateDatabase(ctx context.Context) (ConnInfo, error) {
	return pp.p.CreateDatabase(ctx)
}

// Server returns the server backing the pool.
func (pp *PreparedPool) Server() *Postgres { return &Postgres{inst: pp.p.Instance()} }

// Close stops the pool and its server.
func (pp *PreparedPool) Close() error { return pp.p.Close() }
