package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"

	"github.com/cli-tools/pgtap/internal/domain"
)

// dbNameLength is the length of generated database names.
const dbNameLength = 12

// Preparer loads schema or data into a cluster's template1 database. Every
// database handed out afterwards is cloned from it.
type Preparer func(ctx context.Context, conn *pgx.Conn) error

// ConnInfo locates one freshly created database.
type ConnInfo struct {
	Database string
	Host     string
	Port     int
	User     string
	Password string
	Params   map[string]string

	endpoint domain.Endpoint
}

// DSN returns the connection URL for the database, connect params included.
func (c ConnInfo) DSN() string { return c.endpoint.DSN(c.Database) }

type preparedDB struct {
	name string
	err  error
}

// PreparedProvider hands out new databases cloned from a prepared template.
// Databases are created ahead of time by a background goroutine and passed
// over an unbuffered channel, so each one goes to exactly one caller.
type PreparedProvider struct {
	svc  *Service
	key  string
	inst *Instance

	next   chan preparedDB
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// createFunc creates database name on the cluster.
type createFunc func(ctx context.Context, name string) error

type providers struct {
	mu sync.Mutex
	m  map[string]*PreparedProvider
}

// Prepared returns the provider for key, starting a cluster and running
// prepare on its template1 database the first time key is seen. Callers
// sharing a key share the cluster.
func (s *Service) Prepared(ctx context.Context, key string, req StartRequest, prepare Preparer) (*PreparedProvider, error) {
	s.providers.mu.Lock()
	defer s.providers.mu.Unlock()
	if p, ok := s.providers.m[key]; ok {
		return p, nil
	}

	inst, err := s.Start(ctx, req)
	if err != nil {
		return nil, err
	}
	if prepare != nil {
		if err := runPreparer(ctx, inst, prepare); err != nil {
			inst.Close()
			return nil, err
		}
	}

	conn, err := pgx.Connect(ctx, inst.DSN(""))
	if err != nil {
		inst.Close()
		return nil, fmt.Errorf("connect to %s: %w", inst.Config().Database, err)
	}
	owner := inst.Config().User
	create := func(ctx context.Context, name string) error {
		sql := fmt.Sprintf("CREATE DATABASE %s OWNER %s ENCODING 'utf8'",
			pgx.Identifier{name}.Sanitize(), pgx.Identifier{owner}.Sanitize())
		_, err := conn.Exec(ctx, sql)
		return err
	}

	p := newPreparedProvider(s, key, inst, create, func() { conn.Close(context.Background()) })
	if s.providers.m == nil {
		s.providers.m = make(map[string]*PreparedProvider)
	}
	s.providers.m[key] = p
	return p, nil
}

func runPreparer(ctx context.Context, inst *Instance, prepare Preparer) error {
	conn, err := pgx.Connect(ctx, inst.DSN("template1"))
	if err != nil {
		return fmt.Errorf("connect to template1: %w", err)
	}
	defer conn.Close(ctx)
	if err := prepare(ctx, conn); err != nil {
		return fmt.Errorf("prepare template: %w", err)
	}
	return nil
}

func newPreparedProvider(s *Service, key string, inst *Instance, create createFunc, release func()) *PreparedProvider {
	ctx, cancel := context.WithCancel(context.Background())
	p := &PreparedProvider{
		svc:    s,
		key:    key,
		inst:   inst,
		next:   make(chan preparedDB),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go p.pipeline(ctx, create, release)
	return p
}

// pipeline creates one database at a time and blocks until a caller takes it.
func (p *PreparedProvider) pipeline(ctx context.Context, create createFunc, release func()) {
	defer close(p.done)
	if release != nil {
		defer release()
	}
	for {
		name, err := p.svc.tokens.Name(dbNameLength)
		if err == nil {
			err = create(ctx, name)
		}
		if err != nil && ctx.Err() != nil {
			return
		}
		select {
		case p.next <- preparedDB{name: name, err: err}:
		case <-ctx.Done():
			return
		}
	}
}

// CreateDatabase returns a database no other caller has received.
func (p *PreparedProvider) CreateDatabase(ctx context.Context) (ConnInfo, error) {
	select {
	case db := <-p.next:
		if db.err != nil {
			return ConnInfo{}, fmt.Errorf("create database: %w", db.err)
		}
		ep := p.inst.Endpoint()
		return ConnInfo{
			Database: db.name,
			Host:     ep.Host,
			Port:     ep.Port,
			User:     ep.User,
			Password: ep.Password,
			Params:   ep.Params,
			endpoint: ep,
		}, nil
	case <-p.done:
		return ConnInfo{}, errors.New("prepared provider is closed")
	case <-ctx.Done():
		return ConnInfo{}, ctx.Err()
	}
}

// Instance returns the cluster backing the provider.
func (p *PreparedProvider) Instance() *Instance { return p.inst }

// Close stops the pipeline and tears the cluster down.
func (p *PreparedProvider) Close() error {
	p.closeOnce.Do(func() {
		p.svc.providers.mu.Lock()
		if p.svc.providers.m[p.key] == p {
			delete(p.svc.providers.m, p.key)
		}
		p.svc.providers.mu.Unlock()

		p.cancel()
		<-p.done
		if p.inst != nil {
			p.closeErr = p.inst.Close()
		}
	})
	return p.closeErr
}
