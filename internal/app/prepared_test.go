package app

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cli-tools/pgtap/internal/domain"
)

type recordingCreate struct {
	mu       sync.Mutex
	names    []string
	failNext error
	released int
}

func (r *recordingCreate) create(_ context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failNext; err != nil {
		r.failNext = nil
		return err
	}
	r.names = append(r.names, name)
	return nil
}

func (r *recordingCreate) release() {
	r.mu.Lock()
	r.released++
	r.mu.Unlock()
}

func newTestProvider(t *testing.T, f *fixture, rc *recordingCreate) *PreparedProvider {
	t.Helper()
	inst := &Instance{
		svc:   f.svc,
		state: domain.StateReady,
		endpoint: domain.Endpoint{
			Host: "localhost", Port: 5432, User: "postgres", Password: "pw", Database: "postgres",
			Params: map[string]string{"sslmode": "disable"},
		},
	}
	f.svc.coord.register(inst)
	p := newPreparedProvider(f.svc, "schema-v1", inst, rc.create, rc.release)
	f.svc.providers.mu.Lock()
	f.svc.providers.m = map[string]*PreparedProvider{"schema-v1": p}
	f.svc.providers.mu.Unlock()
	return p
}

func TestPrepared_UniqueDatabases(t *testing.T) {
	f := newFixture(t)
	rc := &recordingCreate{}
	p := newTestProvider(t, f, rc)
	defer p.Close()

	const callers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		names = map[string]bool{}
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ci, err := p.CreateDatabase(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if names[ci.Database] {
				t.Errorf("database %s handed out twice", ci.Database)
			}
			names[ci.Database] = true
		}()
	}
	wg.Wait()
	if len(names) != callers {
		t.Errorf("got %d distinct databases, want %d", len(names), callers)
	}
	for name := range names {
		if len(name) != dbNameLength {
			t.Errorf("name %q has length %d", name, len(name))
		}
	}
}

func TestPrepared_ConnInfo(t *testing.T) {
	f := newFixture(t)
	p := newTestProvider(t, f, &recordingCreate{})
	defer p.Close()

	ci, err := p.CreateDatabase(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if ci.Host != "localhost" || ci.Port != 5432 || ci.User != "postgres" || ci.Password != "pw" {
		t.Errorf("conn info = %+v", ci)
	}
	want := "postgres://postgres:pw@localhost:5432/" + ci.Database + "?sslmode=disable"
	if ci.DSN() != want {
		t.Errorf("DSN = %s, want %s", ci.DSN(), want)
	}
	if p.Instance().Endpoint().Port != 5432 {
		t.Error("Instance should expose the backing cluster")
	}
}

func TestPrepared_CreateErrorPropagates(t *testing.T) {
	f := newFixture(t)
	rc := &recordingCreate{failNext: errors.New("template1 is being accessed by other users")}
	p := newTestProvider(t, f, rc)
	defer p.Close()

	_, err := p.CreateDatabase(context.Background())
	if err == nil || !strings.Contains(err.Error(), "being accessed") {
		t.Fatalf("expected create error, got %v", err)
	}
	if _, err := p.CreateDatabase(context.Background()); err != nil {
		t.Fatalf("provider should recover after a failed create: %v", err)
	}
}

func TestPrepared_Close(t *testing.T) {
	f := newFixture(t)
	rc := &recordingCreate{}
	p := newTestProvider(t, f, rc)

	if err := p.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := p.CreateDatabase(context.Background()); err == nil {
		t.Error("CreateDatabase after Close should fail")
	}
	if rc.released != 1 {
		t.Errorf("released %d times", rc.released)
	}
	if len(f.svc.providers.m) != 0 {
		t.Error("provider still registered")
	}
	if p.Instance().State() != domain.StateStopped || f.svc.Coordinator().Active() != 0 {
		t.Error("backing instance not torn down")
	}
}

func TestPrepared_CancelledCaller(t *testing.T) {
	f := newFixture(t)
	p := newTestProvider(t, f, &recordingCreate{})
	defer p.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	// Either a ready database or the cancellation may win the select.
	if _, err := p.CreateDatabase(ctx); err != nil && !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error %v", err)
	}
}

func TestServiceClose_ClosesProviders(t *testing.T) {
	f := newFixture(t)
	rc := &recordingCreate{}
	p := newTestProvider(t, f, rc)
	if err := f.svc.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := p.CreateDatabase(context.Background()); err == nil {
		t.Error("provider should be closed with the service")
	}
}
