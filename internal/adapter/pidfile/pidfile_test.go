package pidfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

// deadPID is above the default Linux pid_max and far beyond typical macOS PIDs.
const deadPID = 4194300

func TestWriteAndRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner")

	o, err := Current()
	if err != nil {
		t.Fatalf("Current: %v", err)
	}
	if o.Nonce == "" {
		t.Fatal("nonce should not be empty")
	}
	if err := Write(path, o); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != o {
		t.Errorf("read %+v, wrote %+v", got, o)
	}
	if !got.SameHost() {
		t.Error("record written here should be on the same host")
	}
}

func TestCreate_Exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "lock")
	o, _ := Current()

	if err := Create(path, o); err != nil {
		t.Fatalf("first Create: %v", err)
	}
	err := Create(path, o)
	if !errors.Is(err, os.ErrExist) {
		t.Fatalf("second Create should fail with ErrExist, got %v", err)
	}
}

func TestRead_PIDOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner")
	if err := os.WriteFile(path, []byte("54321"), 0644); err != nil {
		t.Fatal(err)
	}

	o, err := Read(path)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if o.PID != 54321 || o.Nonce != "" || o.Host != "" {
		t.Errorf("unexpected owner %+v", o)
	}
	if !o.SameHost() {
		t.Error("records without host are treated as local")
	}
}

func TestRead_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "owner")
	if err := os.WriteFile(path, []byte("notanumber"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Read(path); err == nil {
		t.Fatal("expected error for invalid PID")
	}
	if _, err := Read(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAlive(t *testing.T) {
	if !Alive(os.Getpid()) {
		t.Error("current process should be alive")
	}
	if Alive(deadPID) {
		t.Errorf("pid %d should not be alive", deadPID)
	}
	if Alive(0) || Alive(-1) {
		t.Error("non-positive pids are never alive")
	}
}
