// Package pidfile reads and writes owner records of the form
// "PID\nNONCE\nHOST". The nonce distinguishes a record we wrote from a
// reused PID; the host scopes liveness checks to the machine that wrote it.
package pidfile

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Owner identifies the process that wrote a record.
type Owner struct {
	PID   int
	Nonce string
	Host  string
}

// Current returns a fresh owner record for this process.
func Current() (Owner, error) {
	nonce, err := generateNonce()
	if err != nil {
		return Owner{}, fmt.Errorf("generating nonce: %w", err)
	}
	host, _ := os.Hostname()
	return Owner{PID: os.Getpid(), Nonce: nonce, Host: host}, nil
}

func (o Owner) encode() []byte {
	return []byte(fmt.Sprintf("%d\n%s\n%s\n", o.PID, o.Nonce, o.Host))
}

// Write stores o at path, replacing any previous record.
func Write(path string, o Owner) error {
	return os.WriteFile(path, o.encode(), 0644)
}

// Create stores o at path only if nothing exists there. The returned error
// satisfies errors.Is(err, os.ErrExist) when another record is present.
func Create(path string, o Owner) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(o.encode()); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}

// Read parses the record at path. A record holding only a PID is accepted
// with empty nonce and host.
func Read(path string) (Owner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Owner{}, err
	}

	parts := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(parts) == 0 || parts[0] == "" {
		return Owner{}, fmt.Errorf("empty PID file")
	}

	pid, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil {
		return Owner{}, fmt.Errorf("invalid PID in file %q: %w", parts[0], err)
	}

	o := Owner{PID: pid}
	if len(parts) > 1 {
		o.Nonce = strings.TrimSpace(parts[1])
	}
	if len(parts) > 2 {
		o.Host = strings.TrimSpace(parts[2])
	}
	return o, nil
}

// SameHost reports whether o was written on this machine. Records without a
// host are assumed local.
func (o Owner) SameHost() bool {
	if o.Host == "" {
		return true
	}
	host, err := os.Hostname()
	return err == nil && host == o.Host
}

func generateNonce() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
