package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cli-tools/pgtap"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func offlineArgs(t *testing.T) []string {
	return []string{
		"--cache-dir", t.TempDir(),
		"--work-dir", t.TempDir(),
		"--platform", "linux-amd64",
		"--offline",
		"--log-level", "off",
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if out != "pgtap dev\n" {
		t.Errorf("output = %q", out)
	}
}

func TestList_Empty(t *testing.T) {
	out, err := execute(t, append([]string{"list"}, offlineArgs(t)...)...)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"No cached distributions.", "No workspaces found."} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestList_Workspaces(t *testing.T) {
	work := t.TempDir()
	if err := os.MkdirAll(filepath.Join(work, "pgtap-abc123def456", "data"), 0700); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "list", "--cache-dir", t.TempDir(), "--work-dir", work, "--platform", "linux-amd64", "--offline", "--log-level", "off")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "abc123def456") || !strings.Contains(out, "orphaned") {
		t.Errorf("workspace not listed:\n%s", out)
	}
}

func TestConfigPrecedence(t *testing.T) {
	dir := t.TempDir()
	fileCache := filepath.Join(dir, "file-cache")
	fileWork := filepath.Join(dir, "file-work")
	envWork := filepath.Join(dir, "env-work")
	flagWork := filepath.Join(dir, "flag-work")

	cfgPath := filepath.Join(dir, "pgtap.toml")
	cfg := "cache-dir = '" + fileCache + "'\nwork-dir = '" + fileWork + "'\noffline = true\nlog-level = 'off'\nplatform = 'linux-amd64'\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, "list", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Cache: "+fileCache) || !strings.Contains(out, "Workspaces: "+fileWork) {
		t.Errorf("config file not applied:\n%s", out)
	}

	t.Setenv("PGTAP_WORK_DIR", envWork)
	out, err = execute(t, "list", "--config", cfgPath)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Workspaces: "+envWork) {
		t.Errorf("environment should override the config file:\n%s", out)
	}

	out, err = execute(t, "list", "--config", cfgPath, "--work-dir", flagWork)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Workspaces: "+flagWork) {
		t.Errorf("flag should override the environment:\n%s", out)
	}
}

func TestConfig_MissingFile(t *testing.T) {
	_, err := execute(t, "list", "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected config error, got %v", err)
	}
}

func TestClean_Empty(t *testing.T) {
	out, err := execute(t, append([]string{"clean"}, offlineArgs(t)...)...)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "Removed 0 orphaned workspace(s).") {
		t.Errorf("output = %q", out)
	}
}

func TestFetch_Offline(t *testing.T) {
	_, err := execute(t, append([]string{"fetch", "16"}, offlineArgs(t)...)...)
	if !errors.Is(err, pgtap.ErrResolution) {
		t.Fatalf("expected ResolutionError, got %v", err)
	}
}

func TestRun_InvalidOutput(t *testing.T) {
	_, err := execute(t, append([]string{"run", "--output", "xml"}, offlineArgs(t)...)...)
	if err == nil || !strings.Contains(err.Error(), "unknown --output") {
		t.Fatalf("expected output format error, got %v", err)
	}
}

func TestRun_InvalidConfig(t *testing.T) {
	_, err := execute(t, append([]string{"run", "--port", "70000"}, offlineArgs(t)...)...)
	if !errors.Is(err, pgtap.ErrInvalidConfig) {
		t.Fatalf("expected InvalidConfigError, got %v", err)
	}
}

func TestRun_InvalidServerOptionFromConfig(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "pgtap.yaml")
	cfg := "offline: true\nlog-level: 'off'\nplatform: linux-amd64\nserver:\n  authMethod: kerberos\n"
	if err := os.WriteFile(cfgPath, []byte(cfg), 0600); err != nil {
		t.Fatal(err)
	}
	_, err := execute(t, "run", "--config", cfgPath, "--cache-dir", t.TempDir(), "--work-dir", t.TempDir())
	if !errors.Is(err, pgtap.ErrInvalidConfig) {
		t.Fatalf("expected InvalidConfigError, got %v", err)
	}
}
