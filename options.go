package pgtap

import (
	"strings"
	"time"

	hclog "github.com/hashicorp/go-hclog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cli-tools/pgtap/internal/adapter/probe"
	"github.com/cli-tools/pgtap/internal/app"
)

// Timeouts bounds initdb, readiness and shutdown. Zero fields take defaults.
type Timeouts = app.Timeouts

// DataDirCustomizer runs after initdb and before the server first starts, for
// example to rewrite pg_hba.conf.
type DataDirCustomizer = app.DataDirCustomizer

// Option configures a Manager or a single server. Options that shape the
// shared cache, logging or downloads only take effect in NewManager and the
// package-level Start; per-server options also work in Manager.Start.
type Option func(*settings)

type settings struct {
	// per server
	version     string
	options     map[string]any
	customizers []DataDirCustomizer
	env         []string

	// per manager
	cacheDir      string
	workDir       string
	platform      string
	logger        hclog.Logger
	timeouts      Timeouts
	lockTimeout   time.Duration
	registerer    prometheus.Registerer
	archiveDirs   []string
	mavenURL      string
	localMaven    bool
	offline       bool
	watchSignals  bool
	readinessWith probe.Check
}

func newSettings(opts []Option) *settings {
	s := &settings{options: map[string]any{}, localMaven: true}
	for _, o := range opts {
		o(s)
	}
	return s
}

// forServer copies the per-server fields so Manager.Start can layer its own
// options on top of the manager's without sharing maps.
func (s *settings) forServer(opts []Option) *settings {
	c := &settings{
		version:     s.version,
		options:     make(map[string]any, len(s.options)),
		customizers: append([]DataDirCustomizer(nil), s.customizers...),
		env:         append([]string(nil), s.env...),
	}
	for k, v := range s.options {
		if m, ok := v.(map[string]string); ok {
			cp := make(map[string]string, len(m))
			for mk, mv := range m {
				cp[mk] = mv
			}
			v = cp
		}
		c.options[k] = v
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// WithVersion selects the PostgreSQL release: "latest", a major such as "16",
// a minor prefix such as "16.2" or an exact release. The default comes from
// PGTAP_VERSION or the pinned default release.
func WithVersion(v string) Option {
	return func(s *settings) { s.version = v }
}

// WithOption sets one raw server option, such as "authMethod" or "locale".
// Unknown keys are passed to the server as configuration parameters.
func WithOption(key string, value any) Option {
	return func(s *settings) { s.options[key] = value }
}

// WithOptions merges a raw server option map.
func WithOptions(opts map[string]any) Option {
	return func(s *settings) {
		for k, v := range opts {
			s.options[k] = v
		}
	}
}

// WithPort fixes the TCP port. Zero picks a free one.
func WithPort(port int) Option { return WithOption("port", port) }

// WithPassword sets the superuser password and switches authentication to
// scram-sha-256.
func WithPassword(password string) Option {
	return func(s *settings) {
		s.options["password"] = password
		if _, ok := s.options["authMethod"]; !ok {
			s.options["authMethod"] = "scram-sha-256"
		}
	}
}

// WithServerParam passes -c key=value to the server.
func WithServerParam(key, value string) Option {
	return withParam("extraParams", key, value)
}

// WithConnectParam appends key=value to every connection string handed out.
func WithConnectParam(key, value string) Option {
	return withParam("connectParams", key, value)
}

func withParam(field, key, value string) Option {
	return func(s *settings) {
		m, _ := s.options[field].(map[string]string)
		if m == nil {
			m = map[string]string{}
		}
		m[key] = value
		s.options[field] = m
	}
}

// WithCustomizer adds a hook that may edit the data directory before start.
func WithCustomizer(fn DataDirCustomizer) Option {
	return func(s *settings) { s.customizers = append(s.customizers, fn) }
}

// WithEnv adds KEY=value entries to the environment of initdb and postgres.
func WithEnv(kv ...string) Option {
	return func(s *settings) { s.env = append(s.env, kv...) }
}

// WithCacheDir overrides the shared binary cache. "~" is expanded.
func WithCacheDir(dir string) Option {
	return func(s *settings) { s.cacheDir = dir }
}

// WithWorkDir overrides where per-server workspaces are created. Keep it
// short: the Unix socket path inside it is length limited.
func WithWorkDir(dir string) Option {
	return func(s *settings) { s.workDir = dir }
}

// WithPlatform overrides platform detection with a classifier such as
// linux-amd64 or linux-arm64v8-alpine.
func WithPlatform(classifier string) Option {
	return func(s *settings) { s.platform = strings.TrimSpace(classifier) }
}

// WithLogger routes log output to l. By default only warnings are logged, to
// stderr, unless PGTAP_LOG_LEVEL says otherwise.
func WithLogger(l hclog.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithTimeouts overrides the initdb, readiness and stop timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *settings) { s.timeouts = t }
}

// WithLockTimeout bounds how long to wait for another process that is
// extracting the same distribution.
func WithLockTimeout(d time.Duration) Option {
	return func(s *settings) { s.lockTimeout = d }
}

// WithMetrics registers pgtap's Prometheus metrics with r.
func WithMetrics(r prometheus.Registerer) Option {
	return func(s *settings) { s.registerer = r }
}

// WithArchiveDir looks for postgres-<platform>-<version>.<ext> archives in
// dir before any Maven repository.
func WithArchiveDir(dir string) Option {
	return func(s *settings) { s.archiveDirs = append(s.archiveDirs, dir) }
}

// WithMavenRepository downloads from a Maven repository other than Maven
// Central, such as an internal mirror.
func WithMavenRepository(url string) Option {
	return func(s *settings) { s.mavenURL = url }
}

// WithoutLocalMaven skips the ~/.m2 repository.
func WithoutLocalMaven() Option {
	return func(s *settings) { s.localMaven = false }
}

// WithoutNetwork never downloads; distributions must already be cached or
// come from archive directories or the local Maven repository.
func WithoutNetwork() Option {
	return func(s *settings) { s.offline = true }
}

// WithSignalHandler tears down every server of the manager on SIGINT or
// SIGTERM and then re-raises the signal.
func WithSignalHandler() Option {
	return func(s *settings) { s.watchSignals = true }
}

// withReadinessCheck replaces the protocol handshake used to detect readiness.
func withReadinessCheck(c probe.Check) Option {
	return func(s *settings) { s.readinessWith = c }
}
