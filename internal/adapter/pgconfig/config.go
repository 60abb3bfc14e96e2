// Package pgconfig turns a loosely typed option map into a validated server
// configuration and renders the initdb and postgres command lines from it.
package pgconfig

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"

	"github.com/cli-tools/pgtap/internal/domain"
)

const (
	DefaultListenAddress = "localhost"
	DefaultUser          = "postgres"
	DefaultDatabase      = "postgres"
	DefaultLocale        = "C"
	DefaultEncoding      = "UTF8"
	DefaultStartTimeout  = 30 * time.Second
)

// DefaultServerParams are applied before user parameters and may be overridden.
var DefaultServerParams = map[string]string{
	"timezone":           "UTC",
	"synchronous_commit": "off",
	"max_connections":    "300",
}

// reserved parameters are owned by the launcher and derived from the workspace.
var reserved = map[string]bool{
	"port":                    true,
	"listen_addresses":        true,
	"unix_socket_directories": true,
	"data_directory":          true,
	"config_file":             true,
	"hba_file":                true,
}

type options struct {
	Port              int               `mapstructure:"port" validate:"gte=0,lte=65535"`
	ListenAddress     string            `mapstructure:"listenAddress"`
	UnixSocketDir     string            `mapstructure:"unixSocketDir"`
	DisableTCP        bool              `mapstructure:"disableTcp"`
	DisableUnixSocket bool              `mapstructure:"disableUnixSocket"`
	AuthMethod        string            `mapstructure:"authMethod" validate:"omitempty,oneof=trust password md5 scram-sha-256"`
	User              string            `mapstructure:"user" validate:"omitempty,max=63,excludesall=\"'"`
	Password          string            `mapstructure:"password"`
	Database          string            `mapstructure:"database" validate:"omitempty,max=63,excludesall=\"'"`
	Locale            string            `mapstructure:"locale"`
	Encoding          string            `mapstructure:"encoding"`
	ExtraParams       map[string]string `mapstructure:"extraParams"`
	ConnectParams     map[string]string `mapstructure:"connectParams"`
	TimeoutSeconds    int               `mapstructure:"timeoutSeconds" validate:"gte=0"`
	Rest              map[string]any    `mapstructure:",remain"`
}

var validate = validator.New()

// Parse decodes raw options into a ServerConfig with defaults applied. Keys it
// does not recognize are passed to the server verbatim as parameters. A
// password is left empty even when the auth method needs one; the caller
// generates it.
func Parse(raw map[string]any) (domain.ServerConfig, error) {
	return parse(raw, runtime.GOOS)
}

func parse(raw map[string]any, goos string) (domain.ServerConfig, error) {
	const op = "parse server config"
	var o options
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &o,
	})
	if err != nil {
		return domain.ServerConfig{}, domain.E(domain.KindInvalidConfig, op, err)
	}
	if err := dec.Decode(raw); err != nil {
		return domain.ServerConfig{}, domain.E(domain.KindInvalidConfig, op, err)
	}
	if err := validate.Struct(o); err != nil {
		return domain.ServerConfig{}, domain.E(domain.KindInvalidConfig, op, err)
	}

	cfg := domain.ServerConfig{
		Port:              o.Port,
		ListenAddress:     withDefault(o.ListenAddress, DefaultListenAddress),
		UnixSocketDir:     o.UnixSocketDir,
		DisableTCP:        o.DisableTCP,
		DisableUnixSocket: o.DisableUnixSocket,
		AuthMethod:        domain.AuthMethod(withDefault(o.AuthMethod, string(domain.AuthTrust))),
		User:              withDefault(o.User, DefaultUser),
		Password:          o.Password,
		Database:          withDefault(o.Database, DefaultDatabase),
		Locale:            withDefault(o.Locale, DefaultLocale),
		Encoding:          withDefault(o.Encoding, DefaultEncoding),
		ServerParams:      make(map[string]string, len(DefaultServerParams)+len(o.ExtraParams)+len(o.Rest)),
		ConnectParams:     make(map[string]string, len(o.ConnectParams)),
		StartTimeout:      DefaultStartTimeout,
	}
	if o.TimeoutSeconds > 0 {
		cfg.StartTimeout = time.Duration(o.TimeoutSeconds) * time.Second
	}
	for k, v := range DefaultServerParams {
		cfg.ServerParams[k] = v
	}
	for k, v := range o.Rest {
		cfg.ServerParams[k] = fmt.Sprint(v)
	}
	for k, v := range o.ExtraParams {
		cfg.ServerParams[k] = v
	}
	for k, v := range o.ConnectParams {
		cfg.ConnectParams[k] = v
	}

	for k := range cfg.ServerParams {
		if reserved[strings.ToLower(k)] {
			return domain.ServerConfig{}, domain.Errorf(domain.KindInvalidConfig, op,
				"parameter %q is managed by pgtap and cannot be set", k)
		}
	}
	if goos == "windows" {
		if o.UnixSocketDir != "" {
			return domain.ServerConfig{}, domain.Errorf(domain.KindInvalidConfig, op,
				"unix socket directory is not supported on windows")
		}
		cfg.DisableUnixSocket = true
	}
	if cfg.DisableTCP && cfg.DisableUnixSocket {
		return domain.ServerConfig{}, domain.Errorf(domain.KindInvalidConfig, op,
			"tcp and unix socket connections cannot both be disabled")
	}
	if cfg.UnixSocketDir != "" && !filepath.IsAbs(cfg.UnixSocketDir) {
		return domain.ServerConfig{}, domain.Errorf(domain.KindInvalidConfig, op,
			"unix socket directory %q must be absolute", cfg.UnixSocketDir)
	}
	return cfg, nil
}

func withDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// Rendered is the concrete launch material for one instance.
type Rendered struct {
	InitArgs   []string
	ServerArgs []string
	// Files maps absolute paths inside the workspace to contents that must be
	// written before initdb runs.
	Files     map[string][]byte
	SocketDir string
}

// Render produces the initdb and postgres arguments for cfg inside ws with the
// given concrete port.
func Render(cfg domain.ServerConfig, ws domain.Workspace, port int) (Rendered, error) {
	const op = "render server config"
	if port <= 0 || port > 65535 {
		return Rendered{}, domain.Errorf(domain.KindInvalidConfig, op, "invalid port %d", port)
	}
	if cfg.AuthMethod.NeedsPassword() && cfg.Password == "" {
		return Rendered{}, domain.Errorf(domain.KindInvalidConfig, op,
			"auth method %s requires a password", cfg.AuthMethod)
	}

	r := Rendered{Files: map[string][]byte{}}
	r.InitArgs = []string{
		"-A", string(cfg.AuthMethod),
		"-U", cfg.User,
		"-D", ws.DataDir,
		"-E", cfg.Encoding,
		"--locale=" + cfg.Locale,
	}
	if cfg.Password != "" {
		pwfile := filepath.Join(ws.Root, "pwfile")
		r.Files[pwfile] = []byte(cfg.Password + "\n")
		r.InitArgs = append(r.InitArgs, "--pwfile="+pwfile)
	}

	listen := cfg.ListenAddress
	if cfg.DisableTCP {
		listen = ""
	}
	if !cfg.DisableUnixSocket {
		r.SocketDir = withDefault(cfg.UnixSocketDir, ws.RunDir)
	}
	r.ServerArgs = []string{
		"-D", ws.DataDir,
		"-p", fmt.Sprint(port),
		"-c", "listen_addresses=" + listen,
		"-c", "unix_socket_directories=" + r.SocketDir,
	}

	keys := make([]string, 0, len(cfg.ServerParams))
	for k := range cfg.ServerParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.ServerArgs = append(r.ServerArgs, "-c", k+"="+cfg.ServerParams[k])
	}
	return r, nil
}

// EndpointFor describes how to reach a server rendered from cfg. TCP is
// preferred; a socket-only server is reached through its socket directory.
func EndpointFor(cfg domain.ServerConfig, ws domain.Workspace, port int) domain.Endpoint {
	ep := domain.Endpoint{
		Port:     port,
		DataDir:  ws.DataDir,
		User:     cfg.User,
		Password: cfg.Password,
		Database: cfg.Database,
		Params:   cfg.ConnectParams,
	}
	if !cfg.DisableUnixSocket {
		ep.SocketDir = withDefault(cfg.UnixSocketDir, ws.RunDir)
	}
	if !cfg.DisableTCP {
		ep.Host = DialHost(cfg.ListenAddress)
	}
	return ep
}

// DialHost picks an address to connect to from a listen_addresses value.
func DialHost(listen string) string {
	host := strings.TrimSpace(strings.Split(listen, ",")[0])
	switch host {
	case "", "*", "0.0.0.0", "::":
		return DefaultListenAddress
	}
	return host
}
