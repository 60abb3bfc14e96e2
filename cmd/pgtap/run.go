package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/cli-tools/pgtap"
)

type runFlags struct {
	port          int
	listenAddress string
	user          string
	database      string
	password      string
	authMethod    string
	params        map[string]string
	connectParams map[string]string
	noTCP         bool
	noSocket      bool
	output        string
	metricsAddr   string
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a server and keep it running until interrupted",
		Long: `Start a PostgreSQL server, print how to connect to it, and wait for
SIGINT or SIGTERM. The server and its data directory are removed on exit.`,
		Example: `  pgtap run
  pgtap run --version 15 --port 5433 --param fsync=off
  pgtap run --output env > pg.env &`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, v, f, cmd.OutOrStdout())
		},
	}

	fl := cmd.Flags()
	fl.IntVar(&f.port, "port", 0, "TCP port (default: a free port)")
	fl.StringVar(&f.listenAddress, "listen-address", "", "TCP listen address (default: localhost)")
	fl.StringVar(&f.user, "user", "", "superuser name (default: postgres)")
	fl.StringVar(&f.database, "database", "", "database in the connection string (default: postgres)")
	fl.StringVar(&f.password, "password", "", "superuser password; generated when --auth needs one")
	fl.StringVar(&f.authMethod, "auth", "", "trust, password, md5 or scram-sha-256 (default: trust)")
	fl.StringToStringVar(&f.params, "param", nil, "server parameter key=value, repeatable")
	fl.StringToStringVar(&f.connectParams, "connect-param", nil, "connection string parameter key=value, repeatable")
	fl.BoolVar(&f.noTCP, "no-tcp", false, "only listen on a Unix socket")
	fl.BoolVar(&f.noSocket, "no-socket", false, "only listen on TCP")
	fl.StringVarP(&f.output, "output", "o", "dsn", "what to print: dsn or env")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9187")
	return cmd
}

// serverOptions maps run flags onto raw server options. Unset flags are left
// out so config file values apply.
func (f runFlags) serverOptions() []pgtap.Option {
	var opts []pgtap.Option
	set := func(key string, value any) { opts = append(opts, pgtap.WithOption(key, value)) }
	if f.port != 0 {
		set("port", f.port)
	}
	if f.listenAddress != "" {
		set("listenAddress", f.listenAddress)
	}
	if f.user != "" {
		set("user", f.user)
	}
	if f.database != "" {
		set("database", f.database)
	}
	if f.authMethod != "" {
		set("authMethod", f.authMethod)
	}
	if f.password != "" {
		opts = append(opts, pgtap.WithPassword(f.password))
	}
	if f.noTCP {
		set("disableTcp", true)
	}
	if f.noSocket {
		set("disableUnixSocket", true)
	}
	for k, val := range f.params {
		opts = append(opts, pgtap.WithServerParam(k, val))
	}
	for k, val := range f.connectParams {
		opts = append(opts, pgtap.WithConnectParam(k, val))
	}
	return opts
}

func runServer(ctx context.Context, v *viper.Viper, f runFlags, out io.Writer) error {
	if f.output != "dsn" && f.output != "env" {
		return fmt.Errorf("unknown --output %q: expected dsn or env", f.output)
	}

	var extra []pgtap.Option
	var reg *prometheus.Registry
	if f.metricsAddr != "" {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		extra = append(extra, pgtap.WithMetrics(reg))
	}

	m, log, err := newManager(v, extra...)
	if err != nil {
		return err
	}
	defer func() {
		if err := m.Close(); err != nil {
			log.Error("shutdown failed", "err", err)
		}
	}()

	if reg != nil {
		srv := &http.Server{
			Addr:              f.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("metrics server failed", "addr", f.metricsAddr, "err", err)
			}
		}()
		defer srv.Close()
		log.Info("serving metrics", "addr", f.metricsAddr)
	}

	pg, err := m.Start(ctx, f.serverOptions()...)
	if err != nil {
		return err
	}
	printConnection(out, pg, f.output)
	log.Info("postgres running, press Ctrl+C to stop", "version", pg.Version(), "port", pg.Port(), "log", pg.LogFile())

	select {
	case <-ctx.Done():
		log.Info("stopping postgres")
		return pg.Close()
	case <-pg.Done():
		return fmt.Errorf("postgres exited unexpectedly, see %s", pg.LogFile())
	}
}

func printConnection(w io.Writer, pg *pgtap.Postgres, format string) {
	if format == "dsn" {
		fmt.Fprintln(w, pg.DSN(""))
		return
	}
	host := pg.Host()
	if host == "" {
		host = pg.SocketDir()
	}
	fmt.Fprintf(w, "PGHOST=%s\n", host)
	fmt.Fprintf(w, "PGPORT=%s\n", strconv.Itoa(pg.Port()))
	fmt.Fprintf(w, "PGUSER=%s\n", pg.User())
	fmt.Fprintf(w, "PGDATABASE=%s\n", pg.Database())
	if pw := pg.Password(); pw != "" {
		fmt.Fprintf(w, "PGPASSWORD=%s\n", pw)
	}
	fmt.Fprintf(w, "DATABASE_URL=%s\n", pg.DSN(""))
}
