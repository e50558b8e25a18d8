package main

import (
	"context"
	"net/http"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/zeusync/databox/internal/core/databox"
	"github.com/zeusync/databox/internal/injector"
	"github.com/zeusync/databox/sdk/go/client"
)

// rootOptions are the flags shared by every command. Flags override the
// config file.
type rootOptions struct {
	configPath  string
	serverURL   string
	logLevel    string
	metricsAddr string
	strategy    string
	parallel    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "databoxctl",
		Short: "Inspect and follow databoxes from the command line",
		Long: `databoxctl connects to a databox server over WebSocket, replicates a
databox locally and prints its data.`,
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "YAML config file")
	flags.StringVar(&opts.serverURL, "server", "", "WebSocket URL of the server")
	flags.StringVar(&opts.logLevel, "log-level", "", "debug, info, warn, error or fatal")
	flags.StringVar(&opts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	flags.StringVar(&opts.strategy, "reload-strategy", "", "override the reload strategy chosen by the server")
	flags.BoolVar(&opts.parallel, "parallel-fetch", false, "allow parallel fetches while reloading")

	root.AddCommand(newFetchCmd(opts), newWatchCmd(opts))
	return root
}

func (o *rootOptions) config() (client.Config, error) {
	cfg := client.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = client.LoadConfig(o.configPath); err != nil {
			return client.Config{}, err
		}
	}
	if o.serverURL != "" {
		cfg.ServerURL = o.serverURL
	}
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}
	if o.metricsAddr != "" {
		cfg.MetricsAddr = o.metricsAddr
	}
	if o.strategy != "" {
		cfg.Reload.Strategy = o.strategy
	}
	if o.parallel {
		cfg.ParallelFetch = true
	}
	return cfg, cfg.Validate()
}

// session is an open client plus the databox a command works on.
type session struct {
	client  *client.Client
	databox *databox.Databox
	metrics *http.Server
}

func (o *rootOptions) open(ctx context.Context, name string) (*session, error) {
	cfg, err := o.config()
	if err != nil {
		return nil, err
	}
	if name == "" {
		name = cfg.Databox
	}
	if name == "" {
		return nil, errors.New("no databox given and none configured")
	}

	s := &session{}
	var reg prometheus.Registerer
	if cfg.MetricsAddr != "" {
		registry := prometheus.NewRegistry()
		reg = registry
		s.metrics = serveMetrics(cfg.MetricsAddr, registry)
	}

	if s.client, err = injector.InitializeClient(cfg, reg); err != nil {
		s.close()
		return nil, err
	}
	if err = s.client.Connect(ctx); err != nil {
		s.close()
		return nil, err
	}
	if s.databox, err = s.client.Databox(ctx, name); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.client != nil {
		_ = s.client.Close(ctx)
	}
	if s.metrics != nil {
		_ = s.metrics.Shutdown(ctx)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
