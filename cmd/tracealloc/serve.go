// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"net"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/matrixorigin/tracealloc/pkg/logutil"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc/remote"
	metric "github.com/matrixorigin/tracealloc/pkg/util/metric/v2"
)

const defaultMetricsAddress = "127.0.0.1:7071"

func serveCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the remote observer",
		Long: "Run the remote observer. Every connected session gets its own tracker, " +
			"which stays queryable with `tracealloc dump` after the session ends.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, func(cfg *Config) {
				if cfg.Metrics.ListenAddress == "" {
					cfg.Metrics.ListenAddress = defaultMetricsAddress
				}
				overrideString(cmd, "listen", &cfg.Observer.ListenAddress)
				overrideString(cmd, "metrics", &cfg.Metrics.ListenAddress)
				overrideInt(cmd, "max-sessions", &cfg.Observer.MaxSessions)
			})
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().String("listen", "", "observer listen address")
	cmd.Flags().String("metrics", "", "debug http listen address, an explicit empty value disables it (default "+defaultMetricsAddress+")")
	cmd.Flags().Int("max-sessions", 0, "maximum number of connected sessions")
	return cmd
}

// runServe blocks until ctx is done.
func runServe(ctx context.Context, cfg *Config) error {
	logger := logutil.GetGlobalLogger().Named("serve")

	srv, err := remote.NewServer(cfg.Observer)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}
	defer srv.Close()

	if cfg.Metrics.ListenAddress != "" {
		debug, err := startDebugServer(cfg.Metrics.ListenAddress, logger)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := debug.Shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to shutdown debug server", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	logger.Info("stopping")
	return nil
}

func newDebugHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metric.GetPrometheusGatherer(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	return mux
}

func startDebugServer(addr string, logger *zap.Logger) (*http.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	server := &http.Server{
		Handler:           newDebugHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := server.Serve(lis); err != nil && err != http.ErrServerClosed {
			logger.Error("debug server stopped", zap.Error(err))
		}
	}()
	logger.Info("debug server started", zap.Stringer("address", lis.Addr()))
	return server, nil
}
