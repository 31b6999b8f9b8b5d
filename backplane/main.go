package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/itskum47/Backplane/backplane/config"
	"github.com/itskum47/Backplane/backplane/coordination"
	"github.com/itskum47/Backplane/backplane/logger"
	"github.com/itskum47/Backplane/backplane/manager"
	"github.com/itskum47/Backplane/backplane/relay"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:          "backplane",
		Short:        "Cross-instance data change backplane",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config.yml")

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run a service instance attached to the configured backplane providers",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(ctx, cfg, logger.New(cfg.Logging))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "relay",
		Short: "Run the peer relay that socket and hub clients connect to",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return runRelay(ctx, cfg, logger.New(cfg.Logging))
		},
	})
	return cmd
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log = log.WithFields(logger.Fields(logger.FieldServiceID, cfg.Service.ID))
	started := time.Now().UTC()

	m := manager.New(log, manager.WithMetricsFactory(func(ctx context.Context) (manager.ServiceInfo, manager.ServiceMetrics, error) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		info := manager.ServiceInfo{
			ServiceID:   cfg.Service.ID,
			Stamp:       cfg.Service.Stamp,
			ServiceType: cfg.Service.Type,
			StartedAt:   started,
		}
		return info, manager.ServiceMetrics{
			"goroutines":     float64(runtime.NumGoroutine()),
			"heap_alloc_mb":  float64(mem.HeapAlloc) / (1 << 20),
			"uptime_seconds": time.Since(started).Seconds(),
		}, nil
	}))

	if err := registerProviders(ctx, cfg, m, log); err != nil {
		return err
	}

	loop := coordination.NewHostedLoop(m, coordination.LoopConfig{
		TickInterval:    cfg.Loop.TickInterval,
		MetricsInterval: cfg.Loop.MetricsInterval,
		HealthInterval:  cfg.Loop.HealthInterval,
		ShutdownTimeout: cfg.Loop.ShutdownTimeout,
	}, log)
	loop.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		h := loop.Health()
		status := http.StatusOK
		if !h.Running {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, h)
	})
	mux.HandleFunc("/services", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, m.ActiveServices(r.Context()))
	})

	err := listenHTTP(ctx, cfg.HTTP.Addr, mux, log)
	cancel()
	<-loop.Done()
	return err
}

func runRelay(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	srv := relay.NewServer(log, hubServerOptions(cfg.RelayServer)...)

	ln, err := net.Listen("tcp", cfg.RelayServer.SocketAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", cfg.RelayServer.SocketAddr, err)
	}
	log.Info("relay socket listening", logger.Fields("addr", ln.Addr().String()))
	go func() {
		if err := srv.ServeSocket(ctx, ln); err != nil {
			log.Error("relay socket stopped", logger.Fields(logger.FieldError, err.Error()))
		}
	}()
	go srv.Run(ctx)

	mux := http.NewServeMux()
	mux.Handle("/hub", srv.Hub())
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/services", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, srv.Services())
	})
	return listenHTTP(ctx, cfg.RelayServer.HubAddr, mux, log)
}

// listenHTTP serves h on addr until ctx is done.
func listenHTTP(ctx context.Context, addr string, h http.Handler, log *logger.Logger) error {
	server := &http.Server{Addr: addr, Handler: h, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http listening", logger.Fields("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	body, err := gojson.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}
