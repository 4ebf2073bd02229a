package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/warrendb/internal/catalog"
	"github.com/cuemby/warrendb/internal/config"
	"github.com/cuemby/warrendb/internal/engine"
	"github.com/cuemby/warrendb/internal/wire"
	"github.com/cuemby/warrendb/pkg/log"
	"github.com/cuemby/warrendb/pkg/metrics"
)

var serveCmd = &cobra.Command{
	Use:   "serve PATH",
	Short: "Open a database at PATH and serve it over the wire protocol",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		cfgFile, _ := cmd.Flags().GetString("config")
		listenAddr, _ := cmd.Flags().GetString("listen")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		cfg := config.Default()
		if cfgFile != "" {
			var err error
			cfg, err = config.Load(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
		}
		if listenAddr != "" {
			cfg.ListenAddr = listenAddr
		}

		pageCap, err := cfg.PageCapacity()
		if err != nil {
			return fmt.Errorf("parse page cache budget: %w", err)
		}

		coord, err := engine.Open(path, engine.WithPageCapacity(pageCap))
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer coord.Close()

		metrics.RegisterComponent("pagecache", true, "")
		metrics.RegisterComponent("wal", true, "")

		cat, err := catalog.Open(coord)
		if err != nil {
			metrics.RegisterComponent("catalog", false, err.Error())
			return fmt.Errorf("open catalog: %w", err)
		}
		metrics.RegisterComponent("catalog", true, "")

		srv := wire.NewServer(coord, cat)

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.WithComponent("cli").Warn().Err(err).Msg("metrics server exited")
			}
		}()
		fmt.Printf("✓ metrics endpoint: http://%s/metrics\n", metricsAddr)
		fmt.Printf("✓ health endpoints: http://%s/{health,ready,live}\n", metricsAddr)

		errCh := make(chan error, 1)
		go func() {
			if err := srv.Serve(cfg.ListenAddr); err != nil {
				errCh <- err
			}
		}()
		metrics.RegisterComponent("listener", true, "")
		fmt.Printf("✓ warrendb serving %s on %s\n", path, cfg.ListenAddr)
		fmt.Println("Press Ctrl+C to stop.")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigCh:
			fmt.Println("\nShutting down...")
		case err := <-errCh:
			fmt.Fprintf(os.Stderr, "\nserver error: %v\n", err)
		}

		if err := srv.Close(); err != nil {
			return fmt.Errorf("close server: %w", err)
		}
		fmt.Println("✓ shutdown complete")
		return nil
	},
}

func init() {
	serveCmd.Flags().String("config", "", "YAML config file (overrides defaults)")
	serveCmd.Flags().String("listen", "", "Listen address, overrides config")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Prometheus metrics address")
}
