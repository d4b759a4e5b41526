package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/classroll/internal/archive"
	"github.com/kozaktomas/classroll/internal/config"
	"github.com/kozaktomas/classroll/internal/constants"
	"github.com/kozaktomas/classroll/internal/events"
	"github.com/kozaktomas/classroll/internal/faceclient"
	"github.com/kozaktomas/classroll/internal/metrics"
	"github.com/kozaktomas/classroll/internal/pipeline"
	"github.com/kozaktomas/classroll/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the attendance server",
	Long: `Start the attendance HTTP server.

The server accepts camera frames for ongoing sessions, marks recognized
students present and streams session events to dashboards. Sessions that
were ongoing when the server stopped are resumed on start.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
	serveCmd.Flags().Int("workers", 0, "Number of pipeline workers (overrides PIPELINE_WORKERS)")
	serveCmd.Flags().Duration("shutdown-timeout", constants.ShutdownTimeout, "How long to wait for queued jobs on shutdown")
}

// applyServeFlags lets explicit flags win over environment configuration.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Web.Port = mustGetInt(cmd, "port")
	}
	if cmd.Flags().Changed("host") {
		cfg.Web.Host = mustGetString(cmd, "host")
	}
	if cmd.Flags().Changed("workers") {
		cfg.Pipeline.Workers = mustGetInt(cmd, "workers")
	}
}

// connectMQTT attaches the MQTT bridge to the hub when a broker is configured.
// A broker that cannot be reached is logged and the server runs without it.
func connectMQTT(cfg config.MQTTConfig, hub *events.Hub, logger *slog.Logger) func() {
	if !cfg.Enabled() {
		return func() {}
	}
	client, err := events.ConnectMQTT(cfg, logger)
	if err != nil {
		logger.Warn("MQTT bridge disabled", "broker", cfg.Broker, "error", err)
		return func() {}
	}
	hub.AddSink(events.NewMQTTSink(client, cfg.TopicPrefix, logger))
	return func() { client.Disconnect(250) }
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := config.Load()
	applyServeFlags(cmd, cfg)
	logger := slog.Default()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	hub := events.NewHub(constants.EventChannelBuffer, logger)
	disconnect := connectMQTT(cfg.MQTT, hub, logger)

	archiver := archive.New(cfg.Archive.Dir, logger)
	if cfg.Recognition.ArchiveUnknown {
		logger.Info("archiving unknown faces", "dir", archiver.Root())
	}

	svc, err := pipeline.New(cfg, pipeline.Deps{
		Sessions:   st.sessions,
		Attendance: st.attendance,
		Templates:  st.templates,
		Detector:   faceclient.NewClient(cfg.Embedding.URL, cfg.Embedding.Dim, cfg.Embedding.Timeout),
		Archiver:   archiver,
		Hub:        hub,
		Metrics:    m,
		Logger:     logger,
	})
	if err != nil {
		hub.Close()
		disconnect()
		return err
	}
	if err := svc.Restore(ctx); err != nil {
		logger.Warn("could not resume ongoing sessions", "error", err)
	}

	server := web.NewServer(cfg, svc, registry, logger)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()
	fmt.Printf("Classroll listening on http://%s:%d\n", cfg.Web.Host, cfg.Web.Port)
	fmt.Println("Press Ctrl+C to stop")

	select {
	case err = <-errCh:
	case <-ctx.Done():
		fmt.Println("\nShutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), mustGetDuration(cmd, "shutdown-timeout"))
	defer cancel()

	// Drain queued jobs first, then end event streams so the HTTP server
	// has no open connections left to wait for.
	if serr := svc.Shutdown(shutdownCtx); serr != nil {
		logger.Error("pipeline shutdown incomplete", "error", serr)
	}
	hub.Close()
	disconnect()
	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error("web server shutdown failed", "error", serr)
	}
	return err
}
