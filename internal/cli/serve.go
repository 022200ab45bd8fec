package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/klauspost/cpuid/v2"
	"github.com/spf13/cobra"

	"github.com/Brownie44l1/fer-api/internal/handlers"
	"github.com/Brownie44l1/fer-api/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP prediction server",
	Long: `Start the HTTP API. The model loads in the background right after
startup; prediction requests wait for it. With --wait the server only starts
listening once the model is ready.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides config and $PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides config and $FER_HOST)")
	serveCmd.Flags().Bool("wait", false, "Load the model before accepting connections")
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if port := mustGetInt(cmd, "port"); port > 0 {
		a.cfg.Server.Port = port
	}
	if host := mustGetString(cmd, "host"); host != "" {
		a.cfg.Server.Host = host
	}

	a.logger.Info("starting",
		"version", Version,
		"cpu", cpuid.CPU.BrandName,
		"physical_cores", cpuid.CPU.PhysicalCores,
		"intra_op_threads", a.cfg.Model.IntraOpThreads,
		"model", a.cfg.Model.Path,
		"manifest", a.cfg.Model.ManifestPath)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if mustGetBool(cmd, "wait") {
		if err := a.pipeline.WaitForReady(ctx); err != nil {
			return fmt.Errorf("loading model: %w", err)
		}
	} else {
		go func() {
			if err := a.pipeline.WaitForReady(ctx); err != nil {
				a.logger.Error("background model load failed; requests will retry", "error", err)
			}
		}()
	}

	h := handlers.NewHandler(a.pipeline, a.decoder, a.cfg.Server.MaxUploadBytes, a.logger)
	srv := server.NewServer(a.cfg.Server, h, a.logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("error during shutdown", "error", err)
		}
	}()

	fmt.Printf("Listening on http://%s\n", a.cfg.Server.Addr())
	fmt.Println("Press Ctrl+C to stop")

	if err := srv.Start(); err != nil {
		stop()
		<-done
		return fmt.Errorf("starting server: %w", err)
	}
	// Start returns as soon as Shutdown begins; wait for in-flight
	// requests to drain before the model is released.
	<-done
	return nil
}
