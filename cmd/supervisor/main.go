// Command supervisor implements spec.md section 4.8's HealthSupervisor: it
// spawns WORKER_COUNT cmd/mechworker children, tears every sibling down the
// moment one exits abnormally, and exposes a liveness HTTP endpoint that
// reports process start time and the active service identity the children
// report through their status file. Bring-up follows the usual sequential
// style, generalized from "one HTTP API process" to "one parent process
// that owns N child worker processes."
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/ridgeline-labs/mechworker/pkg/config"
	"github.com/ridgeline-labs/mechworker/pkg/health"
	"github.com/ridgeline-labs/mechworker/pkg/version"
)

func main() {
	workerBinary := flag.String("worker-binary", os.Getenv("WORKER_BINARY"), "path to the mechworker binary to supervise")
	envFile := flag.String("env-file", os.Getenv("ENV_FILE"), "optional .env file to load before reading the environment")
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			slog.Warn("could not load env file, continuing with existing environment", "path", *envFile, "error", err)
		} else {
			slog.Info("loaded environment file", "path", *envFile)
		}
	}

	slog.Info("starting mechworker supervisor", "version", version.Full())

	cfg, err := config.LoadEnv()
	if err != nil {
		slog.Error("failed to load environment", "error", err)
		os.Exit(1)
	}

	// -worker-binary (or WORKER_BINARY) should name cmd/mechworker's built
	// binary. Falling back to os.Executable only works in deployments that
	// build a single combined binary and dispatch on argv[0] or a subcommand;
	// this worker ships them separately, so the flag is effectively required
	// outside of such a setup.
	binary := *workerBinary
	if binary == "" {
		binary, err = os.Executable()
		if err != nil {
			slog.Error("could not resolve worker binary path; pass -worker-binary", "error", err)
			os.Exit(1)
		}
	}

	var args []string
	if *envFile != "" {
		args = append(args, "-env-file", *envFile)
	}

	supervisor := health.NewSupervisor(binary, args, cfg.WorkerCount)
	supervisor.StatusFilePath = cfg.StatusFilePath

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	liveness := startLivenessServer(cfg.LivenessHost, supervisor)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = liveness.Shutdown(shutdownCtx)
	}()

	err = supervisor.Run(ctx)
	var exitErr *health.ExitError
	switch {
	case err == nil:
		slog.Info("all workers exited cleanly")
	case errors.Is(err, context.Canceled):
		slog.Info("supervisor shut down on signal")
	case errors.As(err, &exitErr):
		slog.Error("worker exited abnormally, supervisor terminating", "worker_id", exitErr.WorkerID, "code", exitErr.Code)
		os.Exit(exitErr.Code)
	default:
		slog.Error("supervisor exited with error", "error", err)
		os.Exit(1)
	}
}

func startLivenessServer(host string, supervisor *health.Supervisor) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.GET("/livez", supervisor.LivenessHandler)

	srv := &http.Server{Addr: host, Handler: engine}
	go func() {
		slog.Info("liveness endpoint listening", "addr", host)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("liveness server failed", "error", err)
		}
	}()
	return srv
}
