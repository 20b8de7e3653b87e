// SPDX-License-Identifier: MIT

// scribed is the GPU-aware Whisper transcription daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/scribeworks/scribed/internal/api"
	"github.com/scribeworks/scribed/internal/config"
	"github.com/scribeworks/scribed/internal/engine/fasterwhisper"
	"github.com/scribeworks/scribed/internal/gpuprobe"
	"github.com/scribeworks/scribed/internal/log"
	"github.com/scribeworks/scribed/internal/orchestrator"
)

var (
	version   = "v0.3.0"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	envFile := flag.String("env-file", "", "load environment from this file before reading SCRIBED_* variables")
	flag.Parse()

	if *showVersion {
		fmt.Printf("scribed %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load env file %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		// Best effort: a .env next to the binary is optional.
		_ = godotenv.Load()
	}

	cfg := config.FromEnv()
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: "scribed",
		Version: version,
	})
	logger := log.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sys, err := orchestrator.New(orchestrator.Options{
		Config:   cfg,
		Driver:   buildDriver(),
		Engine:   buildEngine(),
		Metadata: nil, // WAV prober default
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("orchestrator init failed")
	}
	sys.Start()

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.NewServer(sys, cfg).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("listen", cfg.Listen).Str("version", version).Msg("scribed listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down")

		httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(httpCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown incomplete")
		}

		drainCtx, cancel2 := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel2()
		return sys.Shutdown(drainCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon exited with error")
	}
	logger.Info().Msg("goodbye")
}

// buildDriver selects the accelerator discovery backend. SCRIBED_FAKE_GPUS
// takes a comma-separated list of total sizes in GB and replaces nvidia-smi
// with a static inventory, for development machines without CUDA.
func buildDriver() gpuprobe.Driver {
	fake := os.Getenv("SCRIBED_FAKE_GPUS")
	if fake == "" {
		return &gpuprobe.SMIDriver{}
	}
	var devices []gpuprobe.GPU
	for i, part := range strings.Split(fake, ",") {
		total, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil || total <= 0 {
			continue
		}
		devices = append(devices, gpuprobe.GPU{
			ID:      i,
			Name:    fmt.Sprintf("fake-gpu-%d", i),
			TotalGB: total,
			FreeGB:  total,
		})
	}
	return gpuprobe.NewStaticDriver(devices...)
}

func buildEngine() *fasterwhisper.Engine {
	return fasterwhisper.New(fasterwhisper.Options{
		PythonPath:  config.ParseString("SCRIBED_PYTHON", ""),
		ComputeType: config.ParseString("SCRIBED_COMPUTE_TYPE", "float16"),
		BeamSize:    config.ParseInt("SCRIBED_BEAM_SIZE", 1),
		CPUOnly:     config.ParseBool("SCRIBED_FORCE_CPU", false),
	})
}
