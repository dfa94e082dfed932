package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/Tutortoise/plate-checkin-service/config"
	"github.com/Tutortoise/plate-checkin-service/detections"
	"github.com/Tutortoise/plate-checkin-service/logger"
	"github.com/Tutortoise/plate-checkin-service/metrics"
	"github.com/Tutortoise/plate-checkin-service/ocr"
	"github.com/Tutortoise/plate-checkin-service/pipeline"
	"github.com/Tutortoise/plate-checkin-service/reservations"
)

const shutdownTimeout = 10 * time.Second

func initLogger(cfg config.LogConfig) error {
	if cfg.Development {
		return logger.InitDevelopment(cfg.Level)
	}
	return logger.InitProduction(cfg.Level)
}

// initEngine loads ONNX Runtime and opens the session pool. The returned
// cleanup must be called even when err is non-nil.
func initEngine(cfg config.ModelConfig) (*ModelSessionPool, func(), error) {
	modelPath, libPath, err := resolveRuntimeFiles(cfg.Path, cfg.LibraryPath)
	if err != nil {
		return nil, func() {}, err
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, func() {}, fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}

	opts := detections.SessionOptions{
		ModelPath:  modelPath,
		InputName:  cfg.InputName,
		OutputName: cfg.OutputName,
		Threads:    cfg.Threads,
	}
	pool, err := NewModelSessionPool(cfg.PoolSize, func() (inferenceSession, error) {
		return detections.NewModelSession(opts)
	})
	if err != nil {
		return nil, func() { ort.DestroyEnvironment() }, fmt.Errorf("failed to create model session pool: %w", err)
	}

	logger.Log().Info("model loaded",
		zap.String("model", modelPath),
		zap.String("onnxruntime", libPath),
		zap.Int("pool_size", pool.Size()))

	return pool, func() {
		pool.Destroy()
		ort.DestroyEnvironment()
	}, nil
}

func initRecognizer(ctx context.Context, cfg config.OCRConfig) ocr.Recognizer {
	if cfg.Provider == "none" {
		logger.Log().Warn("ocr disabled, sessions will never match")
		return ocr.Disabled{}
	}
	rec, err := ocr.NewRekognitionFromRegion(ctx, cfg.Region)
	if err != nil {
		logger.Log().Error("failed to initialize rekognition, ocr disabled", zap.Error(err))
		return ocr.Disabled{}
	}
	return rec
}

func initConsumer(cfg config.BackendConfig) pipeline.MatchConsumer {
	if cfg.BaseURL == "" {
		logger.Log().Warn("backend.base_url not set, matches will only be logged")
		return nil
	}
	return reservations.NewClient(cfg.BaseURL, cfg.Token, cfg.Timeout)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := initLogger(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	log := logger.Log()
	log.Info("starting plate check-in service", zap.String("cpu_features", detections.Features()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	// Without a model the service still runs; every session fails at start
	// with the load error.
	pool, cleanup, engineErr := initEngine(cfg.Model)
	defer cleanup()
	if engineErr != nil {
		log.Error("model unavailable", zap.Error(engineErr))
	}

	var engine pipeline.InferenceEngine
	if pool != nil {
		engine = pool
		m.RegisterGaugeFunc("plate_pool_sessions_in_use", "Detector sessions currently running a cycle",
			func() float64 { return float64(pool.GetMetrics().InUse) })
		m.RegisterGaugeFunc("plate_pool_acquire_failures", "Cycles that timed out waiting for a detector session",
			func() float64 { return float64(pool.GetMetrics().AcquireFailures) })
	}

	registry := NewRegistry(pipeline.Dependencies{
		Engine:     engine,
		EngineErr:  engineErr,
		Recognizer: initRecognizer(ctx, cfg.OCR),
		Consumer:   initConsumer(cfg.Backend),
		Metrics:    m,
		Logger:     logger.For("session"),
	}, pipeline.Config{
		ViewWidth:    cfg.Session.ViewWidth,
		ViewHeight:   cfg.Session.ViewHeight,
		Threshold:    cfg.Detection.Threshold,
		InputSize:    cfg.Detection.InputSize,
		CycleTimeout: cfg.Session.CycleTimeout,
	}, cfg.Session.IdleTTL)
	defer registry.Close()

	state := NewAppState(registry, pool, m)

	srv := &http.Server{
		Handler:      state.Router(),
		Addr:         cfg.Server.Addr,
		WriteTimeout: cfg.Server.WriteTimeout,
		ReadTimeout:  cfg.Server.ReadTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("starting server", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server stopped", zap.Error(err))
		}
	case <-ctx.Done():
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("graceful shutdown failed", zap.Error(err))
		}
	}
}
