// comfyui-api wires the generation pipeline to its HTTP surface: shared
// request/result stores, the three stage worker pools and the gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/zeng407/comfyui/core/comfy"
	"github.com/zeng407/comfyui/core/gateway"
	"github.com/zeng407/comfyui/core/infra/config"
	"github.com/zeng407/comfyui/core/infra/logging"
	"github.com/zeng407/comfyui/core/infra/memory"
	"github.com/zeng407/comfyui/core/infra/metrics"
	"github.com/zeng407/comfyui/core/modifier"
	"github.com/zeng407/comfyui/core/pipeline"
	"github.com/zeng407/comfyui/core/uploader"
	"github.com/zeng407/comfyui/core/webhook"
)

const shutdownGrace = 15 * time.Second

func main() {
	cfg := config.Load()

	var workersCfg *config.WorkersConfig
	if cfg.WorkersConfigPath != "" {
		loaded, err := config.LoadWorkersConfig(cfg.WorkersConfigPath)
		if err != nil {
			logging.Error("main", "invalid workers config", "path", cfg.WorkersConfigPath, "error", err.Error())
			os.Exit(1)
		}
		workersCfg = loaded
		workersCfg.Apply(cfg)
	}

	store, err := newStore(cfg)
	if err != nil {
		logging.Error("main", "store init failed", "cache_type", cfg.CacheType, "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()
	logging.Info("main", "store ready", "cache_type", cfg.CacheType)

	prom := metrics.NewProm("comfyui_api")
	estimates := pipeline.DefaultWaitEstimates()
	estimates.Preprocess = workersCfg.EstimateFor(pipeline.StagePreprocess, estimates.Preprocess)
	estimates.Generation = workersCfg.EstimateFor(pipeline.StageGeneration, estimates.Generation)
	estimates.Postprocess = workersCfg.EstimateFor(pipeline.StagePostprocess, estimates.Postprocess)

	pipe := pipeline.New(store, store, prom, estimates)

	client := comfy.NewClient(comfy.Endpoints{
		PromptURL:    cfg.ComfyPromptURL,
		HistoryURL:   cfg.ComfyHistoryURL,
		InterruptURL: cfg.ComfyInterruptURL,
		WebsocketURL: cfg.ComfyWebsocketURL,
	})

	registry := modifier.NewRegistry(modifier.Deps{
		Resolver:    modifier.NewResolver(cfg.InputDir),
		WorkflowDir: "workflows",
	})

	var fallbackS3 *uploader.Config
	if cfg.S3Enabled() {
		fallbackS3 = &uploader.Config{
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			EndpointURL:     cfg.S3EndpointURL,
			BucketName:      cfg.S3Bucket,
			Region:          cfg.S3Region,
		}
	}
	var fallbackWebhook *webhook.Config
	if cfg.WebhookEnabled() {
		fallbackWebhook = &webhook.Config{URL: cfg.WebhookURL, Timeout: cfg.WebhookTimeout}
	}

	pre := pipeline.NewPreprocessor(pipe, registry)
	gen := pipeline.NewGenerator(pipe, client)
	post := pipeline.NewPostprocessor(pipe, cfg.OutputDir, fallbackS3, fallbackWebhook,
		webhook.NewNotifier(cfg.WebhookTimeout))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pools := []*pipeline.Pool{
		pipeline.NewPool(pipeline.StagePreprocess, pipe.Preprocess, cfg.Workers.Preprocess, pre.Process),
		pipeline.NewPool(pipeline.StageGeneration, pipe.Generation, cfg.Workers.Generation, gen.Process),
		pipeline.NewPool(pipeline.StagePostprocess, pipe.Postprocess, cfg.Workers.Postprocess, post.Process),
	}
	for _, pool := range pools {
		pool.Start(ctx)
	}

	metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: metrics.Handler()}
	go func() {
		logging.Info("main", "metrics listening", "addr", cfg.MetricsAddr)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("main", "metrics server failed", "error", err.Error())
		}
	}()

	gw := gateway.New(pipe, cfg.CacheType, gateway.RenderDocs("README.md"))
	apiSrv := &http.Server{Addr: cfg.ListenAddr, Handler: gw.Handler()}
	go func() {
		logging.Info("main", "api listening", "addr", cfg.ListenAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("main", "api server failed", "error", err.Error())
			stop()
		}
	}()

	<-ctx.Done()
	logging.Info("main", "shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := apiSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("main", "api shutdown incomplete", "error", err.Error())
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Warn("main", "metrics shutdown incomplete", "error", err.Error())
	}
	for _, pool := range pools {
		pool.Stop()
	}
	logging.Info("main", "bye")
}

func newStore(cfg *config.Config) (memory.Store, error) {
	if cfg.CacheType == "redis" {
		return memory.NewRedisStore(cfg.RedisURL)
	}
	return memory.NewMemoryStore(), nil
}
