package pipeline

import (
	"context"
	"fmt"

	"github.com/zeng407/comfyui/core/infra/logging"
	"github.com/zeng407/comfyui/core/modifier"
)

// Preprocessor resolves a request's modifier, builds the final workflow and
// hands the request to the generation stage.
type Preprocessor struct {
	pipeline *Pipeline
	registry *modifier.Registry
}

// NewPreprocessor constructs the stage.
func NewPreprocessor(p *Pipeline, registry *modifier.Registry) *Preprocessor {
	return &Preprocessor{pipeline: p, registry: registry}
}

// Process handles one request id. Failures mark the result failed and still
// forward the id to postprocess so downstream cleanup and webhooks run.
func (s *Preprocessor) Process(ctx context.Context, workerID int, requestID string) {
	logging.Info(StagePreprocess, "processing job", "worker", workerID, "request_id", requestID)

	if s.pipeline.IsCancelled(ctx, requestID) {
		logging.Info(StagePreprocess, "skipping cancelled job", "worker", workerID, "request_id", requestID)
		s.pipeline.Postprocess.Push(requestID)
		return
	}

	if err := s.process(ctx, requestID); err != nil {
		logging.Error(StagePreprocess, "job failed", "worker", workerID, "request_id", requestID, "error", err.Error())
		if _, serr := s.pipeline.SetStatus(ctx, requestID, StatusFailed,
			fmt.Sprintf("Preprocessing failed: %v", err)); serr != nil {
			logging.Error(StagePreprocess, "failed to record failure", "request_id", requestID, "error", serr.Error())
		}
		s.pipeline.metrics.IncStageCompleted(StagePreprocess, string(StatusFailed))
		s.pipeline.Postprocess.Push(requestID)
		return
	}

	s.pipeline.metrics.IncStageCompleted(StagePreprocess, string(StatusProcessing))
	s.pipeline.Generation.Push(requestID)
	s.pipeline.metrics.SetQueueDepth(StageGeneration, s.pipeline.Generation.Len())
	logging.Info(StagePreprocess, "completed job", "worker", workerID, "request_id", requestID)
}

func (s *Preprocessor) process(ctx context.Context, requestID string) error {
	req, err := s.pipeline.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	mod, err := s.registry.Resolve(req.Modifier, req.Modifications)
	if err != nil {
		return err
	}
	if err := mod.Load(ctx, req.Workflow); err != nil {
		return err
	}
	if err := mod.Apply(ctx); err != nil {
		return err
	}

	req.Workflow = mod.Workflow()
	if err := s.pipeline.PutRequest(ctx, req); err != nil {
		return fmt.Errorf("store modified workflow: %w", err)
	}

	_, err = s.pipeline.SetStatus(ctx, requestID, StatusProcessing,
		"Preprocessing complete. Queued for generation.")
	return err
}
