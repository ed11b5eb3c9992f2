// Package pipeline implements the three-stage generation pipeline:
// preprocess transforms workflows, generation drives the backend and
// monitors its event stream, postprocess relocates and publishes outputs.
// Stages communicate through FIFO queues of request ids; request and result
// state lives in shared stores so any worker can pick up any id.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/zeng407/comfyui/core/infra/logging"
	"github.com/zeng407/comfyui/core/infra/memory"
	"github.com/zeng407/comfyui/core/infra/metrics"
)

// Stage names, used for queues, metrics and position reporting.
const (
	StagePreprocess  = "preprocessing"
	StageGeneration  = "generation"
	StagePostprocess = "postprocessing"
)

// ErrNotFound is returned when a request id has no stored state.
var ErrNotFound = errors.New("request not found")

// WaitEstimates is the per-item wait estimate used for queue position
// reporting.
type WaitEstimates struct {
	Preprocess  time.Duration
	Generation  time.Duration
	Postprocess time.Duration
}

// DefaultWaitEstimates are rough per-item costs for each stage.
func DefaultWaitEstimates() WaitEstimates {
	return WaitEstimates{
		Preprocess:  30 * time.Second,
		Generation:  120 * time.Second,
		Postprocess: 20 * time.Second,
	}
}

// Pipeline owns the stage queues and the shared request/result stores.
type Pipeline struct {
	Preprocess  *Queue
	Generation  *Queue
	Postprocess *Queue

	requests memory.Store
	results  memory.Store
	metrics  metrics.Metrics

	estimates WaitEstimates
}

// New constructs a pipeline over the given stores.
func New(requests, results memory.Store, m metrics.Metrics, estimates WaitEstimates) *Pipeline {
	if m == nil {
		m = metrics.Noop{}
	}
	return &Pipeline{
		Preprocess:  NewQueue(StagePreprocess),
		Generation:  NewQueue(StageGeneration),
		Postprocess: NewQueue(StagePostprocess),
		requests:    requests,
		results:     results,
		metrics:     m,
		estimates:   estimates,
	}
}

// Metrics exposes the pipeline's metrics sink to the stages.
func (p *Pipeline) Metrics() metrics.Metrics {
	return p.metrics
}

// Submit validates a request, persists its initial state and enqueues it for
// preprocessing. A request without an id is assigned one.
func (p *Pipeline) Submit(ctx context.Context, req *Request) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if err := p.PutRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("store request %s: %w", req.ID, err)
	}
	result := NewResult(req.ID)
	if err := p.PutResult(ctx, result); err != nil {
		return nil, fmt.Errorf("store result %s: %w", req.ID, err)
	}
	p.Preprocess.Push(req.ID)
	p.metrics.IncRequestsQueued()
	p.metrics.SetQueueDepth(StagePreprocess, p.Preprocess.Len())
	logging.Info("pipeline", "queued request", "request_id", req.ID)
	return result, nil
}

// Cancel marks a request cancelled. Requests already in a terminal state are
// left untouched; the second return value reports whether the cancellation
// took effect. The id stays in whatever queue holds it: the owning stage
// observes the status and drops it.
func (p *Pipeline) Cancel(ctx context.Context, requestID string) (*Result, bool, error) {
	result, err := p.GetResult(ctx, requestID)
	if err != nil {
		return nil, false, err
	}
	if result.Status.Terminal() {
		return result, false, nil
	}
	result.Status = StatusCancelled
	result.Message = "Request cancelled by user"
	if err := p.PutResult(ctx, result); err != nil {
		return nil, false, err
	}
	logging.Info("pipeline", "cancelled request", "request_id", requestID)
	return result, true, nil
}

// GetRequest loads a stored request.
func (p *Pipeline) GetRequest(ctx context.Context, requestID string) (*Request, error) {
	data, ok, err := p.requests.Get(ctx, memory.RequestKey(requestID))
	if err != nil {
		return nil, fmt.Errorf("load request %s: %w", requestID, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, fmt.Errorf("decode request %s: %w", requestID, err)
	}
	return &req, nil
}

// PutRequest persists a request, replacing any previous version.
func (p *Pipeline) PutRequest(ctx context.Context, req *Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}
	return p.requests.Set(ctx, memory.RequestKey(req.ID), data)
}

// GetResult loads the stored result for a request.
func (p *Pipeline) GetResult(ctx context.Context, requestID string) (*Result, error) {
	data, ok, err := p.results.Get(ctx, memory.ResultKey(requestID))
	if err != nil {
		return nil, fmt.Errorf("load result %s: %w", requestID, err)
	}
	if !ok {
		return nil, ErrNotFound
	}
	var result Result
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", requestID, err)
	}
	return &result, nil
}

// PutResult persists a result. A stored terminal status is never overwritten:
// cancellation and stage completion race, and the first terminal write wins.
func (p *Pipeline) PutResult(ctx context.Context, result *Result) error {
	if current, err := p.GetResult(ctx, result.ID); err == nil {
		if current.Status.Terminal() && current.Status != result.Status {
			logging.Debug("pipeline", "skipping write over terminal result",
				"request_id", result.ID, "stored", string(current.Status), "attempted", string(result.Status))
			return nil
		}
	}
	data, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return p.results.Set(ctx, memory.ResultKey(result.ID), data)
}

// SetStatus transitions a request's result to the given status and message,
// preserving previously recorded response and output data.
func (p *Pipeline) SetStatus(ctx context.Context, requestID string, status Status, message string) (*Result, error) {
	result, err := p.GetResult(ctx, requestID)
	if errors.Is(err, ErrNotFound) {
		result = NewResult(requestID)
	} else if err != nil {
		return nil, err
	}
	result.Status = status
	result.Message = message
	if err := p.PutResult(ctx, result); err != nil {
		return nil, err
	}
	return result, nil
}

// IsCancelled reports whether a request has been cancelled. Stages call this
// between units of work to honour cancellation cooperatively.
func (p *Pipeline) IsCancelled(ctx context.Context, requestID string) bool {
	result, err := p.GetResult(ctx, requestID)
	if err != nil {
		return false
	}
	return result.Status == StatusCancelled
}
