package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/zeng407/comfyui/core/comfy"
	"github.com/zeng407/comfyui/core/infra/logging"
	"github.com/zeng407/comfyui/core/infra/metrics"
)

const (
	// settleDelay gives the backend a moment to register a submitted job
	// before its history is consulted.
	settleDelay = 500 * time.Millisecond

	// initialQuietWindow is how long the event stream may stay silent before
	// the first message; steadyQuietWindow applies once traffic has started.
	initialQuietWindow = 30 * time.Second
	steadyQuietWindow  = 60 * time.Second

	// A stream that never produces a message is retried with backoff before
	// the job is declared lost.
	maxQuietRetries  = 3
	retryBackoffBase = 5 * time.Second
	retryBackoffCap  = 30 * time.Second

	cancellationPoll = 5 * time.Second

	// progressWriteInterval throttles progress writes to the result store.
	progressWriteInterval = 2 * time.Second

	maxGenerationWait = time.Hour
)

// ProgressUpdate is one recorded progress event, timestamped relative to the
// start of monitoring.
type ProgressUpdate struct {
	Time       float64 `json:"time"`
	Value      float64 `json:"value"`
	Max        float64 `json:"max"`
	Percentage float64 `json:"percentage"`
}

// ExecutionDetails summarizes what the event stream reported for one job. It
// is merged into the stored backend response for callers who want the trace.
type ExecutionDetails struct {
	PromptID        string           `json:"prompt_id"`
	NodesExecuted   []string         `json:"nodes_executed"`
	ProgressUpdates []ProgressUpdate `json:"progress_updates"`
	Completed       bool             `json:"completed"`
	Cached          bool             `json:"cached,omitempty"`
	Error           string           `json:"error,omitempty"`
}

// GenerationStage submits workflows to the backend and waits for completion
// over the event stream, tolerating a flaky stream by falling back to
// history checks. The timing knobs default to the package constants and are
// only narrowed in tests.
type GenerationStage struct {
	pipeline *Pipeline
	client   *comfy.Client
	epoch    int64

	settle        time.Duration
	initialWindow time.Duration
	steadyWindow  time.Duration
	cancelPoll    time.Duration
	backoffBase   time.Duration
	backoffCap    time.Duration
	maxWait       time.Duration
}

// NewGenerator constructs the stage. Each worker derives its own client id
// so event streams do not cross-deliver between workers.
func NewGenerator(p *Pipeline, client *comfy.Client) *GenerationStage {
	return &GenerationStage{
		pipeline:      p,
		client:        client,
		epoch:         time.Now().Unix(),
		settle:        settleDelay,
		initialWindow: initialQuietWindow,
		steadyWindow:  steadyQuietWindow,
		cancelPoll:    cancellationPoll,
		backoffBase:   retryBackoffBase,
		backoffCap:    retryBackoffCap,
		maxWait:       maxGenerationWait,
	}
}

// Process handles one request id. Failures mark the result failed and still
// forward the id to postprocess; a stored cancelled status is never
// overwritten.
func (s *GenerationStage) Process(ctx context.Context, workerID int, requestID string) {
	logging.Info(StageGeneration, "processing job", "worker", workerID, "request_id", requestID)

	if s.pipeline.IsCancelled(ctx, requestID) {
		logging.Info(StageGeneration, "skipping cancelled job", "worker", workerID, "request_id", requestID)
		s.pipeline.Postprocess.Push(requestID)
		return
	}

	start := time.Now()
	clientID := fmt.Sprintf("worker_%d_%d", workerID, s.epoch)

	if err := s.process(ctx, requestID, clientID); err != nil {
		logging.Error(StageGeneration, "job failed", "worker", workerID, "request_id", requestID, "error", err.Error())
		if _, serr := s.pipeline.SetStatus(ctx, requestID, StatusFailed,
			fmt.Sprintf("Generation failed: %v", err)); serr != nil {
			logging.Error(StageGeneration, "failed to record failure", "request_id", requestID, "error", serr.Error())
		}
		s.pipeline.metrics.IncStageCompleted(StageGeneration, string(StatusFailed))
	} else {
		s.pipeline.metrics.IncStageCompleted(StageGeneration, string(StatusGenerated))
		logging.Info(StageGeneration, "completed job", "worker", workerID, "request_id", requestID)
	}

	metrics.ObserveSince(s.pipeline.metrics, start)
	s.pipeline.Postprocess.Push(requestID)
	s.pipeline.metrics.SetQueueDepth(StagePostprocess, s.pipeline.Postprocess.Len())
}

func (s *GenerationStage) process(ctx context.Context, requestID, clientID string) error {
	req, err := s.pipeline.GetRequest(ctx, requestID)
	if err != nil {
		return err
	}

	promptID, err := s.client.Submit(ctx, req.Workflow, clientID)
	if err != nil {
		return err
	}
	logging.Info(StageGeneration, "submitted to backend", "request_id", requestID, "prompt_id", promptID)

	if _, err := s.pipeline.SetStatus(ctx, requestID, StatusGenerating,
		fmt.Sprintf("Generation started (ComfyUI job: %s)", promptID)); err != nil {
		return err
	}

	// A fully cached workflow can complete before the stream delivers
	// anything, so look at history once before monitoring.
	sleepCtx(ctx, s.settle)
	details := &ExecutionDetails{
		PromptID:        promptID,
		NodesExecuted:   []string{},
		ProgressUpdates: []ProgressUpdate{},
	}
	if s.finished(ctx, promptID) {
		logging.Info(StageGeneration, "job completed immediately", "prompt_id", promptID)
		details.Completed = true
		details.Cached = true
	} else if err := s.monitor(ctx, promptID, requestID, clientID, details); err != nil {
		return err
	}

	response, err := s.fetchResult(ctx, promptID)
	if err != nil {
		return err
	}
	response["execution_details"] = details

	result, err := s.pipeline.GetResult(ctx, requestID)
	if err != nil {
		return err
	}
	result.Status = StatusGenerated
	result.Message = "Generation complete. Queued for post-processing."
	result.GenerationResponse = response
	return s.pipeline.PutResult(ctx, result)
}

// monitor waits for the job to finish over the event stream. The stream is
// shared per client id, so events for other prompt ids are skipped. The
// socket is read by the connection's own goroutine; this loop selects over
// the event channel, a quiet-window timer and the cancellation poll. Every
// unrecoverable exit interrupts the backend job so capacity is not leaked.
func (s *GenerationStage) monitor(ctx context.Context, promptID, requestID, clientID string, details *ExecutionDetails) error {
	conn, err := s.client.Connect(ctx, clientID)
	if err != nil {
		s.interrupt(ctx, promptID)
		return err
	}
	defer conn.Close()
	logging.Info(StageGeneration, "event channel connected", "prompt_id", promptID)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = s.backoffBase
	bo.Multiplier = 2
	bo.MaxInterval = s.backoffCap
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	bo.Reset()

	start := time.Now()
	lastProgressWrite := start
	sawTraffic := false
	quietRetries := 0

	window := time.NewTimer(s.initialWindow)
	defer window.Stop()
	poll := time.NewTicker(s.cancelPoll)
	defer poll.Stop()

	for {
		select {
		case <-poll.C:
			if time.Since(start) > s.maxWait {
				s.interrupt(ctx, promptID)
				return fmt.Errorf("timed out waiting for job %s after %s", promptID, s.maxWait)
			}
			if s.pipeline.IsCancelled(ctx, requestID) {
				logging.Info(StageGeneration, "cancellation observed, interrupting backend",
					"request_id", requestID, "prompt_id", promptID)
				s.interrupt(ctx, promptID)
				return fmt.Errorf("job %s was cancelled during generation", requestID)
			}

		case <-window.C:
			if !sawTraffic {
				quietRetries++
				logging.Warn(StageGeneration, "no events received, checking job status",
					"prompt_id", promptID, "attempt", quietRetries, "max_attempts", maxQuietRetries)
				if s.finished(ctx, promptID) {
					details.Completed = true
					details.Cached = true
					return nil
				}
				if quietRetries >= maxQuietRetries {
					s.interrupt(ctx, promptID)
					return fmt.Errorf("no events received for job %s after %d attempts", promptID, maxQuietRetries)
				}
				wait := bo.NextBackOff()
				logging.Info(StageGeneration, "waiting before retry", "prompt_id", promptID, "wait", wait.String())
				sleepCtx(ctx, wait)
				window.Reset(s.initialWindow)
				continue
			}
			// Traffic stopped mid-run. The job may still have finished.
			logging.Warn(StageGeneration, "event stream went quiet", "prompt_id", promptID, "window", s.steadyWindow.String())
			if s.finished(ctx, promptID) {
				details.Completed = true
				return nil
			}
			s.interrupt(ctx, promptID)
			return fmt.Errorf("no events for job %s within %s", promptID, s.steadyWindow)

		case ev, ok := <-conn.Events():
			if !ok {
				// Connection is unusable. One last history check: the stream
				// often dies right as the job finishes.
				err := conn.Err()
				logging.Warn(StageGeneration, "event channel failed", "prompt_id", promptID, "error", fmt.Sprint(err))
				if s.finished(ctx, promptID) {
					details.Completed = true
					return nil
				}
				s.interrupt(ctx, promptID)
				return fmt.Errorf("event channel failed for job %s: %w", promptID, err)
			}
			sawTraffic = true
			quietRetries = 0
			bo.Reset()
			resetTimer(window, s.steadyWindow)

			info := ev.Info()
			if info.PromptID != promptID {
				continue
			}

			switch ev.Type {
			case comfy.EventExecutionStart:
				logging.Info(StageGeneration, "execution started", "prompt_id", promptID)
				s.updateMessage(ctx, requestID, "Execution started...")

			case comfy.EventExecutionCached:
				details.NodesExecuted = append(details.NodesExecuted, info.Nodes...)
				logging.Debug(StageGeneration, "cached nodes", "prompt_id", promptID, "count", len(info.Nodes))

			case comfy.EventExecuting:
				if info.Node == nil {
					logging.Info(StageGeneration, "execution complete", "prompt_id", promptID)
					details.Completed = true
					return nil
				}
				details.NodesExecuted = append(details.NodesExecuted, *info.Node)
				s.updateMessage(ctx, requestID, fmt.Sprintf("Processing node: %s", *info.Node))

			case comfy.EventProgress:
				pct := 0.0
				if info.Max > 0 {
					pct = info.Value / info.Max * 100
				}
				details.ProgressUpdates = append(details.ProgressUpdates, ProgressUpdate{
					Time:       time.Since(start).Seconds(),
					Value:      info.Value,
					Max:        info.Max,
					Percentage: pct,
				})
				if time.Since(lastProgressWrite) >= progressWriteInterval {
					s.updateMessage(ctx, requestID,
						fmt.Sprintf("Progress: %.1f%% (%v/%v)", pct, info.Value, info.Max))
					lastProgressWrite = time.Now()
				}

			case comfy.EventExecutionError:
				details.Error = string(ev.Data)
				s.interrupt(ctx, promptID)
				return fmt.Errorf("execution error for job %s: %s", promptID, ev.Data)

			case comfy.EventExecuted:
				logging.Debug(StageGeneration, "node executed", "prompt_id", promptID)
			}
		}
	}
}

// resetTimer restarts a timer that may or may not have fired yet.
func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// finished reports whether the backend already has a history entry for the
// job. Lookup failures count as "not finished".
func (s *GenerationStage) finished(ctx context.Context, promptID string) bool {
	history, err := s.client.History(ctx, promptID)
	if err != nil {
		logging.Debug(StageGeneration, "history check failed", "prompt_id", promptID, "error", err.Error())
		return false
	}
	return len(history) > 0
}

// fetchResult retrieves the history entry for a finished job, falling back
// to the full history listing when the scoped endpoint returns nothing.
func (s *GenerationStage) fetchResult(ctx context.Context, promptID string) (map[string]interface{}, error) {
	sleepCtx(ctx, s.settle)
	history, err := s.client.History(ctx, promptID)
	if err != nil {
		return nil, err
	}
	if len(history) > 0 {
		return history, nil
	}

	logging.Warn(StageGeneration, "empty scoped history, trying full listing", "prompt_id", promptID)
	all, err := s.client.HistoryAll(ctx)
	if err != nil {
		return map[string]interface{}{}, nil
	}
	if entry, ok := all[promptID]; ok {
		return map[string]interface{}{promptID: entry}, nil
	}
	return map[string]interface{}{}, nil
}

// updateMessage records progress on the result without touching its status.
// Best effort: a failed write only loses a progress line.
func (s *GenerationStage) updateMessage(ctx context.Context, requestID, message string) {
	result, err := s.pipeline.GetResult(ctx, requestID)
	if err != nil {
		logging.Warn(StageGeneration, "progress update skipped", "request_id", requestID, "error", err.Error())
		return
	}
	result.Message = message
	if err := s.pipeline.PutResult(ctx, result); err != nil {
		logging.Warn(StageGeneration, "progress update failed", "request_id", requestID, "error", err.Error())
	}
}

func (s *GenerationStage) interrupt(ctx context.Context, promptID string) {
	if err := s.client.Interrupt(ctx, promptID); err != nil {
		logging.Warn(StageGeneration, "interrupt failed", "prompt_id", promptID, "error", err.Error())
	}
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
