// Package gateway is the HTTP surface of the API wrapper: request
// submission (async, blocking and streaming), result retrieval,
// cancellation and queue introspection.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/zeng407/comfyui/core/infra/logging"
	"github.com/zeng407/comfyui/core/pipeline"
)

const (
	syncPollInterval   = 500 * time.Millisecond
	streamPollInterval = time.Second

	// statusClientClosedRequest mirrors nginx's non-standard code for a
	// client that went away before the response.
	statusClientClosedRequest = 499
)

// payload is the submission envelope: the request itself sits under "input".
type payload struct {
	Input pipeline.Request `json:"input"`
}

// Server exposes the pipeline over HTTP.
type Server struct {
	pipeline  *pipeline.Pipeline
	cacheType string
	docsHTML  []byte
}

// New constructs the server. docs is pre-rendered HTML served at the root,
// may be nil.
func New(p *pipeline.Pipeline, cacheType string, docs []byte) *Server {
	return &Server{pipeline: p, cacheType: cacheType, docsHTML: docs}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDocs)
	mux.HandleFunc("POST /generate", s.handleGenerate)
	mux.HandleFunc("POST /generate/sync", s.handleGenerateSync)
	mux.HandleFunc("POST /generate/stream", s.handleGenerateStream)
	mux.HandleFunc("GET /result/{request_id}", s.handleResult)
	mux.HandleFunc("POST /cancel/{request_id}", s.handleCancel)
	mux.HandleFunc("GET /queue-info", s.handleQueueInfo)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

func (s *Server) handleDocs(w http.ResponseWriter, r *http.Request) {
	if len(s.docsHTML) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(s.docsHTML)
}

// submit decodes and enqueues a request, writing an error response itself
// when that fails.
func (s *Server) submit(w http.ResponseWriter, r *http.Request) (*pipeline.Result, bool) {
	var body payload
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, &pipeline.Result{
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("Invalid request body: %v", err),
		})
		return nil, false
	}
	req := body.Input
	result, err := s.pipeline.Submit(r.Context(), &req)
	if err != nil {
		status := http.StatusInternalServerError
		if isValidationError(err) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, &pipeline.Result{
			ID:      req.ID,
			Status:  pipeline.StatusFailed,
			Message: fmt.Sprintf("Failed to queue request: %v", err),
		})
		return nil, false
	}
	return result, true
}

func isValidationError(err error) bool {
	return errors.Is(err, pipeline.ErrWorkflowAndModifier) ||
		errors.Is(err, pipeline.ErrNoWorkflowOrModifier) ||
		errors.Is(err, pipeline.ErrModificationsWithoutModifier)
}

// handleGenerate accepts a request and returns immediately with the queued
// result.
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	result, ok := s.submit(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusAccepted, result)
}

// handleGenerateSync accepts a request and blocks until it reaches a
// terminal state. A client disconnect cancels the request.
func (s *Server) handleGenerateSync(w http.ResponseWriter, r *http.Request) {
	result, ok := s.submit(w, r)
	if !ok {
		return
	}
	requestID := result.ID

	ticker := time.NewTicker(syncPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			logging.Info("gateway", "client disconnected, cancelling", "request_id", requestID)
			s.markDisconnected(requestID)
			writeJSON(w, statusClientClosedRequest, &pipeline.Result{
				ID:      requestID,
				Status:  pipeline.StatusCancelled,
				Message: "Client closed connection",
			})
			return
		case <-ticker.C:
			current, err := s.pipeline.GetResult(r.Context(), requestID)
			if err != nil {
				continue
			}
			if current.Status.Terminal() {
				writeJSON(w, http.StatusOK, current)
				return
			}
		}
	}
}

// markDisconnected cancels a request whose client went away. Terminal
// statuses are left alone.
func (s *Server) markDisconnected(requestID string) {
	ctx := context.Background()
	result, err := s.pipeline.GetResult(ctx, requestID)
	if err != nil || result.Status.Terminal() {
		return
	}
	result.Status = pipeline.StatusCancelled
	result.Message = "Request cancelled due to client disconnection"
	if err := s.pipeline.PutResult(ctx, result); err != nil {
		logging.Error("gateway", "failed to record disconnect cancellation", "request_id", requestID, "error", err.Error())
	}
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	result, err := s.pipeline.GetResult(r.Context(), requestID)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, &pipeline.Result{
			ID:      requestID,
			Status:  pipeline.StatusFailed,
			Message: "Request ID not found",
		})
		return
	}
	if err != nil {
		logging.Error("gateway", "result lookup failed", "request_id", requestID, "error", err.Error())
		writeJSON(w, http.StatusInternalServerError, &pipeline.Result{
			ID:      requestID,
			Status:  pipeline.StatusFailed,
			Message: "Internal server error",
		})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("request_id")
	result, cancelled, err := s.pipeline.Cancel(r.Context(), requestID)
	if errors.Is(err, pipeline.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": fmt.Sprintf("Request %s not found", requestID),
		})
		return
	}
	if err != nil {
		logging.Error("gateway", "cancel failed", "request_id", requestID, "error", err.Error())
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if !cancelled {
		writeJSON(w, http.StatusOK, map[string]string{
			"message": fmt.Sprintf("Request %s is already %s", requestID, result.Status),
			"status":  string(result.Status),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("Successfully cancelled request %s", requestID),
		"status":  string(pipeline.StatusCancelled),
	})
}

func (s *Server) handleQueueInfo(w http.ResponseWriter, r *http.Request) {
	sizes := s.pipeline.QueueSizes()
	writeJSON(w, http.StatusOK, map[string]int{
		"preprocess_queue_size":  sizes[pipeline.StagePreprocess],
		"generation_queue_size":  sizes[pipeline.StageGeneration],
		"postprocess_queue_size": sizes[pipeline.StagePostprocess],
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sizes := s.pipeline.QueueSizes()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "healthy",
		"cache_type": s.cacheType,
		"queues": map[string]int{
			"preprocess":  sizes[pipeline.StagePreprocess],
			"generation":  sizes[pipeline.StageGeneration],
			"postprocess": sizes[pipeline.StagePostprocess],
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.Debug("gateway", "response write failed", "error", err.Error())
	}
}
