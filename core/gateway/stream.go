package gateway

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/zeng407/comfyui/core/infra/logging"
	"github.com/zeng407/comfyui/core/pipeline"
)

// handleGenerateStream accepts a request and streams status updates as
// Server-Sent Events until the request reaches a terminal state. An event is
// emitted whenever the status, message or queue position changes.
func (s *Server) handleGenerateStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	result, submitted := s.submit(w, r)
	if !submitted {
		return
	}
	requestID := result.ID
	logging.Info("gateway", "starting status stream", "request_id", requestID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	start := time.Now()
	sendEvent(w, flusher, map[string]interface{}{
		"request_id": requestID,
		"status":     string(pipeline.StatusQueued),
		"message":    "Request queued",
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})

	var lastStatus pipeline.Status
	var lastMessage string
	var lastPosition pipeline.PositionInfo
	havePrev := false

	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			logging.Info("gateway", "stream client disconnected, cancelling", "request_id", requestID)
			s.markDisconnected(requestID)
			return
		case <-ticker.C:
		}

		current, err := s.pipeline.GetResult(r.Context(), requestID)
		if err != nil {
			sendEvent(w, flusher, map[string]interface{}{
				"request_id": requestID,
				"status":     "error",
				"message":    fmt.Sprintf("Stream error: %v", err),
				"timestamp":  time.Now().UTC().Format(time.RFC3339),
			})
			return
		}
		position := s.pipeline.PositionOf(requestID)

		changed := !havePrev ||
			current.Status != lastStatus ||
			current.Message != lastMessage ||
			position != lastPosition
		if changed {
			sizes := s.pipeline.QueueSizes()
			event := map[string]interface{}{
				"request_id":   requestID,
				"status":       string(current.Status),
				"message":      current.Message,
				"timestamp":    time.Now().UTC().Format(time.RFC3339),
				"elapsed_time": roundTenth(time.Since(start).Seconds()),
				"queue_info": map[string]int{
					"preprocess_queue_size":  sizes[pipeline.StagePreprocess],
					"generation_queue_size":  sizes[pipeline.StageGeneration],
					"postprocess_queue_size": sizes[pipeline.StagePostprocess],
				},
				"queue_position": position,
			}
			if len(current.Output) > 0 {
				event["output_count"] = len(current.Output)
			}
			sendEvent(w, flusher, event)
			lastStatus = current.Status
			lastMessage = current.Message
			lastPosition = position
			havePrev = true
		}

		if current.Status.Terminal() {
			sendEvent(w, flusher, map[string]interface{}{
				"request_id":   requestID,
				"status":       "final_result",
				"result":       current,
				"elapsed_time": roundTenth(time.Since(start).Seconds()),
			})
			return
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, event map[string]interface{}) {
	data, err := json.Marshal(event)
	if err != nil {
		logging.Warn("gateway", "event encode failed", "error", err.Error())
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}

func roundTenth(v float64) float64 {
	return math.Round(v*10) / 10
}
