package pipeline

import "time"

// PositionInfo reports where a request currently sits. Position is 1-based;
// a request in no queue is reported as "processing" since a worker holds it
// or it already finished.
type PositionInfo struct {
	CurrentQueue      string `json:"current_queue"`
	Position          int    `json:"position"`
	QueueSize         int    `json:"queue_size"`
	EstimatedWaitTime int    `json:"estimated_wait_time"` // seconds
}

// PositionOf scans the stage queues in pipeline order and reports the first
// one holding the request id. The wait estimate is the request's position
// times the stage's per-item cost.
func (p *Pipeline) PositionOf(requestID string) PositionInfo {
	stages := []struct {
		queue   *Queue
		perItem time.Duration
	}{
		{p.Preprocess, p.estimates.Preprocess},
		{p.Generation, p.estimates.Generation},
		{p.Postprocess, p.estimates.Postprocess},
	}
	for _, stage := range stages {
		if pos, ok := stage.queue.Position(requestID); ok {
			return PositionInfo{
				CurrentQueue:      stage.queue.Name(),
				Position:          pos,
				QueueSize:         stage.queue.Len(),
				EstimatedWaitTime: pos * int(stage.perItem/time.Second),
			}
		}
	}
	return PositionInfo{CurrentQueue: "processing"}
}

// QueueSizes reports the current depth of each stage queue.
func (p *Pipeline) QueueSizes() map[string]int {
	return map[string]int{
		StagePreprocess:  p.Preprocess.Len(),
		StageGeneration:  p.Generation.Len(),
		StagePostprocess: p.Postprocess.Len(),
	}
}
