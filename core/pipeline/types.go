package pipeline

import (
	"errors"

	"github.com/zeng407/comfyui/core/uploader"
	"github.com/zeng407/comfyui/core/webhook"
)

// Status is the observable lifecycle state of a request.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusGenerating Status = "generating"
	StatusGenerated  Status = "generated"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
	StatusCancelled  Status = "cancelled"
)

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusTimeout:   true,
	StatusCancelled: true,
}

// Terminal reports whether no further stage may change the status.
func (s Status) Terminal() bool {
	return terminalStatuses[s]
}

// Request is the work order submitted by a caller. The workflow payload is
// mutated in place by the preprocess stage; everything else is written once
// at submission.
type Request struct {
	ID            string                 `json:"request_id"`
	Modifier      string                 `json:"modifier,omitempty"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`
	Workflow      map[string]interface{} `json:"workflow_json,omitempty"`
	S3            *uploader.Config       `json:"s3,omitempty"`
	Webhook       *webhook.Config        `json:"webhook,omitempty"`
}

var (
	ErrWorkflowAndModifier          = errors.New("cannot provide both workflow_json and modifier - they are mutually exclusive")
	ErrNoWorkflowOrModifier         = errors.New("must provide either workflow_json or modifier")
	ErrModificationsWithoutModifier = errors.New("modifications can only be provided when modifier is specified")
)

// Validate enforces the request shape before pipeline entry. Workers never
// see an invalid request.
func (r *Request) Validate() error {
	if len(r.Workflow) > 0 && r.Modifier != "" {
		return ErrWorkflowAndModifier
	}
	if len(r.Workflow) == 0 && r.Modifier == "" {
		return ErrNoWorkflowOrModifier
	}
	if len(r.Modifications) > 0 && r.Modifier == "" {
		return ErrModificationsWithoutModifier
	}
	return nil
}

// OutputFile describes one artifact produced by the generation backend and
// relocated by the postprocess stage.
type OutputFile struct {
	Filename    string `json:"filename"`
	LocalPath   string `json:"local_path"`
	Type        string `json:"type"`
	Subfolder   string `json:"subfolder"`
	NodeID      string `json:"node_id"`
	OutputType  string `json:"output_type"`
	URL         string `json:"url,omitempty"`
	UploadError string `json:"upload_error,omitempty"`
}

// Result is the observable status of a request, owned by whichever stage is
// currently processing it.
type Result struct {
	ID                 string                 `json:"id"`
	Status             Status                 `json:"status"`
	Message            string                 `json:"message,omitempty"`
	GenerationResponse map[string]interface{} `json:"comfyui_response,omitempty"`
	Output             []OutputFile           `json:"output,omitempty"`
}

// NewResult returns the initial queued result for a request.
func NewResult(requestID string) *Result {
	return &Result{ID: requestID, Status: StatusQueued, Message: "Request queued"}
}
