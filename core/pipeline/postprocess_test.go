package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/zeng407/comfyui/core/uploader"
	"github.com/zeng407/comfyui/core/webhook"
)

// hookRecorder captures webhook deliveries.
type hookRecorder struct {
	srv *httptest.Server

	mu       sync.Mutex
	payloads []map[string]interface{}
}

func newHookRecorder(t *testing.T) *hookRecorder {
	t.Helper()
	h := &hookRecorder{}
	h.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var payload map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.mu.Lock()
		h.payloads = append(h.payloads, payload)
		h.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(h.srv.Close)
	return h
}

func (h *hookRecorder) last(t *testing.T) map[string]interface{} {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.payloads) == 0 {
		t.Fatal("no webhook delivered")
	}
	return h.payloads[len(h.payloads)-1]
}

func writeOutputFile(t *testing.T, outputDir, name string) string {
	t.Helper()
	path := filepath.Join(outputDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("image bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// generatedResult stores a generated-state result carrying the given
// response manifest.
func generatedResult(t *testing.T, p *Pipeline, requestID string, response map[string]interface{}) {
	t.Helper()
	result := NewResult(requestID)
	result.Status = StatusGenerated
	result.Message = "Generation complete. Queued for post-processing."
	result.GenerationResponse = response
	if err := p.PutResult(context.Background(), result); err != nil {
		t.Fatal(err)
	}
}

func manifest(files ...map[string]interface{}) map[string]interface{} {
	items := make([]interface{}, len(files))
	for i, f := range files {
		items[i] = f
	}
	return map[string]interface{}{
		"prompt-1": map[string]interface{}{
			"outputs": map[string]interface{}{
				"9": map[string]interface{}{"images": items},
			},
		},
		"execution_details": map[string]interface{}{"completed": true},
	}
}

func TestPostprocessRelocatesOutputs(t *testing.T) {
	outputDir := t.TempDir()
	hook := newHookRecorder(t)
	p := newTestPipeline(t)
	ctx := context.Background()

	result, _ := p.Submit(ctx, &Request{
		Workflow: rawWorkflow(),
		Webhook:  &webhook.Config{URL: hook.srv.URL, ExtraParams: map[string]interface{}{"tag": "t1"}},
	})
	requestID := result.ID
	writeOutputFile(t, outputDir, "out.png")
	generatedResult(t, p, requestID, manifest(
		map[string]interface{}{"filename": "out.png", "subfolder": "", "type": "output"},
		map[string]interface{}{"filename": "preview.png", "subfolder": "", "type": "temp"},
	))

	post := NewPostprocessor(p, outputDir, nil, nil, webhook.NewNotifier(5))
	post.Process(ctx, 0, requestID)

	final, _ := p.GetResult(ctx, requestID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Message)
	}
	if len(final.Output) != 1 {
		t.Fatalf("output = %+v, temp file must be skipped", final.Output)
	}
	out := final.Output[0]
	if out.Filename != "out.png" || out.NodeID != "9" || out.OutputType != "images" {
		t.Fatalf("output entry = %+v", out)
	}

	copied := filepath.Join(outputDir, requestID, "out.png")
	if data, err := os.ReadFile(copied); err != nil || string(data) != "image bytes" {
		t.Fatalf("copy missing: %v", err)
	}
	// original location now points at the copy
	link, err := os.Readlink(filepath.Join(outputDir, "out.png"))
	if err != nil {
		t.Fatalf("original not a symlink: %v", err)
	}
	if link != copied {
		t.Fatalf("symlink target = %q, want %q", link, copied)
	}

	payload := hook.last(t)
	if payload["status"] != "completed" || payload["id"] != requestID {
		t.Fatalf("webhook payload = %+v", payload)
	}
	if payload["tag"] != "t1" {
		t.Fatalf("extra params not merged: %+v", payload)
	}
}

func TestPostprocessHandlesUnwrappedManifest(t *testing.T) {
	outputDir := t.TempDir()
	p := newTestPipeline(t)
	ctx := context.Background()

	result, _ := p.Submit(ctx, &Request{Workflow: rawWorkflow()})
	writeOutputFile(t, outputDir, filepath.Join("batch", "img.png"))
	generatedResult(t, p, result.ID, map[string]interface{}{
		"prompt-1": map[string]interface{}{
			"9": map[string]interface{}{
				"images": []interface{}{
					map[string]interface{}{"filename": "img.png", "subfolder": "batch", "type": "output"},
				},
			},
		},
	})

	post := NewPostprocessor(p, outputDir, nil, nil, nil)
	post.Process(ctx, 0, result.ID)

	final, _ := p.GetResult(ctx, result.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Message)
	}
	if len(final.Output) != 1 || final.Output[0].Subfolder != "batch" {
		t.Fatalf("output = %+v", final.Output)
	}
}

func TestPostprocessFailedJobKeepsFailure(t *testing.T) {
	hook := newHookRecorder(t)
	p := newTestPipeline(t)
	ctx := context.Background()

	result, _ := p.Submit(ctx, &Request{
		Workflow: rawWorkflow(),
		Webhook:  &webhook.Config{URL: hook.srv.URL},
	})
	p.SetStatus(ctx, result.ID, StatusFailed, "Generation failed: boom")

	post := NewPostprocessor(p, t.TempDir(), nil, nil, webhook.NewNotifier(5))
	post.Process(ctx, 0, result.ID)

	final, _ := p.GetResult(ctx, result.ID)
	if final.Status != StatusFailed {
		t.Fatalf("status = %s, failure must not become completed", final.Status)
	}
	payload := hook.last(t)
	if payload["status"] != "failed" {
		t.Fatalf("webhook payload = %+v", payload)
	}
}

func TestPostprocessCancelledJobKeepsCancellation(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	result, _ := p.Submit(ctx, &Request{Workflow: rawWorkflow()})
	p.Cancel(ctx, result.ID)

	post := NewPostprocessor(p, t.TempDir(), nil, nil, nil)
	post.Process(ctx, 0, result.ID)

	final, _ := p.GetResult(ctx, result.ID)
	if final.Status != StatusCancelled {
		t.Fatalf("status = %s", final.Status)
	}
}

func TestPostprocessUploadErrorsRecordedPerFile(t *testing.T) {
	outputDir := t.TempDir()
	p := newTestPipeline(t)
	ctx := context.Background()

	result, _ := p.Submit(ctx, &Request{
		Workflow: rawWorkflow(),
		S3:       &uploader.Config{AccessKeyID: "k", SecretAccessKey: "s", BucketName: "b"},
	})
	writeOutputFile(t, outputDir, "out.png")
	generatedResult(t, p, result.ID, manifest(
		map[string]interface{}{"filename": "out.png", "subfolder": "", "type": "output"},
	))

	post := NewPostprocessor(p, outputDir, nil, nil, nil)
	post.newUploader = func(*uploader.Config) (*uploader.Uploader, error) {
		return nil, errors.New("no route to storage")
	}
	post.Process(ctx, 0, result.ID)

	final, _ := p.GetResult(ctx, result.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s, upload trouble must not fail the job", final.Status)
	}
	if len(final.Output) != 1 || final.Output[0].UploadError == "" {
		t.Fatalf("output = %+v, upload error not recorded", final.Output)
	}
	if final.Output[0].URL != "" {
		t.Fatalf("unexpected url on failed upload: %+v", final.Output[0])
	}
}

func TestPostprocessMissingResponseIsNotAnError(t *testing.T) {
	p := newTestPipeline(t)
	ctx := context.Background()
	result, _ := p.Submit(ctx, &Request{Workflow: rawWorkflow()})

	post := NewPostprocessor(p, t.TempDir(), nil, nil, nil)
	post.Process(ctx, 0, result.ID)

	final, _ := p.GetResult(ctx, result.ID)
	if final.Status != StatusCompleted {
		t.Fatalf("status = %s (%s)", final.Status, final.Message)
	}
	if len(final.Output) != 0 {
		t.Fatalf("output = %+v", final.Output)
	}
}
