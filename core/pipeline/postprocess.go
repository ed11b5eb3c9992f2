package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/zeng407/comfyui/core/infra/logging"
	"github.com/zeng407/comfyui/core/uploader"
	"github.com/zeng407/comfyui/core/webhook"
)

// ErrManifestShape is returned when a backend response has a structure the
// output scan does not recognize.
var ErrManifestShape = errors.New("unrecognized backend response structure")

// PostprocessStage relocates generated files into per-request directories,
// uploads them when a destination is configured, finalizes the result status
// and fires the completion webhook.
type PostprocessStage struct {
	pipeline  *Pipeline
	outputDir string

	fallbackS3      *uploader.Config
	fallbackWebhook *webhook.Config
	notifier        *webhook.Notifier

	// newUploader is swappable for tests.
	newUploader func(*uploader.Config) (*uploader.Uploader, error)
}

// NewPostprocessor constructs the stage. fallbackS3 and fallbackWebhook are
// the process-wide destinations used when a request carries none; either may
// be nil.
func NewPostprocessor(p *Pipeline, outputDir string, fallbackS3 *uploader.Config, fallbackWebhook *webhook.Config, notifier *webhook.Notifier) *PostprocessStage {
	return &PostprocessStage{
		pipeline:        p,
		outputDir:       outputDir,
		fallbackS3:      fallbackS3,
		fallbackWebhook: fallbackWebhook,
		notifier:        notifier,
		newUploader:     uploader.New,
	}
}

// Process handles one request id. This is the terminal stage: whatever
// happened upstream, every id that reaches it gets a final status and, when
// configured, a webhook.
func (s *PostprocessStage) Process(ctx context.Context, workerID int, requestID string) {
	logging.Info(StagePostprocess, "processing job", "worker", workerID, "request_id", requestID)

	req, reqErr := s.pipeline.GetRequest(ctx, requestID)
	if err := s.process(ctx, requestID, req, reqErr); err != nil {
		logging.Error(StagePostprocess, "job failed", "worker", workerID, "request_id", requestID, "error", err.Error())
		if _, serr := s.pipeline.SetStatus(ctx, requestID, StatusFailed,
			fmt.Sprintf("Post-processing failed: %v", err)); serr != nil {
			logging.Error(StagePostprocess, "failed to record failure", "request_id", requestID, "error", serr.Error())
		}
	}

	// The webhook always fires with the final stored state, even for failed
	// and cancelled jobs. Delivery failures are logged, never propagated.
	final, err := s.pipeline.GetResult(ctx, requestID)
	if err != nil {
		logging.Error(StagePostprocess, "no result to notify", "request_id", requestID, "error", err.Error())
		return
	}
	s.pipeline.metrics.IncStageCompleted(StagePostprocess, string(final.Status))
	s.notify(ctx, req, final)
	logging.Info(StagePostprocess, "completed job", "worker", workerID, "request_id", requestID, "status", string(final.Status))
}

func (s *PostprocessStage) process(ctx context.Context, requestID string, req *Request, reqErr error) error {
	if reqErr != nil {
		return reqErr
	}
	result, err := s.pipeline.GetResult(ctx, requestID)
	if err != nil {
		return err
	}

	if len(result.GenerationResponse) > 0 {
		if err := s.collectOutputs(requestID, result); err != nil {
			return err
		}
		if cfg := s.selectS3(req); cfg != nil {
			s.uploadOutputs(ctx, requestID, cfg, result)
		} else {
			logging.Info(StagePostprocess, "no upload destination, keeping local files", "request_id", requestID)
		}
	} else {
		logging.Info(StagePostprocess, "no backend output, likely a failed job", "request_id", requestID)
	}

	// A result that already reached a terminal state upstream keeps it.
	if !result.Status.Terminal() {
		result.Status = StatusCompleted
		result.Message = "Processing complete."
	}
	return s.pipeline.PutResult(ctx, result)
}

// collectOutputs walks the backend response manifest, copies every real
// output file into the per-request directory and re-points the original
// location at the copy so backend-side caching keeps working.
func (s *PostprocessStage) collectOutputs(requestID string, result *Result) error {
	outputs, err := findOutputs(result.GenerationResponse)
	if err != nil {
		logging.Warn(StagePostprocess, "no outputs in backend response", "request_id", requestID)
		return nil
	}

	jobDir := filepath.Join(s.outputDir, requestID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}

	var files []OutputFile
	for nodeID, raw := range outputs {
		nodeOutputs, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		for outputType, rawList := range nodeOutputs {
			list, ok := rawList.([]interface{})
			if !ok {
				continue
			}
			for _, rawItem := range list {
				item, ok := rawItem.(map[string]interface{})
				if !ok {
					continue
				}
				filename, _ := item["filename"].(string)
				if filename == "" {
					continue
				}
				fileType, _ := item["type"].(string)
				if fileType == "temp" || fileType == "preview" {
					logging.Debug(StagePostprocess, "skipping transient file", "filename", filename, "type", fileType)
					continue
				}
				subfolder, _ := item["subfolder"].(string)
				out, err := s.relocate(jobDir, filename, subfolder, fileType, nodeID, outputType)
				if err != nil {
					logging.Warn(StagePostprocess, "skipping output file",
						"request_id", requestID, "filename", filename, "error", err.Error())
					continue
				}
				files = append(files, *out)
			}
		}
	}

	result.Output = files
	logging.Info(StagePostprocess, "collected output files", "request_id", requestID, "count", len(files))
	return nil
}

// findOutputs locates the per-node outputs map. History responses wrap it as
// {prompt_id: {"outputs": {...}}}; some responses carry the node map
// directly. The execution trace merged in by the generation stage is not a
// manifest entry.
func findOutputs(response map[string]interface{}) (map[string]interface{}, error) {
	var direct map[string]interface{}
	for key, raw := range response {
		if key == "execution_details" {
			continue
		}
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if outputs, ok := entry["outputs"].(map[string]interface{}); ok {
			return outputs, nil
		}
		if direct == nil {
			direct = entry
		}
	}
	if direct != nil {
		return direct, nil
	}
	return nil, ErrManifestShape
}

// relocate copies one generated file into the job directory and replaces the
// original with a symlink to the copy. The original may itself be a symlink
// left by an earlier request for a cached result, so the copy follows links.
func (s *PostprocessStage) relocate(jobDir, filename, subfolder, fileType, nodeID, outputType string) (*OutputFile, error) {
	original := filepath.Join(s.outputDir, subfolder, filename)
	if _, err := os.Lstat(original); err != nil {
		if subfolder == "" {
			return nil, fmt.Errorf("output file not found: %s", original)
		}
		fallback := filepath.Join(s.outputDir, filename)
		if _, ferr := os.Lstat(fallback); ferr != nil {
			return nil, fmt.Errorf("output file not found: %s", original)
		}
		original = fallback
	}

	source, err := filepath.EvalSymlinks(original)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", original, err)
	}

	dest := filepath.Join(jobDir, filename)
	if err := copyFile(source, dest); err != nil {
		return nil, err
	}
	if err := os.Remove(original); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove original %s: %w", original, err)
	}
	if err := os.Symlink(dest, original); err != nil {
		return nil, fmt.Errorf("link %s: %w", original, err)
	}

	if fileType == "" {
		fileType = "output"
	}
	return &OutputFile{
		Filename:   filename,
		LocalPath:  dest,
		Type:       fileType,
		Subfolder:  subfolder,
		NodeID:     nodeID,
		OutputType: outputType,
	}, nil
}

// uploadOutputs pushes every collected file concurrently. Per-file failures
// are recorded on the file entry; they do not fail the job.
func (s *PostprocessStage) uploadOutputs(ctx context.Context, requestID string, cfg *uploader.Config, result *Result) {
	if len(result.Output) == 0 {
		logging.Info(StagePostprocess, "no files to upload", "request_id", requestID)
		return
	}
	up, err := s.newUploader(cfg)
	if err != nil {
		logging.Error(StagePostprocess, "upload destination unusable", "request_id", requestID, "error", err.Error())
		for i := range result.Output {
			result.Output[i].UploadError = err.Error()
		}
		return
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range result.Output {
		file := &result.Output[i]
		g.Go(func() error {
			key := requestID + "/" + file.Filename
			url, err := up.Upload(gctx, key, file.LocalPath)
			if err != nil {
				logging.Error(StagePostprocess, "upload failed",
					"request_id", requestID, "filename", file.Filename, "error", err.Error())
				file.UploadError = err.Error()
				return nil
			}
			file.URL = url
			return nil
		})
	}
	_ = g.Wait()

	uploaded := 0
	for _, f := range result.Output {
		if f.URL != "" {
			uploaded++
		}
	}
	logging.Info(StagePostprocess, "uploads finished", "request_id", requestID, "uploaded", uploaded, "total", len(result.Output))
}

// selectS3 picks the upload destination: the request's own config when fully
// specified, otherwise the process-wide fallback.
func (s *PostprocessStage) selectS3(req *Request) *uploader.Config {
	if req != nil && req.S3.Configured() {
		return req.S3
	}
	if s.fallbackS3.Configured() {
		return s.fallbackS3
	}
	return nil
}

// selectWebhook picks the notification destination the same way.
func (s *PostprocessStage) selectWebhook(req *Request) *webhook.Config {
	if req != nil && req.Webhook.Valid() {
		return req.Webhook
	}
	if s.fallbackWebhook.Valid() {
		return s.fallbackWebhook
	}
	return nil
}

func (s *PostprocessStage) notify(ctx context.Context, req *Request, result *Result) {
	cfg := s.selectWebhook(req)
	if cfg == nil || s.notifier == nil {
		logging.Debug(StagePostprocess, "no webhook configured", "request_id", result.ID)
		return
	}
	output := result.Output
	if output == nil {
		output = []OutputFile{}
	}
	payload := map[string]interface{}{
		"id":      result.ID,
		"status":  string(result.Status),
		"message": result.Message,
		"output":  output,
	}
	for k, v := range cfg.ExtraParams {
		payload[k] = v
	}
	if err := s.notifier.Notify(ctx, cfg.URL, payload); err != nil {
		logging.Error(StagePostprocess, "webhook delivery failed", "request_id", result.ID, "error", err.Error())
		return
	}
	logging.Info(StagePostprocess, "webhook delivered", "request_id", result.ID)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	return out.Close()
}
