package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zeng407/comfyui/core/infra/memory"
	"github.com/zeng407/comfyui/core/infra/metrics"
	"github.com/zeng407/comfyui/core/pipeline"
)

func newTestServer(t *testing.T) (*Server, *pipeline.Pipeline) {
	t.Helper()
	p := pipeline.New(memory.NewMemoryStore(), memory.NewMemoryStore(), metrics.Noop{}, pipeline.DefaultWaitEstimates())
	return New(p, "memory", []byte("<html>docs</html>")), p
}

func rawWorkflowBody() string {
	return `{"input": {"workflow_json": {"3": {"class_type": "KSampler", "inputs": {}}}}}`
}

func decodeResult(t *testing.T, resp *httptest.ResponseRecorder) pipeline.Result {
	t.Helper()
	var result pipeline.Result
	if err := json.Unmarshal(resp.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return result
}

func TestGenerateQueuesRequest(t *testing.T) {
	srv, p := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(rawWorkflowBody()))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)

	if resp.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body)
	}
	result := decodeResult(t, resp)
	if result.ID == "" {
		t.Fatal("no request id assigned")
	}
	if result.Status != pipeline.StatusQueued {
		t.Fatalf("status = %s", result.Status)
	}

	stored, err := p.GetResult(context.Background(), result.ID)
	if err != nil {
		t.Fatalf("stored result: %v", err)
	}
	if stored.Status != pipeline.StatusQueued {
		t.Fatalf("stored status = %s", stored.Status)
	}
	if pos := p.PositionOf(result.ID); pos.CurrentQueue != pipeline.StagePreprocess {
		t.Fatalf("position = %+v", pos)
	}
}

func TestGenerateRejectsInvalidPayload(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	cases := map[string]string{
		"malformed json": `{"input": `,
		"empty input":    `{"input": {}}`,
		"both sources":   `{"input": {"workflow_json": {"3": {}}, "modifier": "Image2Image"}}`,
	}
	for name, body := range cases {
		req := httptest.NewRequest(http.MethodPost, "/generate", strings.NewReader(body))
		resp := httptest.NewRecorder()
		handler.ServeHTTP(resp, req)
		if resp.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d", name, resp.Code)
		}
		if result := decodeResult(t, resp); result.Status != pipeline.StatusFailed {
			t.Errorf("%s: status = %s", name, result.Status)
		}
	}
}

func TestResultLookup(t *testing.T) {
	srv, p := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodGet, "/result/ghost", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("status = %d", resp.Code)
	}
	if result := decodeResult(t, resp); result.Message != "Request ID not found" {
		t.Fatalf("message = %q", result.Message)
	}

	submitted, err := p.Submit(context.Background(), &pipeline.Request{
		ID:       "req-1",
		Workflow: map[string]interface{}{"3": map[string]interface{}{}},
	})
	if err != nil {
		t.Fatal(err)
	}

	req = httptest.NewRequest(http.MethodGet, "/result/"+submitted.ID, nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if result := decodeResult(t, resp); result.ID != "req-1" || result.Status != pipeline.StatusQueued {
		t.Fatalf("result = %+v", result)
	}
}

func TestCancelFlows(t *testing.T) {
	srv, p := newTestServer(t)
	handler := srv.Handler()

	req := httptest.NewRequest(http.MethodPost, "/cancel/ghost", nil)
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusNotFound {
		t.Fatalf("unknown id: status = %d", resp.Code)
	}

	submitted, err := p.Submit(context.Background(), &pipeline.Request{
		Workflow: map[string]interface{}{"3": map[string]interface{}{}},
	})
	if err != nil {
		t.Fatal(err)
	}

	req = httptest.NewRequest(http.MethodPost, "/cancel/"+submitted.ID, nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("cancel: status = %d", resp.Code)
	}
	var body map[string]string
	json.Unmarshal(resp.Body.Bytes(), &body)
	if body["status"] != string(pipeline.StatusCancelled) {
		t.Fatalf("body = %v", body)
	}

	// second cancel reports the existing terminal state
	req = httptest.NewRequest(http.MethodPost, "/cancel/"+submitted.ID, nil)
	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("repeat cancel: status = %d", resp.Code)
	}
	json.Unmarshal(resp.Body.Bytes(), &body)
	if !strings.Contains(body["message"], "already cancelled") {
		t.Fatalf("message = %q", body["message"])
	}
}

func TestQueueInfoAndHealth(t *testing.T) {
	srv, p := newTestServer(t)
	handler := srv.Handler()

	for i := 0; i < 3; i++ {
		if _, err := p.Submit(context.Background(), &pipeline.Request{
			Workflow: map[string]interface{}{"3": map[string]interface{}{}},
		}); err != nil {
			t.Fatal(err)
		}
	}

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/queue-info", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("queue-info: status = %d", resp.Code)
	}
	var sizes map[string]int
	json.Unmarshal(resp.Body.Bytes(), &sizes)
	if sizes["preprocess_queue_size"] != 3 || sizes["generation_queue_size"] != 0 {
		t.Fatalf("sizes = %v", sizes)
	}

	resp = httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("health: status = %d", resp.Code)
	}
	var health map[string]interface{}
	json.Unmarshal(resp.Body.Bytes(), &health)
	if health["status"] != "healthy" || health["cache_type"] != "memory" {
		t.Fatalf("health = %v", health)
	}
}

func TestDocsPage(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d", resp.Code)
	}
	if ct := resp.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Fatalf("content type = %q", ct)
	}

	p := pipeline.New(memory.NewMemoryStore(), memory.NewMemoryStore(), metrics.Noop{}, pipeline.DefaultWaitEstimates())
	bare := New(p, "memory", nil)
	resp = httptest.NewRecorder()
	bare.Handler().ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("no docs: status = %d", resp.Code)
	}
}

func TestGenerateSyncReturnsTerminalResult(t *testing.T) {
	srv, p := newTestServer(t)
	handler := srv.Handler()

	done := make(chan struct{})
	go func() {
		defer close(done)
		// wait for the submission to land, then complete it
		id, ok, err := p.Preprocess.Pull(context.Background())
		if err != nil || !ok {
			return
		}
		p.Preprocess.TaskDone()
		result, err := p.GetResult(context.Background(), id)
		if err != nil {
			return
		}
		result.Status = pipeline.StatusCompleted
		result.Message = "Processing complete."
		p.PutResult(context.Background(), result)
	}()

	req := httptest.NewRequest(http.MethodPost, "/generate/sync", strings.NewReader(rawWorkflowBody()))
	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, req)
	<-done

	if resp.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", resp.Code, resp.Body)
	}
	if result := decodeResult(t, resp); result.Status != pipeline.StatusCompleted {
		t.Fatalf("result = %+v", result)
	}
}

func TestGenerateSyncClientDisconnect(t *testing.T) {
	srv, p := newTestServer(t)
	handler := srv.Handler()

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodPost, "/generate/sync", strings.NewReader(rawWorkflowBody())).WithContext(ctx)
	resp := httptest.NewRecorder()

	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	handler.ServeHTTP(resp, req)

	if resp.Code != statusClientClosedRequest {
		t.Fatalf("status = %d", resp.Code)
	}
	result := decodeResult(t, resp)
	if result.Status != pipeline.StatusCancelled {
		t.Fatalf("result = %+v", result)
	}

	stored, err := p.GetResult(context.Background(), result.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != pipeline.StatusCancelled || stored.Message != "Request cancelled due to client disconnection" {
		t.Fatalf("stored = %+v", stored)
	}
}

func TestStreamEmitsEventsUntilTerminal(t *testing.T) {
	srv, p := newTestServer(t)
	handler := srv.Handler()

	httpSrv := httptest.NewServer(handler)
	defer httpSrv.Close()

	go func() {
		id, ok, err := p.Preprocess.Pull(context.Background())
		if err != nil || !ok {
			return
		}
		p.Preprocess.TaskDone()
		time.Sleep(50 * time.Millisecond)
		result, err := p.GetResult(context.Background(), id)
		if err != nil {
			return
		}
		result.Status = pipeline.StatusCompleted
		result.Message = "Processing complete."
		result.Output = []pipeline.OutputFile{{Filename: "a.png", LocalPath: "/out/a.png"}}
		p.PutResult(context.Background(), result)
	}()

	resp, err := http.Post(httpSrv.URL+"/generate/stream", "application/json", strings.NewReader(rawWorkflowBody()))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	var events []map[string]interface{}
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event map[string]interface{}
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, event)
	}

	if len(events) < 2 {
		t.Fatalf("got %d events: %v", len(events), events)
	}
	if events[0]["status"] != string(pipeline.StatusQueued) {
		t.Fatalf("first event = %v", events[0])
	}
	last := events[len(events)-1]
	if last["status"] != "final_result" {
		t.Fatalf("last event = %v", last)
	}
	result, ok := last["result"].(map[string]interface{})
	if !ok || result["status"] != string(pipeline.StatusCompleted) {
		t.Fatalf("final result = %v", last["result"])
	}
}
