package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adverant/nexus/beanscan-worker/internal/livechannel"
	"github.com/adverant/nexus/beanscan-worker/internal/models"
	"github.com/adverant/nexus/beanscan-worker/internal/registry"
	"github.com/adverant/nexus/beanscan-worker/internal/storage"
	"github.com/adverant/nexus/beanscan-worker/internal/utils"
)

type fakeDispatcher struct {
	mu       sync.Mutex
	payloads []models.JobPayload
	err      error
}

func (d *fakeDispatcher) Dispatch(ctx context.Context, p models.JobPayload) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.payloads = append(d.payloads, p)
	return nil
}

func (d *fakeDispatcher) Mode() string { return "fake" }

type fakeResults struct {
	records map[string]*models.ResultRecord
}

func (f *fakeResults) LoadResult(ctx context.Context, id string) (*models.ResultRecord, error) {
	if r, ok := f.records[id]; ok {
		return r, nil
	}
	return nil, storage.ErrNotFound
}

func (f *fakeResults) ListResults(ctx context.Context, owner string, limit int) ([]*models.ResultRecord, error) {
	var out []*models.ResultRecord
	for _, r := range f.records {
		if owner == "" || r.Metadata.OwnerID == owner {
			out = append(out, r)
		}
	}
	return out, nil
}

type harness struct {
	srv        *Server
	reg        *registry.Registry
	hub        *livechannel.Hub
	dispatcher *fakeDispatcher
	results    *fakeResults
	uploadDir  string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	h := &harness{
		reg:        registry.New(),
		hub:        livechannel.NewHub(64),
		dispatcher: &fakeDispatcher{},
		results:    &fakeResults{records: map[string]*models.ResultRecord{}},
		uploadDir:  filepath.Join(dir, "uploads"),
	}
	h.srv = NewServer(Config{Bind: "127.0.0.1:0", Heartbeat: time.Second}, Dependencies{
		Registry:   h.reg,
		Hub:        h.hub,
		Intake:     utils.NewIntake(utils.IntakeConfig{Dir: h.uploadDir, MaxFileSize: 1 << 20}),
		Dispatcher: h.dispatcher,
		Results:    h.results,
		Logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return h
}

func multipartBody(t *testing.T, filename string, content []byte, fields map[string]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		mw.WriteField(k, v)
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("video", filename)
		if err != nil {
			t.Fatal(err)
		}
		fw.Write(content)
	}
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestSubmitUpload(t *testing.T) {
	h := newHarness(t)
	body, ctype := multipartBody(t, "batch.MP4", []byte("not really a video"), map[string]string{
		"owner_id":   "grower-1",
		"notes":      "lot 7",
		"farm_id":    "farm-9",
		"meta_batch": "B12",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/videos", body)
	req.Header.Set("Content-Type", ctype)

	rec := h.do(req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	var resp SubmitResponse
	json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.JobID == "" || resp.State != models.StateQueued {
		t.Fatalf("response = %+v", resp)
	}

	job, err := h.reg.Get(resp.JobID)
	if err != nil {
		t.Fatalf("job not registered: %v", err)
	}
	if job.Metadata.OwnerID != "grower-1" || job.Metadata.Forwarded["farm_id"] != "farm-9" || job.Metadata.Forwarded["meta_batch"] != "B12" {
		t.Fatalf("metadata = %+v", job.Metadata)
	}
	if _, ok := h.hub.Get(resp.JobID); !ok {
		t.Fatal("live channel should exist as soon as the job is accepted")
	}

	if len(h.dispatcher.payloads) != 1 {
		t.Fatalf("dispatched %d payloads", len(h.dispatcher.payloads))
	}
	p := h.dispatcher.payloads[0]
	if p.InputPath != filepath.Join(h.uploadDir, resp.JobID+".mp4") || !p.CleanupInput {
		t.Fatalf("payload = %+v", p)
	}
	if data, _ := os.ReadFile(p.InputPath); string(data) != "not really a video" {
		t.Fatalf("upload content = %q", data)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	tests := []struct {
		name     string
		filename string
		content  []byte
		want     int
	}{
		{"unsupported extension", "batch.gif", []byte("x"), http.StatusBadRequest},
		{"no video", "", nil, http.StatusBadRequest},
		{"empty upload", "batch.mp4", nil, http.StatusBadRequest},
		{"too large", "batch.mp4", bytes.Repeat([]byte("x"), 3<<20), http.StatusRequestEntityTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			body, ctype := multipartBody(t, tt.filename, tt.content, map[string]string{"owner_id": "o"})
			req := httptest.NewRequest(http.MethodPost, "/api/v1/videos", body)
			req.Header.Set("Content-Type", ctype)

			rec := h.do(req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.want, rec.Body.String())
			}
			if h.reg.Len() != 0 || len(h.dispatcher.payloads) != 0 {
				t.Fatal("rejected submission must not create or dispatch a job")
			}
		})
	}
}

func TestSubmitDispatchFailure(t *testing.T) {
	h := newHarness(t)
	h.dispatcher.err = errors.New("redis unreachable")
	body, ctype := multipartBody(t, "batch.mp4", []byte("v"), nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/videos", body)
	req.Header.Set("Content-Type", ctype)

	rec := h.do(req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}
	jobs := h.reg.List()
	if len(jobs) != 1 || jobs[0].State != models.StateFailed {
		t.Fatalf("jobs = %+v", jobs)
	}
	ch, _ := h.hub.Get(jobs[0].ID)
	if !ch.Closed() {
		t.Fatal("channel should carry the failure")
	}
	entries, _ := os.ReadDir(h.uploadDir)
	if len(entries) != 0 {
		t.Fatal("upload should be removed when the job cannot be scheduled")
	}
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	h.reg.Create("live", models.JobMetadata{OwnerID: "a"})
	completed := time.Now()
	h.results.records["archived"] = &models.ResultRecord{
		JobID:       "archived",
		Summary:     &models.Summary{TotalFramesAnalyzed: 4},
		IsVideo:     true,
		TotalFrames: 40,
		Processed:   40,
		CompletedAt: completed,
	}

	tests := []struct {
		id    string
		code  int
		state models.JobState
	}{
		{"live", http.StatusOK, models.StateQueued},
		{"archived", http.StatusOK, models.StateCompleted},
		{"missing", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/"+tt.id, nil))
			if rec.Code != tt.code {
				t.Fatalf("status = %d, want %d", rec.Code, tt.code)
			}
			if tt.code != http.StatusOK {
				return
			}
			var job models.Job
			json.Unmarshal(rec.Body.Bytes(), &job)
			if job.State != tt.state {
				t.Fatalf("state = %s, want %s", job.State, tt.state)
			}
		})
	}
}

func TestOutputDownload(t *testing.T) {
	h := newHarness(t)
	out := filepath.Join(t.TempDir(), "done_annotated.mp4")
	os.WriteFile(out, []byte("video bytes"), 0o644)

	h.reg.Create("running", models.JobMetadata{})
	h.reg.Update("running", func(j *models.Job) { j.State = models.StateProcessing })
	h.reg.Create("done", models.JobMetadata{})
	h.reg.Update("done", func(j *models.Job) { j.State = models.StateProcessing })
	h.reg.Update("done", func(j *models.Job) {
		j.State = models.StateCompleted
		j.OutputPath = out
		j.Result = &models.Summary{}
	})

	if rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/running/output", nil)); rec.Code != http.StatusConflict {
		t.Fatalf("running job output status = %d", rec.Code)
	}
	if rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/nope/output", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job output status = %d", rec.Code)
	}
	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/done/output", nil))
	if rec.Code != http.StatusOK || rec.Body.String() != "video bytes" {
		t.Fatalf("download = %d %q", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Header().Get("Content-Disposition"), "done_annotated.mp4") {
		t.Fatalf("content disposition = %s", rec.Header().Get("Content-Disposition"))
	}
}

func readSSE(t *testing.T, body io.Reader) []models.ProgressEvent {
	t.Helper()
	var events []models.ProgressEvent
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.ProgressEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event %q: %v", line, err)
		}
		events = append(events, ev)
	}
	return events
}

func TestStreamDeliversInOrderThenEnds(t *testing.T) {
	h := newHarness(t)
	h.reg.Create("job", models.JobMetadata{})
	ch := h.hub.Open("job")

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/videos/job/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.Header.Get("Content-Type") != "text/event-stream" {
		t.Fatalf("content type = %s", resp.Header.Get("Content-Type"))
	}

	// Headers are flushed after the subscription exists
	for i := 1; i <= 3; i++ {
		ch.Publish(models.ProgressEvent{Type: models.EventFrame, JobID: "job", FrameNumber: i * 2})
	}
	ch.Close(models.ProgressEvent{Type: models.EventCompleted, JobID: "job", State: models.StateCompleted})

	done := make(chan []models.ProgressEvent, 1)
	go func() { done <- readSSE(t, resp.Body) }()
	select {
	case events := <-done:
		if len(events) != 4 {
			t.Fatalf("got %d events, want 4", len(events))
		}
		for i := 0; i < 3; i++ {
			if events[i].FrameNumber != (i+1)*2 {
				t.Fatalf("event %d frame = %d", i, events[i].FrameNumber)
			}
		}
		if events[3].Type != models.EventCompleted {
			t.Fatalf("last event = %s", events[3].Type)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("stream did not end after the terminal event")
	}
}

func TestStreamLateSubscriber(t *testing.T) {
	h := newHarness(t)
	h.reg.Create("job", models.JobMetadata{})
	h.reg.Update("job", func(j *models.Job) { j.State = models.StateFailed; j.Error = "input error: bad file" })
	job, _ := h.reg.Get("job")

	// One job still in the hub, one already removed from it
	h.hub.Open("job").Close(models.TerminalEvent(job))
	h.reg.Create("evicted", models.JobMetadata{})
	h.reg.Update("evicted", func(j *models.Job) { j.State = models.StateFailed; j.Error = "gone" })

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	for _, id := range []string{"job", "evicted"} {
		t.Run(id, func(t *testing.T) {
			resp, err := http.Get(ts.URL + "/api/v1/videos/" + id + "/stream")
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()
			events := readSSE(t, resp.Body)
			if len(events) != 1 || events[0].Type != models.EventFailed {
				t.Fatalf("events = %+v", events)
			}
		})
	}

	resp, _ := http.Get(ts.URL + "/api/v1/videos/unknown/stream")
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown stream status = %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestWebSocketStream(t *testing.T) {
	h := newHarness(t)
	h.reg.Create("job", models.JobMetadata{})
	ch := h.hub.Open("job")

	ts := httptest.NewServer(h.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/videos/job/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Wait for the server side subscription before publishing
	deadline := time.Now().Add(2 * time.Second)
	for ch.Stats().Subscribers == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	ch.Publish(models.ProgressEvent{Type: models.EventFrame, JobID: "job", FrameNumber: 2})
	ch.Close(models.ProgressEvent{Type: models.EventCompleted, JobID: "job", State: models.StateCompleted})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var got []models.ProgressEvent
	for {
		var ev models.ProgressEvent
		if err := conn.ReadJSON(&ev); err != nil {
			break
		}
		got = append(got, ev)
	}
	if len(got) != 2 || got[0].FrameNumber != 2 || got[1].Type != models.EventCompleted {
		t.Fatalf("events = %+v", got)
	}
}

func TestStreamStatsAndHealth(t *testing.T) {
	h := newHarness(t)
	ch := h.hub.Open("job")
	ch.Publish(models.ProgressEvent{Type: models.EventFrame})

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/job/stream/stats", nil))
	var stats livechannel.Stats
	json.Unmarshal(rec.Body.Bytes(), &stats)
	if rec.Code != http.StatusOK || stats.Published != 1 {
		t.Fatalf("stats = %d %+v", rec.Code, stats)
	}
	if rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/videos/none/stream/stats", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("missing stats status = %d", rec.Code)
	}

	rec = h.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	var health map[string]any
	json.Unmarshal(rec.Body.Bytes(), &health)
	if health["dispatch"] != "fake" || health["channels"].(float64) != 1 {
		t.Fatalf("health = %v", health)
	}
}

func TestResultsList(t *testing.T) {
	h := newHarness(t)
	h.results.records["a"] = &models.ResultRecord{JobID: "a", Metadata: models.JobMetadata{OwnerID: "x"}}
	h.results.records["b"] = &models.ResultRecord{JobID: "b", Metadata: models.JobMetadata{OwnerID: "y"}}

	rec := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/results?owner_id=x", nil))
	var body struct {
		Results []models.ResultRecord `json:"results"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Results) != 1 || body.Results[0].JobID != "a" {
		t.Fatalf("results = %+v", body.Results)
	}
}
