package handlers

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"productlab/internal/domain"
	"productlab/internal/infra"
	"productlab/internal/middleware"
	"productlab/internal/processor/replicate"
	"productlab/internal/providers"
)

type memJobs struct {
	mu    sync.Mutex
	jobs  map[string]*domain.Job
	tasks []*domain.Task
	// createErr fails the next CreateJob before anything is stored.
	createErr error
}

func newMemJobs() *memJobs {
	return &memJobs{jobs: map[string]*domain.Job{}}
}

// CreateJob stores the job and its task together or not at all.
func (m *memJobs) CreateJob(ctx context.Context, job *domain.Job, task *domain.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	for _, existing := range m.jobs {
		if job.ClientJobID != "" && existing.UserID == job.UserID && existing.ClientJobID == job.ClientJobID {
			return domain.ErrDuplicateOperation
		}
	}
	job.Status = domain.JobStatusProcessing
	job.CreatedAt = time.Now()
	job.UpdatedAt = job.CreatedAt
	copied := *job
	m.jobs[job.ID] = &copied
	task.JobID = job.ID
	task.Status = domain.TaskStatusQueued
	m.tasks = append(m.tasks, task)
	return nil
}

func (m *memJobs) GetJob(ctx context.Context, jobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobs) GetJobByClientID(ctx context.Context, userID, clientJobID string) (*domain.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, job := range m.jobs {
		if job.UserID == userID && job.ClientJobID == clientJobID {
			copied := *job
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *memJobs) put(job *domain.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = job
}

func (m *memJobs) update(jobID string, fn func(*domain.Job)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(m.jobs[jobID])
}

type recordingDispatcher struct {
	mu  sync.Mutex
	ids []string
}

func (d *recordingDispatcher) Dispatch(ctx context.Context, jobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ids = append(d.ids, jobID)
	return nil
}

type stubNudger struct {
	calls int
	allow bool
}

func (n *stubNudger) Nudge(ctx context.Context, jobID string) (bool, error) {
	n.calls++
	return n.allow, nil
}

type chanEvents struct {
	ch chan domain.JobEvent
}

func (e *chanEvents) Subscribe(ctx context.Context, jobID string) (<-chan domain.JobEvent, error) {
	return e.ch, nil
}

type stubStreamer struct {
	deltas []string
	err    error
}

func (s *stubStreamer) StreamChat(ctx context.Context, req providers.ChatRequest, onDelta func(delta, full string) error) error {
	full := ""
	for _, d := range s.deltas {
		full += d
		if err := onDelta(d, full); err != nil {
			return err
		}
	}
	return s.err
}

type mapFetcher map[string][]byte

func (m mapFetcher) Fetch(ctx context.Context, src string) ([]byte, string, error) {
	data, ok := m[src]
	if !ok {
		return nil, "", errors.New("missing")
	}
	return data, "image/png", nil
}

func newTestApp(jobs *memJobs) (*App, *recordingDispatcher) {
	d := &recordingDispatcher{}
	app := NewApp(App{
		Jobs:         jobs,
		Dispatcher:   d,
		DefaultModel: "gemini-2.5-flash-image",
		Logger:       infra.DiscardLogger(),
	})
	return app, d
}

func testRouter(app *App) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.I18N("en", nil), middleware.TrustedUserHeader("X-User-ID"))
	r.Post("/v1/jobs", app.CreateJob)
	r.Get("/v1/jobs/{id}", app.GetJob)
	r.Post("/v1/jobs/{id}/nudge", app.NudgeJob)
	r.Get("/v1/jobs/{id}/subscribe", app.SubscribeJob)
	r.Get("/v1/jobs/{id}/archive", app.ArchiveJob)
	r.Post("/v1/chat/stream", app.ChatStream)
	return r
}

func do(t *testing.T, h http.Handler, method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body struct {
		Error errorBody `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestCreateJobStoresNormalizedPayloadAndDispatches(t *testing.T) {
	jobs := newMemJobs()
	app, dispatcher := newTestApp(jobs)
	rec := do(t, testRouter(app), http.MethodPost, "/v1/jobs", "user-1",
		`{"type":"image_gen","payload":{"images":["p.png"],"prompt":"studio","resolution":"2k"},"cost_amount":99,"trace_id":"t-1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	var resp createJobResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	job, err := jobs.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("job not stored: %v", err)
	}
	if job.Type != domain.JobTypeImageGen || job.UserID != "user-1" || job.TraceID != "t-1" {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.CostAmount != 2 {
		t.Fatalf("cost = %d, want server side price 2", job.CostAmount)
	}
	var stored domain.ImageGenPayload
	_ = json.Unmarshal(job.Payload, &stored)
	if stored.Resolution != "2K" || stored.AspectRatio != domain.DefaultAspectRatio {
		t.Fatalf("payload not normalized: %s", job.Payload)
	}
	if len(jobs.tasks) != 1 || jobs.tasks[0].JobID != job.ID {
		t.Fatalf("tasks = %+v", jobs.tasks)
	}
	if len(dispatcher.ids) != 1 || dispatcher.ids[0] != job.ID {
		t.Fatalf("dispatched = %v", dispatcher.ids)
	}
}

func TestCreateJobRejectsInvalidPayload(t *testing.T) {
	jobs := newMemJobs()
	app, dispatcher := newTestApp(jobs)
	h := testRouter(app)

	rec := do(t, h, http.MethodPost, "/v1/jobs", "user-1", `{"type":"IMAGE_GEN","payload":{"images":["p.png"]}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rec.Code)
	}
	if got := decodeError(t, rec); got.Code != string(domain.CodeImagePromptMissing) || got.Message == "" {
		t.Fatalf("error = %+v", got)
	}

	rec = do(t, h, http.MethodPost, "/v1/jobs", "user-1", `{"type":"VIDEO","payload":{}}`)
	if got := decodeError(t, rec); rec.Code != http.StatusBadRequest || got.Code != string(domain.CodeUnsupportedJobType) {
		t.Fatalf("status = %d error = %+v", rec.Code, got)
	}

	rec = do(t, h, http.MethodPost, "/v1/jobs", "", `{"type":"ANALYSIS"}`)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d", rec.Code)
	}
	if len(jobs.jobs) != 0 || len(dispatcher.ids) != 0 {
		t.Fatal("invalid requests must not create jobs")
	}
}

func TestCreateJobDuplicateClientID(t *testing.T) {
	jobs := newMemJobs()
	app, _ := newTestApp(jobs)
	h := testRouter(app)
	body := `{"type":"ANALYSIS","payload":{"images":["a.png"]},"client_job_id":"c-1"}`

	first := do(t, h, http.MethodPost, "/v1/jobs", "user-1", body)
	second := do(t, h, http.MethodPost, "/v1/jobs", "user-1", body)
	if first.Code != http.StatusAccepted || second.Code != http.StatusOK {
		t.Fatalf("status = %d/%d", first.Code, second.Code)
	}
	var a, b createJobResponse
	_ = json.Unmarshal(first.Body.Bytes(), &a)
	_ = json.Unmarshal(second.Body.Bytes(), &b)
	if a.JobID != b.JobID || !b.Duplicate {
		t.Fatalf("first=%+v second=%+v", a, b)
	}
	if len(jobs.tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(jobs.tasks))
	}
}

func TestCreateJobStoreFailureLeavesNoJobBehind(t *testing.T) {
	jobs := newMemJobs()
	jobs.createErr = errors.New("connection reset")
	app, dispatcher := newTestApp(jobs)
	h := testRouter(app)
	body := `{"type":"ANALYSIS","payload":{"images":["a.png"]},"client_job_id":"c-9"}`

	rec := do(t, h, http.MethodPost, "/v1/jobs", "user-1", body)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if len(jobs.jobs) != 0 || len(jobs.tasks) != 0 || len(dispatcher.ids) != 0 {
		t.Fatalf("jobs=%d tasks=%d dispatches=%d after failed create", len(jobs.jobs), len(jobs.tasks), len(dispatcher.ids))
	}

	// The client retries with the same id and gets a fresh runnable job.
	jobs.createErr = nil
	rec = do(t, h, http.MethodPost, "/v1/jobs", "user-1", body)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("retry status = %d", rec.Code)
	}
	var resp createJobResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Duplicate || len(jobs.tasks) != 1 || jobs.tasks[0].JobID != resp.JobID {
		t.Fatalf("resp=%+v tasks=%+v", resp, jobs.tasks)
	}
}

func TestCreateAnalysisJobTakesRequestLocale(t *testing.T) {
	jobs := newMemJobs()
	app, _ := newTestApp(jobs)
	rec := do(t, testRouter(app), http.MethodPost, "/v1/jobs", "user-1",
		`{"type":"ANALYSIS","payload":{"images":["a.png"]}}`, "Accept-Language", "ko-KR,ko;q=0.9")
	var resp createJobResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	job, err := jobs.GetJob(context.Background(), resp.JobID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	var payload domain.AnalysisPayload
	_ = json.Unmarshal(job.Payload, &payload)
	if payload.Language != "ko" {
		t.Fatalf("language = %q, want ko", payload.Language)
	}
	if job.CostAmount != 0 {
		t.Fatalf("analysis cost = %d, want 0", job.CostAmount)
	}
}

func TestEstimateCostReplicate(t *testing.T) {
	payload := &domain.ReplicatePayload{
		Mode:            domain.ReplicateBatch,
		ReferenceImages: []string{"r1", "r2"},
		ProductImage:    "p",
		GroupCount:      3,
		Resolution:      "2K",
	}
	if got := estimateCost(payload, "gemini-2.5-flash-image"); got != 12 {
		t.Fatalf("estimateCost = %d, want 12", got)
	}
	if got := estimateCost(&domain.AnalysisPayload{}, ""); got != 0 {
		t.Fatalf("analysis estimate = %d", got)
	}
}

func TestGetJobView(t *testing.T) {
	jobs := newMemJobs()
	app, _ := newTestApp(jobs)
	h := testRouter(app)
	id := uuid.NewString()
	jobs.put(&domain.Job{
		ID:           id,
		UserID:       "user-1",
		Type:         domain.JobTypeStyleReplicate,
		Status:       domain.JobStatusSuccess,
		ResultURL:    "https://cdn/unit-0.png",
		ResultData:   json.RawMessage(`{"completed":2}`),
		ErrorCode:    string(domain.CodeBatchPartialFailed),
		ErrorMessage: "1 of 2 images failed.",
	})

	rec := do(t, h, http.MethodGet, "/v1/jobs/"+id, "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view jobView
	_ = json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Status != domain.JobStatusSuccess || view.ResultURL == "" || view.Error == nil || view.Error.Code != string(domain.CodeBatchPartialFailed) {
		t.Fatalf("view = %+v", view)
	}

	if rec := do(t, h, http.MethodGet, "/v1/jobs/"+id, "user-2", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("other user status = %d, want 404", rec.Code)
	}
	if rec := do(t, h, http.MethodGet, "/v1/jobs/not-a-uuid", "user-1", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("bad id status = %d, want 404", rec.Code)
	}
}

func TestNudgeJob(t *testing.T) {
	jobs := newMemJobs()
	app, _ := newTestApp(jobs)
	nudger := &stubNudger{allow: true}
	app.Nudger = nudger
	h := testRouter(app)
	running := uuid.NewString()
	done := uuid.NewString()
	jobs.put(&domain.Job{ID: running, UserID: "user-1", Status: domain.JobStatusProcessing})
	jobs.put(&domain.Job{ID: done, UserID: "user-1", Status: domain.JobStatusFailed})

	rec := do(t, h, http.MethodPost, "/v1/jobs/"+running+"/nudge", "user-1", "")
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"nudged":true`) {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	rec = do(t, h, http.MethodPost, "/v1/jobs/"+done+"/nudge", "user-1", "")
	if !strings.Contains(rec.Body.String(), `"nudged":false`) {
		t.Fatalf("terminal nudge body=%s", rec.Body.String())
	}
	if nudger.calls != 1 {
		t.Fatalf("nudger calls = %d, want 1", nudger.calls)
	}
}

func TestChatStreamRelaysDeltas(t *testing.T) {
	app, _ := newTestApp(newMemJobs())
	app.Chat = &stubStreamer{deltas: []string{"Hel", "lo"}}
	rec := do(t, testRouter(app), http.MethodPost, "/v1/chat/stream", "user-1", `{"messages":[{"role":"user","content":"hi"}]}`)
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	body := rec.Body.String()
	for _, want := range []string{
		`data: {"delta":"Hel","full":"Hel"}`,
		`data: {"delta":"lo","full":"Hello"}`,
		"event: done\ndata: {\"delta\":\"\",\"full\":\"Hello\"}",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream missing %q in:\n%s", want, body)
		}
	}
}

func TestChatStreamReportsProviderError(t *testing.T) {
	app, _ := newTestApp(newMemJobs())
	app.Chat = &stubStreamer{deltas: []string{"Hel"}, err: domain.NewError(domain.CodeUpstreamTimeout, "")}
	rec := do(t, testRouter(app), http.MethodPost, "/v1/chat/stream", "user-1", `{"messages":[{"content":"hi"}]}`)
	if !strings.Contains(rec.Body.String(), "event: error\ndata: {\"code\":\"UPSTREAM_TIMEOUT\"") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestArchiveJobZipsSuccessfulOutputsInOrder(t *testing.T) {
	jobs := newMemJobs()
	app, _ := newTestApp(jobs)
	app.Fetcher = mapFetcher{"https://cdn/u0.png": []byte("zero"), "https://cdn/u2.png": []byte("two")}
	id := uuid.NewString()
	result, _ := json.Marshal(replicate.Result{Outputs: []replicate.Unit{
		{Index: 0, Status: replicate.UnitSuccess, URL: "https://cdn/u0.png"},
		{Index: 1, Status: replicate.UnitFailed},
		{Index: 2, Status: replicate.UnitSuccess, URL: "https://cdn/u2.png"},
	}})
	jobs.put(&domain.Job{ID: id, UserID: "user-1", Type: domain.JobTypeStyleReplicate, Status: domain.JobStatusSuccess, ResultData: result})

	rec := do(t, testRouter(app), http.MethodGet, "/v1/jobs/"+id+"/archive", "user-1", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", rec.Code, rec.Body.String())
	}
	data := rec.Body.Bytes()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		t.Fatalf("read zip: %v", err)
	}
	if len(zr.File) != 2 || !strings.HasSuffix(zr.File[0].Name, "-01.png") || !strings.HasSuffix(zr.File[1].Name, "-02.png") {
		names := []string{}
		for _, f := range zr.File {
			names = append(names, f.Name)
		}
		t.Fatalf("files = %v", names)
	}
}

func TestArchiveJobRequiresSuccess(t *testing.T) {
	jobs := newMemJobs()
	app, _ := newTestApp(jobs)
	app.Fetcher = mapFetcher{}
	id := uuid.NewString()
	jobs.put(&domain.Job{ID: id, UserID: "user-1", Status: domain.JobStatusProcessing})
	if rec := do(t, testRouter(app), http.MethodGet, "/v1/jobs/"+id+"/archive", "user-1", ""); rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestSubscribeJobPushesUntilTerminal(t *testing.T) {
	jobs := newMemJobs()
	app, _ := newTestApp(jobs)
	events := &chanEvents{ch: make(chan domain.JobEvent, 1)}
	app.Events = events
	id := uuid.NewString()
	jobs.put(&domain.Job{ID: id, UserID: "user-1", Type: domain.JobTypeImageGen, Status: domain.JobStatusProcessing})

	srv := httptest.NewServer(testRouter(app))
	defer srv.Close()
	header := http.Header{}
	header.Set("X-User-ID", "user-1")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/jobs/"+id+"/subscribe", header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var view jobView
	if err := conn.ReadJSON(&view); err != nil || view.Status != domain.JobStatusProcessing {
		t.Fatalf("first view = %+v err=%v", view, err)
	}

	jobs.update(id, func(j *domain.Job) {
		j.Status = domain.JobStatusSuccess
		j.ResultURL = "https://cdn/result.png"
	})
	events.ch <- domain.JobEvent{JobID: id, Status: domain.JobStatusSuccess}

	if err := conn.ReadJSON(&view); err != nil || view.Status != domain.JobStatusSuccess || view.ResultURL == "" {
		t.Fatalf("second view = %+v err=%v", view, err)
	}
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Fatalf("expected normal close, got %v", err)
	}
}
