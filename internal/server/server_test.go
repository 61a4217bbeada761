package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"image-resizer/internal/batch"
	"image-resizer/internal/models"
	"image-resizer/internal/notify"
	"image-resizer/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeRepo struct {
	mu        sync.Mutex
	nextID    int64
	batches   map[int64]*models.Batch
	images    map[uuid.UUID]*models.Image
	createErr error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{batches: map[int64]*models.Batch{}, images: map[uuid.UUID]*models.Image{}}
}

func (r *fakeRepo) createBatch(b *models.Batch) {
	r.nextID++
	b.ID = r.nextID
	cp := *b
	r.batches[b.ID] = &cp
}

func (r *fakeRepo) CreateBatchWithImages(_ context.Context, b *models.Batch, images []*models.Image) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	r.createBatch(b)
	for _, img := range images {
		r.nextID++
		img.ID = r.nextID
		img.BatchID = b.ID
		cp := *img
		r.images[img.UUID] = &cp
	}
	return nil
}

func (r *fakeRepo) FailImage(_ context.Context, id uuid.UUID, message string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok || img.Status.IsTerminal() {
		return false, nil
	}
	img.Status = models.ImageStatusFailed
	img.ErrorMessage = &message
	return true, nil
}

func (r *fakeRepo) ListBatchImageStatuses(_ context.Context, id int64) ([]models.ImageStatus, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.ImageStatus
	for _, img := range r.images {
		if img.BatchID == id {
			out = append(out, img.Status)
		}
	}
	return out, nil
}

func (r *fakeRepo) SetBatchStatus(_ context.Context, id int64, status models.BatchStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches[id].Status = status
	return nil
}

func (r *fakeRepo) GetImageByUUID(_ context.Context, id uuid.UUID) (*models.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return nil, fmt.Errorf("fake: %w", storage.ErrNotFound)
	}
	cp := *img
	return &cp, nil
}

func (r *fakeRepo) GetBatch(_ context.Context, id int64) (*models.Batch, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[id]
	if !ok {
		return nil, fmt.Errorf("fake: %w", storage.ErrNotFound)
	}
	cp := *b
	return &cp, nil
}

func (r *fakeRepo) ListBatchImages(_ context.Context, id int64) ([]models.Image, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Image
	for _, img := range r.images {
		if img.BatchID == id {
			out = append(out, *img)
		}
	}
	return out, nil
}

type fakeBlobs struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func (b *fakeBlobs) Put(_ context.Context, location string, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return b.err
	}
	b.data[location] = data
	return nil
}

func (b *fakeBlobs) URL(_ context.Context, location string) (string, error) {
	return "/files/" + location, nil
}

type fakeQueue struct {
	tasks []models.Task
	err   error
}

func (q *fakeQueue) Enqueue(_ context.Context, tasks ...models.Task) error {
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, tasks...)
	return nil
}

type fixture struct {
	repo   *fakeRepo
	blobs  *fakeBlobs
	queue  *fakeQueue
	events *notify.Broadcaster
	srv    *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:   newFakeRepo(),
		blobs:  &fakeBlobs{data: map[string][]byte{}},
		queue:  &fakeQueue{},
		events: notify.NewBroadcaster(),
	}
	cfg := &models.Config{MaxUploadSize: 1 << 20}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.srv = NewServer(cfg, f.repo, batch.NewAggregator(f.repo, log), f.blobs, f.queue, f.events, "", log)
	f.srv.now = func() time.Time { return time.Date(2026, 1, 9, 12, 0, 0, 0, time.UTC) }
	return f
}

type part struct {
	field, name string
	body        []byte
}

func multipartBody(t *testing.T, files []part, values map[string][]string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range files {
		fw, err := w.CreateFormFile(f.field, f.name)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		fw.Write(f.body)
	}
	for k, vs := range values {
		for _, v := range vs {
			w.WriteField(k, v)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buf, w.FormDataContentType()
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestUpload(t *testing.T) {
	f := newFixture(t)
	id := uuid.New()
	body, ct := multipartBody(t,
		[]part{
			{"files[]", "cat.PNG", []byte("png bytes")},
			{"files[]", "dog.jpg", []byte("jpg bytes")},
		},
		map[string][]string{
			"uuids[]":         {id.String(), uuid.NewString()},
			"widths[]":        {"1024", "800"},
			"heights[]":       {"768", "600"},
			"targetWidths[]":  {"200", "640"},
			"targetHeights[]": {"200", "480"},
		})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)

	rec := f.do(t, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	if len(f.queue.tasks) != 2 {
		t.Fatalf("enqueued %d tasks", len(f.queue.tasks))
	}
	first := f.queue.tasks[0]
	if first.UUID != id || first.TargetWidth != 200 || first.TargetHeight != 200 {
		t.Errorf("task = %+v", first)
	}
	wantLoc := "images/2026-01-09/" + id.String() + ".png"
	if first.Location != wantLoc {
		t.Errorf("location = %q, want %q", first.Location, wantLoc)
	}
	if string(f.blobs.data[wantLoc]) != "png bytes" {
		t.Errorf("stored bytes = %q", f.blobs.data[wantLoc])
	}
	img := f.repo.images[id]
	if img == nil || img.Status != models.ImageStatusPending || img.OriginalFilename != "cat.PNG" {
		t.Fatalf("image record = %+v", img)
	}
	if !img.HasOriginalSize() || *img.OriginalWidth != 1024 || *img.OriginalHeight != 768 {
		t.Errorf("client-reported size not kept: %v x %v", img.OriginalWidth, img.OriginalHeight)
	}
	b := f.repo.batches[img.BatchID]
	if b == nil || b.ExpectedCount != 2 || b.Status != models.BatchStatusProcessing {
		t.Fatalf("batch = %+v", b)
	}
	if first.BatchID != b.ID {
		t.Errorf("task batch = %d, want %d", first.BatchID, b.ID)
	}
}

func TestUploadRejects(t *testing.T) {
	tests := []struct {
		name   string
		files  []part
		values map[string][]string
	}{
		{
			name:   "no files",
			values: map[string][]string{"targetWidths[]": {"1"}, "targetHeights[]": {"1"}},
		},
		{
			name:   "mismatched arrays",
			files:  []part{{"files[]", "a.png", []byte("x")}},
			values: map[string][]string{"targetWidths[]": {"1", "2"}, "targetHeights[]": {"1"}},
		},
		{
			name:   "bad extension",
			files:  []part{{"files[]", "a.bmp", []byte("x")}},
			values: map[string][]string{"targetWidths[]": {"1"}, "targetHeights[]": {"1"}},
		},
		{
			name:   "zero width",
			files:  []part{{"files[]", "a.png", []byte("x")}},
			values: map[string][]string{"targetWidths[]": {"0"}, "targetHeights[]": {"1"}},
		},
		{
			name:   "too large dimension",
			files:  []part{{"files[]", "a.png", []byte("x")}},
			values: map[string][]string{"targetWidths[]": {"10001"}, "targetHeights[]": {"1"}},
		},
		{
			name:  "widths without heights",
			files: []part{{"files[]", "a.png", []byte("x")}},
			values: map[string][]string{
				"widths[]": {"10"}, "targetWidths[]": {"1"}, "targetHeights[]": {"1"},
			},
		},
		{
			name:  "bad original height",
			files: []part{{"files[]", "a.png", []byte("x")}},
			values: map[string][]string{
				"widths[]": {"10"}, "heights[]": {"abc"}, "targetWidths[]": {"1"}, "targetHeights[]": {"1"},
			},
		},
		{
			name:   "bad uuid",
			files:  []part{{"files[]", "a.png", []byte("x")}},
			values: map[string][]string{"uuids[]": {"nope"}, "targetWidths[]": {"1"}, "targetHeights[]": {"1"}},
		},
		{
			name:   "oversized file",
			files:  []part{{"files[]", "a.png", bytes.Repeat([]byte("x"), 2<<20)}},
			values: map[string][]string{"targetWidths[]": {"1"}, "targetHeights[]": {"1"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			body, ct := multipartBody(t, tt.files, tt.values)
			req := httptest.NewRequest(http.MethodPost, "/upload", body)
			req.Header.Set("Content-Type", ct)

			rec := f.do(t, req)
			if rec.Code != http.StatusUnprocessableEntity {
				t.Fatalf("status = %d: %s", rec.Code, rec.Body)
			}
			if len(f.queue.tasks) != 0 || len(f.repo.batches) != 0 {
				t.Fatal("rejected upload left side effects")
			}
		})
	}
}

func uploadRequest(t *testing.T) *http.Request {
	t.Helper()
	body, ct := multipartBody(t,
		[]part{
			{"files[]", "a.png", []byte("a")},
			{"files[]", "b.gif", []byte("b")},
		},
		map[string][]string{
			"targetWidths[]":  {"10", "10"},
			"targetHeights[]": {"10", "10"},
		})
	req := httptest.NewRequest(http.MethodPost, "/upload", body)
	req.Header.Set("Content-Type", ct)
	return req
}

func TestUploadEnqueueFailureSettlesBatch(t *testing.T) {
	f := newFixture(t)
	f.queue.err = errors.New("broker down")

	rec := f.do(t, uploadRequest(t))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}

	if len(f.repo.images) != 2 || len(f.repo.batches) != 1 {
		t.Fatalf("rows = %d images, %d batches", len(f.repo.images), len(f.repo.batches))
	}
	for _, img := range f.repo.images {
		if img.Status != models.ImageStatusFailed || img.ErrorMessage == nil {
			t.Errorf("image %s = %s, %v", img.OriginalFilename, img.Status, img.ErrorMessage)
		}
	}
	for _, b := range f.repo.batches {
		if b.Status != models.BatchStatusFailed {
			t.Errorf("batch status = %s, want failed", b.Status)
		}
	}
}

func TestUploadStoreFailureCreatesNoRows(t *testing.T) {
	f := newFixture(t)
	f.blobs.err = errors.New("disk full")

	rec := f.do(t, uploadRequest(t))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.repo.batches) != 0 || len(f.repo.images) != 0 || len(f.queue.tasks) != 0 {
		t.Fatal("failed upload left rows or tasks behind")
	}
}

func TestUploadCreateFailureEnqueuesNothing(t *testing.T) {
	f := newFixture(t)
	f.repo.createErr = errors.New("tx aborted")

	rec := f.do(t, uploadRequest(t))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	if len(f.queue.tasks) != 0 {
		t.Fatalf("enqueued %d tasks without rows", len(f.queue.tasks))
	}
}

func TestImageStatus(t *testing.T) {
	f := newFixture(t)
	msg := "source not found: images/x.jpg"
	images := map[models.ImageStatus]*models.Image{}
	for _, s := range []models.ImageStatus{models.ImageStatusPending, models.ImageStatusCompleted, models.ImageStatusFailed} {
		img := &models.Image{UUID: uuid.New(), OriginalFilename: "x.jpg", Path: "images/x.jpg", Status: s}
		if s == models.ImageStatusFailed {
			img.ErrorMessage = &msg
		}
		f.repo.images[img.UUID] = img
		images[s] = img
	}

	get := func(id string) (int, map[string]any) {
		rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/images/"+id+"/status", nil))
		return rec.Code, decode(t, rec)
	}

	code, body := get(images[models.ImageStatusPending].UUID.String())
	if code != http.StatusOK || body["status"] != "pending" || body["url"] != nil {
		t.Errorf("pending: %d %v", code, body)
	}
	if _, ok := body["original_width"]; ok {
		t.Error("pending image without size reports original_width")
	}

	w, h := 1600, 900
	images[models.ImageStatusCompleted].OriginalWidth = &w
	images[models.ImageStatusCompleted].OriginalHeight = &h
	code, body = get(images[models.ImageStatusCompleted].UUID.String())
	if code != http.StatusOK || body["url"] != "/files/images/x.jpg" || body["path"] != "images/x.jpg" {
		t.Errorf("completed: %d %v", code, body)
	}
	if body["original_width"] != float64(1600) || body["original_height"] != float64(900) {
		t.Errorf("original size = %v x %v", body["original_width"], body["original_height"])
	}
	if _, ok := body["error_message"]; ok {
		t.Error("completed image carries error_message")
	}

	code, body = get(images[models.ImageStatusFailed].UUID.String())
	if code != http.StatusOK || body["error_message"] != msg || body["url"] != nil {
		t.Errorf("failed: %d %v", code, body)
	}

	for _, id := range []string{uuid.NewString(), "not-a-uuid"} {
		code, body = get(id)
		if code != http.StatusNotFound || body["status"] != "not_found" {
			t.Errorf("unknown %s: %d %v", id, code, body)
		}
	}
}

func TestBatch(t *testing.T) {
	f := newFixture(t)
	b := &models.Batch{ExpectedCount: 1, Status: models.BatchStatusCompleted}
	f.repo.createBatch(b)
	id := uuid.New()
	f.repo.images[id] = &models.Image{UUID: id, BatchID: b.ID, Status: models.ImageStatusCompleted, Path: "a.png"}

	rec := f.do(t, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/api/batches/%d", b.ID), nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "completed" {
		t.Errorf("batch status = %v", body["status"])
	}
	if imgs, _ := body["images"].([]any); len(imgs) != 1 {
		t.Errorf("images = %v", body["images"])
	}

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/batches/999", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing batch status = %d", rec.Code)
	}
}

func TestEventsStream(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()

	id := uuid.New()
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		// keep publishing until the subscriber is attached and reads one
		for {
			select {
			case <-stop:
				return
			case <-time.After(10 * time.Millisecond):
				f.events.Publish(context.Background(), models.Failure(id, "a.png", "a.png", "boom"))
			}
		}
	}()

	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		var ev models.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data:")), &ev); err != nil {
			t.Fatalf("event %q: %v", line, err)
		}
		if ev.UUID != id.String() || ev.Status != "error" || ev.ErrorMessage != "boom" {
			t.Fatalf("event = %+v", ev)
		}
		return
	}
	t.Fatalf("stream ended: %v", sc.Err())
}
