package httpapi

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestxray/inferqueue/internal/bqs"
	"github.com/chestxray/inferqueue/internal/djs"
	"github.com/chestxray/inferqueue/internal/djs/djssqlc"
	"github.com/chestxray/inferqueue/internal/metrics"
	"github.com/chestxray/inferqueue/internal/submission"
)

type fakeQuerier struct {
	djssqlc.Querier
	jobs        map[int64]djssqlc.Job
	results     map[int64]djssqlc.Result
	modelByName map[string]djssqlc.ModelVersion
	nextID      int64
}

func newFakeQuerier() *fakeQuerier {
	return &fakeQuerier{
		jobs:    map[int64]djssqlc.Job{},
		results: map[int64]djssqlc.Result{},
		modelByName: map[string]djssqlc.ModelVersion{
			"densenet121-chexpert": {ID: 1, Name: "densenet121-chexpert", WeightsPath: "/w"},
		},
	}
}

func (f *fakeQuerier) GetModelVersionByName(ctx context.Context, name string) (djssqlc.ModelVersion, error) {
	mv, ok := f.modelByName[name]
	if !ok {
		return djssqlc.ModelVersion{}, assert.AnError
	}
	return mv, nil
}

func (f *fakeQuerier) InsertJob(ctx context.Context, p djssqlc.InsertJobParams) (djssqlc.Job, error) {
	f.nextID++
	job := djssqlc.Job{
		ID:             f.nextID,
		Status:         djssqlc.StatusQueued,
		InputSHA256:    p.InputSHA256,
		ModelVersionID: p.ModelVersionID,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
	f.jobs[job.ID] = job
	return job, nil
}

func (f *fakeQuerier) GetJobByID(ctx context.Context, id int64) (djssqlc.Job, error) {
	job, ok := f.jobs[id]
	if !ok {
		return djssqlc.Job{}, pgx.ErrNoRows
	}
	return job, nil
}

func (f *fakeQuerier) GetResultByJobID(ctx context.Context, jobID int64) (djssqlc.Result, bool, error) {
	r, ok := f.results[jobID]
	return r, ok, nil
}

func (f *fakeQuerier) CountJobsCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	return int64(len(f.jobs)), nil
}

func (f *fakeQuerier) CountByStatusSince(ctx context.Context, status djssqlc.StatusEnum, since time.Time) (int64, error) {
	var n int64
	for _, j := range f.jobs {
		if j.Status == status {
			n++
		}
	}
	return n, nil
}

func (f *fakeQuerier) LatencySamplesMsSince(ctx context.Context, since time.Time) ([]float64, error) {
	return nil, nil
}

func (f *fakeQuerier) completeWithResult(jobID int64, topLabel string) {
	job := f.jobs[jobID]
	job.Status = djssqlc.StatusCompleted
	f.jobs[jobID] = job
	f.results[jobID] = djssqlc.Result{JobID: jobID, Output: []byte(`{"Effusion":0.9}`), TopLabel: topLabel, CreatedAt: time.Now()}
}

func newTestQueue(t *testing.T) bqs.Client {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return bqs.New(rdb)
}

func testServer(t *testing.T) (*gin.Engine, *fakeQuerier) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fq := newFakeQuerier()
	store := &djs.Store{Queries: fq}
	queue := newTestQueue(t)
	svc := submission.New(store, queue, 600*time.Second, 3600*time.Second, nil)
	agg := metrics.New(store, queue)

	srv := &Server{
		Submission: svc,
		Metrics:    agg,
		Store:      store,
		Queue:      queue,
		ModelName:  "densenet121-chexpert",
	}
	return srv.NewRouter(), fq
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 8, 8))
	for y := 0; y < 8; y++ {
		for x := 0; x < 8; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8(x*8 + y)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func multipartImageRequest(t *testing.T, imageBytes []byte) *http.Request {
	return multipartImageRequestWithModel(t, imageBytes, "")
}

func multipartImageRequestWithModel(t *testing.T, imageBytes []byte, modelName string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", "scan.png")
	require.NoError(t, err)
	_, err = part.Write(imageBytes)
	require.NoError(t, err)
	if modelName != "" {
		require.NoError(t, w.WriteField("model_name", modelName))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", &buf)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHandleSubmit_NewJobReturns201(t *testing.T) {
	router, _ := testServer(t)
	req := multipartImageRequest(t, pngBytes(t))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_id"`)
}

func TestHandleSubmit_DedupReturns200(t *testing.T) {
	router, _ := testServer(t)

	first := httptest.NewRecorder()
	img := pngBytes(t)
	router.ServeHTTP(first, multipartImageRequest(t, img))
	require.Equal(t, http.StatusCreated, first.Code)

	second := httptest.NewRecorder()
	router.ServeHTTP(second, multipartImageRequest(t, img))
	assert.Equal(t, http.StatusOK, second.Code)
}

func TestHandleSubmit_MissingImageField400(t *testing.T) {
	router, _ := testServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", bytes.NewReader(nil))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_NonImageUpload400(t *testing.T) {
	router, _ := testServer(t)
	req := multipartImageRequest(t, []byte("this is plain text, not an image"))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleSubmit_ExplicitModelNameIsUsed(t *testing.T) {
	router, _ := testServer(t)
	req := multipartImageRequestWithModel(t, pngBytes(t), "densenet121-chexpert")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestHandleSubmit_OversizedModelNameRejected(t *testing.T) {
	router, _ := testServer(t)
	req := multipartImageRequestWithModel(t, pngBytes(t), string(make([]byte, 101)))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleGetStatus_UnknownJob404(t *testing.T) {
	router, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/999", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleGetStatus_KnownJob200(t *testing.T) {
	router, fq := testServer(t)
	fq.nextID = 1
	fq.jobs[1] = djssqlc.Job{ID: 1, Status: djssqlc.StatusQueued, CreatedAt: time.Now()}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"queued"`)
}

func TestHandleGetResult_NotReady409(t *testing.T) {
	router, fq := testServer(t)
	fq.jobs[1] = djssqlc.Job{ID: 1, Status: djssqlc.StatusInProgress, CreatedAt: time.Now()}

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/1/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestHandleGetResult_Ready200(t *testing.T) {
	router, fq := testServer(t)
	fq.jobs[1] = djssqlc.Job{ID: 1, Status: djssqlc.StatusCompleted, CreatedAt: time.Now()}
	fq.completeWithResult(1, "Effusion")

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/1/result", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Effusion")
}

// erroringJobQuerier wraps fakeQuerier but fails GetJobByID with a
// non-ErrNoRows error, standing in for a transient DB outage, so a
// db_unavailable 5xx isn't masked as a 404 (spec §7).
type erroringJobQuerier struct {
	*fakeQuerier
}

func (e erroringJobQuerier) GetJobByID(ctx context.Context, id int64) (djssqlc.Job, error) {
	return djssqlc.Job{}, assert.AnError
}

func erroringTestServer(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	fq := newFakeQuerier()
	store := &djs.Store{Queries: erroringJobQuerier{fq}}
	queue := newTestQueue(t)
	svc := submission.New(store, queue, 600*time.Second, 3600*time.Second, nil)
	agg := metrics.New(store, queue)

	srv := &Server{
		Submission: svc,
		Metrics:    agg,
		Store:      store,
		Queue:      queue,
		ModelName:  "densenet121-chexpert",
	}
	return srv.NewRouter()
}

func TestHandleGetStatus_TransientErrorReturns500(t *testing.T) {
	router := erroringTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/1", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleGetResult_TransientErrorReturns500(t *testing.T) {
	router := erroringTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/1/result", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHandleMetrics_ReturnsWindow(t *testing.T) {
	router, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/ops/metrics", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"rps"`)
}

func TestHandleQueueDepth_ReflectsEnqueuedJobs(t *testing.T) {
	router, _ := testServer(t)
	router.ServeHTTP(httptest.NewRecorder(), multipartImageRequest(t, pngBytes(t)))

	req := httptest.NewRequest(http.MethodGet, "/v1/ops/queue", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue_depth":1`)
}

func TestHandleDLQ_EmptyReturnsEmptyArray(t *testing.T) {
	router, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/ops/dlq", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestHandleHealth_NilPoolReturns503(t *testing.T) {
	router, _ := testServer(t)
	req := httptest.NewRequest(http.MethodGet, "/v1/ops/health", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "nil Pool fails the DB health probe")
}
