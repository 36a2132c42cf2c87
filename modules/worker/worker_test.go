package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/mux"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imagine-engine-server/modules/common/auth"
	"imagine-engine-server/modules/common/config"
	"imagine-engine-server/modules/common/model"
	redisutil "imagine-engine-server/modules/common/redis"
	"imagine-engine-server/modules/common/utils"
	"imagine-engine-server/modules/edit"
	"imagine-engine-server/modules/generate"
	"imagine-engine-server/modules/imageapi"
	"imagine-engine-server/modules/provider"
)

type memQuota struct {
	mu        sync.Mutex
	remaining int
}

func (q *memQuota) ConsumeQuota(ctx context.Context, userID string, amount int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remaining -= amount
	return q.remaining, nil
}

func (q *memQuota) RefundQuota(ctx context.Context, userID string, amount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.remaining += amount
	return nil
}

func (q *memQuota) Remaining() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remaining
}

func (q *memQuota) InsertUsageLog(ctx context.Context, entry *model.UsageLog) error {
	return nil
}

type countingGenerator struct {
	calls  atomic.Int32
	onCall func()
}

func (g *countingGenerator) Generate(ctx context.Context, p provider.Provider, in imageapi.GenerateInput) (*imageapi.Result, error) {
	n := g.calls.Add(1)
	if g.onCall != nil {
		g.onCall()
	}
	return &imageapi.Result{ImageURL: fmt.Sprintf("https://cdn.example.com/img-%d.png", n), Model: p.ModelOr(in.Model)}, nil
}

type dataURLStorage struct{}

func (dataURLStorage) DownloadImage(ctx context.Context, url string) ([]byte, error) {
	data, _, err := utils.ParseDataURL(url)
	return data, err
}

func (dataURLStorage) UploadImage(ctx context.Context, data []byte, userID string) (string, error) {
	return "", fmt.Errorf("upload disabled")
}

type testEnv struct {
	store  *redisutil.Store
	rdb    *redis.Client
	gen    *countingGenerator
	quota  *memQuota
	worker *Worker
	router *mux.Router
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	env := &testEnv{
		store: redisutil.NewStore(rdb),
		rdb:   rdb,
		gen:   &countingGenerator{},
		quota: &memQuota{remaining: 10},
	}

	cfg := &config.Config{ImageCost: 1, MaxUploadBytes: 1 << 20}
	genService := generate.NewService(env.quota, env.gen, dataURLStorage{}, cfg)
	editService := edit.NewService(genService)
	registry := provider.NewRegistry(provider.Provider{Name: "default", Kind: provider.KindOpenAI, ImageModel: "banana"}, []provider.Provider{
		{Name: "alt", Kind: provider.KindOpenAI, ImageModel: "alt-model"},
	})

	env.worker = NewWorker(env.store, genService, editService, registry, 2, 2)
	env.router = mux.NewRouter()
	NewHandler(env.store, genService, registry, 4).RegisterRoutes(env.router)
	return env
}

func (e *testEnv) do(t *testing.T, method, target, userID string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req = req.WithContext(auth.WithUser(req.Context(), &auth.User{ID: userID}))
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) enqueue(t *testing.T, kind string, payload interface{}) EnqueueResponse {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	rec := e.do(t, "POST", "/api/jobs", "user-1", EnqueueRequest{Kind: kind, Payload: raw}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) waitForStatus(t *testing.T, jobID, status string) *model.Job {
	t.Helper()
	var job *model.Job
	require.Eventually(t, func() bool {
		var err error
		job, err = e.store.LoadJob(context.Background(), jobID)
		return err == nil && job.Status == status
	}, 5*time.Second, 20*time.Millisecond)
	return job
}

func pngDataURL(t *testing.T) string {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.White)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return utils.ToDataURL(buf.Bytes(), "image/png")
}

func TestGenerateJob_EndToEnd(t *testing.T) {
	env := newTestEnv(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	sub := env.store.Subscribe(ctx, "user-1")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	resp := env.enqueue(t, model.JobKindGenerate, map[string]interface{}{"prompt": "a red fox", "count": 2})
	assert.Equal(t, int64(1), resp.QueuePosition)
	assert.Equal(t, model.StatusPending, resp.Status)

	go env.worker.StartWorker(ctx)

	job := env.waitForStatus(t, resp.JobID, model.StatusCompleted)
	assert.Equal(t, 2, job.Completed)
	assert.Len(t, job.ImageURLs, 2)
	assert.Equal(t, "default", job.Provider)
	assert.Equal(t, 8, env.quota.Remaining())

	var types []string
	messages := sub.Channel()
	for len(types) < 5 {
		select {
		case msg := <-messages:
			var ev model.Event
			require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
			assert.Equal(t, resp.JobID, ev.JobID)
			types = append(types, ev.Type)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for events, got %v", types)
		}
	}
	assert.Equal(t, EventQueued, types[0])
	assert.Equal(t, EventStarted, types[1])
	assert.ElementsMatch(t, []string{EventImage, EventImage}, types[2:4])
	assert.Equal(t, EventDone, types[4])
}

func TestEditJob_UsesNamedProviderAndModelHeader(t *testing.T) {
	env := newTestEnv(t)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	raw, _ := json.Marshal(map[string]interface{}{"tool": "remove-bg", "image": pngDataURL(t)})
	rec := env.do(t, "POST", "/api/jobs", "user-1", EnqueueRequest{Kind: model.JobKindEdit, Payload: raw}, map[string]string{
		provider.HeaderProvider: "alt",
		provider.HeaderModel:    "header-model",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var resp EnqueueResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))

	go env.worker.StartWorker(ctx)

	job := env.waitForStatus(t, resp.JobID, model.StatusCompleted)
	assert.Equal(t, "alt", job.Provider)
	assert.Equal(t, []string{"https://cdn.example.com/img-1.png"}, job.ImageURLs)
	assert.Equal(t, "header-model", job.Request["model"])
}

func TestCancelPendingJob(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enqueue(t, model.JobKindGenerate, map[string]interface{}{"prompt": "a red fox", "count": 3})

	rec := env.do(t, "POST", "/api/jobs/"+resp.JobID+"/cancel", "someone-else", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, "POST", "/api/jobs/"+resp.JobID+"/cancel", "user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), model.StatusUserCancelled)

	env.worker.processJob(context.Background(), resp.JobID)
	assert.Equal(t, int32(0), env.gen.calls.Load())

	rec = env.do(t, "POST", "/api/jobs/"+resp.JobID+"/cancel", "user-1", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelledWhileQueuedByFlag(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enqueue(t, model.JobKindGenerate, map[string]interface{}{"prompt": "a red fox"})

	require.NoError(t, env.store.SetJobCancelled(context.Background(), resp.JobID))
	env.worker.processJob(context.Background(), resp.JobID)

	job, err := env.store.LoadJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUserCancelled, job.Status)
	assert.Equal(t, 10, env.quota.Remaining())
}

func TestProcessJob_ShutdownBeforeStartRequeues(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enqueue(t, model.JobKindGenerate, map[string]interface{}{"prompt": "a red fox", "count": 2})

	jobID, err := env.store.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	require.Equal(t, resp.JobID, jobID)

	ctx, stop := context.WithCancel(context.Background())
	stop()
	env.worker.processJob(ctx, jobID)

	assert.Equal(t, int32(0), env.gen.calls.Load())
	n, err := env.rdb.LLen(context.Background(), redisutil.QueueKey).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	job, err := env.store.LoadJob(context.Background(), jobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, job.Status)
}

func TestGenerateJob_ShutdownMidBatchIsInterrupted(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enqueue(t, model.JobKindGenerate, map[string]interface{}{"prompt": "a red fox", "count": 3})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	env.gen.onCall = stop

	env.worker.processJob(ctx, resp.JobID)

	job, err := env.store.LoadJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusInterrupted, job.Status)
	assert.NotEqual(t, model.StatusUserCancelled, job.Status)
	// 생성 후 취소된 이미지는 환불됨
	assert.Equal(t, 10, env.quota.Remaining())
}

func TestGenerateJob_UserCancelDuringShutdownStaysUserCancelled(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enqueue(t, model.JobKindGenerate, map[string]interface{}{"prompt": "a red fox", "count": 3})

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	env.gen.onCall = func() {
		_ = env.store.SetJobCancelled(context.Background(), resp.JobID)
		stop()
	}

	env.worker.processJob(ctx, resp.JobID)

	job, err := env.store.LoadJob(context.Background(), resp.JobID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusUserCancelled, job.Status)
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	resp := env.enqueue(t, model.JobKindGenerate, map[string]interface{}{"prompt": "a red fox", "count": 99})

	rec := env.do(t, "GET", "/api/jobs/"+resp.JobID, "user-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Job model.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 4, body.Job.Total)
	assert.Nil(t, body.Job.Request)

	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/jobs/"+resp.JobID, "intruder", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, "GET", "/api/jobs/missing", "user-1", nil, nil).Code)
}

func TestEnqueue_Validation(t *testing.T) {
	env := newTestEnv(t)
	prompt, _ := json.Marshal(map[string]interface{}{"prompt": "x"})

	tests := []struct {
		name    string
		body    EnqueueRequest
		headers map[string]string
		status  int
	}{
		{"unknown kind", EnqueueRequest{Kind: "video", Payload: prompt}, nil, http.StatusBadRequest},
		{"empty prompt", EnqueueRequest{Kind: "generate", Payload: json.RawMessage(`{"prompt":" "}`)}, nil, http.StatusBadRequest},
		{"unknown tool", EnqueueRequest{Kind: "edit", Payload: json.RawMessage(`{"tool":"teleport"}`)}, nil, http.StatusBadRequest},
		{"custom key", EnqueueRequest{Kind: "generate", Payload: prompt}, map[string]string{provider.HeaderAPIKey: "sk-user"}, http.StatusBadRequest},
		{"unknown provider", EnqueueRequest{Kind: "generate", Payload: prompt}, map[string]string{provider.HeaderProvider: "nope"}, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, "POST", "/api/jobs", "user-1", tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	n, err := env.rdb.LLen(context.Background(), redisutil.QueueKey).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestStartWorker_StopsOnContextCancel(t *testing.T) {
	env := newTestEnv(t)
	ctx, stop := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		env.worker.StartWorker(ctx)
		close(done)
	}()

	stop()
	select {
	case <-done:
	case <-time.After(2*pollTimeout + time.Second):
		t.Fatal("worker did not stop")
	}
}
