package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folio-ai/folio/bus"
	"github.com/folio-ai/folio/comfy"
	"github.com/folio-ai/folio/gen"
	foliotesting "github.com/folio-ai/folio/internal/testing"
	"github.com/folio-ai/folio/queue"
	"github.com/folio-ai/folio/storage"
	"github.com/folio-ai/folio/workflow"
)

// fakeWorker emulates the ComfyUI HTTP surface. Each submit is answered
// from the failures script: empty string means success with one image.
type fakeWorker struct {
	mu       sync.Mutex
	submits  int
	failures []string
	onSubmit func()
	image    []byte
	srv      *httptest.Server
}

func newFakeWorker(t *testing.T) *fakeWorker {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, 64, 64))
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))

	f := &fakeWorker{image: buf.Bytes()}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeWorker) handle(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/prompt":
		f.mu.Lock()
		f.submits++
		id := fmt.Sprintf("p%d", f.submits)
		cb := f.onSubmit
		f.mu.Unlock()
		if cb != nil {
			cb()
		}
		json.NewEncoder(w).Encode(map[string]string{"prompt_id": id})

	case strings.HasPrefix(r.URL.Path, "/history/"):
		id := strings.TrimPrefix(r.URL.Path, "/history/")
		var n int
		fmt.Sscanf(id, "p%d", &n)

		f.mu.Lock()
		var failure string
		if n >= 1 && n <= len(f.failures) {
			failure = f.failures[n-1]
		}
		f.mu.Unlock()

		if failure != "" {
			json.NewEncoder(w).Encode(map[string]any{
				id: map[string]any{
					"status": map[string]any{
						"completed":  false,
						"status_str": "error",
						"messages":   [][]any{{"execution_error", failure}},
					},
				},
			})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			id: map[string]any{
				"status": map[string]any{"completed": true},
				"outputs": map[string]any{
					"9": map[string]any{
						"images": []map[string]string{
							{"filename": id + ".png", "subfolder": "", "type": "output"},
						},
					},
				},
			},
		})

	case r.URL.Path == "/view":
		w.Write(f.image)

	case r.URL.Path == "/upload/image":
		r.ParseMultipartForm(1 << 20)
		_, header, _ := r.FormFile("image")
		json.NewEncoder(w).Encode(map[string]string{"name": header.Filename})

	case r.URL.Path == "/system_stats":
		json.NewEncoder(w).Encode(map[string]any{})

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeWorker) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type harness struct {
	scheduler *Scheduler
	queue     *queue.Queue
	store     *gen.Store
	service   *gen.Service
	events    *bus.Bus
	files     *storage.Store
	worker    *fakeWorker
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	conn := foliotesting.CreateTestDB(t)
	store := gen.NewStore(conn)

	files, err := storage.New(t.TempDir())
	require.NoError(t, err)

	q, err := queue.Open(files.Root(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { q.Close() })

	events := bus.New(nil)
	service := gen.NewService(store, q, events, files, workflow.Builtin, nil)
	worker := newFakeWorker(t)
	client := comfy.New(worker.srv.URL, time.Millisecond, nil)

	cfg := DefaultConfig()
	cfg.IdleSleep = time.Millisecond
	cfg.RetryDelay = time.Millisecond
	cfg.StillTimeout = 5 * time.Second
	cfg.AnimationTimeout = 5 * time.Second

	return &harness{
		scheduler: New(q, store, service, events, client, files, cfg, nil),
		queue:     q,
		store:     store,
		service:   service,
		events:    events,
		files:     files,
		worker:    worker,
	}
}

// step dequeues one job and runs it to a settled state
func (h *harness) step(t *testing.T) *queue.Job {
	t.Helper()
	job, err := h.scheduler.next()
	require.NoError(t, err)
	if job == nil {
		return nil
	}
	h.scheduler.runJob(context.Background(), job)
	return job
}

func TestImageJobCompletesAndAutoDerives(t *testing.T) {
	h := newHarness(t)

	id, events := h.events.Subscribe()
	defer h.events.Unsubscribe(id)

	g, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "p1",
		Kind:        "txt2img",
		Prompt:      "a mountain lake",
	})
	require.NoError(t, err)

	job := h.step(t)
	require.NotNil(t, job)
	assert.Equal(t, g.ID, job.ID)

	done, err := h.store.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Progress)
	assert.NotEmpty(t, done.ComfyUIPromptID)

	// Artifacts on disk
	img, err := h.files.Read(done.ImagePath)
	require.NoError(t, err)
	assert.NotEmpty(t, img)
	thumb, err := h.files.Read(done.ThumbnailPath)
	require.NoError(t, err)
	assert.NotEmpty(t, thumb)

	// created, processing, completed for the still, then created for the
	// auto-derived animation
	var types []string
	for len(events) > 0 {
		ev := <-events
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		bus.EventGenerationCreated,
		bus.EventGenerationProcessing,
		bus.EventGenerationCompleted,
		bus.EventGenerationCreated,
	}, types)

	// The auto-derived animation waits at LOW
	status := h.queue.Status()
	assert.Equal(t, 1, status.LowPending)
	assert.Nil(t, h.queue.Current())

	// The derived record exists but is still pending, so the public
	// animation listing does not show it yet
	derived, err := h.store.ListAnimations("p1")
	require.NoError(t, err)
	require.Len(t, derived, 1)
	assert.Equal(t, gen.StatusPending, derived[0].Status)

	visible, err := h.service.ListAnimations("p1")
	require.NoError(t, err)
	assert.Empty(t, visible)
}

func TestRetryOnTransientWorkerFailure(t *testing.T) {
	h := newHarness(t)
	h.worker.failures = []string{"CLIP input is invalid: None", "CLIP input is invalid: None", ""}

	g, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "retry",
		Kind:        "txt2img",
		Prompt:      "x",
	})
	require.NoError(t, err)

	h.step(t)

	assert.Equal(t, 3, h.worker.submitCount())

	done, err := h.store.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusCompleted, done.Status)
}

func TestRetriesExhausted(t *testing.T) {
	h := newHarness(t)
	h.worker.failures = []string{
		"CLIP input is invalid: None",
		"CLIP input is invalid: None",
		"CLIP input is invalid: None",
	}

	g, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "retry",
		Kind:        "txt2img",
		Prompt:      "x",
	})
	require.NoError(t, err)

	h.step(t)

	assert.Equal(t, 3, h.worker.submitCount())

	done, err := h.store.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "CLIP input is invalid")
}

func TestNonRetryableFailureIsFinal(t *testing.T) {
	h := newHarness(t)
	h.worker.failures = []string{"out of memory"}

	id, events := h.events.Subscribe()
	defer h.events.Unsubscribe(id)

	g, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "oom",
		Kind:        "txt2img",
		Prompt:      "x",
	})
	require.NoError(t, err)

	h.step(t)

	assert.Equal(t, 1, h.worker.submitCount())

	done, err := h.store.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusFailed, done.Status)
	assert.Contains(t, done.ErrorMessage, "out of memory")

	var sawFailed bool
	for len(events) > 0 {
		if (<-events).Type == bus.EventGenerationFailed {
			sawFailed = true
		}
	}
	assert.True(t, sawFailed)
}

func TestJobWithDeletedRecordIsDropped(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.queue.Enqueue(&queue.Job{
		ID:        "ghost",
		Priority:  queue.PriorityHigh,
		CreatedAt: time.Now().UTC(),
	}))

	job := h.step(t)
	require.NotNil(t, job)

	assert.Equal(t, 0, h.worker.submitCount())
	assert.Nil(t, h.queue.Current())
	assert.Equal(t, 0, h.queue.Size())
}

func TestPreemptionAtCheckpoint(t *testing.T) {
	h := newHarness(t)

	high, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "preempt",
		Kind:        "txt2img",
		Prompt:      "slow still",
	})
	require.NoError(t, err)

	// A critical edit arrives while the HIGH job is at the worker
	var once sync.Once
	h.worker.onSubmit = func() {
		once.Do(func() {
			source := seedCompletedStill(t, h, "preempt", "edit-source")
			factor := 2.0
			_, err := h.service.Create(&gen.CreateRequest{
				PortfolioID:        "preempt",
				Kind:               "upscale",
				SourceGenerationID: source.ID,
				UpscaleFactor:      &factor,
			})
			require.NoError(t, err)
		})
	}

	job := h.step(t)
	require.NotNil(t, job)
	assert.Equal(t, high.ID, job.ID)

	// The HIGH job was preempted after its wait: rewound to pending, parked
	// on the preempted deque, slot empty
	rewound, err := h.store.Get(high.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusPending, rewound.Status)
	assert.Nil(t, h.queue.Current())
	assert.Equal(t, 1, h.queue.Status().Preempted)

	// Next step runs the critical edit
	job = h.step(t)
	require.NotNil(t, job)
	edit, err := h.store.Get(job.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.KindUpscale, edit.Kind)
	assert.Equal(t, gen.StatusCompleted, edit.Status)

	// Then the preempted still resumes and completes
	job = h.step(t)
	require.NotNil(t, job)
	assert.Equal(t, high.ID, job.ID)

	resumed, err := h.store.Get(high.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusCompleted, resumed.Status)
}

func TestCrashRecoveryRerunsCurrentJob(t *testing.T) {
	h := newHarness(t)

	g, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "crash",
		Kind:        "txt2img",
		Prompt:      "x",
	})
	require.NoError(t, err)

	// Simulate the pre-crash scheduler: dequeued, marked current, record
	// processing, then the process died
	job, err := h.queue.Dequeue()
	require.NoError(t, err)
	require.NoError(t, h.queue.SetCurrent(job))

	record, err := h.store.Get(g.ID)
	require.NoError(t, err)
	require.NoError(t, record.StartProcessing())
	require.NoError(t, h.store.Update(record))

	// Recovery path: next() hands back the current job and the pipeline
	// restarts it from the beginning
	recovered := h.step(t)
	require.NotNil(t, recovered)
	assert.Equal(t, g.ID, recovered.ID)

	done, err := h.store.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusCompleted, done.Status)
	assert.Nil(t, h.queue.Current())
}

func TestTerminalRecordIsNotRerun(t *testing.T) {
	h := newHarness(t)

	g, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "done",
		Kind:        "txt2img",
		Prompt:      "x",
	})
	require.NoError(t, err)

	record, err := h.store.Get(g.ID)
	require.NoError(t, err)
	require.NoError(t, record.StartProcessing())
	record.Fail(fmt.Errorf("manual failure"))
	require.NoError(t, h.store.Update(record))

	h.step(t)

	assert.Equal(t, 0, h.worker.submitCount())
	done, err := h.store.Get(g.ID)
	require.NoError(t, err)
	assert.Equal(t, gen.StatusFailed, done.Status)
}

// seedCompletedStill inserts a completed still with an image file so derived
// kinds have a valid source.
func seedCompletedStill(t *testing.T, h *harness, portfolioID, id string) *gen.Generation {
	t.Helper()

	now := time.Now().UTC()
	g := &gen.Generation{
		ID:          id,
		PortfolioID: portfolioID,
		Kind:        gen.KindTxt2Img,
		Prompt:      "seed",
		Width:       64,
		Height:      64,
		Steps:       30,
		CFGScale:    5.5,
		Sampler:     "dpmpp_2m",
		Scheduler:   "karras",
		Status:      gen.StatusCompleted,
		Progress:    100,
		ImagePath:   "images/" + id + ".webp",
		CreatedAt:   now,
		CompletedAt: &now,
	}
	require.NoError(t, h.store.Create(g))

	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 64, 64))))
	require.NoError(t, h.files.Save(g.ImagePath, buf.Bytes()))
	return g
}

func TestRunStopsOnContextCancel(t *testing.T) {
	h := newHarness(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.scheduler.Run(ctx)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestRunProcessesQueuedJobs(t *testing.T) {
	h := newHarness(t)

	g, err := h.service.Create(&gen.CreateRequest{
		PortfolioID: "loop",
		Kind:        "txt2img",
		Prompt:      "x",
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.scheduler.Run(ctx)

	require.Eventually(t, func() bool {
		record, err := h.store.Get(g.ID)
		return err == nil && record.Status == gen.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
}
