// Package scheduler drives the single-flight job loop: dequeue by priority,
// run the kind's pipeline against the worker, record the outcome, publish
// lifecycle events. Preemption checkpoints between pipeline steps let
// higher-priority work interrupt long-running animations.
package scheduler

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/folio-ai/folio/bus"
	"github.com/folio-ai/folio/comfy"
	"github.com/folio-ai/folio/errors"
	"github.com/folio-ai/folio/gen"
	"github.com/folio-ai/folio/queue"
	"github.com/folio-ai/folio/storage"
)

// Config bounds the loop's timing behavior
type Config struct {
	IdleSleep        time.Duration
	MaxAttempts      int
	RetryDelay       time.Duration
	StillTimeout     time.Duration
	AnimationTimeout time.Duration
}

// DefaultConfig returns the production timing parameters
func DefaultConfig() Config {
	return Config{
		IdleSleep:        100 * time.Millisecond,
		MaxAttempts:      3,
		RetryDelay:       2 * time.Second,
		StillTimeout:     5 * time.Minute,
		AnimationTimeout: 10 * time.Minute,
	}
}

// errPreempted aborts a pipeline when higher-priority work arrives.
// The job has already been pushed onto the preempted deque when it surfaces.
var errPreempted = errors.New("job preempted")

// Scheduler owns the execution slot. Exactly one job runs at a time.
type Scheduler struct {
	queue   *queue.Queue
	store   *gen.Store
	service *gen.Service
	events  *bus.Bus
	worker  *comfy.Client
	files   *storage.Store
	cfg     Config
	logger  *zap.SugaredLogger
}

// New wires the scheduler
func New(q *queue.Queue, store *gen.Store, service *gen.Service, events *bus.Bus, worker *comfy.Client, files *storage.Store, cfg Config, logger *zap.SugaredLogger) *Scheduler {
	if cfg.IdleSleep <= 0 {
		cfg.IdleSleep = DefaultConfig().IdleSleep
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultConfig().MaxAttempts
	}
	return &Scheduler{
		queue:   q,
		store:   store,
		service: service,
		events:  events,
		worker:  worker,
		files:   files,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run processes jobs until the context is cancelled. A job left in the
// execution slot by a crash is rerun before anything is dequeued.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.logger != nil {
		s.logger.Infow("Scheduler started", "queue_size", s.queue.Size())
	}

	for {
		select {
		case <-ctx.Done():
			if s.logger != nil {
				s.logger.Infow("Scheduler stopped")
			}
			return ctx.Err()
		default:
		}

		job, err := s.next()
		if err != nil {
			if s.logger != nil {
				s.logger.Errorw("Failed to dequeue job", "error", err)
			}
			s.sleep(ctx, s.cfg.IdleSleep)
			continue
		}
		if job == nil {
			s.sleep(ctx, s.cfg.IdleSleep)
			continue
		}

		s.runJob(ctx, job)
	}
}

// next returns the job to run: the recovered current job if a crash left
// one in the slot, otherwise the head of the queue (which becomes current).
func (s *Scheduler) next() (*queue.Job, error) {
	if current := s.queue.Current(); current != nil {
		if s.logger != nil {
			s.logger.Warnw("Resuming job recovered from log", "job_id", current.ID)
		}
		return current, nil
	}

	job, err := s.queue.Dequeue()
	if err != nil || job == nil {
		return nil, err
	}
	if err := s.queue.SetCurrent(job); err != nil {
		return nil, err
	}
	return job, nil
}

// runJob executes one pipeline and settles the queue slot: complete on any
// terminal outcome, nothing on preemption (the slot was already vacated).
func (s *Scheduler) runJob(ctx context.Context, job *queue.Job) {
	err := s.process(ctx, job)
	if errors.Is(err, errPreempted) {
		if s.logger != nil {
			s.logger.Infow("Job preempted", "job_id", job.ID)
		}
		return
	}

	if err := s.queue.Complete(job.ID); err != nil && s.logger != nil {
		s.logger.Errorw("Failed to mark job complete in log", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) process(ctx context.Context, job *queue.Job) error {
	g, err := s.store.Get(job.ID)
	if err != nil {
		if errors.IsNotFoundError(err) {
			// Record deleted while waiting; drop the entry
			if s.logger != nil {
				s.logger.Warnw("Skipping job with no record", "job_id", job.ID)
			}
			return nil
		}
		return err
	}

	switch g.Status {
	case gen.StatusCompleted, gen.StatusFailed:
		return nil
	case gen.StatusProcessing:
		// Crash mid-pipeline: rewind and restart from the beginning
		if err := g.Rewind(); err != nil {
			return err
		}
		if err := s.store.Update(g); err != nil {
			return err
		}
	}

	if err := g.StartProcessing(); err != nil {
		return err
	}
	if err := s.store.Update(g); err != nil {
		return err
	}
	s.publish(bus.EventGenerationProcessing, g, "")

	if g.Kind == gen.KindAnimate {
		err = s.runAnimation(ctx, g)
	} else {
		err = s.runImage(ctx, g)
	}

	if errors.Is(err, errPreempted) {
		return err
	}
	if err != nil {
		s.fail(g, err)
		return nil
	}

	s.publish(bus.EventGenerationCompleted, g, "")
	if s.logger != nil {
		s.logger.Infow("Generation completed", "generation_id", g.ID, "kind", g.Kind)
	}

	if g.Kind == gen.KindTxt2Img {
		if derived, err := s.service.MaybeAutoAnimate(g.PortfolioID); err != nil {
			if s.logger != nil {
				s.logger.Warnw("Auto-animation failed", "portfolio_id", g.PortfolioID, "error", err)
			}
		} else if derived != nil && s.logger != nil {
			s.logger.Infow("Auto-derived animation",
				"generation_id", derived.ID,
				"source_id", derived.SourceGenerationID,
			)
		}
	}

	return nil
}

func (s *Scheduler) fail(g *gen.Generation, cause error) {
	g.Fail(cause)
	if err := s.store.Update(g); err != nil && s.logger != nil {
		s.logger.Errorw("Failed to persist failure", "generation_id", g.ID, "error", err)
	}
	s.publish(bus.EventGenerationFailed, g, cause.Error())
	if s.logger != nil {
		s.logger.Errorw("Generation failed", "generation_id", g.ID, "kind", g.Kind, "error", cause)
	}
}

// checkpoint aborts the pipeline if a higher-priority job is waiting: the
// record rewinds to pending and the entry moves to the preempted deque so
// a later dequeue restarts it.
func (s *Scheduler) checkpoint(g *gen.Generation) error {
	if !s.queue.ShouldPreempt() {
		return nil
	}

	if err := g.Rewind(); err != nil {
		return err
	}
	if err := s.store.Update(g); err != nil {
		return err
	}
	if _, err := s.queue.PreemptCurrent(nil); err != nil {
		return err
	}

	return errPreempted
}

func (s *Scheduler) publish(eventType string, g *gen.Generation, errMsg string) {
	data := map[string]any{
		"id":     g.ID,
		"status": string(g.Status),
	}
	if errMsg != "" {
		data["error"] = errMsg
	}
	s.events.Publish(eventType, data)
}

func (s *Scheduler) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
