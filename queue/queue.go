package queue

import (
	"sync"

	"go.uber.org/zap"
)

// Queue is the three-tier priority queue. All operations are WAL-first:
// the log append must succeed before in-memory state changes, so a
// durability failure leaves both log and memory untouched.
type Queue struct {
	mu  sync.Mutex
	wal *wal

	critical  []*Job
	high      []*Job
	low       []*Job
	preempted []*Job

	current *Job

	logger *zap.SugaredLogger
}

// Open creates the queue, replaying any existing log in dir to rebuild state
func Open(dir string, logger *zap.SugaredLogger) (*Queue, error) {
	w, err := openWAL(dir, logger)
	if err != nil {
		return nil, err
	}

	q := &Queue{wal: w, logger: logger}
	if err := q.restore(); err != nil {
		w.close()
		return nil, err
	}

	return q, nil
}

// restore replays the log. A job that was dequeued but neither completed nor
// marked current is lost; the record store reconciles those on startup.
func (q *Queue) restore() error {
	records, err := q.wal.replay()
	if err != nil {
		return err
	}

	jobs := make(map[string]*Job)
	var order []string
	dequeued := make(map[string]bool)
	completed := make(map[string]bool)
	removed := make(map[string]bool)
	preemptedState := make(map[string]map[string]any)
	var preemptedOrder []string
	var currentID string

	for _, rec := range records {
		switch rec.Op {
		case opEnqueue:
			if rec.Job == nil {
				continue
			}
			if _, seen := jobs[rec.Job.ID]; !seen {
				order = append(order, rec.Job.ID)
			}
			jobs[rec.Job.ID] = rec.Job
		case opDequeue:
			dequeued[rec.JobID] = true
		case opComplete:
			completed[rec.JobID] = true
		case opRemove:
			removed[rec.JobID] = true
		case opPreempt:
			if _, seen := preemptedState[rec.JobID]; !seen {
				// Most recent preemption lands at the front below
				preemptedOrder = append([]string{rec.JobID}, preemptedOrder...)
			}
			preemptedState[rec.JobID] = rec.State
		case opSetCurrent:
			currentID = rec.JobID
		case opClearCurrent:
			currentID = ""
		}
	}

	for _, id := range order {
		job := jobs[id]
		if completed[id] || removed[id] {
			continue
		}
		if _, wasPreempted := preemptedState[id]; wasPreempted {
			continue // handled in preempted order below
		}
		if dequeued[id] {
			if id == currentID {
				q.current = job
			} else if q.logger != nil {
				q.logger.Warnw("Job lost in crash, dropping from queue", "job_id", id)
			}
			continue
		}
		q.push(job)
	}

	for _, id := range preemptedOrder {
		job, ok := jobs[id]
		if !ok || completed[id] || removed[id] {
			continue
		}
		job.PreemptedState = preemptedState[id]
		q.preempted = append(q.preempted, job)
	}

	if q.logger != nil && (len(records) > 0) {
		q.logger.Infow("Queue restored from log",
			"critical", len(q.critical),
			"high", len(q.high),
			"low", len(q.low),
			"preempted", len(q.preempted),
			"has_current", q.current != nil,
		)
	}

	return nil
}

func (q *Queue) push(job *Job) {
	switch job.Priority {
	case PriorityCritical:
		q.critical = append(q.critical, job)
	case PriorityHigh:
		q.high = append(q.high, job)
	default:
		q.low = append(q.low, job)
	}
}

// Enqueue adds a job to its priority tier
func (q *Queue) Enqueue(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.wal.append(walRecord{Op: opEnqueue, Job: job}); err != nil {
		return err
	}
	q.push(job)

	return nil
}

// Dequeue removes and returns the next job in priority order:
// critical, then high, then preempted (most recent first), then low.
// Returns nil when the queue is empty.
func (q *Queue) Dequeue() (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var job *Job
	var from *[]*Job

	switch {
	case len(q.critical) > 0:
		from = &q.critical
	case len(q.high) > 0:
		from = &q.high
	case len(q.preempted) > 0:
		from = &q.preempted
	case len(q.low) > 0:
		from = &q.low
	default:
		return nil, nil
	}

	job = (*from)[0]
	if err := q.wal.append(walRecord{Op: opDequeue, JobID: job.ID}); err != nil {
		return nil, err
	}
	*from = (*from)[1:]

	return job, nil
}

// SetCurrent marks job as occupying the execution slot
func (q *Queue) SetCurrent(job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.wal.append(walRecord{Op: opSetCurrent, JobID: job.ID}); err != nil {
		return err
	}
	q.current = job

	return nil
}

// Current returns the job occupying the execution slot, or nil
func (q *Queue) Current() *Job {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.current
}

// ClearCurrent empties the execution slot
func (q *Queue) ClearCurrent() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.wal.append(walRecord{Op: opClearCurrent}); err != nil {
		return err
	}
	q.current = nil

	return nil
}

// Complete records a job as finished and clears the slot if it holds the job
func (q *Queue) Complete(jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.wal.append(walRecord{Op: opComplete, JobID: jobID}); err != nil {
		return err
	}
	if q.current != nil && q.current.ID == jobID {
		q.current = nil
	}

	return nil
}

// ShouldPreempt reports whether a strictly higher tier is waiting on the
// current job's slot. Critical jobs are never preempted.
func (q *Queue) ShouldPreempt() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return false
	}

	switch q.current.Priority {
	case PriorityLow:
		return len(q.critical) > 0 || len(q.high) > 0
	case PriorityHigh:
		return len(q.critical) > 0
	default:
		return false
	}
}

// PreemptCurrent moves the current job to the front of the preempted stack
// so it resumes before older preempted work. Returns the preempted job, or
// nil when the slot is empty.
func (q *Queue) PreemptCurrent(state map[string]any) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.current == nil {
		return nil, nil
	}

	job := q.current
	if err := q.wal.append(walRecord{Op: opPreempt, JobID: job.ID, State: state}); err != nil {
		return nil, err
	}

	job.PreemptedState = state
	q.preempted = append([]*Job{job}, q.preempted...)
	q.current = nil

	return job, nil
}

// Remove deletes a waiting job from whichever tier holds it. The current
// job cannot be removed. Returns true if a job was removed.
func (q *Queue) Remove(jobID string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, tier := range []*[]*Job{&q.critical, &q.high, &q.low, &q.preempted} {
		for i, job := range *tier {
			if job.ID != jobID {
				continue
			}
			if err := q.wal.append(walRecord{Op: opRemove, JobID: jobID}); err != nil {
				return false, err
			}
			*tier = append((*tier)[:i], (*tier)[i+1:]...)
			return true, nil
		}
	}

	return false, nil
}

// Status returns a snapshot of queue occupancy
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	running := 0
	var current *CurrentJob
	if q.current != nil {
		running = 1
		current = &CurrentJob{ID: q.current.ID, Priority: q.current.Priority}
	}

	pending := len(q.critical) + len(q.high) + len(q.low) + len(q.preempted)

	return Status{
		Running:         running,
		Pending:         pending,
		Total:           running + pending,
		CriticalPending: len(q.critical),
		HighPending:     len(q.high),
		LowPending:      len(q.low),
		Preempted:       len(q.preempted),
		CurrentJob:      current,
	}
}

// Size returns the number of waiting jobs (excluding the current job)
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.critical) + len(q.high) + len(q.low) + len(q.preempted)
}

// Compact rewrites the log to hold only waiting jobs, discarding the
// history of completed and removed entries. The current job, if any, is
// preserved via its enqueue, dequeue and set_current records.
func (q *Queue) Compact() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	var records []walRecord
	for _, tier := range [][]*Job{q.critical, q.high, q.low} {
		for _, job := range tier {
			records = append(records, walRecord{Op: opEnqueue, Job: job})
		}
	}
	// Oldest first: restore prepends each preempt record, so replay
	// rebuilds the deque with the most recent preemption at the front
	for i := len(q.preempted) - 1; i >= 0; i-- {
		job := q.preempted[i]
		records = append(records, walRecord{Op: opEnqueue, Job: job})
		records = append(records, walRecord{Op: opPreempt, JobID: job.ID, State: job.PreemptedState})
	}
	if q.current != nil {
		records = append(records,
			walRecord{Op: opEnqueue, Job: q.current},
			walRecord{Op: opDequeue, JobID: q.current.ID},
			walRecord{Op: opSetCurrent, JobID: q.current.ID},
		)
	}

	return q.wal.rewrite(records)
}

// Close releases the log file handle
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.wal.close()
}
