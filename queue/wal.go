package queue

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/folio-ai/folio/errors"
)

// logName is the WAL file inside the queue's storage directory
const logName = "queue.log"

// walOp is a single log operation
type walOp string

const (
	opEnqueue      walOp = "enqueue"
	opDequeue      walOp = "dequeue"
	opSetCurrent   walOp = "set_current"
	opClearCurrent walOp = "clear_current"
	opPreempt      walOp = "preempt"
	opComplete     walOp = "complete"
	opRemove       walOp = "remove"
)

// walRecord is one JSON line in the log. Job is present only for enqueue;
// State only for preempt; JobID for everything that targets a job.
type walRecord struct {
	Op    walOp          `json:"op"`
	TS    string         `json:"ts"`
	Job   *Job           `json:"job,omitempty"`
	JobID string         `json:"job_id,omitempty"`
	State map[string]any `json:"state,omitempty"`
}

// wal appends records to queue.log with an fsync per append. Not safe for
// concurrent use; the owning Queue serializes access under its mutex.
type wal struct {
	dir    string
	path   string
	file   *os.File
	logger *zap.SugaredLogger
}

func openWAL(dir string, logger *zap.SugaredLogger) (*wal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create queue storage directory")
	}

	path := filepath.Join(dir, logName)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, errors.Wrap(err, "open queue log")
	}

	return &wal{dir: dir, path: path, file: file, logger: logger}, nil
}

// append writes one record and fsyncs before returning. On any failure the
// caller must treat the operation as not having happened.
func (w *wal) append(rec walRecord) error {
	rec.TS = time.Now().UTC().Format(time.RFC3339Nano)

	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(errors.ErrDurability, err.Error())
	}

	if _, err := w.file.Write(append(data, '\n')); err != nil {
		return errors.Wrapf(errors.ErrDurability, "append queue log: %v", err)
	}
	if err := w.file.Sync(); err != nil {
		return errors.Wrapf(errors.ErrDurability, "sync queue log: %v", err)
	}

	return nil
}

// replay reads every record currently in the log. Malformed lines, including
// a partial trailing line from a crash mid-append, are skipped.
func (w *wal) replay() ([]walRecord, error) {
	file, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open queue log for replay")
	}
	defer file.Close()

	var records []walRecord
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec walRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			if w.logger != nil {
				w.logger.Warnw("Skipping malformed queue log line", "error", err)
			}
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read queue log")
	}

	return records, nil
}

// rewrite atomically replaces the log with the given records: write to a
// temp file in the same directory, fsync, then rename over queue.log.
func (w *wal) rewrite(records []walRecord) error {
	tmpPath := w.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return errors.Wrap(err, "create compacted queue log")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, rec := range records {
		rec.TS = now
		data, err := json.Marshal(rec)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return errors.Wrap(err, "marshal compacted record")
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return errors.Wrap(err, "write compacted queue log")
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errors.Wrap(err, "sync compacted queue log")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "close compacted queue log")
	}

	if err := os.Rename(tmpPath, w.path); err != nil {
		os.Remove(tmpPath)
		return errors.Wrap(err, "replace queue log")
	}

	// Reopen the append handle against the new file
	w.file.Close()
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrap(err, "reopen queue log")
	}
	w.file = file

	return nil
}

func (w *wal) close() error {
	return w.file.Close()
}
