package persistence

import (
	"sync"

	"triangulum/pkg/bug"
	"triangulum/pkg/logx"
)

// Operation selects what a queued request writes.
type Operation string

const (
	OpCreateRun Operation = "create_run"
	OpFinishRun Operation = "finish_run"
	OpSaveBug   Operation = "save_bug"
)

// Request is one queued write. Fire-and-forget: callers never wait on the
// database from the hot path.
type Request struct {
	Operation Operation
	Run       *HealRun
	RunID     string
	Bug       *bug.State
}

// Worker serializes writes onto the store from a buffered channel.
type Worker struct {
	store   *Store
	logger  *logx.Logger
	queue   chan *Request
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

// NewWorker starts the write loop. queueSize bounds the backlog; a full
// queue drops writes rather than stalling orchestration.
func NewWorker(store *Store, queueSize int) *Worker {
	if queueSize < 1 {
		queueSize = 256
	}
	w := &Worker{
		store:  store,
		logger: logx.NewLogger("persistence"),
		queue:  make(chan *Request, queueSize),
		done:   make(chan struct{}),
	}
	go w.loop()
	return w
}

func (w *Worker) loop() {
	defer close(w.done)
	for req := range w.queue {
		var err error
		switch req.Operation {
		case OpCreateRun:
			err = w.store.CreateRun(req.Run)
		case OpFinishRun:
			err = w.store.FinishRun(req.Run)
		case OpSaveBug:
			err = w.store.SaveBug(req.RunID, req.Bug)
		default:
			w.logger.Warn("Unknown persistence operation: %s", req.Operation)
		}
		if err != nil {
			w.logger.Error("Persistence write failed (%s): %v", req.Operation, err)
		}
	}
}

// Submit queues one write. Returns false when the queue is full or the
// worker already closed; the write is dropped, not retried.
func (w *Worker) Submit(req *Request) bool {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- req:
		return true
	default:
		w.logger.Warn("Persistence queue full, dropping %s", req.Operation)
		return false
	}
}

// Close drains the queue and stops the worker. Safe to call twice.
func (w *Worker) Close() {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.closeMu.Unlock()
	<-w.done
}
