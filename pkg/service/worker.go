package service

import (
	"github.com/cuemby/burrow/pkg/metrics"
)

// work is the task queue for a single serialization key. At most one worker
// processes a given work record at a time, so tasks sharing a key never
// overlap.
type work struct {
	s     *Service
	key   string
	queue []func()
}

// runWith schedules a task on the worker serializing the given key. Tasks
// with the same key run in submission order; tasks with distinct keys run in
// parallel on the shared worker pool. The Started check and the enqueue are
// atomic under the service mutex, so no task can slip in during a state
// transition. Returns false if the task was refused because the service is
// not started.
func (s *Service) runWith(key string, cb func()) bool {
	s.mu.Lock()
	if s.state != Started {
		s.mu.Unlock()
		return false
	}
	w, ok := s.rwork[key]
	if ok {
		// Append to the existing queue; a worker already owns it
		w.queue = append(w.queue, cb)
		s.mu.Unlock()
		return true
	}
	w = &work{
		s:     s,
		key:   key,
		queue: []func(){cb},
	}
	s.rwork[key] = w
	s.dispatchWG.Add(1)
	s.mu.Unlock()

	metrics.ResourceQueues.Inc()

	// Hand the queue to a worker outside the lock; the send may block
	// until a worker is free
	s.workCh <- w
	s.dispatchWG.Done()
	return true
}

// startWorker processes work records from the channel until it is closed
func (s *Service) startWorker(ch chan *work) {
	defer s.wg.Done()
	for w := range ch {
		w.process()
	}
}

// process runs the queued tasks in order until the queue is empty, then
// removes the record. Tasks execute outside the lock.
func (w *work) process() {
	s := w.s
	for {
		s.mu.Lock()
		if len(w.queue) == 0 {
			delete(s.rwork, w.key)
			s.mu.Unlock()
			metrics.ResourceQueues.Dec()
			return
		}
		task := w.queue[0]
		w.queue = w.queue[1:]
		s.mu.Unlock()

		task()
	}
}
