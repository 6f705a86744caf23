package router

import (
	"context"
	"sync"
)

// laneKey scopes FIFO ordering: orders within one account/broker pair
// never reorder, while distinct pairs progress in parallel.
type laneKey struct {
	accountID string
	brokerID  string
}

type laneJob struct {
	orderID   string
	accountID string
	brokerID  string
}

// laneManager runs one worker goroutine per active lane with a
// buffered queue. Lanes are created on first use and live until
// shutdown; Close stops intake and drains every queue.
type laneManager struct {
	mu      sync.Mutex
	lanes   map[laneKey]chan laneJob
	buffer  int
	run     func(laneJob)
	closed  bool
	workers sync.WaitGroup
}

func newLaneManager(buffer int, run func(laneJob)) *laneManager {
	if buffer <= 0 {
		buffer = 64
	}
	return &laneManager{
		lanes:  make(map[laneKey]chan laneJob),
		buffer: buffer,
		run:    run,
	}
}

// enqueue appends a job to its lane, starting the lane worker on first
// use. Returns false after Close or when the lane is full. The send
// happens under the lock so a concurrent Close cannot close the lane
// channel between the closed check and the send.
func (m *laneManager) enqueue(job laneJob) bool {
	key := laneKey{accountID: job.accountID, brokerID: job.brokerID}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	ch, ok := m.lanes[key]
	if !ok {
		ch = make(chan laneJob, m.buffer)
		m.lanes[key] = ch
		m.workers.Add(1)
		go m.work(ch)
	}

	select {
	case ch <- job:
		return true
	default:
		return false
	}
}

func (m *laneManager) work(ch chan laneJob) {
	defer m.workers.Done()
	for job := range ch {
		m.run(job)
	}
}

// Close stops intake and blocks until every queued job has run.
func (m *laneManager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	for _, ch := range m.lanes {
		close(ch)
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
