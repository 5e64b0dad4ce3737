package sync

import (
	"context"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medcode/ehrsync/internal/domain/connection"
)

// WorkerFactory builds the worker for one connection. Injected so wiring
// (real sources, mock sources, repositories) stays in main and tests.
type WorkerFactory func(conn *connection.Connection) (*Worker, error)

// Scheduler owns one polling loop per active connection. Each loop ticks at
// the connection's poll interval and launches a cycle unless the previous
// one is still in flight, in which case the tick is dropped rather than
// queued. Jobs are added and removed through Reconcile while running.
type Scheduler struct {
	factory WorkerFactory
	log     zerolog.Logger

	mu     stdsync.Mutex
	jobs   map[uuid.UUID]*job
	ctx    context.Context
	cancel context.CancelFunc

	wg stdsync.WaitGroup
}

type job struct {
	conn     *connection.Connection
	cancel   context.CancelFunc
	inFlight atomic.Bool
}

// NewScheduler creates a stopped scheduler.
func NewScheduler(factory WorkerFactory, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		factory: factory,
		log:     log,
		jobs:    make(map[uuid.UUID]*job),
	}
}

// Start registers the initial connection set and begins polling. It returns
// immediately; loops run until Stop or until their connection is reconciled
// away.
func (s *Scheduler) Start(ctx context.Context, conns []*connection.Connection) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.Reconcile(conns)
}

// Reconcile aligns the running jobs with the given connection set: active
// connections not yet scheduled are added, scheduled connections missing
// from the set (or now inactive) are cancelled, everything else is left
// alone.
func (s *Scheduler) Reconcile(conns []*connection.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctx == nil || s.ctx.Err() != nil {
		return
	}

	want := make(map[uuid.UUID]*connection.Connection, len(conns))
	for _, c := range conns {
		if c.IsActive {
			want[c.ID] = c
		}
	}

	for id, j := range s.jobs {
		if _, ok := want[id]; !ok {
			j.cancel()
			delete(s.jobs, id)
			s.log.Info().Stringer("connection_id", id).Msg("sync job removed")
		}
	}

	for id, c := range want {
		if _, ok := s.jobs[id]; ok {
			continue
		}
		s.addJobLocked(c)
	}
}

func (s *Scheduler) addJobLocked(conn *connection.Connection) {
	w, err := s.factory(conn)
	if err != nil {
		s.log.Error().Err(err).Stringer("connection_id", conn.ID).Msg("build worker failed, connection skipped")
		return
	}

	ctx, cancel := context.WithCancel(s.ctx)
	j := &job{conn: conn, cancel: cancel}
	s.jobs[conn.ID] = j

	s.wg.Add(1)
	go s.loop(ctx, j, w)
	s.log.Info().
		Stringer("connection_id", conn.ID).
		Dur("poll_interval", conn.PollInterval()).
		Msg("sync job added")
}

func (s *Scheduler) loop(ctx context.Context, j *job, w *Worker) {
	defer s.wg.Done()

	ticker := time.NewTicker(j.conn.PollInterval())
	defer ticker.Stop()

	s.launch(ctx, j, w)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.launch(ctx, j, w)
		}
	}
}

// launch starts one cycle in its own goroutine unless one is already in
// flight. The cycle runs on a context detached from the loop's, so stopping
// the scheduler lets in-flight cycles finish and record their state.
func (s *Scheduler) launch(ctx context.Context, j *job, w *Worker) {
	if !j.inFlight.CompareAndSwap(false, true) {
		s.log.Debug().Stringer("connection_id", j.conn.ID).Msg("tick dropped, cycle in flight")
		return
	}

	runCtx := context.WithoutCancel(ctx)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer j.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error().Stringer("connection_id", j.conn.ID).Interface("panic", r).Msg("sync cycle panicked")
			}
		}()
		if err := w.Run(runCtx); err != nil {
			s.log.Error().Err(err).Stringer("connection_id", j.conn.ID).Msg("sync cycle failed")
		}
	}()
}

// Stop cancels all polling loops and blocks until in-flight cycles finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	for id, j := range s.jobs {
		j.cancel()
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// JobCount reports the number of scheduled connections.
func (s *Scheduler) JobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
