package sync

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/medcode/ehrsync/internal/domain/connection"
	"github.com/medcode/ehrsync/internal/platform/ehr"
	"github.com/medcode/ehrsync/internal/platform/fhir"
)

// slowSource blocks patient fetches until released and counts how many are
// running at once.
type slowSource struct {
	*ehr.FakeSource
	release    chan struct{}
	concurrent atomic.Int32
	maxSeen    atomic.Int32
}

func newSlowSource() *slowSource {
	return &slowSource{FakeSource: ehr.NewFakeSource(), release: make(chan struct{})}
}

func (s *slowSource) FetchPatients(ctx context.Context, token string, since *time.Time) ([]fhir.Patient, error) {
	n := s.concurrent.Add(1)
	defer s.concurrent.Add(-1)
	for {
		prev := s.maxSeen.Load()
		if n <= prev || s.maxSeen.CompareAndSwap(prev, n) {
			break
		}
	}
	<-s.release
	return s.FakeSource.FetchPatients(ctx, token, since)
}

func newTestFactory(src ehr.Source) WorkerFactory {
	return func(conn *connection.Connection) (*Worker, error) {
		return NewWorker(conn, src, newMemStates(), newMemStore(), zerolog.Nop()), nil
	}
}

func TestSchedulerDropsTicksWhileCycleInFlight(t *testing.T) {
	src := newSlowSource()
	s := NewScheduler(newTestFactory(src), zerolog.Nop())
	conn := testConnection()
	conn.PollIntervalSeconds = 1

	s.Start(context.Background(), []*connection.Connection{conn})

	j := s.jobs[conn.ID]
	w, _ := s.factory(conn)

	// The Start launch is already in flight; further launches must be
	// dropped, not queued.
	for i := 0; i < 5; i++ {
		s.launch(s.ctx, j, w)
	}
	time.Sleep(50 * time.Millisecond)
	if got := src.maxSeen.Load(); got != 1 {
		t.Errorf("concurrent cycles = %d, want 1", got)
	}

	close(src.release)
	s.Stop()
}

func TestSchedulerReconcileAddsAndRemoves(t *testing.T) {
	src := ehr.NewFakeSource()
	s := NewScheduler(newTestFactory(src), zerolog.Nop())

	a := testConnection()
	b := testConnection()
	s.Start(context.Background(), []*connection.Connection{a})
	if got := s.JobCount(); got != 1 {
		t.Fatalf("jobs = %d, want 1", got)
	}

	s.Reconcile([]*connection.Connection{a, b})
	if got := s.JobCount(); got != 2 {
		t.Fatalf("jobs after add = %d, want 2", got)
	}

	// Deactivating a connection removes its job on the next reconcile.
	a.IsActive = false
	s.Reconcile([]*connection.Connection{a, b})
	if got := s.JobCount(); got != 1 {
		t.Fatalf("jobs after deactivate = %d, want 1", got)
	}
	if _, ok := s.jobs[b.ID]; !ok {
		t.Error("unrelated job was removed by reconcile")
	}

	s.Reconcile(nil)
	if got := s.JobCount(); got != 0 {
		t.Fatalf("jobs after empty reconcile = %d, want 0", got)
	}
	s.Stop()
}

func TestSchedulerSkipsInactiveConnections(t *testing.T) {
	s := NewScheduler(newTestFactory(ehr.NewFakeSource()), zerolog.Nop())
	conn := testConnection()
	conn.IsActive = false

	s.Start(context.Background(), []*connection.Connection{conn})
	defer s.Stop()
	if got := s.JobCount(); got != 0 {
		t.Errorf("jobs = %d, want 0 for inactive connection", got)
	}
}

func TestSchedulerStopWaitsForInFlightCycle(t *testing.T) {
	src := newSlowSource()
	s := NewScheduler(newTestFactory(src), zerolog.Nop())
	conn := testConnection()

	s.Start(context.Background(), []*connection.Connection{conn})
	time.Sleep(20 * time.Millisecond) // let the initial cycle reach the fetch

	const hold = 80 * time.Millisecond
	go func() {
		time.Sleep(hold)
		close(src.release)
	}()

	begun := time.Now()
	s.Stop()
	if elapsed := time.Since(begun); elapsed < hold/2 {
		t.Errorf("Stop returned after %v, expected it to block on the in-flight cycle", elapsed)
	}
}

func TestSchedulerRecoversWorkerPanic(t *testing.T) {
	factory := func(conn *connection.Connection) (*Worker, error) {
		src := &panicSource{FakeSource: ehr.NewFakeSource()}
		return NewWorker(conn, src, newMemStates(), newMemStore(), zerolog.Nop()), nil
	}
	s := NewScheduler(factory, zerolog.Nop())
	conn := testConnection()

	s.Start(context.Background(), []*connection.Connection{conn})
	time.Sleep(50 * time.Millisecond)

	// The job must survive the panic and stay registered.
	if got := s.JobCount(); got != 1 {
		t.Errorf("jobs = %d after panic, want 1", got)
	}
	s.Stop()
}

type panicSource struct {
	*ehr.FakeSource
}

func (s *panicSource) FetchPatients(context.Context, string, *time.Time) ([]fhir.Patient, error) {
	panic("boom")
}
