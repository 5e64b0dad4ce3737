package sync

import (
	"context"
	"errors"
	"fmt"
	stdsync "sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/medcode/ehrsync/internal/domain/connection"
	"github.com/medcode/ehrsync/internal/domain/record"
	"github.com/medcode/ehrsync/internal/domain/syncstate"
	"github.com/medcode/ehrsync/internal/platform/ehr"
	"github.com/medcode/ehrsync/internal/platform/fhir"
)

var allResourceTypes = []string{
	syncstate.ResourcePatient,
	syncstate.ResourceEncounter,
	syncstate.ResourceCondition,
	syncstate.ResourceProcedure,
}

// Worker runs one full sync cycle for one connection. A cycle authenticates,
// fetches changed patients, then their encounters, then the conditions and
// procedures of those encounters, mapping and upserting as it goes and
// recording a sync-state row per resource type at the end of each phase.
//
// Failure handling is layered. A bad individual record is logged, tallied as
// failed and skipped. A failed fetch ends the phase with an error state row
// and aborts the rest of the cycle, leaving the watermark where it was. The
// next scheduled tick is the retry.
type Worker struct {
	conn   *connection.Connection
	source ehr.Source
	states syncstate.Repository
	store  record.Store
	log    zerolog.Logger
}

// NewWorker wires a worker for one connection.
func NewWorker(conn *connection.Connection, source ehr.Source, states syncstate.Repository, store record.Store, log zerolog.Logger) *Worker {
	return &Worker{
		conn:   conn,
		source: source,
		states: states,
		store:  store,
		log: log.With().
			Stringer("connection_id", conn.ID).
			Str("tenant_id", conn.TenantID).
			Str("source_system", conn.SourceSystem()).
			Logger(),
	}
}

// Run executes one cycle. The returned error is informational; all outcomes
// are already recorded in sync_state and logged by the time it returns.
func (w *Worker) Run(ctx context.Context) error {
	started := time.Now()
	c := &cycle{w: w}

	token, err := w.source.Authenticate(ctx)
	if err != nil {
		err = fmt.Errorf("authenticate: %w", err)
		for _, rt := range allResourceTypes {
			c.fail(ctx, rt, err, syncstate.Counts{})
		}
		return err
	}
	c.token = token

	patients, err := c.syncPatients(ctx)
	if err != nil {
		return err
	}

	patientIDs := make([]string, 0, len(patients))
	for _, p := range patients {
		patientIDs = append(patientIDs, p.ID)
	}
	encounterIDs, err := c.syncEncounters(ctx, patientIDs)
	if err != nil {
		return err
	}

	// Conditions and procedures hang off the same encounters but not off
	// each other, so their phases run concurrently. No shared context
	// cancellation: one failing must not cut the other short.
	g := new(errgroup.Group)
	g.Go(func() error { return c.syncConditions(ctx, encounterIDs) })
	g.Go(func() error { return c.syncProcedures(ctx, encounterIDs) })
	if err := g.Wait(); err != nil {
		return err
	}

	w.log.Info().
		Int("patients", len(patients)).
		Int("encounters", len(encounterIDs)).
		Dur("elapsed", time.Since(started)).
		Msg("sync cycle complete")
	return nil
}

// cycle carries the state of one Run: the bearer token and the
// one-reauth-per-cycle guard. The mutex covers both, since the condition and
// procedure phases fetch concurrently.
type cycle struct {
	w        *Worker
	mu       stdsync.Mutex
	token    string
	reauthed bool
}

// fetch runs one source call with the current token. On a 401 it invalidates
// the cached token, authenticates once, and retries the call once; any
// second 401 in the same cycle propagates as the phase error.
func (c *cycle) fetch(ctx context.Context, do func(token string) error) error {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()

	err := do(token)
	var apiErr *ehr.APIError
	if err == nil || !errors.As(err, &apiErr) || !apiErr.IsUnauthorized() {
		return err
	}

	c.mu.Lock()
	if c.token == token {
		if c.reauthed {
			c.mu.Unlock()
			return err
		}
		c.w.source.Invalidate()
		fresh, aerr := c.w.source.Authenticate(ctx)
		if aerr != nil {
			c.mu.Unlock()
			return fmt.Errorf("re-authenticate after 401: %w", aerr)
		}
		c.token = fresh
		c.reauthed = true
	}
	token = c.token
	c.mu.Unlock()

	return do(token)
}

func (c *cycle) syncPatients(ctx context.Context) ([]fhir.Patient, error) {
	w := c.w
	c.markInProgress(ctx, syncstate.ResourcePatient)

	since, err := c.cursor(ctx, syncstate.ResourcePatient)
	if err != nil {
		c.fail(ctx, syncstate.ResourcePatient, err, syncstate.Counts{})
		return nil, err
	}

	var patients []fhir.Patient
	err = c.fetch(ctx, func(token string) error {
		var ferr error
		patients, ferr = w.source.FetchPatients(ctx, token, since)
		return ferr
	})
	if err != nil {
		err = fmt.Errorf("fetch patients: %w", err)
		c.fail(ctx, syncstate.ResourcePatient, err, syncstate.Counts{})
		return nil, err
	}

	var counts syncstate.Counts
	var cursor *time.Time
	for i := range patients {
		p := patients[i]
		counts.Processed++
		rec, merr := MapPatient(w.conn.TenantID, w.conn.SourceSystem(), p)
		if merr != nil {
			counts.Failed++
			w.log.Warn().Err(merr).Str("resource_type", syncstate.ResourcePatient).Str("external_id", p.ID).Msg("record skipped")
			continue
		}
		created, uerr := w.store.UpsertPatient(ctx, rec)
		if uerr != nil {
			counts.Failed++
			w.log.Warn().Err(uerr).Str("resource_type", syncstate.ResourcePatient).Str("external_id", p.ID).Msg("record skipped")
			continue
		}
		tally(&counts, created)
		cursor = laterOf(cursor, p.Meta)
	}

	c.succeed(ctx, syncstate.ResourcePatient, cursor, counts)
	return patients, nil
}

func (c *cycle) syncEncounters(ctx context.Context, patientIDs []string) ([]string, error) {
	w := c.w
	c.markInProgress(ctx, syncstate.ResourceEncounter)

	since, err := c.cursor(ctx, syncstate.ResourceEncounter)
	if err != nil {
		c.fail(ctx, syncstate.ResourceEncounter, err, syncstate.Counts{})
		return nil, err
	}

	var encounters []fhir.Encounter
	for _, pid := range patientIDs {
		var page []fhir.Encounter
		err := c.fetch(ctx, func(token string) error {
			var ferr error
			page, ferr = w.source.FetchEncounters(ctx, token, pid, since)
			return ferr
		})
		if err != nil {
			err = fmt.Errorf("fetch encounters for patient %s: %w", pid, err)
			c.fail(ctx, syncstate.ResourceEncounter, err, syncstate.Counts{})
			return nil, err
		}
		encounters = append(encounters, page...)
	}

	var counts syncstate.Counts
	var cursor *time.Time
	encounterIDs := make([]string, 0, len(encounters))
	for i := range encounters {
		e := encounters[i]
		counts.Processed++
		rec, merr := MapEncounter(w.conn.TenantID, w.conn.SourceSystem(), e)
		if merr != nil {
			counts.Failed++
			w.log.Warn().Err(merr).Str("resource_type", syncstate.ResourceEncounter).Str("external_id", e.ID).Msg("record skipped")
			continue
		}
		created, uerr := w.store.UpsertEncounter(ctx, rec)
		if uerr != nil {
			counts.Failed++
			w.log.Warn().Err(uerr).Str("resource_type", syncstate.ResourceEncounter).Str("external_id", e.ID).Msg("record skipped")
			continue
		}
		tally(&counts, created)
		cursor = laterOf(cursor, e.Meta)
		encounterIDs = append(encounterIDs, e.ID)
	}

	c.succeed(ctx, syncstate.ResourceEncounter, cursor, counts)
	return encounterIDs, nil
}

func (c *cycle) syncConditions(ctx context.Context, encounterIDs []string) error {
	w := c.w
	c.markInProgress(ctx, syncstate.ResourceCondition)

	var conditions []fhir.Condition
	for _, eid := range encounterIDs {
		var page []fhir.Condition
		err := c.fetch(ctx, func(token string) error {
			var ferr error
			page, ferr = w.source.FetchConditions(ctx, token, eid)
			return ferr
		})
		if err != nil {
			err = fmt.Errorf("fetch conditions for encounter %s: %w", eid, err)
			c.fail(ctx, syncstate.ResourceCondition, err, syncstate.Counts{})
			return err
		}
		conditions = append(conditions, page...)
	}

	var counts syncstate.Counts
	var cursor *time.Time
	for i := range conditions {
		cond := conditions[i]
		counts.Processed++
		rec, merr := MapCondition(w.conn.TenantID, w.conn.SourceSystem(), cond)
		if merr != nil {
			counts.Failed++
			w.log.Warn().Err(merr).Str("resource_type", syncstate.ResourceCondition).Str("external_id", cond.ID).Msg("record skipped")
			continue
		}
		created, uerr := w.store.UpsertCondition(ctx, rec)
		if uerr != nil {
			counts.Failed++
			w.log.Warn().Err(uerr).Str("resource_type", syncstate.ResourceCondition).Str("external_id", cond.ID).Msg("record skipped")
			continue
		}
		tally(&counts, created)
		cursor = laterOf(cursor, cond.Meta)
	}

	c.succeed(ctx, syncstate.ResourceCondition, cursor, counts)
	return nil
}

func (c *cycle) syncProcedures(ctx context.Context, encounterIDs []string) error {
	w := c.w
	c.markInProgress(ctx, syncstate.ResourceProcedure)

	var procedures []fhir.Procedure
	for _, eid := range encounterIDs {
		var page []fhir.Procedure
		err := c.fetch(ctx, func(token string) error {
			var ferr error
			page, ferr = w.source.FetchProcedures(ctx, token, eid)
			return ferr
		})
		if err != nil {
			err = fmt.Errorf("fetch procedures for encounter %s: %w", eid, err)
			c.fail(ctx, syncstate.ResourceProcedure, err, syncstate.Counts{})
			return err
		}
		procedures = append(procedures, page...)
	}

	var counts syncstate.Counts
	var cursor *time.Time
	for i := range procedures {
		p := procedures[i]
		counts.Processed++
		rec, merr := MapProcedure(w.conn.TenantID, w.conn.SourceSystem(), p)
		if merr != nil {
			counts.Failed++
			w.log.Warn().Err(merr).Str("resource_type", syncstate.ResourceProcedure).Str("external_id", p.ID).Msg("record skipped")
			continue
		}
		created, uerr := w.store.UpsertProcedure(ctx, rec)
		if uerr != nil {
			counts.Failed++
			w.log.Warn().Err(uerr).Str("resource_type", syncstate.ResourceProcedure).Str("external_id", p.ID).Msg("record skipped")
			continue
		}
		tally(&counts, created)
		cursor = laterOf(cursor, p.Meta)
	}

	c.succeed(ctx, syncstate.ResourceProcedure, cursor, counts)
	return nil
}

// cursor reads the incremental-fetch watermark for one resource type. A
// missing row means first run and a nil since, which fetches the full
// population.
func (c *cycle) cursor(ctx context.Context, resourceType string) (*time.Time, error) {
	st, err := c.w.states.Get(ctx, c.w.conn.ID, resourceType)
	if err != nil {
		return nil, fmt.Errorf("read sync cursor: %w", err)
	}
	if st == nil {
		return nil, nil
	}
	return st.LastSyncTime, nil
}

func (c *cycle) markInProgress(ctx context.Context, resourceType string) {
	if err := c.w.states.MarkInProgress(ctx, c.w.conn.ID, resourceType); err != nil {
		c.w.log.Warn().Err(err).Str("resource_type", resourceType).Msg("mark in progress failed")
	}
}

func (c *cycle) succeed(ctx context.Context, resourceType string, cursor *time.Time, counts syncstate.Counts) {
	if err := c.w.states.RecordSuccess(ctx, c.w.conn.ID, resourceType, cursor, counts); err != nil {
		c.w.log.Error().Err(err).Str("resource_type", resourceType).Msg("record sync success failed")
		return
	}
	c.w.log.Info().
		Str("resource_type", resourceType).
		Int("processed", counts.Processed).
		Int("created", counts.Created).
		Int("updated", counts.Updated).
		Int("failed", counts.Failed).
		Msg("sync phase complete")
}

func (c *cycle) fail(ctx context.Context, resourceType string, err error, counts syncstate.Counts) {
	c.w.log.Error().Err(err).Str("resource_type", resourceType).Msg("sync phase failed")
	if rerr := c.w.states.RecordError(ctx, c.w.conn.ID, resourceType, err.Error(), counts); rerr != nil {
		c.w.log.Error().Err(rerr).Str("resource_type", resourceType).Msg("record sync error failed")
	}
}

// laterOf advances the candidate watermark to a record's lastUpdated when it
// is newer. Records without meta timestamps never move the watermark.
func laterOf(cur *time.Time, meta *fhir.Meta) *time.Time {
	if meta == nil || meta.LastUpdated.IsZero() {
		return cur
	}
	if cur == nil || meta.LastUpdated.After(*cur) {
		t := meta.LastUpdated
		return &t
	}
	return cur
}

func tally(c *syncstate.Counts, created bool) {
	if created {
		c.Created++
	} else {
		c.Updated++
	}
}
