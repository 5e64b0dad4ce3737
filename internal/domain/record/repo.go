package record

import "context"

// Store is the upsert contract the sync engine persists through. Each
// method is keyed on (tenant_id, source_system, source_external_id): an
// existing row has its fields overwritten (creation audit fields excepted)
// and created is false; otherwise a row is inserted and created is true.
// Calling any method twice with identical input yields one stored row, which
// is the engine's core correctness property under re-delivery.
type Store interface {
	UpsertPatient(ctx context.Context, p *Patient) (created bool, err error)
	UpsertEncounter(ctx context.Context, e *Encounter) (created bool, err error)
	UpsertCondition(ctx context.Context, c *Condition) (created bool, err error)
	UpsertProcedure(ctx context.Context, pr *Procedure) (created bool, err error)
}
