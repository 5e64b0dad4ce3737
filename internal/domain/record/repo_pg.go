package record

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type storePG struct {
	pool *pgxpool.Pool
}

// NewStore creates a PostgreSQL-backed Store.
func NewStore(pool *pgxpool.Pool) Store {
	return &storePG{pool: pool}
}

// Every upsert below follows the same shape: INSERT ... ON CONFLICT on the
// (tenant_id, source_system, source_external_id) unique index, DO UPDATE
// overwriting the domain fields while leaving id and created_at alone, and
// RETURNING (xmax = 0) to report whether the row was freshly inserted.
// Parent foreign keys are resolved from the parent's external id inside the
// statement; an unseen parent leaves the FK NULL rather than failing.

func (s *storePG) UpsertPatient(ctx context.Context, p *Patient) (bool, error) {
	const q = `
		INSERT INTO synced_patient (
			tenant_id, source_system, source_external_id,
			mrn, first_name, last_name, gender, date_of_birth,
			phone, email, address_line, city, state, postal_code, raw
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (tenant_id, source_system, source_external_id) DO UPDATE SET
			mrn = EXCLUDED.mrn,
			first_name = EXCLUDED.first_name,
			last_name = EXCLUDED.last_name,
			gender = EXCLUDED.gender,
			date_of_birth = EXCLUDED.date_of_birth,
			phone = EXCLUDED.phone,
			email = EXCLUDED.email,
			address_line = EXCLUDED.address_line,
			city = EXCLUDED.city,
			state = EXCLUDED.state,
			postal_code = EXCLUDED.postal_code,
			raw = EXCLUDED.raw,
			updated_at = NOW()
		RETURNING (xmax = 0)`

	var created bool
	err := s.pool.QueryRow(ctx, q,
		p.TenantID, p.SourceSystem, p.SourceExternalID,
		p.MRN, p.FirstName, p.LastName, p.Gender, p.DateOfBirth,
		p.Phone, p.Email, p.AddressLine, p.City, p.State, p.PostalCode, p.Raw,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert patient %s/%s: %w", p.SourceSystem, p.SourceExternalID, err)
	}
	return created, nil
}

func (s *storePG) UpsertEncounter(ctx context.Context, e *Encounter) (bool, error) {
	const q = `
		INSERT INTO synced_encounter (
			tenant_id, source_system, source_external_id,
			patient_external_id, patient_id,
			status, class_code, type_text, reason_text,
			period_start, period_end, raw
		) VALUES (
			$1, $2, $3, $4,
			(SELECT id FROM synced_patient
			   WHERE tenant_id = $1 AND source_system = $2 AND source_external_id = $4),
			$5, $6, $7, $8, $9, $10, $11
		)
		ON CONFLICT (tenant_id, source_system, source_external_id) DO UPDATE SET
			patient_external_id = EXCLUDED.patient_external_id,
			patient_id = EXCLUDED.patient_id,
			status = EXCLUDED.status,
			class_code = EXCLUDED.class_code,
			type_text = EXCLUDED.type_text,
			reason_text = EXCLUDED.reason_text,
			period_start = EXCLUDED.period_start,
			period_end = EXCLUDED.period_end,
			raw = EXCLUDED.raw,
			updated_at = NOW()
		RETURNING (xmax = 0)`

	var created bool
	err := s.pool.QueryRow(ctx, q,
		e.TenantID, e.SourceSystem, e.SourceExternalID,
		e.PatientExternalID,
		e.Status, e.ClassCode, e.TypeText, e.ReasonText,
		e.PeriodStart, e.PeriodEnd, e.Raw,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert encounter %s/%s: %w", e.SourceSystem, e.SourceExternalID, err)
	}
	return created, nil
}

func (s *storePG) UpsertCondition(ctx context.Context, c *Condition) (bool, error) {
	const q = `
		INSERT INTO synced_condition (
			tenant_id, source_system, source_external_id,
			patient_external_id, encounter_external_id, encounter_id,
			icd10_code, description, status, recorded_date, raw
		) VALUES (
			$1, $2, $3, $4, $5,
			(SELECT id FROM synced_encounter
			   WHERE tenant_id = $1 AND source_system = $2 AND source_external_id = $5),
			$6, $7, $8, $9, $10
		)
		ON CONFLICT (tenant_id, source_system, source_external_id) DO UPDATE SET
			patient_external_id = EXCLUDED.patient_external_id,
			encounter_external_id = EXCLUDED.encounter_external_id,
			encounter_id = EXCLUDED.encounter_id,
			icd10_code = EXCLUDED.icd10_code,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			recorded_date = EXCLUDED.recorded_date,
			raw = EXCLUDED.raw,
			updated_at = NOW()
		RETURNING (xmax = 0)`

	var created bool
	err := s.pool.QueryRow(ctx, q,
		c.TenantID, c.SourceSystem, c.SourceExternalID,
		c.PatientExternalID, c.EncounterExternalID,
		c.ICD10Code, c.Description, c.Status, c.RecordedDate, c.Raw,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert condition %s/%s: %w", c.SourceSystem, c.SourceExternalID, err)
	}
	return created, nil
}

func (s *storePG) UpsertProcedure(ctx context.Context, pr *Procedure) (bool, error) {
	const q = `
		INSERT INTO synced_procedure (
			tenant_id, source_system, source_external_id,
			patient_external_id, encounter_external_id, encounter_id,
			cpt_code, description, status, performed_at, raw
		) VALUES (
			$1, $2, $3, $4, $5,
			(SELECT id FROM synced_encounter
			   WHERE tenant_id = $1 AND source_system = $2 AND source_external_id = $5),
			$6, $7, $8, $9, $10
		)
		ON CONFLICT (tenant_id, source_system, source_external_id) DO UPDATE SET
			patient_external_id = EXCLUDED.patient_external_id,
			encounter_external_id = EXCLUDED.encounter_external_id,
			encounter_id = EXCLUDED.encounter_id,
			cpt_code = EXCLUDED.cpt_code,
			description = EXCLUDED.description,
			status = EXCLUDED.status,
			performed_at = EXCLUDED.performed_at,
			raw = EXCLUDED.raw,
			updated_at = NOW()
		RETURNING (xmax = 0)`

	var created bool
	err := s.pool.QueryRow(ctx, q,
		pr.TenantID, pr.SourceSystem, pr.SourceExternalID,
		pr.PatientExternalID, pr.EncounterExternalID,
		pr.CPTCode, pr.Description, pr.Status, pr.PerformedAt, pr.Raw,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert procedure %s/%s: %w", pr.SourceSystem, pr.SourceExternalID, err)
	}
	return created, nil
}
