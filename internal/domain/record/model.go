// Package record defines the tenant-scoped canonical clinical entities the
// engine produces and the upsert contract it persists them through. The
// dedup key for every entity is (tenant_id, source_system,
// source_external_id); natural keys like MRN are never used for dedup.
package record

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Platform gender codes (compact form of the FHIR administrative-gender
// value set).
const (
	GenderMale    = "M"
	GenderFemale  = "F"
	GenderOther   = "O"
	GenderUnknown = "U"
)

// Platform encounter statuses (closed set).
const (
	EncounterPlanned    = "planned"
	EncounterInProgress = "in_progress"
	EncounterCompleted  = "completed"
	EncounterCancelled  = "cancelled"
	EncounterUnknown    = "unknown"
)

// Platform condition statuses (closed set).
const (
	ConditionActive   = "active"
	ConditionResolved = "resolved"
	ConditionInactive = "inactive"
	ConditionUnknown  = "unknown"
)

// Platform procedure statuses (closed set).
const (
	ProcedureCompleted  = "completed"
	ProcedureInProgress = "in_progress"
	ProcedureNotDone    = "not_done"
	ProcedureUnknown    = "unknown"
)

// Patient maps to the synced_patient table.
type Patient struct {
	ID               uuid.UUID       `db:"id" json:"id"`
	TenantID         string          `db:"tenant_id" json:"tenant_id"`
	SourceSystem     string          `db:"source_system" json:"source_system"`
	SourceExternalID string          `db:"source_external_id" json:"source_external_id"`
	MRN              *string         `db:"mrn" json:"mrn,omitempty"`
	FirstName        *string         `db:"first_name" json:"first_name,omitempty"`
	LastName         *string         `db:"last_name" json:"last_name,omitempty"`
	Gender           string          `db:"gender" json:"gender"`
	DateOfBirth      *time.Time      `db:"date_of_birth" json:"date_of_birth,omitempty"`
	Phone            *string         `db:"phone" json:"phone,omitempty"`
	Email            *string         `db:"email" json:"email,omitempty"`
	AddressLine      *string         `db:"address_line" json:"address_line,omitempty"`
	City             *string         `db:"city" json:"city,omitempty"`
	State            *string         `db:"state" json:"state,omitempty"`
	PostalCode       *string         `db:"postal_code" json:"postal_code,omitempty"`
	Raw              json.RawMessage `db:"raw" json:"-"`
	CreatedAt        time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at" json:"updated_at"`
}

// Encounter maps to the synced_encounter table. PatientExternalID is the
// source system's patient id; the internal patient_id FK is resolved from
// it at upsert time and stays NULL until the parent has been seen.
type Encounter struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	TenantID          string          `db:"tenant_id" json:"tenant_id"`
	SourceSystem      string          `db:"source_system" json:"source_system"`
	SourceExternalID  string          `db:"source_external_id" json:"source_external_id"`
	PatientExternalID string          `db:"patient_external_id" json:"patient_external_id"`
	PatientID         *uuid.UUID      `db:"patient_id" json:"patient_id,omitempty"`
	Status            string          `db:"status" json:"status"`
	ClassCode         string          `db:"class_code" json:"class_code"`
	TypeText          *string         `db:"type_text" json:"type_text,omitempty"`
	ReasonText        *string         `db:"reason_text" json:"reason_text,omitempty"`
	PeriodStart       *time.Time      `db:"period_start" json:"period_start,omitempty"`
	PeriodEnd         *time.Time      `db:"period_end" json:"period_end,omitempty"`
	Raw               json.RawMessage `db:"raw" json:"-"`
	CreatedAt         time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

// Condition maps to the synced_condition table.
type Condition struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	TenantID            string          `db:"tenant_id" json:"tenant_id"`
	SourceSystem        string          `db:"source_system" json:"source_system"`
	SourceExternalID    string          `db:"source_external_id" json:"source_external_id"`
	PatientExternalID   string          `db:"patient_external_id" json:"patient_external_id"`
	EncounterExternalID string          `db:"encounter_external_id" json:"encounter_external_id"`
	EncounterID         *uuid.UUID      `db:"encounter_id" json:"encounter_id,omitempty"`
	ICD10Code           *string         `db:"icd10_code" json:"icd10_code,omitempty"`
	Description         *string         `db:"description" json:"description,omitempty"`
	Status              string          `db:"status" json:"status"`
	RecordedDate        *time.Time      `db:"recorded_date" json:"recorded_date,omitempty"`
	Raw                 json.RawMessage `db:"raw" json:"-"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}

// Procedure maps to the synced_procedure table.
type Procedure struct {
	ID                  uuid.UUID       `db:"id" json:"id"`
	TenantID            string          `db:"tenant_id" json:"tenant_id"`
	SourceSystem        string          `db:"source_system" json:"source_system"`
	SourceExternalID    string          `db:"source_external_id" json:"source_external_id"`
	PatientExternalID   string          `db:"patient_external_id" json:"patient_external_id"`
	EncounterExternalID string          `db:"encounter_external_id" json:"encounter_external_id"`
	EncounterID         *uuid.UUID      `db:"encounter_id" json:"encounter_id,omitempty"`
	CPTCode             *string         `db:"cpt_code" json:"cpt_code,omitempty"`
	Description         *string         `db:"description" json:"description,omitempty"`
	Status              string          `db:"status" json:"status"`
	PerformedAt         *time.Time      `db:"performed_at" json:"performed_at,omitempty"`
	Raw                 json.RawMessage `db:"raw" json:"-"`
	CreatedAt           time.Time       `db:"created_at" json:"created_at"`
	UpdatedAt           time.Time       `db:"updated_at" json:"updated_at"`
}
