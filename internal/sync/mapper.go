// Package sync contains the engine core: the pure resource mappers, the
// per-cycle worker state machine, and the per-connection scheduler.
package sync

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/medcode/ehrsync/internal/domain/record"
	"github.com/medcode/ehrsync/internal/platform/fhir"
)

// Coding systems preferred when extracting billing codes.
const (
	systemICD10CM = "http://hl7.org/fhir/sid/icd-10-cm"
	systemICD10   = "http://hl7.org/fhir/sid/icd-10"
	systemCPT     = "http://www.ama-assn.org/go/cpt"
	systemHCPCS   = "https://www.cms.gov/Medicare/Coding/HCPCSReleaseCodeSets"
)

// MapPatient converts a source Patient into its canonical form. The only
// hard requirement is a source id; every other field degrades to nil or a
// defined default so one sparse upstream record never fails a cycle.
func MapPatient(tenantID, sourceSystem string, p fhir.Patient) (*record.Patient, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("patient has no id")
	}

	out := &record.Patient{
		TenantID:         tenantID,
		SourceSystem:     sourceSystem,
		SourceExternalID: p.ID,
		MRN:              patientMRN(p.Identifier),
		Gender:           mapGender(p.Gender),
		DateOfBirth:      parseDate(p.BirthDate),
		Raw:              marshalRaw(p),
	}

	if len(p.Name) > 0 {
		n := p.Name[0]
		if len(n.Given) > 0 {
			out.FirstName = nonEmpty(n.Given[0])
		}
		out.LastName = nonEmpty(n.Family)
	}
	for _, t := range p.Telecom {
		switch t.System {
		case "phone":
			if out.Phone == nil {
				out.Phone = nonEmpty(t.Value)
			}
		case "email":
			if out.Email == nil {
				out.Email = nonEmpty(t.Value)
			}
		}
	}
	if len(p.Address) > 0 {
		a := p.Address[0]
		if len(a.Line) > 0 {
			out.AddressLine = nonEmpty(a.Line[0])
		}
		out.City = nonEmpty(a.City)
		out.State = nonEmpty(a.State)
		out.PostalCode = nonEmpty(a.PostalCode)
	}
	return out, nil
}

// MapEncounter converts a source Encounter. The patient link is carried as
// the subject reference's id tail; an absent or contained subject leaves it
// empty and the encounter is stored unlinked.
func MapEncounter(tenantID, sourceSystem string, e fhir.Encounter) (*record.Encounter, error) {
	if e.ID == "" {
		return nil, fmt.Errorf("encounter has no id")
	}

	out := &record.Encounter{
		TenantID:          tenantID,
		SourceSystem:      sourceSystem,
		SourceExternalID:  e.ID,
		PatientExternalID: fhir.ParseReference(e.Subject.Reference),
		Status:            mapEncounterStatus(e.Status),
		ClassCode:         e.Class.Code,
		Raw:               marshalRaw(e),
	}
	if len(e.Type) > 0 {
		out.TypeText = nonEmpty(conceptText(e.Type[0]))
	}
	if len(e.ReasonCode) > 0 {
		out.ReasonText = nonEmpty(conceptText(e.ReasonCode[0]))
	}
	if e.Period != nil {
		out.PeriodStart = e.Period.Start
		out.PeriodEnd = e.Period.End
	}
	return out, nil
}

// MapCondition converts a source Condition, preferring an ICD-10-CM coding
// for the billing code.
func MapCondition(tenantID, sourceSystem string, c fhir.Condition) (*record.Condition, error) {
	if c.ID == "" {
		return nil, fmt.Errorf("condition has no id")
	}

	code, desc := pickCoding(c.Code, systemICD10CM, systemICD10)
	return &record.Condition{
		TenantID:            tenantID,
		SourceSystem:        sourceSystem,
		SourceExternalID:    c.ID,
		PatientExternalID:   fhir.ParseReference(c.Subject.Reference),
		EncounterExternalID: fhir.ParseReference(c.Encounter.Reference),
		ICD10Code:           code,
		Description:         desc,
		Status:              mapConditionStatus(c.ClinicalStatus),
		RecordedDate:        parseDateTime(c.RecordedDate),
		Raw:                 marshalRaw(c),
	}, nil
}

// MapProcedure converts a source Procedure, preferring a CPT or HCPCS
// coding for the billing code. performedPeriod.start stands in when
// performedDateTime is absent.
func MapProcedure(tenantID, sourceSystem string, p fhir.Procedure) (*record.Procedure, error) {
	if p.ID == "" {
		return nil, fmt.Errorf("procedure has no id")
	}

	code, desc := pickCoding(p.Code, systemCPT, systemHCPCS)
	out := &record.Procedure{
		TenantID:            tenantID,
		SourceSystem:        sourceSystem,
		SourceExternalID:    p.ID,
		PatientExternalID:   fhir.ParseReference(p.Subject.Reference),
		EncounterExternalID: fhir.ParseReference(p.Encounter.Reference),
		CPTCode:             code,
		Description:         desc,
		Status:              mapProcedureStatus(p.Status),
		PerformedAt:         parseDateTime(p.PerformedDateTime),
		Raw:                 marshalRaw(p),
	}
	if out.PerformedAt == nil && p.PerformedPeriod != nil {
		out.PerformedAt = p.PerformedPeriod.Start
	}
	return out, nil
}

// patientMRN picks the identifier typed MR, falling back to the first
// identifier carrying a value.
func patientMRN(ids []fhir.Identifier) *string {
	for _, id := range ids {
		if id.Type == nil || id.Value == "" {
			continue
		}
		for _, c := range id.Type.Coding {
			if c.Code == "MR" {
				v := id.Value
				return &v
			}
		}
	}
	for _, id := range ids {
		if id.Value != "" {
			v := id.Value
			return &v
		}
	}
	return nil
}

func mapGender(g string) string {
	switch strings.ToLower(g) {
	case "male":
		return record.GenderMale
	case "female":
		return record.GenderFemale
	case "other":
		return record.GenderOther
	default:
		return record.GenderUnknown
	}
}

func mapEncounterStatus(s string) string {
	switch s {
	case "planned":
		return record.EncounterPlanned
	case "arrived", "triaged", "in-progress", "onleave":
		return record.EncounterInProgress
	case "finished":
		return record.EncounterCompleted
	case "cancelled", "entered-in-error":
		return record.EncounterCancelled
	default:
		return record.EncounterUnknown
	}
}

func mapConditionStatus(cc fhir.CodeableConcept) string {
	var code string
	if len(cc.Coding) > 0 {
		code = cc.Coding[0].Code
	}
	switch code {
	case "active", "recurrence", "relapse":
		return record.ConditionActive
	case "resolved", "remission":
		return record.ConditionResolved
	case "inactive":
		return record.ConditionInactive
	default:
		return record.ConditionUnknown
	}
}

func mapProcedureStatus(s string) string {
	switch s {
	case "completed":
		return record.ProcedureCompleted
	case "preparation", "in-progress":
		return record.ProcedureInProgress
	case "not-done":
		return record.ProcedureNotDone
	default:
		return record.ProcedureUnknown
	}
}

// pickCoding selects a code and its description from a concept: the first
// coding whose system matches a preferred system wins, then the first
// coding of any system, then the concept's free text with no code.
func pickCoding(cc fhir.CodeableConcept, preferred ...string) (code, desc *string) {
	for _, sys := range preferred {
		for _, c := range cc.Coding {
			if c.System == sys && c.Code != "" {
				return nonEmpty(c.Code), nonEmpty(firstOf(c.Display, cc.Text))
			}
		}
	}
	for _, c := range cc.Coding {
		if c.Code != "" {
			return nonEmpty(c.Code), nonEmpty(firstOf(c.Display, cc.Text))
		}
	}
	return nil, nonEmpty(cc.Text)
}

func conceptText(cc fhir.CodeableConcept) string {
	if cc.Text != "" {
		return cc.Text
	}
	for _, c := range cc.Coding {
		if c.Display != "" {
			return c.Display
		}
	}
	return ""
}

// parseDate handles the FHIR date type, which may be a full date or just a
// year or year-month.
func parseDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range []string{"2006-01-02", "2006-01", "2006"} {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func parseDateTime(s string) *time.Time {
	if s == "" {
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t
	}
	return parseDate(s)
}

func marshalRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func firstOf(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
