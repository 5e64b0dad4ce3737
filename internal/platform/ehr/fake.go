package ehr

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/medcode/ehrsync/internal/platform/fhir"
)

// FakeSource is an in-memory Source used by tests and by connections with
// use_mock_data set. Production sources carry no mock branches; mock mode is
// isolated here.
type FakeSource struct {
	mu sync.Mutex

	Patients   []fhir.Patient
	Encounters map[string][]fhir.Encounter // patient external id -> encounters
	Conditions map[string][]fhir.Condition // encounter external id -> conditions
	Procedures map[string][]fhir.Procedure // encounter external id -> procedures

	// Error injection, consumed once per call site when set.
	AuthErr       error
	PatientsErr   error
	EncountersErr error
	ConditionsErr error
	ProceduresErr error

	AuthCalls       int
	InvalidateCalls int
}

// NewFakeSource returns an empty FakeSource.
func NewFakeSource() *FakeSource {
	return &FakeSource{
		Encounters: make(map[string][]fhir.Encounter),
		Conditions: make(map[string][]fhir.Condition),
		Procedures: make(map[string][]fhir.Procedure),
	}
}

// NewSeededFakeSource returns a FakeSource pre-populated with a small,
// deterministic population: n patients, one encounter each, and one
// condition and procedure per encounter. Used for mock-mode connections.
func NewSeededFakeSource(n int, updatedAt time.Time) *FakeSource {
	s := NewFakeSource()
	for i := 0; i < n; i++ {
		pid := fmt.Sprintf("mock-patient-%03d", i+1)
		eid := fmt.Sprintf("mock-encounter-%03d", i+1)
		s.Patients = append(s.Patients, fhir.Patient{
			ResourceType: "Patient",
			ID:           pid,
			Meta:         &fhir.Meta{LastUpdated: updatedAt},
			Identifier: []fhir.Identifier{{
				Type:  &fhir.CodeableConcept{Coding: []fhir.Coding{{Code: "MR"}}},
				Value: fmt.Sprintf("MRN%06d", i+1),
			}},
			Name:      []fhir.HumanName{{Use: "official", Family: fmt.Sprintf("Mock%03d", i+1), Given: []string{"Test"}}},
			Gender:    "unknown",
			BirthDate: "1970-01-01",
		})
		start := updatedAt.Add(-24 * time.Hour)
		s.Encounters[pid] = []fhir.Encounter{{
			ResourceType: "Encounter",
			ID:           eid,
			Meta:         &fhir.Meta{LastUpdated: updatedAt},
			Status:       "finished",
			Class:        fhir.Coding{System: "http://terminology.hl7.org/CodeSystem/v3-ActCode", Code: "AMB"},
			Subject:      fhir.Reference{Reference: fhir.FormatReference("Patient", pid)},
			Period:       &fhir.Period{Start: &start},
		}}
		s.Conditions[eid] = []fhir.Condition{{
			ResourceType: "Condition",
			ID:           fmt.Sprintf("mock-condition-%03d", i+1),
			Meta:         &fhir.Meta{LastUpdated: updatedAt},
			Code: fhir.CodeableConcept{Coding: []fhir.Coding{{
				System:  "http://hl7.org/fhir/sid/icd-10-cm",
				Code:    "Z00.00",
				Display: "General adult medical examination",
			}}},
			Subject:   fhir.Reference{Reference: fhir.FormatReference("Patient", pid)},
			Encounter: fhir.Reference{Reference: fhir.FormatReference("Encounter", eid)},
		}}
		s.Procedures[eid] = []fhir.Procedure{{
			ResourceType: "Procedure",
			ID:           fmt.Sprintf("mock-procedure-%03d", i+1),
			Meta:         &fhir.Meta{LastUpdated: updatedAt},
			Status:       "completed",
			Code: fhir.CodeableConcept{Coding: []fhir.Coding{{
				System:  "http://www.ama-assn.org/go/cpt",
				Code:    "99213",
				Display: "Office outpatient visit",
			}}},
			Subject:   fhir.Reference{Reference: fhir.FormatReference("Patient", pid)},
			Encounter: fhir.Reference{Reference: fhir.FormatReference("Encounter", eid)},
		}}
	}
	return s
}

func (s *FakeSource) Authenticate(_ context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AuthCalls++
	if s.AuthErr != nil {
		return "", s.AuthErr
	}
	return "fake-token", nil
}

func (s *FakeSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.InvalidateCalls++
}

func (s *FakeSource) FetchPatients(_ context.Context, _ string, since *time.Time) ([]fhir.Patient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.PatientsErr != nil {
		return nil, s.PatientsErr
	}
	if since == nil {
		return append([]fhir.Patient(nil), s.Patients...), nil
	}
	var out []fhir.Patient
	for _, p := range s.Patients {
		if p.Meta != nil && !p.Meta.LastUpdated.Before(*since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *FakeSource) FetchEncounters(_ context.Context, _ string, patientID string, _ *time.Time) ([]fhir.Encounter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.EncountersErr != nil {
		return nil, s.EncountersErr
	}
	return append([]fhir.Encounter(nil), s.Encounters[patientID]...), nil
}

func (s *FakeSource) FetchConditions(_ context.Context, _ string, encounterID string) ([]fhir.Condition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ConditionsErr != nil {
		return nil, s.ConditionsErr
	}
	return append([]fhir.Condition(nil), s.Conditions[encounterID]...), nil
}

func (s *FakeSource) FetchProcedures(_ context.Context, _ string, encounterID string) ([]fhir.Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ProceduresErr != nil {
		return nil, s.ProceduresErr
	}
	return append([]fhir.Procedure(nil), s.Procedures[encounterID]...), nil
}
