// Package fhir holds the wire-level FHIR R4 types the sync engine decodes
// from external EHR APIs. Only the elements the engine reads are modelled;
// unknown elements are ignored by encoding/json.
package fhir

import (
	"strings"
	"time"
)

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
	Profile     []string  `json:"profile,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Type       string   `json:"type,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
	Rank   int    `json:"rank,omitempty"`
}

type Period struct {
	Start *time.Time `json:"start,omitempty"`
	End   *time.Time `json:"end,omitempty"`
}

// Patient is the subset of FHIR R4 Patient the engine consumes.
type Patient struct {
	ResourceType string         `json:"resourceType"`
	ID           string         `json:"id"`
	Meta         *Meta          `json:"meta,omitempty"`
	Identifier   []Identifier   `json:"identifier,omitempty"`
	Active       *bool          `json:"active,omitempty"`
	Name         []HumanName    `json:"name,omitempty"`
	Telecom      []ContactPoint `json:"telecom,omitempty"`
	Gender       string         `json:"gender,omitempty"`
	BirthDate    string         `json:"birthDate,omitempty"`
	Address      []Address      `json:"address,omitempty"`
}

// Encounter is the subset of FHIR R4 Encounter the engine consumes.
type Encounter struct {
	ResourceType    string            `json:"resourceType"`
	ID              string            `json:"id"`
	Meta            *Meta             `json:"meta,omitempty"`
	Identifier      []Identifier      `json:"identifier,omitempty"`
	Status          string            `json:"status,omitempty"`
	Class           Coding            `json:"class,omitempty"`
	Type            []CodeableConcept `json:"type,omitempty"`
	Subject         Reference         `json:"subject,omitempty"`
	Period          *Period           `json:"period,omitempty"`
	ReasonCode      []CodeableConcept `json:"reasonCode,omitempty"`
	ServiceProvider Reference         `json:"serviceProvider,omitempty"`
}

// Condition is the subset of FHIR R4 Condition the engine consumes.
type Condition struct {
	ResourceType       string            `json:"resourceType"`
	ID                 string            `json:"id"`
	Meta               *Meta             `json:"meta,omitempty"`
	ClinicalStatus     CodeableConcept   `json:"clinicalStatus,omitempty"`
	VerificationStatus CodeableConcept   `json:"verificationStatus,omitempty"`
	Category           []CodeableConcept `json:"category,omitempty"`
	Code               CodeableConcept   `json:"code,omitempty"`
	Subject            Reference         `json:"subject,omitempty"`
	Encounter          Reference         `json:"encounter,omitempty"`
	OnsetDateTime      string            `json:"onsetDateTime,omitempty"`
	RecordedDate       string            `json:"recordedDate,omitempty"`
}

// Procedure is the subset of FHIR R4 Procedure the engine consumes.
type Procedure struct {
	ResourceType      string          `json:"resourceType"`
	ID                string          `json:"id"`
	Meta              *Meta           `json:"meta,omitempty"`
	Status            string          `json:"status,omitempty"`
	Code              CodeableConcept `json:"code,omitempty"`
	Subject           Reference       `json:"subject,omitempty"`
	Encounter         Reference       `json:"encounter,omitempty"`
	PerformedDateTime string          `json:"performedDateTime,omitempty"`
	PerformedPeriod   *Period         `json:"performedPeriod,omitempty"`
}

// ParseReference extracts the id segment from a "ResourceType/id" reference
// string. Contained ("#x") and malformed references yield "".
func ParseReference(ref string) string {
	if ref == "" || strings.HasPrefix(ref, "#") {
		return ""
	}
	idx := strings.LastIndex(ref, "/")
	if idx < 0 || idx == len(ref)-1 {
		return ""
	}
	return ref[idx+1:]
}

// FormatReference creates a FHIR reference string.
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
