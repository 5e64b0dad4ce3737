package ehr

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/medcode/ehrsync/internal/platform/fhir"
)

// Type identifies which EHR vendor a connection talks to. The set is closed;
// adding a vendor means adding a search profile below.
type Type string

const (
	TypeEpic     Type = "epic"
	TypeAthena   Type = "athena"
	TypeCerner   Type = "cerner"
	TypeMeditech Type = "meditech"
)

// ParseType validates an ehr_type value from connection configuration.
func ParseType(s string) (Type, error) {
	switch Type(s) {
	case TypeEpic, TypeAthena, TypeCerner, TypeMeditech:
		return Type(s), nil
	}
	return "", fmt.Errorf("unknown ehr type %q", s)
}

// Source is the per-connection view of one external EHR: it authenticates
// and fetches the four synced resource types. Exactly one implementation
// exists per vendor plus a FakeSource for tests and mock-mode connections.
type Source interface {
	Authenticate(ctx context.Context) (string, error)
	Invalidate()
	FetchPatients(ctx context.Context, token string, since *time.Time) ([]fhir.Patient, error)
	FetchEncounters(ctx context.Context, token, patientID string, since *time.Time) ([]fhir.Encounter, error)
	FetchConditions(ctx context.Context, token, encounterID string) ([]fhir.Condition, error)
	FetchProcedures(ctx context.Context, token, encounterID string) ([]fhir.Procedure, error)
}

// profile captures the per-vendor differences in the search API: parameter
// spelling and whether the vendor registers clients with a private key or a
// shared secret.
type profile struct {
	lastUpdatedParam string
	patientParam     string
	encounterParam   string
	usesSharedSecret bool
}

var profiles = map[Type]profile{
	TypeEpic:     {lastUpdatedParam: "_lastUpdated", patientParam: "patient", encounterParam: "encounter"},
	TypeCerner:   {lastUpdatedParam: "_lastUpdated", patientParam: "patient", encounterParam: "encounter"},
	TypeAthena:   {lastUpdatedParam: "_lastUpdated", patientParam: "patient", encounterParam: "encounter", usesSharedSecret: true},
	TypeMeditech: {lastUpdatedParam: "_lastUpdated", patientParam: "subject", encounterParam: "context", usesSharedSecret: true},
}

// SourceConfig carries everything needed to construct a Source from one
// connection row. Credential material is either PrivateKeyPEM (RS384
// vendors) or ClientSecret (shared-secret vendors).
type SourceConfig struct {
	Type          Type
	BaseURL       string
	TokenURL      string
	ClientID      string
	PrivateKeyPEM []byte
	ClientSecret  string
	Scopes        string
	PageSize      int
	MaxPages      int
	TokenMargin   time.Duration
	HTTPTimeout   time.Duration
	Logger        zerolog.Logger
}

// NewSource builds the vendor-specific Source for a connection.
func NewSource(cfg SourceConfig) (Source, error) {
	prof, ok := profiles[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unknown ehr type %q", cfg.Type)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if cfg.TokenURL == "" {
		return nil, fmt.Errorf("token url is required")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 50
	}
	if cfg.TokenMargin <= 0 {
		cfg.TokenMargin = DefaultTokenMargin
	}

	tokenOpts := []TokenOption{WithTokenMargin(cfg.TokenMargin)}
	if cfg.Scopes != "" {
		tokenOpts = append(tokenOpts, WithScopes(cfg.Scopes))
	}

	var (
		tokens TokenProvider
		err    error
	)
	if prof.usesSharedSecret {
		tokens, err = NewSharedSecretTokenProvider(cfg.TokenURL, cfg.ClientID, cfg.ClientSecret, tokenOpts...)
	} else {
		tokens, err = NewPrivateKeyTokenProvider(cfg.TokenURL, cfg.ClientID, cfg.PrivateKeyPEM, tokenOpts...)
	}
	if err != nil {
		return nil, fmt.Errorf("build token provider for %s: %w", cfg.Type, err)
	}

	clientOpts := []ClientOption{WithLogger(cfg.Logger)}
	if cfg.HTTPTimeout > 0 {
		clientOpts = append(clientOpts, WithHTTPClient(newHTTPClient(cfg.HTTPTimeout)))
	}

	return &fhirSource{
		prof:     prof,
		client:   NewClient(cfg.BaseURL, clientOpts...),
		tokens:   tokens,
		pageSize: cfg.PageSize,
		maxPages: cfg.MaxPages,
	}, nil
}

func newHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{Timeout: timeout}
}

// fhirSource is the shared FHIR REST implementation behind all four vendor
// types; the profile supplies the vendor-specific parameter spelling.
type fhirSource struct {
	prof     profile
	client   *Client
	tokens   TokenProvider
	pageSize int
	maxPages int
}

func (s *fhirSource) Authenticate(ctx context.Context) (string, error) {
	return s.tokens.Token(ctx)
}

func (s *fhirSource) Invalidate() {
	s.tokens.Invalidate()
}

func (s *fhirSource) FetchPatients(ctx context.Context, token string, since *time.Time) ([]fhir.Patient, error) {
	params := s.baseParams()
	if since != nil {
		params.Set(s.prof.lastUpdatedParam, "ge"+since.UTC().Format(time.RFC3339))
	}
	entries, err := s.client.GetAllPages(ctx, "Patient", params, token, s.maxPages)
	if err != nil {
		return nil, err
	}
	return decodeEntries[fhir.Patient](entries, "Patient")
}

func (s *fhirSource) FetchEncounters(ctx context.Context, token, patientID string, since *time.Time) ([]fhir.Encounter, error) {
	params := s.baseParams()
	params.Set(s.prof.patientParam, patientID)
	if since != nil {
		params.Set(s.prof.lastUpdatedParam, "ge"+since.UTC().Format(time.RFC3339))
	}
	entries, err := s.client.GetAllPages(ctx, "Encounter", params, token, s.maxPages)
	if err != nil {
		return nil, err
	}
	return decodeEntries[fhir.Encounter](entries, "Encounter")
}

func (s *fhirSource) FetchConditions(ctx context.Context, token, encounterID string) ([]fhir.Condition, error) {
	params := s.baseParams()
	params.Set(s.prof.encounterParam, encounterID)
	entries, err := s.client.GetAllPages(ctx, "Condition", params, token, s.maxPages)
	if err != nil {
		return nil, err
	}
	return decodeEntries[fhir.Condition](entries, "Condition")
}

func (s *fhirSource) FetchProcedures(ctx context.Context, token, encounterID string) ([]fhir.Procedure, error) {
	params := s.baseParams()
	params.Set(s.prof.encounterParam, encounterID)
	entries, err := s.client.GetAllPages(ctx, "Procedure", params, token, s.maxPages)
	if err != nil {
		return nil, err
	}
	return decodeEntries[fhir.Procedure](entries, "Procedure")
}

func (s *fhirSource) baseParams() url.Values {
	params := url.Values{}
	params.Set("_count", strconv.Itoa(s.pageSize))
	return params
}

// decodeEntries unmarshals bundle entries into the expected resource type,
// skipping entries of other types (servers may interleave OperationOutcome
// entries into search results).
func decodeEntries[T any](entries []fhir.BundleEntry, resourceType string) ([]T, error) {
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		if len(e.Resource) == 0 {
			continue
		}
		var probe struct {
			ResourceType string `json:"resourceType"`
		}
		if err := json.Unmarshal(e.Resource, &probe); err != nil {
			return nil, fmt.Errorf("probe bundle entry: %w", err)
		}
		if probe.ResourceType != resourceType {
			continue
		}
		var res T
		if err := json.Unmarshal(e.Resource, &res); err != nil {
			return nil, fmt.Errorf("decode %s entry: %w", resourceType, err)
		}
		out = append(out, res)
	}
	return out, nil
}
