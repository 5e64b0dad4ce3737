package ehr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/medcode/ehrsync/internal/platform/fhir"
)

func pageBundle(srvURL string, page, perPage, totalPages int) fhir.Bundle {
	b := fhir.Bundle{ResourceType: "Bundle", Type: "searchset"}
	for i := 0; i < perPage; i++ {
		res, _ := json.Marshal(map[string]string{
			"resourceType": "Patient",
			"id":           fmt.Sprintf("p%d-%d", page, i),
		})
		b.Entry = append(b.Entry, fhir.BundleEntry{Resource: res})
	}
	if page < totalPages {
		b.Link = append(b.Link, fhir.BundleLink{
			Relation: "next",
			URL:      fmt.Sprintf("%s/Patient?page=%d", srvURL, page+1),
		})
	}
	return b
}

func pagingServer(t *testing.T, perPage, totalPages int, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Accept"); got != fhirAcceptHeader {
			t.Errorf("Accept = %q", got)
		}
		page := 1
		if v := r.URL.Query().Get("page"); v != "" {
			page, _ = strconv.Atoi(v)
		}
		w.Header().Set("Content-Type", fhirAcceptHeader)
		json.NewEncoder(w).Encode(pageBundle(srv.URL, page, perPage, totalPages))
	}))
	return srv
}

func TestGetAllPagesFollowsNextLinks(t *testing.T) {
	var requests atomic.Int32
	srv := pagingServer(t, 100, 3, &requests)
	defer srv.Close()

	c := NewClient(srv.URL)
	entries, err := c.GetAllPages(context.Background(), "Patient", url.Values{}, "tok", 50)
	if err != nil {
		t.Fatalf("GetAllPages: %v", err)
	}
	if len(entries) != 300 {
		t.Errorf("entries = %d, want 300 across 3 pages", len(entries))
	}
	if got := requests.Load(); got != 3 {
		t.Errorf("requests = %d, want 3", got)
	}
}

func TestGetAllPagesStopsAtMaxPages(t *testing.T) {
	var requests atomic.Int32
	srv := pagingServer(t, 10, 5, &requests)
	defer srv.Close()

	c := NewClient(srv.URL)
	entries, err := c.GetAllPages(context.Background(), "Patient", url.Values{}, "tok", 2)
	if err != nil {
		t.Fatalf("GetAllPages: %v", err)
	}
	if len(entries) != 20 {
		t.Errorf("entries = %d, want 20 from 2 pages", len(entries))
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2", got)
	}
}

func TestClientHonorsRetryAfterOn429(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "2")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	begun := time.Now()
	_, err := c.Get(context.Background(), "Patient", nil, "tok")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got := requests.Load(); got != 2 {
		t.Errorf("requests = %d, want 2 (one retry)", got)
	}
	if elapsed := time.Since(begun); elapsed < 2*time.Second {
		t.Errorf("retried after %v, want at least the 2s Retry-After", elapsed)
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, `{"resourceType":"OperationOutcome"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Get(context.Background(), "Patient/missing", nil, "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err = %v, want *APIError", err)
	}
	if apiErr.Status != http.StatusNotFound {
		t.Errorf("status = %d, want 404", apiErr.Status)
	}
	if got := requests.Load(); got != 1 {
		t.Errorf("requests = %d, want 1 (no retry on 4xx)", got)
	}
}

func TestClientRetriesDroppedConnections(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			hj, ok := w.(http.Hijacker)
			if !ok {
				t.Fatal("response writer is not a hijacker")
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		fmt.Fprint(w, `{"resourceType":"Bundle","type":"searchset"}`)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithMaxInterval(50*time.Millisecond))
	bundle, err := c.Get(context.Background(), "Patient", nil, "tok")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if bundle.Type != "searchset" {
		t.Errorf("bundle type = %q", bundle.Type)
	}
	if got := requests.Load(); got < 2 {
		t.Errorf("requests = %d, want a retry after the dropped connection", got)
	}
}

func TestClientReportsUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "expired token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Get(context.Background(), "Patient", nil, "tok")
	var apiErr *APIError
	if !errors.As(err, &apiErr) || !apiErr.IsUnauthorized() {
		t.Fatalf("err = %v, want unauthorized *APIError", err)
	}
	if !strings.Contains(apiErr.Body, "expired token") {
		t.Errorf("body = %q", apiErr.Body)
	}
}

func TestParseRetryAfter(t *testing.T) {
	cases := map[string]time.Duration{
		"":     defaultRetryAfter,
		"2":    2 * time.Second,
		" 5 ":  5 * time.Second,
		"-1":   defaultRetryAfter,
		"soon": defaultRetryAfter,
	}
	for in, want := range cases {
		if got := parseRetryAfter(in); got != want {
			t.Errorf("parseRetryAfter(%q) = %v, want %v", in, got, want)
		}
	}
}
