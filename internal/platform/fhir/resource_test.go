package fhir

import "testing"

func TestParseReference(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"Patient/abc", "abc"},
		{"Encounter/enc-1", "enc-1"},
		{"https://ehr.example.com/fhir/Patient/xyz", "xyz"},
		{"#contained", ""},
		{"", ""},
		{"Patient/", ""},
		{"noslash", ""},
	}
	for _, tc := range cases {
		if got := ParseReference(tc.in); got != tc.want {
			t.Errorf("ParseReference(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFormatReference(t *testing.T) {
	if got := FormatReference("Patient", "p1"); got != "Patient/p1" {
		t.Errorf("FormatReference = %q", got)
	}
}

func TestBundleNextLink(t *testing.T) {
	b := &Bundle{Link: []BundleLink{
		{Relation: "self", URL: "https://x/page1"},
		{Relation: "next", URL: "https://x/page2"},
	}}
	if got := b.NextLink(); got != "https://x/page2" {
		t.Errorf("NextLink = %q, want page2", got)
	}
	if got := (&Bundle{}).NextLink(); got != "" {
		t.Errorf("NextLink on empty bundle = %q, want empty", got)
	}
}
