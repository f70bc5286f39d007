package timezone

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

type stringerZone struct{ name string }

func (s stringerZone) String() string { return s.name }

func TestResolve_Inputs(t *testing.T) {
	ny := "America/New_York"
	tests := []struct {
		name     string
		raw      any
		fallback string
		want     string
		source   Source
		diag     bool
	}{
		{"valid string", "America/Denver", "UTC", "America/Denver", SourceInput, false},
		{"padded string", "  Europe/Berlin\t", "UTC", "Europe/Berlin", SourceInput, false},
		{"utc", "UTC", "America/Denver", "UTC", SourceInput, false},
		{"empty string", "", "America/Denver", "America/Denver", SourceFallback, false},
		{"whitespace", "   ", "America/Denver", "America/Denver", SourceFallback, false},
		{"nil", nil, "America/Denver", "America/Denver", SourceFallback, false},
		{"unknown name", "Mars/Olympus_Mons", "America/Denver", "America/Denver", SourceFallback, true},
		{"local is not a zone", "Local", "America/Denver", "America/Denver", SourceFallback, true},
		{"pointer", &ny, "UTC", ny, SourceInput, false},
		{"nil pointer", (*string)(nil), "UTC", "UTC", SourceFallback, false},
		{"single element list", []any{"Asia/Tokyo"}, "UTC", "Asia/Tokyo", SourceInput, true},
		{"single element string list", []string{"Asia/Tokyo"}, "UTC", "Asia/Tokyo", SourceInput, true},
		{"nested list", []any{[]any{"Asia/Tokyo"}}, "UTC", "Asia/Tokyo", SourceInput, true},
		{"empty list", []any{}, "UTC", "UTC", SourceFallback, true},
		{"two element list", []string{"Asia/Tokyo", "UTC"}, "America/Denver", "America/Denver", SourceFallback, true},
		{"object with zone key", map[string]any{"zone": "Australia/Sydney"}, "UTC", "Australia/Sydney", SourceInput, true},
		{"object with value key", map[string]string{"label": "Sydney", "value": "Australia/Sydney"}, "UTC", "Australia/Sydney", SourceInput, true},
		{"object with list value", map[string]any{"zone": []any{"Asia/Kolkata"}}, "America/Chicago", "Asia/Kolkata", SourceInput, true},
		{"object with nested object", map[string]any{"timezone": map[string]any{"name": "Asia/Kolkata"}}, "America/Chicago", "Asia/Kolkata", SourceInput, true},
		{"json object bytes with list", []byte(`{"zone":["Asia/Kolkata"]}`), "America/Chicago", "Asia/Kolkata", SourceInput, true},
		{"object with bad zone key", map[string]any{"zone": 7, "tz": "Asia/Kolkata"}, "UTC", "Asia/Kolkata", SourceInput, true},
		{"object without zone", map[string]any{"offset": -5}, "America/Denver", "America/Denver", SourceFallback, true},
		{"json string bytes", []byte(`"Europe/Paris"`), "UTC", "Europe/Paris", SourceInput, false},
		{"json list bytes", []byte(`["Europe/Paris"]`), "UTC", "Europe/Paris", SourceInput, true},
		{"plain bytes", []byte("Europe/Paris"), "UTC", "Europe/Paris", SourceInput, false},
		{"stringer", stringerZone{"Africa/Lagos"}, "UTC", "Africa/Lagos", SourceInput, false},
		{"unsupported type", 42, "America/Denver", "America/Denver", SourceFallback, true},
		{"invalid fallback", "", "Nowhere/Special", DefaultZone, SourceDefault, false},
		{"empty fallback", "bogus", "", DefaultZone, SourceDefault, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Resolve(tt.raw, tt.fallback)
			if res.Zone != tt.want {
				t.Errorf("zone = %q, want %q", res.Zone, tt.want)
			}
			if res.Source != tt.source {
				t.Errorf("source = %q, want %q", res.Source, tt.source)
			}
			if (res.Diagnostic != "") != tt.diag {
				t.Errorf("diagnostic = %q, want present=%v", res.Diagnostic, tt.diag)
			}
			if !IsValid(res.Zone) {
				t.Errorf("result %q is not a valid zone", res.Zone)
			}
		})
	}
}

func TestCanonicalize_Idempotent(t *testing.T) {
	inputs := []any{
		"America/Chicago", " Asia/Kolkata ", "", nil, "garbage",
		[]any{"Europe/London"}, []any{}, map[string]any{"tz": "Pacific/Auckland"},
		map[string]any{"x": 1}, []byte(`{"timezone":"America/Phoenix"}`), 3.5,
	}
	for _, fb := range []string{"America/Los_Angeles", "", "not-a-zone"} {
		for _, in := range inputs {
			once := Canonicalize(in, fb)
			twice := Canonicalize(once, fb)
			if once != twice {
				t.Errorf("Canonicalize(%v, %q) not idempotent: %q then %q", in, fb, once, twice)
			}
			if !IsValid(once) {
				t.Errorf("Canonicalize(%v, %q) = %q which is not valid", in, fb, once)
			}
		}
	}
}

func TestCanonicalizer_LogsDiagnostics(t *testing.T) {
	var buf bytes.Buffer
	c := NewCanonicalizer(zerolog.New(&buf))

	if got := c.Canonicalize([]any{"America/Boise"}, "UTC"); got != "America/Boise" {
		t.Fatalf("expected America/Boise, got %s", got)
	}
	if !strings.Contains(buf.String(), "single-element list") {
		t.Errorf("expected a list diagnostic, got %q", buf.String())
	}

	buf.Reset()
	if got := c.Canonicalize("America/Boise", "UTC"); got != "America/Boise" {
		t.Fatalf("expected America/Boise, got %s", got)
	}
	if buf.Len() != 0 {
		t.Errorf("expected no log output for a canonical zone, got %q", buf.String())
	}
}

func TestCanonicalizer_NilReceiver(t *testing.T) {
	var c *Canonicalizer
	if got := c.Canonicalize([]any{"UTC"}, ""); got != "UTC" {
		t.Errorf("expected UTC, got %s", got)
	}
}

func TestLocation(t *testing.T) {
	if loc := Location("Asia/Tokyo"); loc.String() != "Asia/Tokyo" {
		t.Errorf("expected Asia/Tokyo, got %s", loc)
	}
	if loc := Location(""); loc.String() != DefaultZone {
		t.Errorf("expected default zone for empty input, got %s", loc)
	}
	if loc := Location("Local"); loc.String() != DefaultZone {
		t.Errorf("expected default zone for Local, got %s", loc)
	}
	if loc := Location("Bad/Zone"); loc.String() != DefaultZone {
		t.Errorf("expected default zone for invalid input, got %s", loc)
	}
}
