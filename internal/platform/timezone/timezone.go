// Package timezone turns loosely typed zone values from the practice store into
// valid IANA zone identifiers.
package timezone

import (
	"fmt"
	"strings"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// DefaultZone is the last link of every fallback chain.
const DefaultZone = "America/Chicago"

// Source records which link of the fallback chain produced a zone.
type Source string

const (
	SourceInput    Source = "input"
	SourceFallback Source = "fallback"
	SourceDefault  Source = "default"
)

// objectZoneKeys are checked in order when a zone arrives as an object.
var objectZoneKeys = []string{"zone", "timezone", "time_zone", "tz", "name", "value"}

// Resolution is the outcome of resolving a raw zone value.
type Resolution struct {
	Zone       string
	Source     Source
	RawKind    string
	Diagnostic string
}

// Resolve canonicalizes raw without side effects. The returned zone is always
// loadable.
func Resolve(raw any, fallback string) Resolution {
	kind := kindOf(raw)
	zone, diag := fromRaw(raw, 0)
	if zone != "" {
		return Resolution{Zone: zone, Source: SourceInput, RawKind: kind, Diagnostic: diag}
	}
	if fb := strings.TrimSpace(fallback); IsValid(fb) {
		return Resolution{Zone: fb, Source: SourceFallback, RawKind: kind, Diagnostic: diag}
	}
	return Resolution{Zone: DefaultZone, Source: SourceDefault, RawKind: kind, Diagnostic: diag}
}

// Canonicalizer wraps Resolve and reports data-quality diagnostics.
type Canonicalizer struct {
	logger zerolog.Logger
}

func NewCanonicalizer(logger zerolog.Logger) *Canonicalizer {
	return &Canonicalizer{logger: logger}
}

// Canonicalize returns a valid IANA zone for raw, falling back to fallback and
// then DefaultZone. It never fails.
func (c *Canonicalizer) Canonicalize(raw any, fallback string) string {
	res := Resolve(raw, fallback)
	if res.Diagnostic != "" && c != nil {
		c.logger.Warn().
			Str("raw_kind", res.RawKind).
			Str("raw", fmt.Sprintf("%v", raw)).
			Str("zone", res.Zone).
			Str("source", string(res.Source)).
			Msg(res.Diagnostic)
	}
	return res.Zone
}

// Canonicalize resolves raw without logging.
func Canonicalize(raw any, fallback string) string {
	return Resolve(raw, fallback).Zone
}

// IsValid reports whether s is a loadable IANA zone name.
func IsValid(s string) bool {
	if s == "" || s == "Local" || strings.TrimSpace(s) != s {
		return false
	}
	_, err := load(s)
	return err == nil
}

var locations sync.Map // zone name -> *time.Location

// Location returns the location for zone, or DefaultZone's location when zone
// cannot be loaded.
func Location(zone string) *time.Location {
	if zone != "" && zone != "Local" {
		if loc, err := load(zone); err == nil {
			return loc
		}
	}
	loc, _ := load(DefaultZone)
	return loc
}

func load(zone string) (*time.Location, error) {
	if v, ok := locations.Load(zone); ok {
		return v.(*time.Location), nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, err
	}
	locations.Store(zone, loc)
	return loc, nil
}

// maxDepth bounds recursion through nested single-element arrays.
const maxDepth = 4

func fromRaw(raw any, depth int) (string, string) {
	if depth > maxDepth {
		return "", "zone value nested too deeply"
	}
	switch v := raw.(type) {
	case nil:
		return "", ""
	case string:
		return fromText(v)
	case *string:
		if v == nil {
			return "", ""
		}
		return fromText(*v)
	case []byte:
		return fromBytes(v, depth)
	case []string:
		items := make([]any, len(v))
		for i := range v {
			items[i] = v[i]
		}
		return fromList(items, depth)
	case []any:
		return fromList(v, depth)
	case map[string]string:
		obj := make(map[string]any, len(v))
		for k, s := range v {
			obj[k] = s
		}
		return fromObject(obj, depth)
	case map[string]any:
		return fromObject(v, depth)
	case fmt.Stringer:
		return fromText(v.String())
	default:
		return "", fmt.Sprintf("unsupported zone value of type %T", raw)
	}
}

func fromText(s string) (string, string) {
	if zone := fromString(s); zone != "" {
		return zone, ""
	}
	if strings.TrimSpace(s) == "" {
		return "", ""
	}
	return "", fmt.Sprintf("unrecognized zone name %q", s)
}

func fromString(s string) string {
	s = strings.TrimSpace(s)
	if IsValid(s) {
		return s
	}
	return ""
}

// fromBytes handles JSON columns: decoded JSON is resolved recursively, and
// anything that is not JSON is treated as plain text.
func fromBytes(b []byte, depth int) (string, string) {
	var decoded any
	if err := json.Unmarshal(b, &decoded); err != nil {
		return fromText(string(b))
	}
	return fromRaw(decoded, depth+1)
}

func fromList(items []any, depth int) (string, string) {
	if len(items) != 1 {
		return "", fmt.Sprintf("zone stored as a list of %d values", len(items))
	}
	zone, inner := fromRaw(items[0], depth+1)
	diag := "zone stored as a single-element list"
	if inner != "" {
		diag += "; " + inner
	}
	return zone, diag
}

func fromObject(obj map[string]any, depth int) (string, string) {
	for _, key := range objectZoneKeys {
		v, ok := obj[key]
		if !ok {
			continue
		}
		if zone, _ := fromRaw(v, depth+1); zone != "" {
			return zone, fmt.Sprintf("zone stored as an object, used key %q", key)
		}
	}
	encoded, err := json.Marshal(obj)
	if err != nil {
		return "", "zone stored as an object that cannot be encoded"
	}
	return fromString(string(encoded)), fmt.Sprintf("zone stored as an object %s", encoded)
}

func kindOf(raw any) string {
	switch raw.(type) {
	case nil:
		return "nil"
	case string, *string:
		return "string"
	case []byte:
		return "json"
	case []string, []any:
		return "list"
	case map[string]string, map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", raw)
	}
}
