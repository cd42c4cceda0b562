package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"

	"roundabout.dev/analytics/model"
)

type Kind int

const (
	// The feed reported a vehicle id.
	KindExact Kind = iota

	// Derived from line, direction, position and stop.
	KindFuzzy
)

func (k Kind) String() string {
	switch k {
	case KindExact:
		return "exact"
	case KindFuzzy:
		return "fuzzy"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Key is the engine's identity for a physical vehicle. Exact keys are
// stable across cycles. Fuzzy keys are only stable while line,
// direction and rounded position stay the same.
type Key struct {
	Kind  Kind
	Value string
}

func (k Key) String() string {
	return k.Value
}

func (k Key) IsExact() bool {
	return k.Kind == KindExact
}

const (
	exactPrefix = "garage:"
	fuzzyPrefix = "hash:"
)

// KeyFor derives the key for an observation. decimals is the number
// of decimal places vehicle coordinates are rounded to.
func KeyFor(o *model.Observation, decimals int) Key {
	if id := strings.TrimSpace(o.RawVehicleID()); id != "" {
		return Key{Kind: KindExact, Value: exactPrefix + id}
	}

	sum := sha256.Sum256([]byte(fuzzyPayload(o, decimals)))
	return Key{Kind: KindFuzzy, Value: fuzzyPrefix + hex.EncodeToString(sum[:])[:16]}
}

// The payload is the sorted-key JSON document Python's
// json.dumps(sort_keys=True) writes, so keys match those computed by
// other producers of the same feed.
func fuzzyPayload(o *model.Observation, decimals int) string {
	var b strings.Builder

	b.WriteString(`{"direction": `)
	if o.Direction == nil {
		b.WriteString("null")
	} else {
		writeJSONString(&b, *o.Direction)
	}

	b.WriteString(`, "lat": `)
	writeCoordinate(&b, o.VehicleLat, decimals)
	b.WriteString(`, "line_number": `)
	writeJSONString(&b, o.LineNumber)
	b.WriteString(`, "lon": `)
	writeCoordinate(&b, o.VehicleLon, decimals)

	// Without a position, vehicles approaching different stops
	// must not collapse into one key.
	if _, _, ok := o.Position(); !ok {
		stop := o.StopCode
		if stop == "" {
			stop = o.StopID
		}
		b.WriteString(`, "stop_code": `)
		writeJSONString(&b, stop)
	}

	b.WriteByte('}')
	return b.String()
}

func writeCoordinate(b *strings.Builder, v *float64, decimals int) {
	if v == nil {
		b.WriteString("null")
		return
	}
	b.WriteString(pythonFloat(roundFloat(*v, decimals)))
}

// Correctly rounded to decimals places, half to even on exact ties.
func roundFloat(v float64, decimals int) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	rounded, err := strconv.ParseFloat(strconv.FormatFloat(v, 'f', decimals, 64), 64)
	if err != nil {
		return v
	}
	return rounded
}

// Shortest round-tripping representation, formatted like Python's
// float repr.
func pythonFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "NaN"
	case math.IsInf(v, 1):
		return "Infinity"
	case math.IsInf(v, -1):
		return "-Infinity"
	}

	sci := strconv.FormatFloat(v, 'e', -1, 64)
	exp, _ := strconv.Atoi(sci[strings.IndexByte(sci, 'e')+1:])
	if v != 0 && (exp < -4 || exp >= 16) {
		return sci
	}

	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

// Quotes s with only ASCII in the output.
func writeJSONString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch {
		case r == '"':
			b.WriteString(`\"`)
		case r == '\\':
			b.WriteString(`\\`)
		case r == '\n':
			b.WriteString(`\n`)
		case r == '\r':
			b.WriteString(`\r`)
		case r == '\t':
			b.WriteString(`\t`)
		case r == '\b':
			b.WriteString(`\b`)
		case r == '\f':
			b.WriteString(`\f`)
		case r < 0x20 || (r > 0x7e && r < 0x10000):
			fmt.Fprintf(b, `\u%04x`, r)
		case r >= 0x10000:
			r1, r2 := utf16.EncodeRune(r)
			fmt.Fprintf(b, `\u%04x\u%04x`, r1, r2)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
}

// ParseKey recognizes keys produced by KeyFor.
func ParseKey(s string) (Key, error) {
	switch {
	case strings.HasPrefix(s, exactPrefix) && len(s) > len(exactPrefix):
		return Key{Kind: KindExact, Value: s}, nil
	case strings.HasPrefix(s, fuzzyPrefix) && len(s) == len(fuzzyPrefix)+16:
		return Key{Kind: KindFuzzy, Value: s}, nil
	}
	return Key{}, fmt.Errorf("unrecognized vehicle key '%s'", s)
}
