package audit

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Line is one label/value pair of a flattened details payload.
type Line struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

var wellKnown = []string{"status", "reason", "changes", "location", "userAgent"}

// FlattenDetails renders a details payload as display lines. Well-known keys
// come first in a fixed order; everything else follows sorted by key.
func FlattenDetails(raw []byte) []Line {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return []Line{{Label: "Details", Value: string(raw)}}
	}
	var lines []Line
	for _, k := range wellKnown {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch k {
		case "status":
			lines = append(lines, Line{"Status", scalar(v)})
		case "reason":
			lines = append(lines, Line{"Reason", scalar(v)})
		case "changes":
			lines = append(lines, changeLines(v)...)
		case "location":
			lines = append(lines, Line{"Location", location(v)})
		case "userAgent":
			lines = append(lines, Line{"User agent", scalar(v)})
		}
	}
	rest := make([]string, 0, len(m))
	for k := range m {
		if !isWellKnown(k) {
			rest = append(rest, k)
		}
	}
	sort.Strings(rest)
	for _, k := range rest {
		lines = append(lines, Line{humanize(k), scalar(m[k])})
	}
	return lines
}

func isWellKnown(k string) bool {
	for _, w := range wellKnown {
		if k == w {
			return true
		}
	}
	return false
}

func changeLines(v any) []Line {
	changes, ok := v.(map[string]any)
	if !ok {
		return []Line{{"Changes", scalar(v)}}
	}
	fields := make([]string, 0, len(changes))
	for f := range changes {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	lines := make([]Line, 0, len(fields))
	for _, f := range fields {
		c, ok := changes[f].(map[string]any)
		if !ok {
			lines = append(lines, Line{"Changed " + humanize(f), scalar(changes[f])})
			continue
		}
		lines = append(lines, Line{"Changed " + humanize(f), scalar(c["old"]) + " -> " + scalar(c["new"])})
	}
	return lines
}

func location(v any) string {
	loc, ok := v.(map[string]any)
	if !ok {
		return scalar(v)
	}
	var parts []string
	for _, k := range []string{"city", "region", "country"} {
		if s, ok := loc[k].(string); ok && s != "" {
			parts = append(parts, s)
		}
	}
	if len(parts) == 0 {
		if ip, ok := loc["ip"].(string); ok && ip != "" {
			return "unknown (" + ip + ")"
		}
		return "unknown"
	}
	return strings.Join(parts, ", ")
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return "-"
	case string:
		if t == "" {
			return "-"
		}
		return t
	case bool:
		if t {
			return "yes"
		}
		return "no"
	case float64:
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%g", t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

// humanize turns snake_case or camelCase keys into "Sentence case".
func humanize(k string) string {
	var b strings.Builder
	for i, r := range k {
		switch {
		case r == '_' || r == '-':
			b.WriteByte(' ')
		case r >= 'A' && r <= 'Z' && i > 0:
			b.WriteByte(' ')
			b.WriteRune(r + ('a' - 'A'))
		default:
			b.WriteRune(r)
		}
	}
	s := b.String()
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
