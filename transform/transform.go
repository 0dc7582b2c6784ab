// Package transform renders outbound payloads from JSON templates.
//
// A template is ordinary JSON whose string values may embed {{placeholder}}
// tokens. Render walks the document, substitutes every token from a
// Context, and coerces substituted scalars that became fully numeric into
// JSON numbers. Unknown placeholders render as empty strings, never errors:
// a sloppy stored template degrades its own payload, nothing else.
//
// Everything in this package is pure. There is no current-template state
// and no registration side effects, so concurrent renders with different
// templates are safe by construction.
package transform

import (
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/smart-guard/exportgate/errors"
	"github.com/smart-guard/exportgate/export"
)

var placeholderRe = regexp.MustCompile(`\{\{([a-zA-Z0-9_]+)\}\}`)

// Context is the substitution variable set for one render. Build one with
// NewContext and extend it with With; the map is never mutated by Render.
type Context struct {
	vars map[string]string
}

// NewContext derives the standard variable set from a message and its
// mapping fields:
//
//	building_id, point_name, value, timestamp, alarm_flag, status,
//	description, target_field_name, target_description, converted_value,
//	timestamp_iso8601, timestamp_unix_ms, alarm_status
func NewContext(msg export.AlarmMessage, fieldName, description, convertedValue string) Context {
	return Context{vars: map[string]string{
		"building_id":        strconv.Itoa(msg.BuildingID),
		"point_name":         msg.PointName,
		"value":              strconv.FormatFloat(msg.Value, 'f', -1, 64),
		"timestamp":          msg.Time,
		"alarm_flag":         strconv.Itoa(msg.AlarmFlag),
		"status":             strconv.Itoa(msg.Status),
		"description":        msg.Description,
		"target_field_name":  fieldName,
		"target_description": description,
		"converted_value":    convertedValue,
		"timestamp_iso8601":  msg.TimeISO8601(),
		"timestamp_unix_ms":  strconv.FormatInt(msg.TimestampOrNow(), 10),
		"alarm_status":       msg.AlarmStatusText(),
	}}
}

// With returns a copy of the context carrying an extra variable. Extras can
// shadow the standard set.
func (c Context) With(key, value string) Context {
	vars := make(map[string]string, len(c.vars)+1)
	for k, v := range c.vars {
		vars[k] = v
	}
	vars[key] = value
	return Context{vars: vars}
}

// Lookup returns a variable's value and whether it is defined.
func (c Context) Lookup(key string) (string, bool) {
	v, ok := c.vars[key]
	return v, ok
}

// Render substitutes the context into a JSON template and returns the
// finished payload. The only error case is a template that is not valid
// JSON; substitution itself cannot fail.
func Render(template json.RawMessage, ctx Context) (json.RawMessage, error) {
	var doc any
	if err := json.Unmarshal(template, &doc); err != nil {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrTransformFailed, err),
			"Transformer", "Render", "template parse",
		)
	}

	doc = expand(doc, ctx)

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrTransformFailed, err),
			"Transformer", "Render", "payload encode",
		)
	}
	return out, nil
}

// RenderString substitutes the context into a plain string, for topic names
// and other non-JSON template surfaces. No numeric coercion.
func RenderString(template string, ctx Context) string {
	s, _ := substitute(template, ctx)
	return s
}

// expand walks a decoded JSON document, substituting string leaves.
func expand(node any, ctx Context) any {
	switch v := node.(type) {
	case string:
		s, substituted := substitute(v, ctx)
		if substituted {
			if n, ok := coerceNumber(s); ok {
				return n
			}
		}
		return s
	case map[string]any:
		for k, child := range v {
			v[k] = expand(child, ctx)
		}
		return v
	case []any:
		for i, child := range v {
			v[i] = expand(child, ctx)
		}
		return v
	default:
		return node
	}
}

// substitute replaces every {{name}} token and reports whether anything was
// replaced. Undefined names become empty strings.
func substitute(s string, ctx Context) (string, bool) {
	if !strings.Contains(s, "{{") {
		return s, false
	}
	substituted := false
	out := placeholderRe.ReplaceAllStringFunc(s, func(token string) string {
		substituted = true
		name := token[2 : len(token)-2]
		return ctx.vars[name]
	})
	return out, substituted
}

// coerceNumber converts a fully numeric substituted scalar into a JSON
// number. Partial matches stay strings: "2025-01-15T12:00:00Z" begins with
// digits but is not a number, so it must survive as text.
func coerceNumber(s string) (any, bool) {
	if s == "" {
		return nil, false
	}
	if c := s[0]; c != '-' && (c < '0' || c > '9') {
		return nil, false
	}
	if !strings.ContainsAny(s, ".eE") {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
		return nil, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return nil, false
	}
	return f, true
}
