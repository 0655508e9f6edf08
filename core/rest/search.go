package rest

import (
	"strconv"
	"strings"
	"time"
)

// SearchQuery is a parsed free-form search expression: structured equality
// terms on named fields, an optional creation-time lower bound, and the
// residual free text matched against all columns.
type SearchQuery struct {
	// Fields are the field=value terms, coerced to the column type.
	Fields []Filter
	// CreatedAfter is set when the expression carries a created=... term.
	CreatedAfter *time.Time
	// Text is the remaining free text, space-joined.
	Text string
}

// ParseSearchQuery splits a search expression into terms on whitespace. A
// term of the shape field=value becomes a structured filter when field names
// a column of the record type; everything else stays free text. The special
// field "created" filters on the creation-time lower bound and accepts
// RFC 3339 or unix seconds.
//
// Values are coerced to the column type where possible; a value that does
// not fit its column is kept as-is and rejected later by the storage engine,
// which the read path degrades to an empty result.
func ParseSearchQuery(rt *RecordType, query string) SearchQuery {
	var parsed SearchQuery
	var text []string
	for _, term := range strings.Fields(query) {
		name, value, found := strings.Cut(term, "=")
		if !found {
			text = append(text, term)
			continue
		}
		if name == "created" {
			if t, ok := parseTime(value); ok {
				parsed.CreatedAfter = &t
			}
			continue
		}
		column, ok := rt.column(name)
		if !ok {
			text = append(text, term)
			continue
		}
		parsed.Fields = append(parsed.Fields, Filter{Column: name, Value: coerce(column, value)})
	}
	parsed.Text = strings.Join(text, " ")
	return parsed
}

func parseTime(value string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t, true
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), true
	}
	return time.Time{}, false
}

func coerce(c Column, value string) interface{} {
	switch c.Type {
	case ColumnBool:
		switch strings.ToLower(value) {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	case ColumnInt:
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return value
}
