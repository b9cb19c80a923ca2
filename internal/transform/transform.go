// Package transform turns one row of a Flurry event log export into one
// line of `key="value"` pairs that the log platform can index without any
// field extraction rules.
package transform

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

const (
	SessionKey = "Session"
	EventKey   = "Event"
	ParamsKey  = "Params"

	paramsSeparator = " : "
	compositeSep    = "__"
)

type Param struct {
	Key   string
	Value string
}

type MalformedParamsError struct {
	Blob   string
	Reason string
}

func (e *MalformedParamsError) Error() string {
	return fmt.Sprintf("malformed params %q: %s", e.Blob, e.Reason)
}

// ParseParams decodes a params blob of the form `{k1 : v1,k2 : v2}`.
//
// Values may contain commas and the format has no escaping, so every segment
// between two separators is split on its last comma: the part before belongs
// to the previous value, the part after is the next key. The first and last
// segments are used as they are.
func ParseParams(blob string) ([]Param, error) {
	inner := strings.Trim(blob, "{}")
	if inner == "" {
		return nil, nil
	}

	segments := strings.Split(inner, paramsSeparator)
	flat := make([]string, 0, len(segments)*2)
	flat = append(flat, segments[0])
	for i := 1; i < len(segments)-1; i++ {
		segment := segments[i]
		comma := strings.LastIndex(segment, ",")
		if comma < 0 {
			return nil, &MalformedParamsError{
				Blob:   blob,
				Reason: fmt.Sprintf("no comma in intermediate fragment %q", segment),
			}
		}
		flat = append(flat, segment[:comma], segment[comma+1:])
	}
	// a blob without any separator is its own key and value
	flat = append(flat, segments[len(segments)-1])

	params := make([]Param, 0, len(flat)/2)
	for i := 0; i < len(flat); i += 2 {
		params = append(params, Param{
			Key:   html.UnescapeString(flat[i]),
			Value: html.UnescapeString(flat[i+1]),
		})
	}
	return params, nil
}

var invalidKeyChar = regexp.MustCompile(`[^a-zA-Z0-9_]`)

// QuoteKey applies the log platform's key cleaning rule, every character
// outside [A-Za-z0-9_] becomes an underscore.
func QuoteKey(k string) string {
	return invalidKeyChar.ReplaceAllString(k, "_")
}

// QuoteValue wraps v in double quotes. Double quotes inside v become single
// quotes since the platform has no escape sequence for them.
func QuoteValue(v string) string {
	return `"` + strings.ReplaceAll(v, `"`, `'`) + `"`
}

// Field is a sanitized key and a quoted value.
type Field struct {
	Key   string
	Value string
}

// Record is a flattened row, fields keep the order they were added in.
type Record []Field

func (r Record) add(key, value string) Record {
	return append(r, Field{Key: QuoteKey(key), Value: QuoteValue(value)})
}

// Line renders the record as space separated key=value pairs ending in CRLF.
func (r Record) Line() string {
	var sb strings.Builder
	for i, f := range r {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(f.Key)
		sb.WriteByte('=')
		sb.WriteString(f.Value)
	}
	sb.WriteString("\r\n")
	return sb.String()
}

// Transform flattens row into the original columns, the synthetic Session
// column and one `<event>__<param key>` column per decoded parameter.
func Transform(columns, row []string, sessionID int64) (Record, error) {
	if len(row) != len(columns) {
		return nil, fmt.Errorf("row has %d fields, expected %d", len(row), len(columns))
	}

	var event, blob string
	record := make(Record, 0, len(columns)+1)
	for i, column := range columns {
		record = record.add(column, row[i])
		switch column {
		case EventKey:
			event = row[i]
		case ParamsKey:
			blob = row[i]
		}
	}
	record = record.add(SessionKey, strconv.FormatInt(sessionID, 10))

	params, err := ParseParams(blob)
	if err != nil {
		return nil, err
	}
	for _, p := range params {
		record = record.add(event+compositeSep+p.Key, p.Value)
	}
	return record, nil
}
