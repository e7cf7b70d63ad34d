package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/idleprobe/internal/model"
)

// Timestamps are stored as UTC RFC 3339 text with fixed nanosecond width so
// that lexical order matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

// marshalReport converts the aggregate report to JSON TEXT.
// A nil report is stored as SQL NULL.
func marshalReport(r *model.AggregateReport) (any, error) {
	if r == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r); err != nil {
		return nil, fmt.Errorf("marshal report: %w", err)
	}
	// Encoder adds a trailing newline, remove it
	return strings.TrimSpace(buf.String()), nil
}

// unmarshalReport parses JSON TEXT back into a report. NULL yields nil.
func unmarshalReport(data *string) (*model.AggregateReport, error) {
	if data == nil || *data == "" {
		return nil, nil
	}
	var r model.AggregateReport
	if err := json.Unmarshal([]byte(*data), &r); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
