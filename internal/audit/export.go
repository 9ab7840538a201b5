package audit

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

// Export formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

var csvHeader = []string{
	"id", "occurred_at", "organization_id", "actor_id", "action", "resource_type", "resource_id",
	"before", "after", "outcome", "failure_reason", "ip", "user_agent", "request_id", "trace_id",
}

// Export streams every entry matching f to w, paging through Query. The
// filter is checked before anything is written.
func (l *Logger) Export(ctx context.Context, orgID string, f Filter, format string, w io.Writer) error {
	if err := f.Validate(orgID); err != nil {
		return err
	}
	switch format {
	case FormatCSV:
		return l.exportCSV(ctx, orgID, f, w)
	case FormatJSON:
		return l.exportJSON(ctx, orgID, f, w)
	default:
		return fmt.Errorf("%w: unsupported export format %q", ErrInvalidQuery, format)
	}
}

func (l *Logger) each(ctx context.Context, orgID string, f Filter, fn func(Entry) error) error {
	page := Page{Limit: MaxPageSize}
	for {
		entries, next, err := l.Query(ctx, orgID, f, page)
		if err != nil {
			return err
		}
		for _, e := range entries {
			if err := fn(e); err != nil {
				return err
			}
		}
		if next == "" {
			return nil
		}
		page.Cursor = next
	}
}

func (l *Logger) exportCSV(ctx context.Context, orgID string, f Filter, w io.Writer) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	err := l.each(ctx, orgID, f, func(e Entry) error {
		row := []string{
			e.ID, e.OccurredAt.UTC().Format(time.RFC3339Nano), e.OrganizationID, e.ActorID,
			string(e.Action), e.ResourceType, e.ResourceID, string(e.Before), string(e.After),
			string(e.Outcome), e.FailureReason, e.IP, e.UserAgent, e.RequestID, e.TraceID,
		}
		for i := range row {
			row[i] = csvCell(row[i])
		}
		return cw.Write(row)
	})
	if err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

func (l *Logger) exportJSON(ctx context.Context, orgID string, f Filter, w io.Writer) error {
	if _, err := io.WriteString(w, "["); err != nil {
		return err
	}
	first := true
	err := l.each(ctx, orgID, f, func(e Entry) error {
		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return err
			}
		}
		first = false
		data, err := json.Marshal(e)
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	})
	if err != nil {
		return err
	}
	_, err = io.WriteString(w, "]\n")
	return err
}

// csvCell keeps spreadsheet applications from evaluating a cell as a
// formula. Actors control resource ids, user agents and reasons.
func csvCell(v string) string {
	if v == "" {
		return v
	}
	switch v[0] {
	case '=', '+', '-', '@', '\t', '\r':
		return "'" + v
	}
	return v
}
