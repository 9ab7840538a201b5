package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"rosterline.org/internal/audit"
)

var _ audit.Store = (*Store)(nil)

const auditColumns = `id, occurred_at, organization_id, actor_id, action, resource_type, resource_id,
	before_state, after_state, outcome, failure_reason, ip, user_agent, request_id, trace_id`

// Append inserts one entry. The audit_log table rejects updates and deletes
// at the database level.
func (s *Store) Append(ctx context.Context, e audit.Entry) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	_, err := s.db.ExecContext(ctx, `
		insert into audit_log (`+auditColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		e.ID, e.OccurredAt.UTC(), e.OrganizationID, nullIfEmpty(e.ActorID), string(e.Action),
		nullIfEmpty(e.ResourceType), nullIfEmpty(e.ResourceID),
		nullJSON(e.Before), nullJSON(e.After), string(e.Outcome), nullIfEmpty(e.FailureReason),
		nullIfEmpty(e.IP), nullIfEmpty(e.UserAgent), nullIfEmpty(e.RequestID), nullIfEmpty(e.TraceID))
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			// A retried append whose first attempt committed.
			return nil
		}
		return unavailable("audit append", err)
	}
	return nil
}

// Query pages newest first by id. ULIDs sort by time, so the cursor is the
// last id returned.
func (s *Store) Query(ctx context.Context, orgID string, f audit.Filter, p audit.Page) ([]audit.Entry, string, error) {
	if err := s.ready(); err != nil {
		return nil, "", err
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()
	p = p.Normalize()
	query, args := auditQuery(orgID, f, p)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, "", unavailable("audit query", err)
	}
	defer rows.Close()

	out := make([]audit.Entry, 0, p.Limit)
	for rows.Next() {
		var (
			e               audit.Entry
			action, outcome string
			before, after   []byte
		)
		var actor, rtype, rid, reason, ip, ua, reqID, traceID sql.NullString
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.OrganizationID, &actor, &action, &rtype, &rid,
			&before, &after, &outcome, &reason, &ip, &ua, &reqID, &traceID); err != nil {
			return nil, "", err
		}
		e.OccurredAt = e.OccurredAt.UTC()
		e.Action = audit.Action(action)
		e.Outcome = audit.Outcome(outcome)
		e.ActorID, e.ResourceType, e.ResourceID = actor.String, rtype.String, rid.String
		e.FailureReason, e.IP, e.UserAgent = reason.String, ip.String, ua.String
		e.RequestID, e.TraceID = reqID.String, traceID.String
		if len(before) > 0 {
			e.Before = before
		}
		if len(after) > 0 {
			e.After = after
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, "", unavailable("audit query", err)
	}

	next := ""
	if len(out) > p.Limit {
		out = out[:p.Limit]
		next = out[len(out)-1].ID
	}
	return out, next, nil
}

func auditQuery(orgID string, f audit.Filter, p audit.Page) (string, []any) {
	where := []string{"organization_id = $1"}
	args := []any{orgID}
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.ActorID != "" {
		add("actor_id = $%d", f.ActorID)
	}
	if f.Action != "" {
		add("action = $%d", string(f.Action))
	}
	if f.ResourceType != "" {
		add("resource_type = $%d", f.ResourceType)
	}
	if f.ResourceID != "" {
		add("resource_id = $%d", f.ResourceID)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since.UTC())
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until.UTC())
	}
	if p.Cursor != "" {
		add("id < $%d", p.Cursor)
	}
	args = append(args, p.Limit+1)
	query := fmt.Sprintf(`select %s from audit_log where %s order by id desc limit $%d`,
		auditColumns, strings.Join(where, " and "), len(args))
	return query, args
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
