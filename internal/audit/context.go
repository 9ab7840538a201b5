package audit

import (
	"context"
	"strings"
)

type ctxKey string

const (
	requestIDKey ctxKey = "audit_request_id"
	metaKey      ctxKey = "audit_request_meta"
	actorKey     ctxKey = "audit_actor"
)

// RequestMeta describes the inbound request an audited action belongs to.
type RequestMeta struct {
	IP        string
	UserAgent string
}

type actor struct {
	id    string
	orgID string
}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the audit request id from context if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// WithRequestMeta attaches source IP and user agent.
func WithRequestMeta(ctx context.Context, meta RequestMeta) context.Context {
	return context.WithValue(ctx, metaKey, meta)
}

// RequestMetaFromContext returns the metadata attached by WithRequestMeta.
func RequestMetaFromContext(ctx context.Context) RequestMeta {
	if ctx == nil {
		return RequestMeta{}
	}
	meta, _ := ctx.Value(metaKey).(RequestMeta)
	return meta
}

// WithActor records who is acting and in which organization.
func WithActor(ctx context.Context, actorID, orgID string) context.Context {
	return context.WithValue(ctx, actorKey, actor{id: actorID, orgID: orgID})
}

// ActorFromContext returns the actor and organization set by WithActor.
func ActorFromContext(ctx context.Context) (actorID, orgID string) {
	if ctx == nil {
		return "", ""
	}
	a, _ := ctx.Value(actorKey).(actor)
	return a.id, a.orgID
}

// Organizations resolves the organization an account belongs to.
type Organizations interface {
	OrganizationOf(ctx context.Context, accountID string) (string, error)
}

// ForAccount returns ctx with its organization set to accountID's when ctx
// does not carry one yet. Lookup failures leave ctx unchanged; the entry then
// lands in SystemOrganization.
func ForAccount(ctx context.Context, orgs Organizations, accountID string) context.Context {
	actorID, orgID := ActorFromContext(ctx)
	if orgID != "" || orgs == nil || accountID == "" {
		return ctx
	}
	orgID, err := orgs.OrganizationOf(ctx, accountID)
	if err != nil || orgID == "" {
		return ctx
	}
	return WithActor(ctx, actorID, orgID)
}
