package model

import (
	"context"
	"errors"
	"fmt"
)

// RequestContext carries the caller identity and tracing information for
// the lifetime of an authenticated request. It is immutable after
// construction and safe for concurrent reads.
type RequestContext struct {
	SubjectID     string
	Email         string
	Role          string
	CorrelationID string
	TraceID       string
}

// Validate checks that all mandatory fields are present.
// SubjectID and Role must be non-empty.
func (rc *RequestContext) Validate() error {
	var errs []error
	if rc.SubjectID == "" {
		errs = append(errs, fmt.Errorf("SubjectID is required"))
	}
	if rc.Role == "" {
		errs = append(errs, fmt.Errorf("Role is required"))
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Actor returns the acting identity carried by the request.
func (rc *RequestContext) Actor() Actor {
	return Actor{ID: rc.SubjectID, Email: rc.Email, Role: rc.Role}
}

type contextKey struct{}

// WithRequestContext attaches a RequestContext to the given context.
func WithRequestContext(ctx context.Context, rctx *RequestContext) context.Context {
	return context.WithValue(ctx, contextKey{}, rctx)
}

// RequestContextFrom extracts the RequestContext from the context, or returns nil
// if not present.
func RequestContextFrom(ctx context.Context) *RequestContext {
	rctx, _ := ctx.Value(contextKey{}).(*RequestContext)
	return rctx
}
