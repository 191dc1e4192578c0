// Package admission answers whether a user may take a gated marketplace
// action. Only an approved verification admits; everything else, including
// a failed read, denies.
package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"vetting/internal/verification/metrics"
	"vetting/internal/verification/models"
	id "vetting/pkg/domain"
	dErrors "vetting/pkg/domain-errors"
	"vetting/pkg/platform/httputil"
	"vetting/pkg/platform/sentinel"
	"vetting/pkg/requestcontext"
)

// Action is a marketplace operation that requires verification.
type Action string

const (
	ActionBid      Action = "bid"
	ActionPurchase Action = "purchase"
	ActionProposal Action = "proposal"
)

// ParseAction validates an action name.
func ParseAction(s string) (Action, error) {
	switch a := Action(s); a {
	case ActionBid, ActionPurchase, ActionProposal:
		return a, nil
	}
	return "", dErrors.New(dErrors.CodeBadRequest, fmt.Sprintf("unknown action %q", s))
}

// RecordReader is the single read the gate performs.
type RecordReader interface {
	GetByUserID(ctx context.Context, userID id.UserID) (*models.Record, error)
}

// Gate reads the record on every call; there is no cache, so a suspension
// takes effect on the next request.
type Gate struct {
	records RecordReader
	logger  *slog.Logger
	metrics *metrics.Metrics
}

type Option func(*Gate)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gate) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gate) {
		g.metrics = m
	}
}

func NewGate(records RecordReader, opts ...Option) *Gate {
	g := &Gate{records: records, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsAuthorized is true only when the user's record is approved.
func (g *Gate) IsAuthorized(ctx context.Context, userID id.UserID, action Action) bool {
	allowed := g.decide(ctx, userID, action)
	g.metrics.IncAdmission(string(action), allowed)
	return allowed
}

func (g *Gate) decide(ctx context.Context, userID id.UserID, action Action) bool {
	if userID.IsNil() {
		return false
	}
	rec, err := g.records.GetByUserID(ctx, userID)
	if err != nil {
		if !errors.Is(err, sentinel.ErrNotFound) {
			g.logger.ErrorContext(ctx, "admission check failed, denying",
				"request_id", requestcontext.RequestID(ctx),
				"user_id", userID,
				"action", action,
				"error", err,
			)
		}
		return false
	}
	return rec.IsAuthorized()
}

// Require returns a forbidden error unless the user is admitted.
func (g *Gate) Require(ctx context.Context, userID id.UserID, action Action) error {
	if g.IsAuthorized(ctx, userID, action) {
		return nil
	}
	return dErrors.New(dErrors.CodeForbidden, fmt.Sprintf("verification required to %s", action))
}

// Middleware refuses the request with 403 unless the authenticated user is
// admitted for action. It must run after the auth middleware.
func Middleware(gate *Gate, action Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			if err := gate.Require(ctx, requestcontext.UserID(ctx), action); err != nil {
				httputil.WriteError(w, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
