// Package permission decides whether a caller may invoke a tool. Decisions
// come from the persisted allowlist through a short-lived cache and default
// to deny on any uncertainty.
package permission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/gatekeeper/internal/audit"
	"github.com/triage-ai/gatekeeper/internal/metrics"
	"github.com/triage-ai/gatekeeper/internal/store"
	"go.uber.org/zap"
)

// ErrInvalidRequest is returned by admin operations for empty tool names.
var ErrInvalidRequest = errors.New("tool name is required")

// AllowlistStore abstracts the persisted allowlist for testability.
type AllowlistStore interface {
	Lookup(ctx context.Context, callerID int64, toolName string) (*store.Permission, error)
	Grant(ctx context.Context, params store.GrantParams) (*store.Permission, error)
	Revoke(ctx context.Context, callerID int64, toolName string, revokedBy *int64) (bool, error)
	BulkGrant(ctx context.Context, callerID int64, toolNames []string, grantedBy *int64) ([]*store.Permission, error)
	List(ctx context.Context, callerID int64) ([]*store.Permission, error)
}

// Gate answers permission checks. Admin operations write through to the
// store and then invalidate the cached decision. Who may call them is
// decided by the caller of Gate.
type Gate struct {
	store   AllowlistStore
	cache   *DecisionCache
	audit   audit.Sink
	metrics metrics.Sink
	logger  *zap.Logger
}

// NewGate creates a Gate.
func NewGate(s AllowlistStore, ttl time.Duration, sink audit.Sink, m metrics.Sink, logger *zap.Logger) *Gate {
	return &Gate{
		store:   s,
		cache:   NewDecisionCache(ttl),
		audit:   sink,
		metrics: m,
		logger:  logger,
	}
}

// Check reports whether callerID may invoke toolName. A cached decision is
// used while fresh; otherwise the store decides and both outcomes are cached.
// Any store failure denies and is not cached.
func (g *Gate) Check(ctx context.Context, callerID int64, toolName string) bool {
	if allowed, hit := g.cache.Get(callerID, toolName); hit {
		if !allowed {
			g.denied(ctx, callerID, toolName, "not_granted", true)
		}
		return allowed
	}

	gen := g.cache.Generation(callerID, toolName)
	allowed, err := g.lookup(ctx, callerID, toolName)
	if err != nil {
		g.logger.Error("permission lookup failed, denying",
			zap.Int64("caller_id", callerID),
			zap.String("tool", toolName),
			zap.Error(err),
		)
		g.denied(ctx, callerID, toolName, "store_unavailable", false)
		return false
	}

	g.cache.Set(callerID, toolName, allowed, gen)
	if !allowed {
		g.denied(ctx, callerID, toolName, "not_granted", false)
	}
	return allowed
}

// lookup converts a panicking store into an error.
func (g *Gate) lookup(ctx context.Context, callerID int64, toolName string) (allowed bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			allowed, err = false, fmt.Errorf("allowlist lookup panicked: %v", rec)
		}
	}()
	p, err := g.store.Lookup(ctx, callerID, toolName)
	if err != nil {
		return false, err
	}
	return p.Permits(), nil
}

func (g *Gate) denied(ctx context.Context, callerID int64, toolName, reason string, cached bool) {
	g.audit.Record(ctx, audit.Event{
		Type:     audit.EventPermissionDenied,
		CallerID: audit.Caller(callerID),
		Data: map[string]any{
			"toolName": toolName,
			"reason":   reason,
			"cached":   cached,
		},
		Severity: audit.SeverityWarning,
	})
	g.metrics.Record(metrics.AuthFailures, 1, map[string]string{"tool": toolName})
}

// Grant allows toolName for the caller.
func (g *Gate) Grant(ctx context.Context, params store.GrantParams) (*store.Permission, error) {
	if params.ToolName == "" {
		return nil, ErrInvalidRequest
	}
	defer g.cache.Invalidate(params.CallerID, params.ToolName)

	p, err := g.store.Grant(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("Gate.Grant: %w", err)
	}
	g.logger.Info("tool permission granted",
		zap.Int64("caller_id", params.CallerID),
		zap.String("tool", params.ToolName),
	)
	return p, nil
}

// Revoke withdraws toolName from the caller. It reports whether an active
// grant existed.
func (g *Gate) Revoke(ctx context.Context, callerID int64, toolName string, revokedBy *int64) (bool, error) {
	if toolName == "" {
		return false, ErrInvalidRequest
	}
	defer g.cache.Invalidate(callerID, toolName)

	found, err := g.store.Revoke(ctx, callerID, toolName, revokedBy)
	if err != nil {
		return false, fmt.Errorf("Gate.Revoke: %w", err)
	}
	g.logger.Info("tool permission revoked",
		zap.Int64("caller_id", callerID),
		zap.String("tool", toolName),
		zap.Bool("was_active", found),
	)
	return found, nil
}

// BulkGrant allows every tool in toolNames for the caller.
func (g *Gate) BulkGrant(ctx context.Context, callerID int64, toolNames []string, grantedBy *int64) ([]*store.Permission, error) {
	for _, t := range toolNames {
		if t == "" {
			return nil, ErrInvalidRequest
		}
	}
	defer func() {
		for _, t := range toolNames {
			g.cache.Invalidate(callerID, t)
		}
	}()

	perms, err := g.store.BulkGrant(ctx, callerID, toolNames, grantedBy)
	if err != nil {
		return nil, fmt.Errorf("Gate.BulkGrant: %w", err)
	}
	g.logger.Info("tool permissions granted",
		zap.Int64("caller_id", callerID),
		zap.Strings("tools", toolNames),
	)
	return perms, nil
}

// List returns the caller's allowlist rows.
func (g *Gate) List(ctx context.Context, callerID int64) ([]*store.Permission, error) {
	perms, err := g.store.List(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("Gate.List: %w", err)
	}
	return perms, nil
}
