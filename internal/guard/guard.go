package guard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// Rule is one rate-limit budget. The specific numbers are configuration
// policy, not contracts.
type Rule struct {
	Limit  int
	Window time.Duration
}

// Policy is the full budget table. Hot-reloadable.
type Policy struct {
	ConnPerIP       Rule // connection attempts, keyed by remote IP
	EventsPerUser   Rule // generic inbound events
	MessagesPerUser Rule // message sends, the high-frequency kind
}

// Guard combines the two admission checkpoints: connect-time credential
// verification and per-event budget consumption.
type Guard struct {
	verifier TokenVerifier
	limiter  Limiter

	mu     sync.RWMutex
	policy Policy

	allowAnonymous bool
}

func NewGuard(verifier TokenVerifier, limiter Limiter, policy Policy, allowAnonymous bool) *Guard {
	return &Guard{
		verifier:       verifier,
		limiter:        limiter,
		policy:         policy,
		allowAnonymous: allowAnonymous,
	}
}

// SetPolicy swaps the budget table; applied to subsequent decisions only.
func (g *Guard) SetPolicy(p Policy) {
	g.mu.Lock()
	g.policy = p
	g.mu.Unlock()
}

func (g *Guard) currentPolicy() Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.policy
}

// Admit is checkpoint one: throttle the connection attempt by source IP,
// then verify the credential. Failure here happens before any registry
// entry exists.
func (g *Guard) Admit(ctx context.Context, credential, remoteIP string) (model.Identity, error) {
	policy := g.currentPolicy()

	if remoteIP != "" && policy.ConnPerIP.Limit > 0 {
		d, err := g.limiter.Consume(ctx, "conn:"+remoteIP, policy.ConnPerIP.Limit, policy.ConnPerIP.Window)
		if err != nil {
			return model.Identity{}, fmt.Errorf("admit: %w", err)
		}
		if !d.Allowed {
			return model.Identity{}, &model.RateLimitError{Scope: "connect", RetryAfter: d.RetryAfter}
		}
	}

	if credential == "" && g.allowAnonymous {
		// Guest identity with a generated pseudonym. Tenant scope stays
		// empty until join-tenant names one.
		return model.Identity{
			UserID: "guest-" + uuid.NewString()[:8],
			Guest:  true,
		}, nil
	}

	return g.verifier.Verify(ctx, credential)
}

// AllowEvent is checkpoint two: one unit from the generic per-user bucket,
// plus one from the per-kind bucket for high-frequency kinds. The event is
// dropped on rejection, never queued.
func (g *Guard) AllowEvent(ctx context.Context, userID string, kind model.EventKind) error {
	policy := g.currentPolicy()

	if policy.EventsPerUser.Limit > 0 {
		d, err := g.limiter.Consume(ctx, "ev:"+userID, policy.EventsPerUser.Limit, policy.EventsPerUser.Window)
		if err != nil {
			return fmt.Errorf("allow event: %w", err)
		}
		if !d.Allowed {
			return &model.RateLimitError{Scope: "events", RetryAfter: d.RetryAfter}
		}
	}

	if kind == model.KindSendMessage && policy.MessagesPerUser.Limit > 0 {
		d, err := g.limiter.Consume(ctx, "msg:"+userID, policy.MessagesPerUser.Limit, policy.MessagesPerUser.Window)
		if err != nil {
			return fmt.Errorf("allow event: %w", err)
		}
		if !d.Allowed {
			return &model.RateLimitError{Scope: "messages", RetryAfter: d.RetryAfter}
		}
	}

	return nil
}
