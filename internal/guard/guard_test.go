package guard

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

const testSecret = "test-signing-secret"

func signToken(t *testing.T, secret string, claims Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return token
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID:    "t1",
		Permissions: []string{"send-message"},
	}
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	tests := []struct {
		name  string
		limit int
		hits  int
		want  []bool
	}{
		{"under budget", 3, 2, []bool{true, true}},
		{"exact budget", 2, 2, []bool{true, true}},
		{"over budget", 2, 3, []bool{true, true, false}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewMemoryLimiter()
			for i := 0; i < tt.hits; i++ {
				d, err := l.Consume(context.Background(), "k", tt.limit, time.Minute)
				require.NoError(t, err)
				assert.Equal(t, tt.want[i], d.Allowed, "hit %d", i)
			}
		})
	}
}

func TestMemoryLimiter_WindowExpiry(t *testing.T) {
	l := NewMemoryLimiter()
	window := 30 * time.Millisecond

	d, err := l.Consume(context.Background(), "k", 1, window)
	require.NoError(t, err)
	require.True(t, d.Allowed)

	d, err = l.Consume(context.Background(), "k", 1, window)
	require.NoError(t, err)
	require.False(t, d.Allowed)
	assert.Greater(t, d.RetryAfter, time.Duration(0))

	time.Sleep(window + 10*time.Millisecond)

	d, err = l.Consume(context.Background(), "k", 1, window)
	require.NoError(t, err)
	assert.True(t, d.Allowed, "budget must replenish after the window slides")
}

func TestMemoryLimiter_IndependentKeys(t *testing.T) {
	l := NewMemoryLimiter()

	d, _ := l.Consume(context.Background(), "user:a", 1, time.Minute)
	require.True(t, d.Allowed)
	d, _ = l.Consume(context.Background(), "user:a", 1, time.Minute)
	require.False(t, d.Allowed)

	d, _ = l.Consume(context.Background(), "user:b", 1, time.Minute)
	assert.True(t, d.Allowed, "budgets are per key, not global")
}

func TestJWTVerifier(t *testing.T) {
	v, err := NewJWTVerifier(testSecret, "", 16)
	require.NoError(t, err)

	t.Run("valid token", func(t *testing.T) {
		identity, err := v.Verify(context.Background(), signToken(t, testSecret, validClaims()))
		require.NoError(t, err)
		assert.Equal(t, "alice", identity.UserID)
		assert.Equal(t, "t1", identity.TenantID)
		assert.False(t, identity.Guest)
	})

	t.Run("cached verification", func(t *testing.T) {
		token := signToken(t, testSecret, validClaims())
		first, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
		second, err := v.Verify(context.Background(), token)
		require.NoError(t, err)
		assert.Equal(t, first, second)
	})

	t.Run("expired token", func(t *testing.T) {
		claims := validClaims()
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Hour))
		_, err := v.Verify(context.Background(), signToken(t, testSecret, claims))
		assert.ErrorIs(t, err, model.ErrUnauthorized)
	})

	t.Run("wrong signature", func(t *testing.T) {
		_, err := v.Verify(context.Background(), signToken(t, "other-secret", validClaims()))
		assert.ErrorIs(t, err, model.ErrUnauthorized)
	})

	t.Run("missing tenant claim", func(t *testing.T) {
		claims := validClaims()
		claims.TenantID = ""
		_, err := v.Verify(context.Background(), signToken(t, testSecret, claims))
		assert.ErrorIs(t, err, model.ErrUnauthorized)
	})

	t.Run("empty credential", func(t *testing.T) {
		_, err := v.Verify(context.Background(), "")
		assert.ErrorIs(t, err, model.ErrUnauthorized)
	})
}

func openPolicy() Policy {
	return Policy{
		ConnPerIP:       Rule{Limit: 100, Window: time.Minute},
		EventsPerUser:   Rule{Limit: 100, Window: time.Minute},
		MessagesPerUser: Rule{Limit: 100, Window: time.Minute},
	}
}

func newTestGuard(t *testing.T, policy Policy, allowAnonymous bool) *Guard {
	t.Helper()
	v, err := NewJWTVerifier(testSecret, "", 16)
	require.NoError(t, err)
	return NewGuard(v, NewMemoryLimiter(), policy, allowAnonymous)
}

func TestGuard_Admit(t *testing.T) {
	t.Run("token holder", func(t *testing.T) {
		g := newTestGuard(t, openPolicy(), false)
		identity, err := g.Admit(context.Background(), signToken(t, testSecret, validClaims()), "10.0.0.1")
		require.NoError(t, err)
		assert.Equal(t, "alice", identity.UserID)
	})

	t.Run("anonymous enabled", func(t *testing.T) {
		g := newTestGuard(t, openPolicy(), true)
		identity, err := g.Admit(context.Background(), "", "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, identity.Guest)
		assert.NotEmpty(t, identity.UserID)
		assert.Empty(t, identity.TenantID, "guest tenant scope stays unset until join-tenant")
	})

	t.Run("anonymous disabled", func(t *testing.T) {
		g := newTestGuard(t, openPolicy(), false)
		_, err := g.Admit(context.Background(), "", "10.0.0.1")
		assert.ErrorIs(t, err, model.ErrUnauthorized)
	})

	t.Run("per-ip connect budget", func(t *testing.T) {
		policy := openPolicy()
		policy.ConnPerIP = Rule{Limit: 1, Window: time.Minute}
		g := newTestGuard(t, policy, true)

		_, err := g.Admit(context.Background(), "", "10.0.0.1")
		require.NoError(t, err)

		_, err = g.Admit(context.Background(), "", "10.0.0.1")
		require.ErrorIs(t, err, model.ErrRateLimited)
		var rl *model.RateLimitError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, "connect", rl.Scope)
		assert.Greater(t, rl.RetryAfter, time.Duration(0))

		// A different source is unaffected.
		_, err = g.Admit(context.Background(), "", "10.0.0.2")
		assert.NoError(t, err)
	})
}

func TestGuard_AllowEvent(t *testing.T) {
	t.Run("message bucket separate from event bucket", func(t *testing.T) {
		policy := openPolicy()
		policy.MessagesPerUser = Rule{Limit: 1, Window: time.Minute}
		g := newTestGuard(t, policy, false)

		require.NoError(t, g.AllowEvent(context.Background(), "alice", model.KindSendMessage))

		err := g.AllowEvent(context.Background(), "alice", model.KindSendMessage)
		require.ErrorIs(t, err, model.ErrRateLimited)
		var rl *model.RateLimitError
		require.True(t, errors.As(err, &rl))
		assert.Equal(t, "messages", rl.Scope)

		// Non-message kinds only touch the generic bucket.
		assert.NoError(t, g.AllowEvent(context.Background(), "alice", model.KindTypingStart))
	})

	t.Run("generic bucket exhaustion", func(t *testing.T) {
		policy := openPolicy()
		policy.EventsPerUser = Rule{Limit: 2, Window: time.Minute}
		g := newTestGuard(t, policy, false)

		require.NoError(t, g.AllowEvent(context.Background(), "alice", model.KindTypingStart))
		require.NoError(t, g.AllowEvent(context.Background(), "alice", model.KindTypingStop))
		assert.ErrorIs(t, g.AllowEvent(context.Background(), "alice", model.KindTypingStart), model.ErrRateLimited)
	})

	t.Run("hot reload applies to subsequent decisions", func(t *testing.T) {
		policy := openPolicy()
		policy.EventsPerUser = Rule{Limit: 1, Window: time.Minute}
		g := newTestGuard(t, policy, false)

		require.NoError(t, g.AllowEvent(context.Background(), "alice", model.KindTypingStart))
		require.Error(t, g.AllowEvent(context.Background(), "alice", model.KindTypingStart))

		fresh := openPolicy()
		g.SetPolicy(fresh)
		assert.NoError(t, g.AllowEvent(context.Background(), "alice", model.KindTypingStart))
	})
}
