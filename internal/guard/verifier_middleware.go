package guard

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/rt-gateway-service/internal/domain/model"
)

// VerifierMiddleware implements [DECORATOR_PATTERN] to add observability
// to credential verification without touching the verifier itself.
type VerifierMiddleware struct {
	Next   TokenVerifier
	Logger *slog.Logger
}

func (m *VerifierMiddleware) Verify(ctx context.Context, credential string) (model.Identity, error) {
	start := time.Now()

	identity, err := m.Next.Verify(ctx, credential)

	if err != nil {
		m.Logger.Warn("CREDENTIAL_REJECTED",
			"err", err,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	} else {
		m.Logger.Debug("CREDENTIAL_VERIFIED",
			"user_id", identity.UserID,
			"tenant_id", identity.TenantID,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	return identity, err
}
