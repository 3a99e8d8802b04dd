// Package human is the hand-off boundary to human operators. When automation
// reaches its escalation ceiling, the controller notifies a human through a
// Notifier and receives a signed acknowledgment token; only that token can
// later resolve the escalated event.
package human

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/ashita-ai/renkei/internal/model"
)

// ErrInvalidToken is returned when an acknowledgment token fails
// verification or names a different event.
var ErrInvalidToken = errors.New("human: invalid acknowledgment token")

// Notifier delivers an emergency to a human channel and returns the
// acknowledgment token the operator must present to resolve it.
type Notifier interface {
	NotifyHuman(ctx context.Context, ev model.EmergencyEvent) (string, error)
}

// Verifier checks an acknowledgment token against the event it resolves.
type Verifier interface {
	Verify(token string, eventID uuid.UUID) error
}

// TokenManager issues and verifies HS256-signed acknowledgment tokens.
type TokenManager struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenManager creates a token manager. ttl <= 0 defaults to 24h, long
// enough to outlive any sane escalation grace window.
func NewTokenManager(secret []byte, ttl time.Duration) *TokenManager {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenManager{secret: secret, ttl: ttl}
}

type ackClaims struct {
	EventID string `json:"event_id"`
	jwt.RegisteredClaims
}

// Issue returns a signed token bound to one emergency event.
func (tm *TokenManager) Issue(eventID uuid.UUID) (string, error) {
	now := time.Now()
	claims := ackClaims{
		EventID: eventID.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "renkei",
			Subject:   "emergency-ack",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(tm.secret)
	if err != nil {
		return "", fmt.Errorf("human: sign token: %w", err)
	}
	return token, nil
}

// Verify checks a token's signature, expiry, and event binding.
func (tm *TokenManager) Verify(token string, eventID uuid.UUID) error {
	var claims ackClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return tm.secret, nil
	})
	if err != nil || !parsed.Valid {
		return fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.EventID != eventID.String() {
		return fmt.Errorf("%w: token bound to event %s", ErrInvalidToken, claims.EventID)
	}
	return nil
}

// LogNotifier is the default Notifier: it records the hand-off in the log
// and issues a token. Deployments integrate paging or ticketing systems by
// substituting their own Notifier at construction time.
type LogNotifier struct {
	tokens *TokenManager
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(tokens *TokenManager, logger *slog.Logger) *LogNotifier {
	return &LogNotifier{tokens: tokens, logger: logger}
}

// NotifyHuman implements Notifier.
func (n *LogNotifier) NotifyHuman(_ context.Context, ev model.EmergencyEvent) (string, error) {
	token, err := n.tokens.Issue(ev.ID)
	if err != nil {
		return "", err
	}
	// The log line is the delivery channel here, so the token must be in it;
	// an operator who never receives the token can never resolve the event.
	n.logger.Error("human intervention required",
		"event_id", ev.ID, "domain", ev.Domain, "metric", ev.Metric,
		"severity", ev.Severity, "response_level", ev.ResponseLevel,
		"opened_at", ev.OpenedAt, "ack_token", token)
	return token, nil
}
