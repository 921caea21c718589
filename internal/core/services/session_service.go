package services

import (
	"fmt"

	"wiregate/internal/core/domain"
	"wiregate/internal/core/ports"
	"wiregate/pkg/validation"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

// SessionService resolves connection credentials into sessions. Identity
// issuance lives elsewhere; this side only verifies the signed claims and
// trusts them as-is.
type SessionService struct {
	secret []byte
	logger *zap.SugaredLogger
}

func NewSessionService(secret string, logger *zap.SugaredLogger) ports.SessionResolver {
	return &SessionService{
		secret: []byte(secret),
		logger: logger,
	}
}

// Resolve maps a bearer credential to a session. An empty credential is a
// guest session, not an error; guests are excluded from presence.
func (s *SessionService) Resolve(credential string) (*domain.Session, error) {
	if credential == "" {
		return &domain.Session{LoggedIn: false}, nil
	}

	parsed, err := jwt.Parse(credential, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("invalid session credential: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("invalid session claims")
	}

	user, _ := claims["sub"].(string)
	if err := validation.ValidateUserID(user); err != nil {
		return nil, fmt.Errorf("invalid session subject: %w", err)
	}
	client, _ := claims["client"].(string)
	if err := validation.ValidateClientID(client); err != nil {
		return nil, fmt.Errorf("invalid session client: %w", err)
	}
	domestic, _ := claims["domestic"].(bool)

	return &domain.Session{
		User:     domain.UserID(user),
		Client:   domain.ClientID(client),
		LoggedIn: true,
		Domestic: domestic,
	}, nil
}
