package middleware

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	apperrors "ghostplane.io/platform/internal/pkg/errors"
)

// Claims is the JWT payload minted for users and service principals
// (spec §4.5 step 1: bearer-token -> actor_type, actor_id, actor_email?, scopes[]).
type Claims struct {
	ActorType string   `json:"actor_type"`
	ActorID   string   `json:"actor_id"`
	Email     string   `json:"email,omitempty"`
	Scopes    []string `json:"scopes"`
	jwt.RegisteredClaims
}

const defaultLeeway = 30 * time.Second

var ErrSigningKeyMissing = errors.New("jwt signing key is not configured")

// JWTConfig holds signing/verification configuration for bearer tokens.
type JWTConfig struct {
	SigningKey []byte
	Issuer     string
	ExpiresIn  time.Duration
	Leeway     time.Duration
}

// GenerateToken mints a signed bearer token for the given actor.
func GenerateToken(cfg JWTConfig, actorType, actorID, email string, scopes []string) (string, time.Time, error) {
	if len(cfg.SigningKey) == 0 {
		return "", time.Time{}, ErrSigningKeyMissing
	}
	now := time.Now()
	expiresAt := now.Add(cfg.ExpiresIn)
	jti, err := uuid.NewV7()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate token id: %w", err)
	}
	claims := Claims{
		ActorType: actorType,
		ActorID:   actorID,
		Email:     email,
		Scopes:    scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    cfg.Issuer,
			Subject:   actorID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        jti.String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(cfg.SigningKey)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

func (cfg JWTConfig) parserOptions() []jwt.ParserOption {
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = defaultLeeway
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(leeway),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	return opts
}

// ValidateToken validates signature and standard claims.
func (cfg JWTConfig) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return cfg.SigningKey, nil
	}, cfg.parserOptions()...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	return claims, nil
}

// RequireBearerAuth validates the Authorization header and populates the
// actor identity in the request context.
func RequireBearerAuth(cfg JWTConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			Abort(c, apperrors.NotAuthenticated(apperrors.CodeAuthFailed, "missing authorization header"))
			return
		}
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			Abort(c, apperrors.NotAuthenticated(apperrors.CodeAuthFailed, "invalid authorization header format"))
			return
		}

		claims, err := cfg.ValidateToken(parts[1])
		if err != nil {
			code := apperrors.CodeTokenInvalid
			if errors.Is(err, jwt.ErrTokenExpired) {
				code = apperrors.CodeTokenExpired
			}
			Abort(c, apperrors.NotAuthenticated(code, "token validation failed"))
			return
		}

		c.Set(string(ctxKeyActorType), claims.ActorType)
		c.Set(string(ctxKeyActorID), claims.ActorID)
		c.Set(string(ctxKeyEmail), claims.Email)
		c.Set(string(ctxKeyScopes), claims.Scopes)
		c.Request = c.Request.WithContext(
			SetActorContext(c.Request.Context(), claims.ActorType, claims.ActorID, claims.Email, claims.Scopes),
		)
		c.Next()
	}
}

// RequireIdempotencyKeyLength is a light request-shape check run before
// handlers reach the idempotency store (spec §4.5 step 1, §4.2 key bounds).
func RequireIdempotencyKeyLength(min, max int) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader("Idempotency-Key")
		if key != "" && (len(key) < min || len(key) > max) {
			Abort(c, apperrors.BadRequest(apperrors.CodeIdempotencyKeyInvalid, fmt.Sprintf("idempotency key must be between %d and %d characters", min, max)))
			return
		}
		c.Next()
	}
}
