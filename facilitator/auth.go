package facilitator

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// AuthProvider generates authentication headers for facilitator requests.
// Returned headers are layered over any static headers configured for the
// endpoint. A nil provider means the endpoint is public.
type AuthProvider interface {
	// AuthHeaders returns headers for one request against the named route
	// ("verify", "settle" or "supported").
	AuthHeaders(ctx context.Context, route string, method string) (map[string]string, error)
}

// BearerAuthProvider signs a short-lived JWT per request for facilitator
// vendors that require authenticated access. Absence of credentials is valid;
// callers simply omit the provider and talk to the public facilitator.
type BearerAuthProvider struct {
	keyID    string
	secret   []byte
	baseURL  string
	tokenTTL time.Duration
}

// NewBearerAuthProvider creates a provider that mints HS256 bearer tokens
// bound to the request method, host and path.
func NewBearerAuthProvider(keyID, secret, baseURL string) (*BearerAuthProvider, error) {
	if keyID == "" || secret == "" {
		return nil, fmt.Errorf("missing credentials: key ID and secret are both required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid facilitator base URL: %w", err)
	}
	return &BearerAuthProvider{
		keyID:    keyID,
		secret:   []byte(secret),
		baseURL:  baseURL,
		tokenTTL: 2 * time.Minute,
	}, nil
}

// AuthHeaders implements AuthProvider.
func (p *BearerAuthProvider) AuthHeaders(_ context.Context, route string, method string) (map[string]string, error) {
	parsed, err := url.Parse(p.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid facilitator base URL: %w", err)
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": p.keyID,
		"iat": now.Unix(),
		"exp": now.Add(p.tokenTTL).Unix(),
		"uri": fmt.Sprintf("%s %s%s/%s", method, parsed.Host, parsed.Path, route),
		"jti": uuid.NewString(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = p.keyID

	signed, err := token.SignedString(p.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign auth token: %w", err)
	}

	return map[string]string{
		"Authorization":       "Bearer " + signed,
		"Correlation-Context": fmt.Sprintf("quillgate-request-id=%s", uuid.NewString()),
	}, nil
}
