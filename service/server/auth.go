package server

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/itiky/listsync/model"
)

const tokenIssuer = "listsync"

// ErrUnauthorized is returned when the request carries no valid account token.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator issues and validates HS256 account tokens.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// IssueToken creates a signed token for the account.
func (a *Authenticator) IssueToken(accountId model.AccountId, ttl time.Duration) (string, error) {
	if accountId == "" {
		return "", fmt.Errorf("%s: empty", "accountId")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("%s: must be GT 0", "ttl")
	}

	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   string(accountId),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("token sign: %w", err)
	}

	return signed, nil
}

// ValidateToken parses the token and returns the account it was issued for.
func (a *Authenticator) ValidateToken(tokenStr string) (model.AccountId, error) {
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	},
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: %s: empty", ErrUnauthorized, "sub")
	}

	return model.AccountId(claims.Subject), nil
}

// AccountFromRequest authenticates the request by the Authorization bearer header or the token query param.
// The query param is used by browsers that can not set WebSocket handshake headers.
func (a *Authenticator) AccountFromRequest(r *http.Request) (model.AccountId, error) {
	tokenStr := ""
	if header := r.Header.Get("Authorization"); header != "" {
		scheme, value, found := strings.Cut(header, " ")
		if !found || !strings.EqualFold(scheme, "Bearer") {
			return "", fmt.Errorf("%w: %s: unsupported scheme", ErrUnauthorized, "Authorization")
		}
		tokenStr = strings.TrimSpace(value)
	} else {
		tokenStr = r.URL.Query().Get("token")
	}

	if tokenStr == "" {
		return "", fmt.Errorf("%w: token: missing", ErrUnauthorized)
	}

	return a.ValidateToken(tokenStr)
}

type AuthOption func(a *Authenticator)

// WithAuthClock overrides the wall clock used for token timestamps.
func WithAuthClock(now func() time.Time) AuthOption {
	return func(a *Authenticator) {
		a.now = now
	}
}

// NewAuthenticator creates a new Authenticator object.
func NewAuthenticator(secret string, opts ...AuthOption) (*Authenticator, error) {
	if len(secret) < 8 {
		return nil, fmt.Errorf("%s: must be at least 8 chars long", "secret")
	}

	a := &Authenticator{
		secret: []byte(secret),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}

	return a, nil
}
