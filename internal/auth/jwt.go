package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

const (
	claimSubject = "sub"
	claimType    = "typ"
	claimScope   = "scope"
	apiTokenType = "api"
)

// JWTMiddleware returns a JWT auth middleware configured for HS256 tokens.
func JWTMiddleware(secret string, skipper middleware.Skipper) echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(secret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ,query:token",
		Skipper:       skipper,
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// Principal is the caller identified by an API token.
type Principal struct {
	Subject string
	// Accounts limits the caller to these account ids; empty means all.
	Accounts []string
}

// Allows reports whether the principal may act on accountID.
func (p Principal) Allows(accountID string) bool {
	if len(p.Accounts) == 0 {
		return true
	}
	for _, id := range p.Accounts {
		if id == accountID {
			return true
		}
	}
	return false
}

// GenerateToken creates a signed API token for subject. accounts optionally
// scopes the token to specific account ids.
func GenerateToken(subject, secret string, expiresIn time.Duration, accounts ...string) (string, time.Time, error) {
	if strings.TrimSpace(subject) == "" {
		return "", time.Time{}, fmt.Errorf("subject is required")
	}
	if strings.TrimSpace(secret) == "" {
		return "", time.Time{}, fmt.Errorf("jwt secret is required")
	}
	if expiresIn <= 0 {
		return "", time.Time{}, fmt.Errorf("jwt expires in must be positive")
	}

	now := time.Now().UTC()
	expiresAt := now.Add(expiresIn)
	claims := jwt.MapClaims{
		claimSubject: subject,
		claimType:    apiTokenType,
		"iat":        now.Unix(),
		"exp":        expiresAt.Unix(),
	}
	if scope := strings.Join(cleanAccounts(accounts), " "); scope != "" {
		claims[claimScope] = scope
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// PrincipalFromContext extracts the API caller from JWT claims.
func PrincipalFromContext(c echo.Context) (Principal, error) {
	token, ok := c.Get("user").(*jwt.Token)
	if !ok || token == nil || !token.Valid {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid token claims")
	}
	if claimString(claims, claimType) != apiTokenType {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "invalid api token")
	}
	subject := claimString(claims, claimSubject)
	if subject == "" {
		return Principal{}, echo.NewHTTPError(http.StatusUnauthorized, "subject missing")
	}
	return Principal{
		Subject:  subject,
		Accounts: cleanAccounts(strings.Fields(claimString(claims, claimScope))),
	}, nil
}

func cleanAccounts(accounts []string) []string {
	out := make([]string, 0, len(accounts))
	for _, id := range accounts {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func claimString(claims jwt.MapClaims, key string) string {
	raw, ok := claims[key]
	if !ok || raw == nil {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(raw)
	}
}
