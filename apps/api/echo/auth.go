package echoapi

import (
	"strings"
	"time"

	"github.com/dgrijalva/jwt-go"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"

	"github.com/trezcool/masomo-realtime/core"
)

const (
	contextTokenKey = "userToken"
	tokenQueryParam = "token"

	rolePrefixAdmin   = "admin:"
	rolePrefixTeacher = "teacher:"
	rolePrefixStudent = "student:"
)

// Claims represents the authorization claims transmitted via a JWT.
// Tokens are the ones issued by the Masomo API, so the layout must stay in sync with it.
type Claims struct {
	jwt.StandardClaims
	OrigIssuedAt int64    `json:"oriat,omitempty"`
	Username     string   `json:"username,omitempty"`
	Email        string   `json:"email,omitempty"`
	IsStudent    bool     `json:"is_student,omitempty"` // -> STUDENT PORTAL
	IsTeacher    bool     `json:"is_teacher,omitempty"` // -> TEACHER PORTAL
	IsAdmin      bool     `json:"is_admin,omitempty"`   // -> ADMIN PORTAL
	Roles        []string `json:"roles,omitempty"`
}

// NewClaims builds the claims of a subscriber token valid for ttl.
func NewClaims(issuer, subject, username, email string, roles []string, ttl time.Duration) *Claims {
	now := time.Now()
	nownix := now.Unix()
	return &Claims{
		StandardClaims: jwt.StandardClaims{
			Issuer:    issuer,
			Subject:   subject,
			Audience:  "Academia",
			ExpiresAt: now.Add(ttl).Unix(),
			IssuedAt:  nownix,
		},
		OrigIssuedAt: nownix,
		Username:     username,
		Email:        email,
		IsStudent:    hasRolePrefix(roles, rolePrefixStudent),
		IsTeacher:    hasRolePrefix(roles, rolePrefixTeacher),
		IsAdmin:      hasRolePrefix(roles, rolePrefixAdmin),
		Roles:        roles,
	}
}

func hasRolePrefix(roles []string, prefix string) bool {
	for _, role := range roles {
		if strings.HasPrefix(role, prefix) {
			return true
		}
	}
	return false
}

// Identity is what log entries about this client carry.
func (c Claims) Identity() core.Identity {
	return core.Identity{ID: c.Subject, Username: c.Username, Email: c.Email}
}

// GenerateToken generates a signed JWT token string representing the Claims.
func GenerateToken(claims *Claims, secretKey string) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	ss, err := token.SignedString([]byte(secretKey))
	if err != nil {
		return "", errors.Wrap(err, "signing token")
	}
	return ss, nil
}

func jwtConfig(secretKey, lookup string) middleware.JWTConfig {
	return middleware.JWTConfig{
		SigningKey:    []byte(secretKey),
		SigningMethod: middleware.AlgorithmHS256,
		ContextKey:    contextTokenKey,
		Claims:        new(Claims),
		TokenLookup:   lookup,
	}
}

// jwtMiddleware authenticates with the Authorization header, or with the
// token query param since browsers cannot set headers on websocket requests.
func jwtMiddleware(secretKey string) echo.MiddlewareFunc {
	fromHeader := middleware.JWTWithConfig(jwtConfig(secretKey, "header:"+echo.HeaderAuthorization))
	fromQuery := middleware.JWTWithConfig(jwtConfig(secretKey, "query:"+tokenQueryParam))

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		headerNext, queryNext := fromHeader(next), fromQuery(next)
		return func(ctx echo.Context) error {
			if ctx.QueryParam(tokenQueryParam) != "" {
				return queryNext(ctx)
			}
			return headerNext(ctx)
		}
	}
}

func getContextClaims(ctx echo.Context) (Claims, error) {
	if token, ok := ctx.Get(contextTokenKey).(*jwt.Token); ok {
		if claims, ok := token.Claims.(*Claims); ok {
			return *claims, nil
		}
	}
	return Claims{}, errUnauthorized
}
