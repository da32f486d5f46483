package auth

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleOperator = "PersonaOperator"
	RoleViewer   = "PersonaViewer"

	DevPrincipalHeader = "X-Local-Dev-Principal"
)

type ctxKey string

const ctxKeyAuthInfo ctxKey = "persona.authInfo"

// AuthInfo is the principal extracted from a verified request.
type AuthInfo struct {
	Subject string
	Roles   []string
	Dev     bool
}

func WithAuthInfo(ctx context.Context, ai *AuthInfo) context.Context {
	return context.WithValue(ctx, ctxKeyAuthInfo, ai)
}

// FromContext returns the AuthInfo stored in the request context, or nil.
func FromContext(ctx context.Context) *AuthInfo {
	if ai, ok := ctx.Value(ctxKeyAuthInfo).(*AuthInfo); ok {
		return ai
	}
	return nil
}

// Actor names the principal for audit fields, falling back to "unknown".
func Actor(ctx context.Context) string {
	if ai := FromContext(ctx); ai != nil && ai.Subject != "" {
		return ai.Subject
	}
	return "unknown"
}

func HasRole(ai *AuthInfo, role string) bool {
	if ai == nil {
		return false
	}
	for _, r := range ai.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Verifier checks RS/ES-signed bearer tokens against a set of PEM public keys.
type Verifier struct {
	keys     []interface{}
	allowDev bool
}

// NewVerifier loads the keys in keyFile. An empty keyFile is only accepted
// together with allowDev.
func NewVerifier(keyFile string, allowDev bool) (*Verifier, error) {
	v := &Verifier{allowDev: allowDev}
	if keyFile == "" {
		if !allowDev {
			return nil, errors.New("jwt public key file required")
		}
		return v, nil
	}
	keys, err := loadKeys(keyFile)
	if err != nil {
		return nil, fmt.Errorf("load jwt keys: %w", err)
	}
	v.keys = keys
	return v, nil
}

func loadKeys(path string) ([]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var keys []interface{}
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		key, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			cert, certErr := x509.ParseCertificate(block.Bytes)
			if certErr != nil {
				continue
			}
			key = cert.PublicKey
		}
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("no valid keys found in %s", path)
	}
	return keys, nil
}

// Verify authenticates r. In dev mode a non-empty X-Local-Dev-Principal header
// is trusted as the subject and carries the operator role.
func (v *Verifier) Verify(r *http.Request) (*AuthInfo, error) {
	if v.allowDev {
		if principal := strings.TrimSpace(r.Header.Get(DevPrincipalHeader)); principal != "" {
			return &AuthInfo{Subject: principal, Roles: []string{RoleOperator, RoleViewer}, Dev: true}, nil
		}
	}
	authz := r.Header.Get("Authorization")
	if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return nil, errors.New("authentication required: bearer token")
	}
	return v.verifyToken(strings.TrimSpace(authz[len("bearer "):]))
}

func (v *Verifier) verifyToken(tokenStr string) (*AuthInfo, error) {
	if len(v.keys) == 0 {
		return nil, errors.New("no jwt keys configured")
	}
	var (
		token *jwt.Token
		err   error
	)
	for _, key := range v.keys {
		k := key
		token, err = jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
			return k, nil
		}, jwt.WithValidMethods([]string{"RS256", "RS384", "RS512", "ES256", "ES384", "ES512"}))
		if err == nil && token.Valid {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("token parse error: %w", err)
	}
	if !token.Valid {
		return nil, errors.New("invalid token")
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}
	sub, _ := claims.GetSubject()
	if sub == "" {
		return nil, errors.New("token has no subject")
	}
	return &AuthInfo{Subject: sub, Roles: rolesFromClaims(claims)}, nil
}

// rolesFromClaims merges the roles array and the space separated scope claim.
func rolesFromClaims(claims jwt.MapClaims) []string {
	var roles []string
	if raw, ok := claims["roles"].([]interface{}); ok {
		for _, r := range raw {
			if s, ok := r.(string); ok && s != "" {
				roles = append(roles, s)
			}
		}
	}
	if scope, ok := claims["scope"].(string); ok {
		roles = append(roles, strings.Fields(scope)...)
	}
	return roles
}

// Authenticate rejects unauthenticated requests with 401 and stores the
// principal in the request context.
func (v *Verifier) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ai, err := v.Verify(r)
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithAuthInfo(r.Context(), ai)))
	})
}

// RequireRole allows the request to continue only if the principal in context
// has role. Otherwise 403 is returned.
func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if HasRole(FromContext(r.Context()), role) {
				next.ServeHTTP(w, r)
				return
			}
			http.Error(w, "forbidden", http.StatusForbidden)
		})
	}
}
