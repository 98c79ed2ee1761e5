package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired or wrongly
// signed access tokens.
var ErrInvalidToken = errors.New("invalid access token")

// Claims is the access token payload. The subject is the user ID.
type Claims struct {
	jwt.RegisteredClaims
	TenantID  string   `json:"tenant_id"`
	Role      string   `json:"role"`
	BranchIDs []string `json:"branch_ids,omitempty"`
}

// Identity is the authenticated caller attached to a request or connection.
type Identity struct {
	UserID    string
	TenantID  string
	Role      string
	BranchIDs []string
}

var privilegedRoles = map[string]bool{
	"super_admin": true,
	"owner":       true,
	"admin":       true,
}

// Privileged reports whether the identity sees every branch of its tenant.
func (i Identity) Privileged() bool {
	return privilegedRoles[i.Role]
}

func (c *Claims) Identity() Identity {
	return Identity{
		UserID:    c.Subject,
		TenantID:  c.TenantID,
		Role:      c.Role,
		BranchIDs: c.BranchIDs,
	}
}

type JWTConfig struct {
	SigningKey []byte
	Issuer     string
	Audience   string
}

// Verifier validates HS256 access tokens signed with the shared secret.
type Verifier struct {
	cfg JWTConfig
	now func() time.Time
}

func NewVerifier(cfg JWTConfig) *Verifier {
	return &Verifier{cfg: cfg, now: time.Now}
}

// Verify parses tokenStr and returns its claims. Any failure is reported as
// ErrInvalidToken wrapping the parser error.
func (v *Verifier) Verify(tokenStr string) (*Claims, error) {
	if tokenStr == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (interface{}, error) {
		return v.cfg.SigningKey, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" || claims.TenantID == "" {
		return nil, fmt.Errorf("%w: subject and tenant_id are required", ErrInvalidToken)
	}
	return claims, nil
}

// Issue signs a token for identity valid for ttl. Used by the development
// token command and by tests; production tokens come from the identity
// provider.
func Issue(cfg JWTConfig, id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:  id.TenantID,
		Role:      id.Role,
		BranchIDs: id.BranchIDs,
	}
	if cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{cfg.Audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(cfg.SigningKey)
}

// TokenFromRequest extracts a bearer token from, in order: the "token" query
// parameter, a "Sec-WebSocket-Protocol: access_token, <jwt>" header (browsers
// cannot set Authorization on WebSocket handshakes), and the Authorization
// header.
func TokenFromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if tok := tokenFromSubprotocol(r.Header.Get("Sec-WebSocket-Protocol")); tok != "" {
		return tok
	}
	return bearerToken(r.Header.Get("Authorization"))
}

func tokenFromSubprotocol(header string) string {
	parts := strings.Split(header, ",")
	for i := 0; i+1 < len(parts); i++ {
		if strings.TrimSpace(parts[i]) == "access_token" {
			return strings.TrimSpace(parts[i+1])
		}
	}
	return ""
}

func bearerToken(header string) string {
	scheme, tok, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(tok)
}
