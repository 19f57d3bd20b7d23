package auth

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/roastops/company-kernel/pkg/governance"
)

// Mode selects how requests are authenticated.
const (
	// ModeDev trusts X-Actor-* headers. Single-node lite deployments.
	ModeDev = "dev"
	// ModeExternal validates bearer JWTs minted by the fleet identity
	// service.
	ModeExternal = "external"
)

// Claims are the JWT claims the kernel expects.
type Claims struct {
	jwt.RegisteredClaims
	OrgID string `json:"org_id"`
	Kind  string `json:"kind,omitempty"`
}

// Validator parses and validates bearer tokens in external mode.
type Validator struct {
	secret []byte
}

// NewValidator creates a validator over the shared HMAC secret.
func NewValidator(secret []byte) (*Validator, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt secret is required in external auth mode")
	}
	return &Validator{secret: secret}, nil
}

// Validate parses the token and returns the actor it asserts.
func (v *Validator) Validate(tokenStr string) (Actor, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return Actor{}, fmt.Errorf("token validation failed: %w", err)
	}
	if !token.Valid {
		return Actor{}, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return Actor{}, fmt.Errorf("token subject is required")
	}

	kind := governance.ActorKind(claims.Kind)
	switch kind {
	case governance.ActorUser, governance.ActorAgent, governance.ActorSystem:
	case "":
		kind = governance.ActorUser
	default:
		return Actor{}, fmt.Errorf("unknown actor kind %q", claims.Kind)
	}

	return Actor{ID: claims.Subject, Kind: kind, OrgID: claims.OrgID}, nil
}
