package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is stamped on every token this service signs.
const Issuer = "wagerline"

// Realm identifies the JWT authentication realm. It doubles as the token audience.
type Realm string

const (
	RealmPlayer Realm = "player"
	RealmAdmin  Realm = "admin"
)

// Claims holds the custom JWT claims for both realms.
type Claims struct {
	jwt.RegisteredClaims
	Realm Realm  `json:"realm"`
	Role  string `json:"role,omitempty"` // admin realm only
}

// JWTManager signs and checks HS256 tokens for both realms.
type JWTManager struct {
	secret []byte
	expiry map[Realm]time.Duration
	leeway time.Duration
}

// NewJWTManager creates a JWT manager with realm-specific expiry durations.
func NewJWTManager(secret string, playerExpiry, adminExpiry time.Duration) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		expiry: map[Realm]time.Duration{RealmPlayer: playerExpiry, RealmAdmin: adminExpiry},
		leeway: 30 * time.Second,
	}
}

// GenerateToken signs a token for subject. Player tokens carry no role; admin
// tokens must carry a known one.
func (m *JWTManager) GenerateToken(realm Realm, subject, role string) (string, error) {
	expiry, ok := m.expiry[realm]
	if !ok {
		return "", fmt.Errorf("unknown realm: %s", realm)
	}
	if subject == "" {
		return "", fmt.Errorf("empty subject")
	}
	if err := checkRole(realm, role); err != nil {
		return "", err
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{string(realm)},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(expiry)),
			ID:        uuid.NewString(),
		},
		Realm: realm,
		Role:  role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
}

// ValidateTokenForRealm parses tokenString and checks signature, issuer,
// audience, expiry and the realm's role rules.
func (m *JWTManager) ValidateTokenForRealm(tokenString string, realm Realm) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return m.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(string(realm)),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(m.leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}
	if claims.Realm != realm {
		return nil, fmt.Errorf("expected realm %s, got %s", realm, claims.Realm)
	}
	if err := checkRole(realm, claims.Role); err != nil {
		return nil, err
	}
	return claims, nil
}

func checkRole(realm Realm, role string) error {
	switch {
	case realm == RealmPlayer && role != "":
		return fmt.Errorf("player tokens carry no role")
	case realm == RealmAdmin && !ValidAdminRole(role):
		return fmt.Errorf("unknown admin role %q", role)
	}
	return nil
}
