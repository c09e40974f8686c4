package engagement

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	// TokenAudience is the aud claim the collector expects.
	TokenAudience   = "engagement"
	defaultTokenTTL = time.Minute
	minSecretLen    = 16
)

// BeaconClaims ties a bearer token to a single event body. Subject is the
// device user id.
type BeaconClaims struct {
	StoryID  string `json:"sid"`
	Type     Type   `json:"evt"`
	BodyHash string `json:"bsh"`
	jwt.RegisteredClaims
}

// Signer mints HS256 tokens for HTTP beacons.
type Signer struct {
	issuer string
	ttl    time.Duration
	secret []byte
	now    func() time.Time
}

// NewSigner validates the shared secret; ttl <= 0 means one minute.
func NewSigner(secret, issuer string, ttl time.Duration) (*Signer, error) {
	issuer = strings.TrimSpace(issuer)
	if issuer == "" {
		return nil, errors.New("beacon token issuer is required")
	}
	if len(secret) < minSecretLen {
		return nil, fmt.Errorf("beacon token secret must be at least %d bytes", minSecretLen)
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &Signer{issuer: issuer, ttl: ttl, secret: []byte(secret), now: time.Now}, nil
}

// Sign issues a token for ev whose bsh claim is the SHA-256 of body.
func (s *Signer) Sign(ev Event, body []byte) (string, error) {
	now := s.now().UTC()
	sum := sha256.Sum256(body)
	claims := BeaconClaims{
		StoryID:  ev.StoryID,
		Type:     ev.Type,
		BodyHash: hex.EncodeToString(sum[:]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   ev.UserID,
			Audience:  jwt.ClaimStrings{TokenAudience},
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
			ID:        uuid.NewString(),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
}
