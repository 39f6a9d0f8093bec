package assets

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/suPer8Hu/acontext-api/internal/models"
)

const PublicPath = "/api/v1/assets/"

// ErrEmptySecret is returned by NewSigner: an empty HMAC key lets anyone
// mint tokens.
var ErrEmptySecret = errors.New("asset url secret is empty")

type urlClaims struct {
	Key  string `json:"key"`
	MIME string `json:"mime,omitempty"`
	jwt.RegisteredClaims
}

// Signer issues expiring HS256 tokens that grant read access to one key.
type Signer struct {
	secret  []byte
	ttl     time.Duration
	baseURL string
	now     func() time.Time
}

func NewSigner(secret, baseURL string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Signer{
		secret:  []byte(secret),
		ttl:     ttl,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}, nil
}

func (s *Signer) Token(ref models.AssetRef) (string, error) {
	now := s.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, urlClaims{
		Key:  ref.Key,
		MIME: ref.MIME,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	})
	return tok.SignedString(s.secret)
}

// URL returns the public URL for ref, or "" if signing fails.
func (s *Signer) URL(ref models.AssetRef) string {
	tok, err := s.Token(ref)
	if err != nil {
		return ""
	}
	return s.baseURL + PublicPath + ref.Key + "?token=" + tok
}

// Verify checks token grants key and returns the signed mime type.
func (s *Signer) Verify(key, token string) (string, error) {
	var c urlClaims
	_, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return "", err
	}
	if c.Key != key {
		return "", errors.New("token does not grant this asset")
	}
	return c.MIME, nil
}
