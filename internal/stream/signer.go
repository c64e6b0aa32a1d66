package stream

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/pscheid92/streamcast/internal/domain"
)

const (
	issuer       = "streamcast"
	minKeyLength = 32
)

type streamClaims struct {
	Channel string `json:"ch"`
	jwt.RegisteredClaims
}

// Signer mints and verifies signed stream tokens.
type Signer struct {
	key      []byte
	previous [][]byte
	ttl      time.Duration
	clock    clockwork.Clock
}

// NewSigner creates a signer. ttl <= 0 mints tokens without expiry. previousKeys are
// accepted for verification only, so rotating the signing key does not invalidate
// tokens already handed out.
func NewSigner(key string, previousKeys []string, ttl time.Duration, clock clockwork.Clock) (*Signer, error) {
	if len(key) < minKeyLength {
		return nil, fmt.Errorf("signing key must be at least %d characters", minKeyLength)
	}

	s := &Signer{key: []byte(key), ttl: ttl, clock: clock}
	for _, k := range previousKeys {
		if k == "" {
			continue
		}
		s.previous = append(s.previous, []byte(k))
	}
	return s, nil
}

// Sign returns the client-facing token for a channel name.
func (s *Signer) Sign(channel domain.ChannelName) (string, error) {
	if channel == "" {
		return "", errors.New("cannot sign empty channel name")
	}

	now := s.clock.Now()
	claims := streamClaims{
		Channel: string(channel),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if s.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(s.ttl))
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("sign stream token: %w", err)
	}
	return token, nil
}

// SignStreamables is Sign(Name(streamables...)).
func (s *Signer) SignStreamables(streamables ...any) (domain.ChannelName, string, error) {
	channel := Name(streamables...)
	token, err := s.Sign(channel)
	if err != nil {
		return "", "", err
	}
	return channel, token, nil
}

// Verify returns the exact channel name a token was minted for. Any failure is
// reported as domain.ErrInvalidToken (or domain.ErrMissingToken) and never yields
// a name.
func (s *Signer) Verify(token string) (domain.ChannelName, error) {
	if token == "" {
		return "", domain.ErrMissingToken
	}

	var lastErr error
	for _, key := range s.keys() {
		channel, err := s.verifyWith(token, key)
		if err == nil {
			return channel, nil
		}
		lastErr = err
		if !errors.Is(err, jwt.ErrTokenSignatureInvalid) {
			break
		}
	}
	return "", fmt.Errorf("%w: %v", domain.ErrInvalidToken, lastErr)
}

func (s *Signer) verifyWith(token string, key []byte) (domain.ChannelName, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(s.clock.Now),
	}
	if s.ttl > 0 {
		opts = append(opts, jwt.WithExpirationRequired())
	}

	var claims streamClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) { return key, nil }, opts...)
	if err != nil {
		return "", err
	}
	if !parsed.Valid || claims.Channel == "" {
		return "", errors.New("token carries no channel")
	}
	return domain.ChannelName(claims.Channel), nil
}

func (s *Signer) keys() [][]byte {
	keys := make([][]byte, 0, 1+len(s.previous))
	keys = append(keys, s.key)
	return append(keys, s.previous...)
}
