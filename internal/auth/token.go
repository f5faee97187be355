package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"

	"github.com/btouchard/quantrun/internal/config"
)

// HashToken returns the hex SHA-256 of a bearer token as stored in config.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// TokenSet validates bearer tokens against known hashes.
type TokenSet struct {
	names  []string
	hashes [][]byte
}

// NewTokenSet creates an empty TokenSet.
func NewTokenSet() *TokenSet {
	return &TokenSet{}
}

// AddHash registers a hex SHA-256 token hash under name.
func (s *TokenSet) AddHash(name, hash string) {
	s.names = append(s.names, name)
	s.hashes = append(s.hashes, []byte(strings.ToLower(strings.TrimSpace(hash))))
}

// AddToken registers a plaintext token under name.
func (s *TokenSet) AddToken(name, token string) {
	s.AddHash(name, HashToken(token))
}

// Len returns the number of registered tokens.
func (s *TokenSet) Len() int {
	return len(s.hashes)
}

// Validate reports whether token matches a registered hash and returns its
// name. Every entry is compared so timing does not reveal which one matched.
func (s *TokenSet) Validate(token string) (string, bool) {
	if token == "" {
		return "", false
	}
	candidate := []byte(HashToken(token))

	match := -1
	for i, h := range s.hashes {
		if subtle.ConstantTimeCompare(candidate, h) == 1 {
			match = i
		}
	}
	if match < 0 {
		return "", false
	}
	return s.names[match], true
}

// TokensFromConfig builds the accepted token set. When cfg lists no token,
// a generated one is loaded from (or created in) cfg.SecretDir.
func TokensFromConfig(cfg config.AuthConfig) (*TokenSet, error) {
	s := NewTokenSet()
	if cfg.APIToken != "" {
		s.AddToken("api_token", cfg.APIToken)
	}
	for i, entry := range cfg.APITokens {
		if _, err := hex.DecodeString(entry.TokenHash); err != nil || len(entry.TokenHash) != sha256.Size*2 {
			return nil, fmt.Errorf("auth.api_tokens[%d] (%s): token_hash must be a hex SHA-256", i, entry.Name)
		}
		name := entry.Name
		if name == "" {
			name = fmt.Sprintf("token-%d", i)
		}
		s.AddHash(name, entry.TokenHash)
	}
	if s.Len() > 0 {
		return s, nil
	}

	token, created, err := LoadOrCreateToken(cfg.SecretDir)
	if err != nil {
		return nil, err
	}
	if created {
		slog.Info("generated api token", "dir", cfg.SecretDir)
	}
	s.AddToken("generated", token)
	return s, nil
}
