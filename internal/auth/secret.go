package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const tokenFileName = "api_token"

// LoadOrCreateToken returns the generated API token kept in dir, creating
// a 256-bit hex token on first use.
func LoadOrCreateToken(dir string) (token string, created bool, err error) {
	path := filepath.Join(dir, tokenFileName)

	data, err := os.ReadFile(path)
	if err == nil {
		if token := strings.TrimSpace(string(data)); token != "" {
			return token, false, nil
		}
	} else if !os.IsNotExist(err) {
		return "", false, fmt.Errorf("reading api token: %w", err)
	}

	token, err = RotateToken(dir)
	if err != nil {
		return "", false, err
	}
	return token, true, nil
}

// RotateToken replaces the generated API token. Clients holding the old
// one are rejected from then on.
func RotateToken(dir string) (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating api token: %w", err)
	}
	token := hex.EncodeToString(b)

	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating token dir: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, tokenFileName), []byte(token+"\n"), 0600); err != nil {
		return "", fmt.Errorf("writing api token: %w", err)
	}
	return token, nil
}
