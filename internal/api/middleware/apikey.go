package middleware

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/exorun/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

const rawKeyPrefix = "ex_"

var validScopes = map[string]bool{
	models.ScopeRead:   true,
	models.ScopeSubmit: true,
	models.ScopeAdmin:  true,
}

// GenerateAPIKey creates a random key for name. It returns the raw key, which
// is never stored, and the record holding its bcrypt hash.
func GenerateAPIKey(name string, scopes []string) (string, *models.APIKey, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", nil, fmt.Errorf("api key name is required")
	}
	if len(scopes) == 0 {
		return "", nil, fmt.Errorf("at least one scope is required")
	}
	for _, s := range scopes {
		if !validScopes[s] {
			return "", nil, fmt.Errorf("unknown scope %q", s)
		}
	}

	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := rawKeyPrefix + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hash api key: %w", err)
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:KeyPrefixLen],
		Scopes:    append([]string(nil), scopes...),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
