package auth

import (
	"context"
	"log/slog"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const staticOwner = "static"

// KeyLookup resolves an API key to the name of its owner, returning "" for
// unknown keys.
type KeyLookup interface {
	GetAPIKey(ctx context.Context, apiKey string) (string, error)
}

// Authenticator checks API keys for the alert management routes: static
// keys from config first, then recently seen keys, then the key store.
type Authenticator struct {
	log        *slog.Logger
	cache      *ttlcache.Cache[string, string]
	lookup     KeyLookup
	staticKeys map[string]bool
}

// NewAuthenticator builds an Authenticator. lookup may be nil, in which case
// only static keys are accepted.
func NewAuthenticator(log *slog.Logger, staticKeys []string, ttl time.Duration, lookup KeyLookup) *Authenticator {
	keys := make(map[string]bool, len(staticKeys))
	for _, k := range staticKeys {
		if k != "" {
			keys[k] = true
		}
	}

	return &Authenticator{
		log:        log,
		cache:      ttlcache.New(ttlcache.WithTTL[string, string](ttl)),
		lookup:     lookup,
		staticKeys: keys,
	}
}

// Validate returns the key owner and whether the key is accepted.
func (a *Authenticator) Validate(ctx context.Context, apiKey string) (string, bool) {
	if apiKey == "" {
		return "", false
	}
	if a.staticKeys[apiKey] {
		return staticOwner, true
	}

	if item := a.cache.Get(apiKey); item != nil {
		return item.Value(), true
	}

	if a.lookup == nil {
		return "", false
	}
	owner, err := a.lookup.GetAPIKey(ctx, apiKey)
	if err != nil {
		a.log.Warn("auth: key lookup failed", "error", err)
		return "", false
	}
	if owner == "" {
		return "", false
	}

	a.cache.Set(apiKey, owner, ttlcache.DefaultTTL)
	return owner, true
}
