package redis

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/koda-community/koda-bot/internal/domain/progression"
	"github.com/koda-community/koda-bot/pkg/logger"
)

// JSONStore is the subset of Cache used by CachedVerifier.
type JSONStore interface {
	Get(ctx context.Context, key string, dest any) error
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

// cachedContribution is the stored form of a lookup; Found=false caches
// "no activity" so it is not re-queried within the TTL.
type cachedContribution struct {
	Found bool                         `json:"found"`
	Day   *progression.ContributionDay `json:"day,omitempty"`
}

// CachedVerifier decorates an ActivityVerifier with a short-lived Redis cache.
// Cache failures fall through to the wrapped verifier.
type CachedVerifier struct {
	next  progression.ActivityVerifier
	cache JSONStore
	ttl   time.Duration
	log   *slog.Logger
}

var _ progression.ActivityVerifier = (*CachedVerifier)(nil)

// NewCachedVerifier wraps next. A non-positive ttl disables caching.
func NewCachedVerifier(next progression.ActivityVerifier, cache JSONStore, ttl time.Duration, log *slog.Logger) *CachedVerifier {
	if log == nil {
		log = slog.Default()
	}
	return &CachedVerifier{
		next:  next,
		cache: cache,
		ttl:   ttl,
		log:   log.With(logger.Component("verification-cache")),
	}
}

// LastContribution implements progression.ActivityVerifier.
func (v *CachedVerifier) LastContribution(ctx context.Context, login string) (*progression.ContributionDay, error) {
	if v.ttl <= 0 {
		return v.next.LastContribution(ctx, login)
	}

	key := contributionKey(login)

	var hit cachedContribution
	err := v.cache.Get(ctx, key, &hit)
	switch {
	case err == nil:
		v.log.Debug("verification cache hit", logger.GithubLogin(login))
		if !hit.Found {
			return nil, nil
		}
		day := *hit.Day
		return &day, nil
	case !errors.Is(err, ErrCacheMiss):
		v.log.Warn("verification cache read failed", logger.GithubLogin(login), logger.Err(err))
	}

	day, err := v.next.LastContribution(ctx, login)
	if err != nil {
		// Failures are never cached.
		return nil, err
	}

	entry := cachedContribution{Found: day != nil, Day: day}
	if err := v.cache.Set(ctx, key, entry, v.ttl); err != nil {
		v.log.Warn("verification cache write failed", logger.GithubLogin(login), logger.Err(err))
	}
	return day, nil
}

// GitHub logins are case-insensitive.
func contributionKey(login string) string {
	return PrefixContribution + strings.ToLower(login)
}
