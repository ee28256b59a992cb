package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/Fllarpell/btrainer/internal/lib/sl"
	"github.com/Fllarpell/btrainer/internal/models"
)

// UserSource источник пользователя при промахе кэша.
type UserSource interface {
	UserByID(ctx context.Context, id int64) (*models.User, error)
	UserByExternalID(ctx context.Context, externalID int64) (*models.User, error)
}

// UserReader читает проекцию пользователя сначала из Redis, затем из источника.
// Значение из источника кладётся в кэш, только если ключ не инвалидировали
// за время загрузки. Недоступность Redis не мешает чтению.
type UserReader struct {
	cache *Cache
	src   UserSource
	ttl   time.Duration
	log   *slog.Logger
}

// NewUserReader создаёт читателя с кэшем. ttl время жизни записи.
func NewUserReader(c *Cache, src UserSource, ttl time.Duration, log *slog.Logger) *UserReader {
	return &UserReader{cache: c, src: src, ttl: ttl, log: log}
}

// UserByID возвращает пользователя по внутреннему идентификатору.
func (r *UserReader) UserByID(ctx context.Context, id int64) (*models.User, error) {
	return r.load(ctx, UserKey(id), func() (*models.User, error) {
		return r.src.UserByID(ctx, id)
	})
}

// UserByExternalID возвращает пользователя по идентификатору в Telegram.
func (r *UserReader) UserByExternalID(ctx context.Context, externalID int64) (*models.User, error) {
	return r.load(ctx, ExternalUserKey(externalID), func() (*models.User, error) {
		return r.src.UserByExternalID(ctx, externalID)
	})
}

func (r *UserReader) load(ctx context.Context, key string, fetch func() (*models.User, error)) (*models.User, error) {
	log := r.log.With(slog.String("op", "cache.UserReader"), slog.String("key", key))

	var u models.User
	found, err := r.cache.Get(ctx, key, &u)
	if err != nil {
		log.Warn("failed to read user from cache", sl.Err(err))
	}
	if found {
		return &u, nil
	}

	gen, genErr := r.cache.Generation(ctx, key)
	if genErr != nil {
		log.Warn("failed to read cache generation", sl.Err(genErr))
	}

	user, err := fetch()
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		return user, nil
	}
	stored, err := r.cache.SetIfGeneration(ctx, key, gen, user, r.ttl)
	if err != nil {
		log.Warn("failed to cache user", sl.Err(err))
	} else if !stored {
		log.Debug("user changed while loading, not cached")
	}
	return user, nil
}
