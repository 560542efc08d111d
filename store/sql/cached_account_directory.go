package sqlstore

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/goliatone/go-billing/core"
	repositorycache "github.com/goliatone/go-repository-cache/cache"
)

const accountCacheKeyPrefix = "go-billing::account::v1"

type AccountWriter interface {
	Upsert(ctx context.Context, account core.Account) (core.Account, error)
}

// CachedAccountDirectory serves webhook endpoint and secret lookups from a
// read-through cache. Writes go to the base store and evict the entry.
type CachedAccountDirectory struct {
	base   core.AccountDirectory
	writer AccountWriter
	cache  repositorycache.CacheService
}

func NewCachedAccountDirectory(
	base core.AccountDirectory,
	cacheService repositorycache.CacheService,
) (*CachedAccountDirectory, error) {
	if base == nil {
		return nil, fmt.Errorf("sqlstore: base account directory is required")
	}
	if cacheService == nil {
		return nil, fmt.Errorf("sqlstore: account cache service is required")
	}
	writer, _ := base.(AccountWriter)
	return &CachedAccountDirectory{base: base, writer: writer, cache: cacheService}, nil
}

// AccountCacheKey is go-billing::account::v1::<account_id>, path escaped.
func AccountCacheKey(accountID string) (string, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return "", fmt.Errorf("sqlstore: account id is required")
	}
	return accountCacheKeyPrefix + "::" + url.PathEscape(accountID), nil
}

func (d *CachedAccountDirectory) GetAccount(ctx context.Context, accountID string) (core.Account, error) {
	if d == nil || d.base == nil || d.cache == nil {
		return core.Account{}, fmt.Errorf("sqlstore: cached account directory is not configured")
	}
	key, err := AccountCacheKey(accountID)
	if err != nil {
		return core.Account{}, err
	}
	return repositorycache.GetOrFetch(ctx, d.cache, key, func(ctx context.Context) (core.Account, error) {
		return d.base.GetAccount(ctx, strings.TrimSpace(accountID))
	})
}

func (d *CachedAccountDirectory) Upsert(ctx context.Context, account core.Account) (core.Account, error) {
	if d == nil || d.writer == nil || d.cache == nil {
		return core.Account{}, fmt.Errorf("sqlstore: cached account directory is read only")
	}
	saved, err := d.writer.Upsert(ctx, account)
	if err != nil {
		return core.Account{}, err
	}
	key, err := AccountCacheKey(saved.ID)
	if err != nil {
		return core.Account{}, err
	}
	if err := d.cache.Delete(ctx, key); err != nil {
		return core.Account{}, err
	}
	return saved, nil
}

var (
	_ core.AccountDirectory = (*CachedAccountDirectory)(nil)
	_ AccountWriter         = (*CachedAccountDirectory)(nil)
)
