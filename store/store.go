// Package store provides persistence for chat sessions and messages.
package store

import (
	"time"

	"github.com/compasshq/compass/plugin/ai/cache"
	"github.com/compasshq/compass/store/db"
)

const (
	sessionCachePrefix = "session:"
	sessionCacheTTL    = 30 * time.Minute
)

// Store is the persistence layer for the chat subsystem.
type Store struct {
	db    *db.DB
	cache cache.CacheService
}

// New creates a store. The cache is optional; a nil cache disables
// read-through caching.
func New(database *db.DB, cacheService cache.CacheService) *Store {
	return &Store{
		db:    database,
		cache: cacheService,
	}
}
