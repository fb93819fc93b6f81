package services

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/coursesync/server/internal/models"
	"github.com/coursesync/server/internal/observability"
	"github.com/coursesync/server/internal/repository"
)

const coursesCacheKey = "courses"

func tabsCacheKey(courseID string) string {
	return fmt.Sprintf("courses/%s/tabs", courseID)
}

func rootFolderCacheKey(courseID string) string {
	return fmt.Sprintf("courses/%s/folders/root", courseID)
}

func folderItemsCacheKey(folderID string) string {
	return fmt.Sprintf("folders/%s/items", folderID)
}

// courseContentPrefix covers every cached tab payload of a course
func courseContentPrefix(courseID string) string {
	return fmt.Sprintf("courses/%s/content/", courseID)
}

func tabContentCacheKey(courseID string, tab models.TabName) string {
	return courseContentPrefix(courseID) + string(tab)
}

// cachedFetch reads key from the cache when useCache is set and falls back
// to fetch on a miss. Every network result refreshes the cache. A nil
// cache always fetches.
func cachedFetch[T any](ctx context.Context, cache repository.APICacheRepo, key string, useCache bool, fetch func(context.Context) (T, error)) (T, error) {
	var zero T

	if cache != nil && useCache {
		payload, ok, err := cache.Get(ctx, key)
		if err != nil {
			return zero, fmt.Errorf("read cache %s: %w", key, err)
		}
		if ok {
			var cached T
			if err := json.Unmarshal(payload, &cached); err == nil {
				return cached, nil
			}
			observability.WithField("cache_key", key).Warn("Discarding unreadable cache entry")
		}
	}

	value, err := fetch(ctx)
	if err != nil {
		return zero, err
	}

	if cache != nil {
		payload, err := json.Marshal(value)
		if err == nil {
			err = cache.Put(ctx, key, payload)
		}
		if err != nil {
			observability.WithField("cache_key", key).WithError(err).Warn("Failed to refresh cache entry")
		}
	}

	return value, nil
}
