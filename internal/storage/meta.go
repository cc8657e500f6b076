package storage

import "time"

// Category classifies stored items so eviction can distinguish disposable
// data from configuration and secrets.
type Category string

// Known storage categories.
const (
	CategorySettings Category = "settings"
	CategorySecrets  Category = "secrets"
	CategoryJobs     Category = "jobs"
	CategoryCache    Category = "cache"
	CategoryData     Category = "data"
	CategoryUnknown  Category = "unknown"
)

// metaKey is the store key holding the serialized metadata set. It is never
// an eviction candidate.
const metaKey = "storage.meta"

// protectedCategories are never evicted by cleanup: persisted settings,
// encrypted secrets, and the job queue's own durable state.
var protectedCategories = map[Category]bool{
	CategorySettings: true,
	CategorySecrets:  true,
	CategoryJobs:     true,
}

// ItemMeta is the shadow metadata tracked for one persisted key. The
// metadata set is kept synchronized with the actual key set of the store;
// size is recomputed whenever a key is written.
type ItemMeta struct {
	Key            string    `json:"key"`
	Size           int64     `json:"size"`
	Category       Category  `json:"category"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
}

// Stats summarizes current store usage.
type Stats struct {
	BytesUsed   int64                      `json:"bytes_used"`
	BytesTotal  int64                      `json:"bytes_total"`
	PercentUsed float64                    `json:"percent_used"`
	ItemCount   int                        `json:"item_count"`
	ByCategory  map[Category]CategoryStats `json:"by_category"`
}

// CategoryStats aggregates usage for one category.
type CategoryStats struct {
	Count int   `json:"count"`
	Bytes int64 `json:"bytes"`
}
