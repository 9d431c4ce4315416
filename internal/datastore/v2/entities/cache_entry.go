package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// CacheEntry is one stored response, keyed by request method and URL.
// KeyHash backs the unique index because URLs can exceed MySQL's index length.
type CacheEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Namespace    string    `gorm:"size:255;not null;uniqueIndex:idx_cache_entries_ns_key,priority:1" json:"namespace"`
	KeyHash      string    `gorm:"size:64;not null;uniqueIndex:idx_cache_entries_ns_key,priority:2" json:"-"`
	Key          string    `gorm:"column:cache_key;type:text;not null" json:"key"`
	URL          string    `gorm:"type:text;not null" json:"url"`
	Status       int       `gorm:"not null" json:"status"`
	Header       string    `gorm:"type:text" json:"header"`
	Body         []byte    `json:"-"`
	ResponseType string    `gorm:"size:16;not null;default:'basic'" json:"response_type"`
	StoredAt     time.Time `gorm:"not null" json:"stored_at"`
}

// TableName returns the table name for GORM.
func (CacheEntry) TableName() string {
	return "cache_entries"
}

// HashKey returns the KeyHash for a cache key.
func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}
