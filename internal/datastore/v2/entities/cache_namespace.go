package entities

import "time"

// CacheNamespace is a versioned bucket of cached request/response pairs.
type CacheNamespace struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:255;not null;uniqueIndex" json:"name"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// TableName returns the table name for GORM.
func (CacheNamespace) TableName() string {
	return "cache_namespaces"
}
