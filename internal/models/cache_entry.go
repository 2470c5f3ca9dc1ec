package models

// CacheEntry is a cached read response, keyed by "METHOD:URL".
type CacheEntry struct {
	Key         string `gorm:"primaryKey;size:768" json:"key"`
	Payload     []byte `json:"-"`
	ContentType string `gorm:"size:255" json:"content_type"`
	// ContentEncoding is kept so a compressed payload is replayed with its encoding.
	ContentEncoding string `gorm:"size:64" json:"content_encoding"`
	StatusCode      int    `json:"status_code"`
	// Timestamp is the time of the last write in milliseconds since epoch.
	Timestamp int64 `gorm:"index" json:"timestamp"`
}

// TableName pins the table name used by the local store.
func (CacheEntry) TableName() string {
	return "cache_entries"
}
