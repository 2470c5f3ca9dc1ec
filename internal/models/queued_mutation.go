package models

import (
	"encoding/json"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// QueuedMutation is a mutating request captured while offline. Rows are replayed in
// ascending ID order and deleted only after a successful replay.
type QueuedMutation struct {
	ID             uint64         `gorm:"primaryKey;autoIncrement" json:"id"`
	Method         string         `gorm:"size:16;not null" json:"method"`
	URL            string         `gorm:"size:2048;not null" json:"url"`
	Headers        datatypes.JSON `json:"headers"`
	Body           []byte         `json:"body,omitempty"`
	IdempotencyKey string         `gorm:"size:64;index" json:"idempotency_key"`
	// Timestamp is the enqueue time in milliseconds since epoch.
	Timestamp int64 `gorm:"index" json:"timestamp"`
}

// TableName pins the table name used by the local store.
func (QueuedMutation) TableName() string {
	return "queued_mutations"
}

// BeforeCreate assigns an idempotency key when the caller did not supply one.
func (m *QueuedMutation) BeforeCreate(tx *gorm.DB) error {
	if m.IdempotencyKey == "" {
		m.IdempotencyKey = uuid.NewString()
	}
	return nil
}

// HeaderMap decodes the stored headers. Malformed or empty JSON yields an empty map.
func (m QueuedMutation) HeaderMap() map[string]string {
	headers := map[string]string{}
	if len(m.Headers) == 0 {
		return headers
	}
	_ = json.Unmarshal(m.Headers, &headers)
	return headers
}

// EncodeHeaders converts a header map into the JSON column representation.
func EncodeHeaders(headers map[string]string) (datatypes.JSON, error) {
	if len(headers) == 0 {
		return datatypes.JSON(json.RawMessage(`{}`)), nil
	}
	payload, err := json.Marshal(headers)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(payload), nil
}
