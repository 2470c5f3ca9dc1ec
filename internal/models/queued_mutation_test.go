package models

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
)

func TestEncodeHeadersRoundTrip(t *testing.T) {
	encoded, err := EncodeHeaders(map[string]string{
		"Content-Type":  "application/json",
		"Authorization": "Bearer abc",
	})
	require.NoError(t, err)

	mutation := QueuedMutation{Headers: encoded}
	headers := mutation.HeaderMap()
	require.Equal(t, "application/json", headers["Content-Type"])
	require.Equal(t, "Bearer abc", headers["Authorization"])
}

func TestEncodeHeadersEmpty(t *testing.T) {
	encoded, err := EncodeHeaders(nil)
	require.NoError(t, err)
	require.JSONEq(t, `{}`, string(encoded))
}

func TestHeaderMapToleratesBadJSON(t *testing.T) {
	mutation := QueuedMutation{Headers: datatypes.JSON(`not-json`)}
	require.Empty(t, mutation.HeaderMap())
	require.Empty(t, QueuedMutation{}.HeaderMap())
}

func TestBeforeCreateAssignsIdempotencyKey(t *testing.T) {
	mutation := &QueuedMutation{Method: "POST", URL: "http://localhost/api/expenses"}
	require.NoError(t, mutation.BeforeCreate(nil))
	require.Len(t, mutation.IdempotencyKey, 36)

	preset := &QueuedMutation{IdempotencyKey: "fixed"}
	require.NoError(t, preset.BeforeCreate(nil))
	require.Equal(t, "fixed", preset.IdempotencyKey)
}

func TestTableNames(t *testing.T) {
	require.Equal(t, "cache_entries", CacheEntry{}.TableName())
	require.Equal(t, "queued_mutations", QueuedMutation{}.TableName())
}
