package credentials

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

func TestStaticStore(t *testing.T) {
	store := NewStatic("  abc123\n")
	require.Equal(t, "abc123", store.Token())

	store.Clear()
	require.Empty(t, store.Token())

	store.Set("next")
	require.Equal(t, "next", store.Token())
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("file-token\n"), 0o600))

	store, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, "file-token", store.Token())

	require.NoError(t, os.WriteFile(path, []byte("rotated"), 0o600))
	require.Equal(t, "file-token", store.Token(), "file is read once")
}

func TestLoadFileMissing(t *testing.T) {
	store, err := LoadFile(filepath.Join(t.TempDir(), "absent"))
	require.NoError(t, err)
	require.Empty(t, store.Token())
}

func TestInspect(t *testing.T) {
	expiry := time.Now().Add(-time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "user-7",
		Issuer:    "household-api",
		ExpiresAt: jwt.NewNumericDate(expiry),
	}).SignedString([]byte("unknown-to-the-agent"))
	require.NoError(t, err)

	info, err := Inspect("Bearer " + token)
	require.NoError(t, err)
	require.Equal(t, "user-7", info.Subject)
	require.Equal(t, "household-api", info.Issuer)
	require.True(t, info.ExpiresAt.Equal(expiry))
	require.True(t, info.Expired(time.Now()))
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, err := Inspect("")
	require.Error(t, err)

	_, err = Inspect("not-a-jwt")
	require.Error(t, err)
}

func TestInfoWithoutExpiryNeverExpires(t *testing.T) {
	require.False(t, Info{}.Expired(time.Now()))
}

func TestNilStoreIsEmpty(t *testing.T) {
	var store *Store
	require.Empty(t, store.Token())
	store.Clear()
}
