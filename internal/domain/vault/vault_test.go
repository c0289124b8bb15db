package vault

import (
	"testing"
	"time"

	"github.com/bytedance/sonic"
	badger "github.com/dgraph-io/badger/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quickswitch/quickswitch/internal/crypt"
	"github.com/quickswitch/quickswitch/internal/shared/types"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	opts := badger.DefaultOptions(t.TempDir()).WithLogger(nil)
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, crypt.New("test-master-key"))
}

func vaultSession(id string, updatedAt time.Time) *types.Session {
	value := "cookie-value"
	return &types.Session{
		ID:     id,
		Name:   "Work",
		Domain: "example.com",
		Origin: "https://example.com",
		Cookies: []types.Cookie{
			{Name: "sid", Value: &value, Domain: ".example.com"},
		},
		LocalStorageData: map[string]string{"k": "v"},
		CreatedAt:        updatedAt.Add(-time.Hour),
		UpdatedAt:        updatedAt,
	}
}

func TestUpsertGetRoundTrip(t *testing.T) {
	v := openTestVault(t)
	want := vaultSession("s1", time.Now())

	require.NoError(t, v.Upsert("u1", want))

	got, err := v.Get("u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, want.Name, got.Name)
	require.Len(t, got.Cookies, 1)
	assert.Equal(t, "cookie-value", *got.Cookies[0].Value)
	assert.Equal(t, "v", got.LocalStorageData["k"])
}

func TestPayloadEncryptedAtRest(t *testing.T) {
	v := openTestVault(t)
	require.NoError(t, v.Upsert("u1", vaultSession("s1", time.Now())))

	var rec record
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(sessionKey("u1", "s1"))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			assert.NotContains(t, string(val), "cookie-value")
			return sonic.Unmarshal(val, &rec)
		})
	})
	require.NoError(t, err)

	// Metadata stays readable for listing; the payload does not.
	assert.Equal(t, "Work", rec.Name)
	assert.NotContains(t, rec.Payload, "cookie-value")
}

func TestUsersAreIsolated(t *testing.T) {
	v := openTestVault(t)
	require.NoError(t, v.Upsert("u1", vaultSession("s1", time.Now())))

	_, err := v.Get("u2", "s1")
	assert.ErrorIs(t, err, types.ErrNotFound)

	sessions, err := v.List("u2")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestUpsertIgnoresStaleWrite(t *testing.T) {
	v := openTestVault(t)
	now := time.Now()

	fresh := vaultSession("s1", now)
	fresh.Name = "fresh"
	require.NoError(t, v.Upsert("u1", fresh))

	stale := vaultSession("s1", now.Add(-time.Minute))
	stale.Name = "stale"
	require.NoError(t, v.Upsert("u1", stale))

	got, err := v.Get("u1", "s1")
	require.NoError(t, err)
	assert.Equal(t, "fresh", got.Name)
}

func TestDeleteMissingReturnsNotFound(t *testing.T) {
	v := openTestVault(t)
	assert.ErrorIs(t, v.Delete("u1", "missing"), types.ErrNotFound)
}

func TestApplySync(t *testing.T) {
	v := openTestVault(t)
	now := time.Now()
	require.NoError(t, v.Upsert("u1", vaultSession("existing", now)))
	require.NoError(t, v.Upsert("u1", vaultSession("doomed", now)))

	updated := vaultSession("existing", now.Add(time.Minute))
	updated.Name = "renamed"

	sessions, err := v.ApplySync("u1", types.ChangeSet{
		Created: []types.Session{*vaultSession("created", now)},
		Updated: []types.Session{*updated},
		Deleted: []string{"doomed", "never-existed"},
	})
	require.NoError(t, err)

	byID := map[string]types.Session{}
	for _, s := range sessions {
		byID[s.ID] = s
	}
	require.Len(t, byID, 2)
	assert.Equal(t, "renamed", byID["existing"].Name)
	assert.Contains(t, byID, "created")
	assert.NotContains(t, byID, "doomed")
}

func TestCount(t *testing.T) {
	v := openTestVault(t)
	now := time.Now()
	require.NoError(t, v.Upsert("u1", vaultSession("a", now)))
	require.NoError(t, v.Upsert("u1", vaultSession("b", now)))
	require.NoError(t, v.Upsert("u2", vaultSession("c", now)))

	count, err := v.Count("u1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
