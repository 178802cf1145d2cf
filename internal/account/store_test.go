package account

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreLoadMissingFile(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "nope", "accounts.json"))
	f, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, f.Accounts)
	assert.NotNil(t, f.ActiveIndexByFamily)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "accounts.json"))

	acc := testAccount("a@x.com")
	rateLimit(acc, testModel, 60000)
	setQuota(acc, testModel, 0.7)
	require.NoError(t, store.Save(&File{
		Accounts:    []*Account{acc, testAccount("b@x.com")},
		Settings:    Settings{Strategy: "round-robin"},
		ActiveIndex: 1,
	}))

	f, err := store.Load()
	require.NoError(t, err)
	require.Len(t, f.Accounts, 2)
	assert.Equal(t, "round-robin", f.Settings.Strategy)
	assert.Equal(t, 1, f.ActiveIndex)

	got := f.FindAccount("a@x.com")
	require.NotNil(t, got)
	require.NotNil(t, got.RateLimitFor(testModel))
	assert.True(t, got.RateLimitFor(testModel).IsRateLimited)
	require.NotNil(t, got.RemainingFraction(testModel))
	assert.InDelta(t, 0.7, *got.RemainingFraction(testModel), 1e-9)

	// No temp files linger after an atomic write.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestStoreSaveCreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deep", "nested", "accounts.json")
	store := NewStore(path)
	require.NoError(t, store.Save(&File{Accounts: []*Account{testAccount("a@x.com")}}))

	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadResetsInvalidWithoutVerifyURL(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))

	stale := testAccount("a@x.com")
	stale.IsInvalid = true
	stale.InvalidReason = "transient auth failure"
	pending := testAccount("b@x.com")
	pending.IsInvalid = true
	pending.InvalidReason = "needs verification"
	pending.VerifyURL = "https://verify.example"
	require.NoError(t, store.Save(&File{Accounts: []*Account{stale, pending}}))

	f, err := store.Load()
	require.NoError(t, err)

	// A restart retries accounts that failed transiently, but a pending
	// verification URL survives.
	got := f.FindAccount("a@x.com")
	assert.False(t, got.IsInvalid)
	assert.Empty(t, got.InvalidReason)

	got = f.FindAccount("b@x.com")
	assert.True(t, got.IsInvalid)
	assert.Equal(t, "https://verify.example", got.VerifyURL)
}

func TestLoadDropsDuplicatesAndEmptyEmails(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))

	first := testAccount("a@x.com")
	first.ProjectID = "keep-me"
	dup := testAccount("a@x.com")
	dup.ProjectID = "drop-me"
	require.NoError(t, store.Save(&File{Accounts: []*Account{first, dup, {Email: ""}}}))

	f, err := store.Load()
	require.NoError(t, err)
	require.Len(t, f.Accounts, 1)
	assert.Equal(t, "keep-me", f.Accounts[0].ProjectID)
}

func TestLoadClampsIndices(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.Save(&File{
		Accounts:            []*Account{testAccount("a@x.com")},
		ActiveIndex:         7,
		ActiveIndexByFamily: map[string]int{"claude": 3, "gemini": -1},
	}))

	f, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 0, f.ActiveIndex)
	assert.Equal(t, 0, f.ActiveIndexByFamily["claude"])
	assert.Equal(t, 0, f.ActiveIndexByFamily["gemini"])
}

func TestLoadSeedsFamilyIndices(t *testing.T) {
	store := NewStore(filepath.Join(t.TempDir(), "accounts.json"))
	require.NoError(t, store.Save(&File{
		Accounts:    []*Account{testAccount("a@x.com"), testAccount("b@x.com")},
		ActiveIndex: 1,
	}))

	// The file has no per-family map; older files carry only ActiveIndex.
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "activeIndexByFamily")

	f, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, f.ActiveIndexByFamily["claude"])
	assert.Equal(t, 1, f.ActiveIndexByFamily["gemini"])
}

func TestLoadRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accounts.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	_, err := NewStore(path).Load()
	assert.Error(t, err)
}

func TestFileAddAccount(t *testing.T) {
	f := &File{}
	assert.False(t, f.AddAccount(testAccount("a@x.com")))
	assert.False(t, f.AddAccount(testAccount("b@x.com")))

	replacement := testAccount("a@x.com")
	replacement.ProjectID = "new-project"
	assert.True(t, f.AddAccount(replacement))
	require.Len(t, f.Accounts, 2)
	assert.Equal(t, "new-project", f.FindAccount("a@x.com").ProjectID)
}

func TestFileRemoveAccount(t *testing.T) {
	f := &File{
		Accounts:            []*Account{testAccount("a@x.com"), testAccount("b@x.com")},
		ActiveIndex:         1,
		ActiveIndexByFamily: map[string]int{"claude": 1},
	}

	assert.True(t, f.RemoveAccount("b@x.com"))
	assert.False(t, f.RemoveAccount("b@x.com"))
	assert.Len(t, f.Accounts, 1)
	assert.Equal(t, 0, f.ActiveIndex)
	assert.Equal(t, 0, f.ActiveIndexByFamily["claude"])
}
