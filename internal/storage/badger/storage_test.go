package badger

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/marketfinder/internal/common"
	"github.com/ternarybob/marketfinder/internal/interfaces"
	"github.com/ternarybob/marketfinder/internal/models"
	"github.com/ternarybob/marketfinder/internal/services/cookies"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()

	config := &common.BadgerConfig{Path: filepath.Join(t.TempDir(), "db")}
	manager, err := NewManager(arbor.NewLogger(), config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = manager.Close() })
	return manager
}

func TestSessionStorage_GetMissing(t *testing.T) {
	store := newTestManager(t).SessionStore()

	state, err := store.Get(context.Background(), "fb_storage_state")
	assert.Nil(t, state)
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestSessionStorage_RoundTripFromNormalizer(t *testing.T) {
	store := newTestManager(t).SessionStore()
	ctx := context.Background()

	raw := `[
		{"name":"c_user","value":"1000","domain":".facebook.com","secure":true,"httpOnly":false,"sameSite":"None","expires":1893456000},
		{"name":"xs","value":"abc%3Adef","domain":".facebook.com","path":"/","httpOnly":true,"sameSite":"lax"},
		{"name":"missing-domain","value":"x"}
	]`
	normalized, err := cookies.Normalize([]byte(raw))
	require.NoError(t, err)

	require.NoError(t, store.Put(ctx, "fb_storage_state", normalized))

	restored, err := store.Get(ctx, "fb_storage_state")
	require.NoError(t, err)

	want, err := json.Marshal(normalized.Cookies)
	require.NoError(t, err)
	got, err := json.Marshal(restored.Cookies)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(got))
	assert.NotNil(t, restored.Origins)
}

func TestSessionStorage_PutReplacesAndDelete(t *testing.T) {
	store := newTestManager(t).SessionStore()
	ctx := context.Background()

	first := models.NewSessionState([]models.Cookie{{Name: "a", Value: "1", Domain: "x.com", Path: "/", SameSite: models.SameSiteLax}})
	second := models.NewSessionState([]models.Cookie{{Name: "b", Value: "2", Domain: "x.com", Path: "/", SameSite: models.SameSiteLax}})

	require.NoError(t, store.Put(ctx, "k", first))
	require.NoError(t, store.Put(ctx, "k", second))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.CookieNames())

	require.NoError(t, store.Delete(ctx, "k"))
	require.NoError(t, store.Delete(ctx, "k"))

	_, err = store.Get(ctx, "k")
	assert.ErrorIs(t, err, interfaces.ErrSessionNotFound)
}

func TestSessionStorage_PutStoresCopy(t *testing.T) {
	store := newTestManager(t).SessionStore()
	ctx := context.Background()

	state := models.NewSessionState([]models.Cookie{{Name: "a", Value: "1", Domain: "x.com", Path: "/", SameSite: models.SameSiteLax}})
	require.NoError(t, store.Put(ctx, "k", state))

	state.Cookies[0].Value = "mutated"

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", got.Cookies[0].Value)
}

func TestSavedSearchStorage_CRUD(t *testing.T) {
	store := newTestManager(t).SavedSearchStorage()
	ctx := context.Background()

	older := &models.SavedSearch{
		Query:                "bike",
		Filters:              models.DefaultFilters(),
		NotificationsEnabled: true,
		CreatedAt:            time.Now().Add(-time.Hour).UTC(),
	}
	newer := &models.SavedSearch{
		Query:                "sofa",
		Filters:              models.DefaultFilters(),
		NotificationsEnabled: false,
	}
	require.NoError(t, store.Save(ctx, older))
	require.NoError(t, store.Save(ctx, newer))
	assert.NotEmpty(t, older.ID)
	assert.NotEmpty(t, newer.ID)
	assert.False(t, newer.CreatedAt.IsZero())

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "sofa", all[0].Query)
	assert.Equal(t, "bike", all[1].Query)

	enabled, err := store.ListNotificationEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, older.ID, enabled[0].ID)

	push := true
	updated, err := store.UpdateNotifications(ctx, older.ID, models.NotificationUpdate{Push: &push})
	require.NoError(t, err)
	assert.True(t, updated.Notifications.Push)
	assert.False(t, updated.Notifications.Email)

	got, err := store.Get(ctx, older.ID)
	require.NoError(t, err)
	assert.True(t, got.Notifications.Push)

	require.NoError(t, store.Delete(ctx, older.ID))
	_, err = store.Get(ctx, older.ID)
	assert.ErrorIs(t, err, interfaces.ErrSavedSearchNotFound)
	assert.ErrorIs(t, store.Delete(ctx, older.ID), interfaces.ErrSavedSearchNotFound)

	_, err = store.UpdateNotifications(ctx, "missing", models.NotificationUpdate{Push: &push})
	assert.ErrorIs(t, err, interfaces.ErrSavedSearchNotFound)
}

func TestKVStorage_SetGetDelete(t *testing.T) {
	kv := newTestManager(t).KeyValueStorage()
	ctx := context.Background()

	_, err := kv.Get(ctx, "smtp_host")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	require.NoError(t, kv.Set(ctx, "SMTP_Host", "smtp.example.com", "SMTP server hostname"))

	value, err := kv.Get(ctx, "smtp_host")
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com", value)

	require.NoError(t, kv.Set(ctx, "last_notified_ss_1", "123", ""))

	pairs, err := kv.ListPrefix(ctx, "SMTP_")
	require.NoError(t, err)
	require.Len(t, pairs, 1)
	assert.Equal(t, "smtp_host", pairs[0].Key)

	all, err := kv.ListPrefix(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, kv.Delete(ctx, "smtp_host"))
	assert.ErrorIs(t, kv.Delete(ctx, "smtp_host"), interfaces.ErrKeyNotFound)
}

func TestNewBadgerDB_ResetOnStartup(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	ctx := context.Background()

	first, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: path})
	require.NoError(t, err)
	require.NoError(t, first.KeyValueStorage().Set(ctx, "smtp_host", "mail.example.com", ""))
	require.NoError(t, first.Close())

	kept, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: path})
	require.NoError(t, err)
	value, err := kept.KeyValueStorage().Get(ctx, "smtp_host")
	require.NoError(t, err)
	assert.Equal(t, "mail.example.com", value)
	require.NoError(t, kept.Close())

	reset, err := NewManager(arbor.NewLogger(), &common.BadgerConfig{Path: path, ResetOnStartup: true})
	require.NoError(t, err)
	defer reset.Close()
	_, err = reset.KeyValueStorage().Get(ctx, "smtp_host")
	assert.ErrorIs(t, err, interfaces.ErrKeyNotFound)

	_, err = NewManager(arbor.NewLogger(), &common.BadgerConfig{})
	assert.Error(t, err)
}
