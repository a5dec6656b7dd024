package bot

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterBurstPerUser(t *testing.T) {
	r := NewRateLimiter(0.0001, 2)
	require.True(t, r.Allow(1))
	require.True(t, r.Allow(1))
	require.False(t, r.Allow(1))
	// Other users have their own bucket.
	require.True(t, r.Allow(2))
}

func TestRateLimiterDisabled(t *testing.T) {
	r := NewRateLimiter(0, 1)
	for i := 0; i < 100; i++ {
		require.True(t, r.Allow(1))
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRateLimiter(1, 1)
	r.now = func() time.Time { return now }

	r.Allow(1)
	now = now.Add(30 * time.Minute)
	r.Allow(2)
	now = now.Add(45 * time.Minute)

	require.Equal(t, 1, r.Cleanup(time.Hour))
	require.Len(t, r.limiters, 1)
	_, ok := r.limiters[2]
	require.True(t, ok)
}

func TestTelegramChecker(t *testing.T) {
	statuses := map[string]string{"1": "member", "2": "left", "3": "creator"}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/botTOKEN/getChatMember", r.URL.Path)
		assert.Equal(t, "@chan", r.URL.Query().Get("chat_id"))
		status, ok := statuses[r.URL.Query().Get("user_id")]
		if !ok {
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "description": "Bad Request: user not found"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": map[string]string{"status": status}})
	}))
	defer srv.Close()

	c := NewTelegramChecker(srv.URL, "TOKEN", "@chan")
	ctx := context.Background()

	ok, err := c.IsSubscribed(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.IsSubscribed(ctx, 2)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.IsSubscribed(ctx, 3)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = c.IsSubscribed(ctx, 4)
	require.ErrorContains(t, err, "user not found")
}
