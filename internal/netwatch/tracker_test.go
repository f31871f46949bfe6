package netwatch

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlocklistGlob(t *testing.T) {
	tr, err := New([]string{"*.example.com/*"}, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, tr.Blocked("https://a.example.com/x"))
	assert.True(t, tr.Blocked("https://tracker.ads.example.com/pixel.gif"))
	assert.False(t, tr.Blocked("https://example.com/x"), "bare domain lacks the subdomain dot")
	assert.False(t, tr.Blocked("https://example.org/x"))
}

func TestBlocklistQuestionMark(t *testing.T) {
	tr, err := New([]string{"cdn?.site.test/assets/*"}, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, tr.Blocked("https://cdn1.site.test/assets/app.js"))
	assert.True(t, tr.Blocked("https://cdnX.site.test/assets/app.js"))
	assert.False(t, tr.Blocked("https://cdn12.site.test/assets/app.js"), "? matches exactly one character")
	assert.False(t, tr.Blocked("https://cdn1.site.test/other/app.js"))
}

func TestBlocklistDotsAreLiteral(t *testing.T) {
	tr, err := New([]string{"ads.net/*"}, zerolog.Nop())
	require.NoError(t, err)

	assert.True(t, tr.Blocked("http://ads.net/banner"))
	assert.False(t, tr.Blocked("http://adsxnet/banner"))
}

func TestEmptyBlocklistBlocksNothing(t *testing.T) {
	tr, err := New(nil, zerolog.Nop())
	require.NoError(t, err)
	assert.False(t, tr.Blocked("https://anything.test/at/all"))
}

func TestQuiesceImmediateWhenIdle(t *testing.T) {
	tr, err := New(nil, zerolog.Nop())
	require.NoError(t, err)

	assert.Equal(t, 0, tr.InFlight())
	start := time.Now()
	assert.True(t, tr.Quiesce(context.Background(), 5*time.Second))
	assert.Less(t, time.Since(start), time.Second, "idle tracker quiesces without waiting")
}

func TestQuiesceTimesOutWhileBusy(t *testing.T) {
	tr, err := New(nil, zerolog.Nop())
	require.NoError(t, err)

	tr.mu.Lock()
	tr.inflight["https://slow.test/resource"] = TrackedRequest{
		URL:     "https://slow.test/resource",
		Method:  "GET",
		Started: time.Now(),
	}
	tr.mu.Unlock()

	assert.Equal(t, 1, tr.InFlight())
	assert.False(t, tr.Quiesce(context.Background(), 250*time.Millisecond))
}

func TestAbortAllRequiresPage(t *testing.T) {
	tr, err := New(nil, zerolog.Nop())
	require.NoError(t, err)
	assert.Error(t, tr.AbortAll(context.Background()))
}
