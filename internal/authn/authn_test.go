package authn_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/internal/authn"
)

func TestTokenSource_CachesUntilNearExpiry(t *testing.T) {
	var fetches int32
	ts := authn.NewTokenSource(func(ctx context.Context) (string, time.Time, error) {
		atomic.AddInt32(&fetches, 1)
		return "tok-1", time.Now().Add(time.Hour), nil
	})

	tok1, err := ts.Token(context.Background())
	require.NoError(t, err)
	tok2, err := ts.Token(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "tok-1", tok1)
	assert.Equal(t, "tok-1", tok2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&fetches))
}

func TestTokenSource_RefreshesWhenNearExpiry(t *testing.T) {
	var fetches int32
	ts := authn.NewTokenSource(func(ctx context.Context) (string, time.Time, error) {
		n := atomic.AddInt32(&fetches, 1)
		if n == 1 {
			return "tok-expiring", time.Now().Add(10 * time.Second), nil
		}
		return "tok-fresh", time.Now().Add(time.Hour), nil
	})

	tok1, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-expiring", tok1)

	tok2, err := ts.Token(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-fresh", tok2)
}
