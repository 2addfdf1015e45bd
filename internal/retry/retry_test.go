package retry

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/halpertlabs/spreadkeeper/internal/broker"
)

func fastConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Timeout:        time.Second,
	}
}

func TestDoSucceedsFirstAttempt(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(), logrus.New(), "list", func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
	assert.Equal(t, 1, calls)
}

func TestDoRetriesTransient(t *testing.T) {
	calls := 0
	got, err := Do(context.Background(), fastConfig(), logrus.New(), "list", func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &broker.APIError{Kind: broker.KindTransient, Status: 503}
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, 3, calls)
}

func TestDoStopsOnAuthError(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(), logrus.New(), "list", func(ctx context.Context) (int, error) {
		calls++
		return 0, &broker.APIError{Kind: broker.KindAuth, Status: 401}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
	assert.True(t, broker.IsAuth(err))
}

func TestDoExhaustsBudget(t *testing.T) {
	calls := 0
	_, err := Do(context.Background(), fastConfig(), logrus.New(), "list", func(ctx context.Context) (int, error) {
		calls++
		return 0, &broker.APIError{Kind: broker.KindTransient, Status: 500}
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
	assert.True(t, broker.IsTransient(err))
}
