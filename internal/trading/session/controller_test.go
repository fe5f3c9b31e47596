package session

import (
	"context"
	"errors"
	"testing"

	"scalper/internal/config"
	"scalper/internal/core"
	"scalper/internal/mock"
	"scalper/internal/store"
	"scalper/pkg/logging"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFactoryErrorLeavesControllerIdle(t *testing.T) {
	ctrl := NewController(func(cfg config.SessionConfig) (core.IExchange, error) {
		return nil, errors.New("no route")
	}, nil, logging.NewNopLogger(), testOptions())

	err := ctrl.Start(context.Background(), testConfig())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no route")
	assert.False(t, ctrl.Status(context.Background()).Running)

	_, err = ctrl.Balances(context.Background(), testConfig())
	assert.Error(t, err)
}

func TestCloseStopsRunningSession(t *testing.T) {
	ex := mock.NewMockExchange("mock")
	history := store.NewMemoryStore()
	ctrl := NewController(func(cfg config.SessionConfig) (core.IExchange, error) {
		return ex, nil
	}, history, logging.NewNopLogger(), testOptions())

	require.NoError(t, ctrl.Start(context.Background(), testConfig()))
	require.NoError(t, ctrl.Close(context.Background()))

	assert.False(t, ex.StreamActive())
	entries, err := history.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestRestartAfterStop(t *testing.T) {
	ex := mock.NewMockExchange("mock")
	ctrl := NewController(func(cfg config.SessionConfig) (core.IExchange, error) {
		return ex, nil
	}, nil, logging.NewNopLogger(), testOptions())
	t.Cleanup(func() { _ = ctrl.Close(context.Background()) })

	require.NoError(t, ctrl.Start(context.Background(), testConfig()))
	require.NoError(t, ctrl.Stop(context.Background()))
	require.NoError(t, ctrl.Start(context.Background(), testConfig()))

	st := ctrl.Status(context.Background())
	assert.True(t, st.Running)
	assert.Zero(t, st.Stats.BuyFilled, "a new session starts with fresh stats")
	assert.Len(t, st.History, 1)
}

func TestGatewayHealthFollowsRunningSession(t *testing.T) {
	ex := mock.NewMockExchange("mock")
	ctrl := NewController(func(cfg config.SessionConfig) (core.IExchange, error) {
		return ex, nil
	}, nil, logging.NewNopLogger(), testOptions())
	assert.NoError(t, ctrl.GatewayHealth(), "idle controller is healthy")

	require.NoError(t, ctrl.Start(context.Background(), testConfig()))
	defer ctrl.Stop(context.Background())
	assert.NoError(t, ctrl.GatewayHealth())
}
