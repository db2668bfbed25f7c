package cli

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/engine"
	"github.com/swarm-dev/swarm/internal/store"
)

func TestAwaitBudgetResetUsesFreshReading(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		fmt.Fprint(w, `{"five_hour": {"utilization": 12.5, "resets_at": "2026-08-24T18:00:00Z"}}`)
	}))
	defer srv.Close()

	cfg := config.DefaultConfig()
	cfg.UsageEndpoint = srv.URL

	// The recorded window extends far into the future, but the endpoint
	// already reads below the resume threshold, so resume proceeds now.
	after := time.Now().Add(time.Hour)
	st := &store.RunState{PauseReason: engine.ReasonUsageLimit, ResumeAfter: &after}

	start := time.Now()
	require.NoError(t, awaitBudgetReset(context.Background(), cfg, st))
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.GreaterOrEqual(t, calls, 1)
}

func TestAwaitBudgetResetUserPause(t *testing.T) {
	// A user-requested pause never waits on the budget.
	after := time.Now().Add(time.Hour)
	st := &store.RunState{PauseReason: engine.ReasonUserRequested, ResumeAfter: &after}

	start := time.Now()
	require.NoError(t, awaitBudgetReset(context.Background(), config.DefaultConfig(), st))
	assert.Less(t, time.Since(start), time.Second)
}

func TestAwaitBudgetResetSleepsOutWindowWithoutEndpoint(t *testing.T) {
	after := time.Now().Add(30 * time.Millisecond)
	st := &store.RunState{PauseReason: engine.ReasonRateLimited, ResumeAfter: &after}

	require.NoError(t, awaitBudgetReset(context.Background(), config.DefaultConfig(), st))
	assert.False(t, time.Now().Before(after))
}

func TestAwaitBudgetResetCancelled(t *testing.T) {
	after := time.Now().Add(time.Hour)
	st := &store.RunState{PauseReason: engine.ReasonUsageLimit, ResumeAfter: &after}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := awaitBudgetReset(ctx, config.DefaultConfig(), st)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
