package deps

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/voxlane/voxlane/pkg/enginepool"
	"github.com/voxlane/voxlane/pkg/events"
	"github.com/voxlane/voxlane/pkg/jobs"
	"github.com/voxlane/voxlane/pkg/transcribe"
)

func newTestDeps(t *testing.T) (*Deps, *jobs.Registry, *enginepool.Pool, *transcribe.Service) {
	t.Helper()

	logger := zerolog.Nop()
	registry := jobs.NewRegistry()
	pool, err := enginepool.New(enginepool.Config{InitialSize: 1, MaxSize: 1},
		transcribe.NewSimFactory(2, time.Millisecond), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Shutdown(ctx)
	})
	orchestrator := transcribe.NewService(registry, pool, zerolog.Nop())

	return New(registry, pool, orchestrator, &logger), registry, pool, orchestrator
}

func TestNew(t *testing.T) {
	d, registry, pool, orchestrator := newTestDeps(t)

	require.NotNil(t, d)
	require.Equal(t, registry, d.Registry)
	require.Equal(t, pool, d.Pool)
	require.Equal(t, orchestrator, d.Orchestrator)
	require.NotNil(t, d.Logger)
	require.NotNil(t, d.Ready)
	require.False(t, d.IsReady(), "Should start as not ready")

	// Optional dependencies start absent.
	require.Nil(t, d.Broadcaster)
	require.Nil(t, d.Limiter)
	require.Nil(t, d.Storage)
	require.Nil(t, d.Alerter)
	require.Empty(t, d.UploadDir)
}

func TestDeps_Chainers(t *testing.T) {
	d, _, _, _ := newTestDeps(t)

	broadcaster := events.NewBroadcaster(zerolog.Nop())
	t.Cleanup(broadcaster.Shutdown)
	d.WithBroadcaster(broadcaster).WithUploadDir("/tmp/uploads")

	require.Equal(t, broadcaster, d.Broadcaster)
	require.Equal(t, "/tmp/uploads", d.UploadDir)
}

func TestDeps_ReadyState(t *testing.T) {
	d, _, _, _ := newTestDeps(t)

	// Initially not ready
	require.False(t, d.IsReady())

	// Set ready
	d.SetReady()
	require.True(t, d.IsReady())

	// Set not ready
	d.SetNotReady()
	require.False(t, d.IsReady())
}

func TestDeps_ReadyThreadSafe(t *testing.T) {
	d, _, _, _ := newTestDeps(t)

	// Test concurrent access to ready state
	done := make(chan bool)
	for range 10 {
		go func() {
			d.SetReady()
			d.SetNotReady()
			d.IsReady()
			done <- true
		}()
	}

	// Wait for all goroutines
	for range 10 {
		<-done
	}

	// No panic = success
}
