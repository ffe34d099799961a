package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func startHealth(t *testing.T) (*HealthService, healthpb.HealthClient) {
	t.Helper()
	hs := NewHealthService("127.0.0.1:0", zaptest.NewLogger(t))
	errCh := make(chan error, 1)
	go func() { errCh <- hs.Start() }()
	require.Eventually(t, func() bool { return hs.Addr() != "" }, 2*time.Second, 5*time.Millisecond)

	cc, err := grpc.NewClient(hs.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = cc.Close()
		hs.Stop()
		<-errCh
	})
	return hs, healthpb.NewHealthClient(cc)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Logf("health check %q: %v", service, err)
		return healthpb.HealthCheckResponse_UNKNOWN
	}
	return resp.GetStatus()
}

func TestHealthService_OverallServing(t *testing.T) {
	_, client := startHealth(t)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, ""))
}

func TestHealthService_SetServing(t *testing.T) {
	hs, client := startHealth(t)
	hs.SetServing("signaling", false)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, check(t, client, "signaling"))
	hs.SetServing("signaling", true)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check(t, client, "signaling"))
}

func TestHealthService_WatchMirrorsProbe(t *testing.T) {
	hs, client := startHealth(t)
	var failing atomic.Bool
	failing.Store(true)
	hs.SetServing("postgres", true)
	hs.Watch("postgres", 10*time.Millisecond, time.Second, func(context.Context) error {
		if failing.Load() {
			return errors.New("connection refused")
		}
		return nil
	})

	require.Eventually(t, func() bool {
		return check(t, client, "postgres") == healthpb.HealthCheckResponse_NOT_SERVING
	}, 2*time.Second, 10*time.Millisecond)
	failing.Store(false)
	require.Eventually(t, func() bool {
		return check(t, client, "postgres") == healthpb.HealthCheckResponse_SERVING
	}, 2*time.Second, 10*time.Millisecond)
}
