package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type mockService struct {
	started atomic.Bool
	stopped atomic.Bool
	startFn func() error
	stopCh  chan struct{}
	once    sync.Once
	order   *[]string
	orderMu *sync.Mutex
	name    string
}

func newMockService(name string, order *[]string, mu *sync.Mutex) *mockService {
	return &mockService{stopCh: make(chan struct{}), order: order, orderMu: mu, name: name}
}

func (m *mockService) Start() error {
	m.started.Store(true)
	if m.startFn != nil {
		return m.startFn()
	}
	<-m.stopCh
	return nil
}

func (m *mockService) Stop() {
	m.stopped.Store(true)
	if m.order != nil {
		m.orderMu.Lock()
		*m.order = append(*m.order, m.name)
		m.orderMu.Unlock()
	}
	m.once.Do(func() { close(m.stopCh) })
}

func TestLifecycle_StartsAndStopsInReverseOrder(t *testing.T) {
	var (
		order []string
		mu    sync.Mutex
	)
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)
	svc1 := newMockService("svc1", &order, &mu)
	svc2 := newMockService("svc2", &order, &mu)
	lc.Add("svc1", svc1)
	lc.Add("svc2", svc2)
	assert.Equal(t, []string{"svc1", "svc2"}, lc.Names())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()

	require.Eventually(t, func() bool {
		return svc1.started.Load() && svc2.started.Load()
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("lifecycle did not shut down in time")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"svc2", "svc1"}, order)
}

func TestLifecycle_FailingServiceStopsOthers(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), time.Second)
	healthy := newMockService("healthy", nil, nil)
	boom := errors.New("bind: address in use")
	failing := &mockService{startFn: func() error { return boom }, stopCh: make(chan struct{})}
	lc.Add("healthy", healthy)
	lc.Add("failing", failing)

	err := lc.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "service failing")
	assert.True(t, healthy.stopped.Load())
}

func TestLifecycle_StopTimeoutDoesNotHang(t *testing.T) {
	lc := NewLifecycle(zaptest.NewLogger(t), 20*time.Millisecond)
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	lc.Add("stuck", &FuncService{
		StartFn: func() error { <-stuck; return nil },
		StopFn:  func() {},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- lc.Run(ctx) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown waited past the stop timeout")
	}
}

func TestFuncService(t *testing.T) {
	started := false
	stopped := false

	svc := &FuncService{
		StartFn: func() error {
			started = true
			return nil
		},
		StopFn: func() {
			stopped = true
		},
	}

	require.NoError(t, svc.Start())
	assert.True(t, started)

	svc.Stop()
	assert.True(t, stopped)
}
