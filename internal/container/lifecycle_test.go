package container

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-arb-go/infrastructure/logger"
)

type fakeComponent struct {
	name     string
	startErr error
	stopErr  error
	events   *[]string
}

func (f *fakeComponent) Name() string { return f.name }

func (f *fakeComponent) Start(context.Context) error {
	if f.startErr != nil {
		return f.startErr
	}
	*f.events = append(*f.events, "start:"+f.name)
	return nil
}

func (f *fakeComponent) Stop() error {
	*f.events = append(*f.events, "stop:"+f.name)
	return f.stopErr
}

func (f *fakeComponent) Health() error { return nil }

func TestLifecycleStartStopOrder(t *testing.T) {
	var events []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", events: &events})
	m.Register(&fakeComponent{name: "b", events: &events})

	require.NoError(t, m.StartAll(context.Background()))
	require.NoError(t, m.StopAll())
	assert.Equal(t, []string{"start:a", "start:b", "stop:b", "stop:a"}, events)

	// 已停止后再次 StopAll 不重复调用
	events = nil
	require.NoError(t, m.StopAll())
	assert.Empty(t, events)
}

func TestLifecycleRollbackOnStartFailure(t *testing.T) {
	var events []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", events: &events})
	m.Register(&fakeComponent{name: "b", events: &events, startErr: errors.New("port in use")})
	m.Register(&fakeComponent{name: "c", events: &events})

	err := m.StartAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start b failed")
	assert.Equal(t, []string{"start:a", "stop:a"}, events)
}

func TestLifecycleStopAllJoinsErrors(t *testing.T) {
	var events []string
	m := NewLifecycleManager()
	m.Register(&fakeComponent{name: "a", events: &events, stopErr: errors.New("boom a")})
	m.Register(&fakeComponent{name: "b", events: &events, stopErr: errors.New("boom b")})
	require.NoError(t, m.StartAll(context.Background()))

	err := m.StopAll()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom a")
	assert.Contains(t, err.Error(), "boom b")
}

func TestHTTPServerComponent(t *testing.T) {
	h := &httpServerComponent{
		name: "test_server",
		handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		}),
		addr:   "127.0.0.1:0",
		logger: logger.Nop(),
	}
	assert.Error(t, h.Health())
	require.NoError(t, h.Start(context.Background()))
	assert.NoError(t, h.Health())

	resp, err := http.Get("http://" + h.Addr())
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	require.NoError(t, h.Stop())
	assert.Error(t, h.Health())
}

func TestHTTPServerComponentPortInUse(t *testing.T) {
	first := &httpServerComponent{name: "first", handler: http.NotFoundHandler(), addr: "127.0.0.1:0", logger: logger.Nop()}
	require.NoError(t, first.Start(context.Background()))
	defer first.Stop()

	second := &httpServerComponent{name: "second", handler: http.NotFoundHandler(), addr: first.Addr(), logger: logger.Nop()}
	assert.Error(t, second.Start(context.Background()))
}

func TestResourceComponent(t *testing.T) {
	closed := 0
	r := &resourceComponent{
		name:  "redis",
		ping:  func(context.Context) error { return nil },
		close: func() error { closed++; return nil },
	}
	assert.NoError(t, r.Health())
	require.NoError(t, r.Stop())
	require.NoError(t, r.Stop())
	assert.Equal(t, 1, closed)
	assert.Error(t, r.Health())
}
