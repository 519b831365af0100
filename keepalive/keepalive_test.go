package keepalive

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wcf-bridge/message"
	"wcf-bridge/metrics"
	"wcf-bridge/protocol"
	"wcf-bridge/server"
	"wcf-bridge/session"
	"wcf-bridge/transport"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) KeepAlive(ctx context.Context) error { return f(ctx) }

func TestPingsUntilCancelled(t *testing.T) {
	var pings atomic.Int32
	l := &Loop{
		Pinger:   pingFunc(func(ctx context.Context) error { pings.Add(1); return nil }),
		Interval: 5 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return pings.Load() >= 3 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestFirstFailureEndsLoop(t *testing.T) {
	var pings atomic.Int32
	lost := errors.New("connection reset")
	m := metrics.New()
	l := &Loop{
		Pinger: pingFunc(func(ctx context.Context) error {
			if pings.Add(1) == 2 {
				return lost
			}
			return nil
		}),
		Interval: time.Millisecond,
		Metrics:  m,
	}

	assert.ErrorIs(t, l.Run(context.Background()), lost)
	assert.Equal(t, int32(2), pings.Load(), "no ping after the failure")
	expected := `
# HELP wcf_bridge_keepalive_failures_total Keepalive calls that failed.
# TYPE wcf_bridge_keepalive_failures_total counter
wcf_bridge_keepalive_failures_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "wcf_bridge_keepalive_failures_total"))
}

func TestPingCarriesExchangeTimeout(t *testing.T) {
	var pings atomic.Int32
	l := &Loop{
		Pinger: pingFunc(func(ctx context.Context) error {
			pings.Add(1)
			_, hasDeadline := ctx.Deadline()
			assert.False(t, hasDeadline, "waiting for the connection is not bounded")
			d, ok := protocol.ExchangeTimeout(ctx)
			assert.True(t, ok)
			assert.Equal(t, 10*time.Millisecond, d)
			return nil
		}),
		Interval: time.Millisecond,
		Timeout:  10 * time.Millisecond,
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	require.Eventually(t, func() bool { return pings.Load() >= 2 }, time.Second, time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
}

func TestPingTimeout(t *testing.T) {
	svr := server.NewServer()
	svr.Handle(protocol.OpKeepAlive, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		time.Sleep(200 * time.Millisecond)
		return server.Reply(ctx, message.Status{})
	})
	require.NoError(t, svr.Start("tcp", "127.0.0.1:0"))
	defer svr.Shutdown(time.Second)

	s := session.New(session.Config{Address: svr.Addr().String(), CallTimeout: time.Second})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	l := &Loop{Pinger: s, Interval: time.Millisecond, Timeout: 20 * time.Millisecond}
	err := l.Run(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsConnectionError(err))
}

// A poll holding the connection longer than the ping timeout delays pings but never fails them.
func TestPingWaitsBehindPoll(t *testing.T) {
	svr := server.NewServer()
	require.NoError(t, svr.Start("tcp", "127.0.0.1:0"))
	defer svr.Shutdown(time.Second)

	s := session.New(session.Config{Address: svr.Addr().String(), CallTimeout: 100 * time.Millisecond})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()
	require.NoError(t, s.EnableReceive(context.Background(), 10, false))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for ctx.Err() == nil {
			if _, err := s.NextMessage(ctx, 300*time.Millisecond); err != nil {
				return
			}
		}
	}()

	l := &Loop{Pinger: s, Interval: 10 * time.Millisecond, Timeout: 50 * time.Millisecond}
	runCtx, stop := context.WithTimeout(ctx, time.Second)
	defer stop()
	assert.NoError(t, l.Run(runCtx))
	assert.Positive(t, svr.CallCount(protocol.OpKeepAlive))
	assert.True(t, s.IsConnected())
}

func TestDetectsDroppedConnection(t *testing.T) {
	svr := server.NewServer()
	require.NoError(t, svr.Start("tcp", "127.0.0.1:0"))
	defer svr.Shutdown(time.Second)

	s := session.New(session.Config{Address: svr.Addr().String(), CallTimeout: time.Second})
	require.NoError(t, s.Connect(context.Background()))
	defer s.Close()

	l := &Loop{Pinger: s, Interval: 5 * time.Millisecond}
	done := make(chan error, 1)
	go func() { done <- l.Run(context.Background()) }()

	require.Eventually(t, func() bool { return svr.CallCount(protocol.OpKeepAlive) >= 2 }, time.Second, time.Millisecond)
	svr.DropConnections()

	select {
	case err := <-done:
		assert.True(t, transport.IsConnectionError(err) || errors.Is(err, session.ErrNotConnected))
	case <-time.After(2 * time.Second):
		t.Fatal("keepalive did not notice the dropped connection")
	}
}
