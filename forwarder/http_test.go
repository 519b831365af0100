package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"wcf-bridge/loadbalance"
	"wcf-bridge/message"
	"wcf-bridge/registry"
)

// sink records every POSTed body and answers with the status returned by status.
type sink struct {
	mu     sync.Mutex
	bodies []map[string]any
	ids    []string
	calls  atomic.Int32
	status func(n int32) int
}

func newSink(t *testing.T, status func(n int32) int) (*sink, *httptest.Server) {
	s := &sink{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := s.calls.Add(1)
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		s.mu.Lock()
		s.bodies = append(s.bodies, body)
		s.ids = append(s.ids, r.Header.Get(DeliveryIDHeader))
		s.mu.Unlock()
		w.WriteHeader(s.status(n))
	}))
	t.Cleanup(srv.Close)
	return s, srv
}

func ok(int32) int { return http.StatusOK }

func TestForwardPayload(t *testing.T) {
	s, srv := newSink(t, ok)
	f := NewHTTP(HTTPConfig{Timeout: time.Second}, nil, zaptest.NewLogger(t), srv.URL)

	private := &message.WxMsg{ID: 1, Type: message.KindText, Ts: 1700000000, Sender: "wxid_a", Content: "hi"}
	group := &message.WxMsg{ID: 2, Type: message.KindImage, IsGroup: true, RoomID: "123@chatroom", Sender: "wxid_b", Extra: "C:/img.dat"}
	require.NoError(t, f.Forward(context.Background(), private))
	require.NoError(t, f.Forward(context.Background(), group))

	require.Len(t, s.bodies, 2)
	assert.Nil(t, s.bodies[0]["roomid"], "private chat has a null room")
	assert.Equal(t, "wxid_a", s.bodies[0]["sender"])
	assert.Equal(t, "hi", s.bodies[0]["content"])
	assert.EqualValues(t, message.KindText, s.bodies[0]["type"])
	assert.EqualValues(t, 1700000000, s.bodies[0]["ts"])
	assert.Equal(t, "123@chatroom", s.bodies[1]["roomid"])
	assert.Equal(t, "C:/img.dat", s.bodies[1]["extra"])

	for _, id := range s.ids {
		_, err := uuid.Parse(id)
		assert.NoError(t, err)
	}
	assert.NotEqual(t, s.ids[0], s.ids[1])
}

func TestForwardRejected(t *testing.T) {
	s, srv := newSink(t, func(int32) int { return http.StatusInternalServerError })
	f := NewHTTP(HTTPConfig{Timeout: time.Second}, nil, nil, srv.URL)

	err := f.Forward(context.Background(), &message.WxMsg{ID: 9, Sender: "wxid_a"})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, uint64(9), de.MsgID)
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
	assert.ErrorIs(t, err, ErrRejected)
	assert.Equal(t, int32(1), s.calls.Load(), "at-most-once makes a single attempt")
}

func TestForwardUnreachable(t *testing.T) {
	_, srv := newSink(t, ok)
	url := srv.URL
	srv.Close()

	f := NewHTTP(HTTPConfig{Timeout: time.Second}, nil, nil, url)
	err := f.Forward(context.Background(), &message.WxMsg{ID: 3})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, url, de.Target)
	assert.Zero(t, de.StatusCode)
}

func TestForwardNoTarget(t *testing.T) {
	f := NewHTTP(HTTPConfig{}, nil, nil)
	assert.ErrorIs(t, f.Forward(context.Background(), &message.WxMsg{ID: 1}), ErrNoTarget)
}

func TestAtLeastOnceRetries(t *testing.T) {
	s, srv := newSink(t, func(n int32) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	f := NewHTTP(HTTPConfig{
		Timeout:         time.Second,
		Mode:            AtLeastOnce,
		MaxRetries:      5,
		RetryBackoff:    10 * time.Millisecond,
		RetryMaxBackoff: 20 * time.Millisecond,
	}, nil, nil, srv.URL)

	require.NoError(t, f.Forward(context.Background(), &message.WxMsg{ID: 5}))
	assert.Equal(t, int32(3), s.calls.Load())
	require.Len(t, s.ids, 3)
	assert.Equal(t, s.ids[0], s.ids[2], "retries reuse the delivery id")
}

func TestAtLeastOnceGivesUp(t *testing.T) {
	s, srv := newSink(t, func(int32) int { return http.StatusServiceUnavailable })
	f := NewHTTP(HTTPConfig{Timeout: time.Second, Mode: AtLeastOnce, MaxRetries: 2,
		RetryBackoff: time.Millisecond, RetryMaxBackoff: time.Millisecond}, nil, nil, srv.URL)

	err := f.Forward(context.Background(), &message.WxMsg{ID: 5})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusServiceUnavailable, de.StatusCode)
	assert.Equal(t, int32(3), s.calls.Load(), "one attempt plus two retries")
}

func TestClientErrorNotRetried(t *testing.T) {
	s, srv := newSink(t, func(int32) int { return http.StatusBadRequest })
	f := NewHTTP(HTTPConfig{Timeout: time.Second, Mode: AtLeastOnce, MaxRetries: 3,
		RetryBackoff: time.Millisecond, RetryMaxBackoff: time.Millisecond}, nil, nil, srv.URL)

	assert.Error(t, f.Forward(context.Background(), &message.WxMsg{ID: 5}))
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestConversationAffinity(t *testing.T) {
	a, srvA := newSink(t, ok)
	b, srvB := newSink(t, ok)
	f := NewHTTP(HTTPConfig{Timeout: time.Second}, loadbalance.NewConsistentHashBalancer(), nil, srvA.URL, srvB.URL)

	for i := 0; i < 10; i++ {
		require.NoError(t, f.Forward(context.Background(), &message.WxMsg{ID: uint64(i), IsGroup: true, RoomID: "42@chatroom", Sender: "wxid_x"}))
	}
	got := []int32{a.calls.Load(), b.calls.Load()}
	assert.ElementsMatch(t, []int32{0, 10}, got, "one conversation sticks to one sink")
}

func TestSetTargets(t *testing.T) {
	a, srvA := newSink(t, ok)
	b, srvB := newSink(t, ok)
	f := NewHTTP(HTTPConfig{Timeout: time.Second}, nil, nil, srvA.URL)

	require.NoError(t, f.Forward(context.Background(), &message.WxMsg{ID: 1}))
	f.SetTargets([]registry.ServiceInstance{{Addr: srvB.URL, Weight: 1}})
	require.NoError(t, f.Forward(context.Background(), &message.WxMsg{ID: 2}))

	assert.Equal(t, int32(1), a.calls.Load())
	assert.Equal(t, int32(1), b.calls.Load())
	assert.Len(t, f.Targets(), 1)
}

func TestFuncAdapter(t *testing.T) {
	var got []uint64
	f := Func(func(ctx context.Context, msg *message.WxMsg) error {
		got = append(got, msg.ID)
		if msg.ID == 2 {
			return errors.New("handler down")
		}
		return nil
	})
	require.NoError(t, f.Forward(context.Background(), &message.WxMsg{ID: 1}))
	err := f.Forward(context.Background(), &message.WxMsg{ID: 2})
	var de *DeliveryError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, "local", de.Target)
	assert.Equal(t, []uint64{1, 2}, got)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("at-least-once")
	require.NoError(t, err)
	assert.Equal(t, AtLeastOnce, m)
	m, err = ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, AtMostOnce, m)
	_, err = ParseMode("exactly-once")
	assert.Error(t, err)
}
