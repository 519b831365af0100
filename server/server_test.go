package server

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wcf-bridge/codec"
	"wcf-bridge/message"
	"wcf-bridge/middleware"
	"wcf-bridge/protocol"
)

func startServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	svr := NewServer(opts...)
	require.NoError(t, svr.Start("tcp", "127.0.0.1:0"))
	t.Cleanup(func() { _ = svr.Shutdown(time.Second) })
	return svr
}

// roundTrip writes one request frame and reads its reply.
func roundTrip(t *testing.T, conn net.Conn, cdc codec.Codec, op protocol.Opcode, args any) (protocol.Status, []byte) {
	t.Helper()
	var body []byte
	if args != nil {
		var err error
		body, err = cdc.Encode(args)
		require.NoError(t, err)
	}
	require.NoError(t, conn.SetDeadline(time.Now().Add(3*time.Second)))
	require.NoError(t, protocol.Encode(conn, &protocol.Header{CodecType: byte(cdc.Type()), Code: byte(op)}, body))
	header, reply, err := protocol.Decode(conn)
	require.NoError(t, err)
	assert.Equal(t, byte(cdc.Type()), header.CodecType, "reply must use the request codec")
	return protocol.Status(header.Code), reply
}

func TestServeCommands(t *testing.T) {
	svr := startServer(t)
	svr.SetSelfWxid("wxid_self")

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	for _, cdc := range []codec.Codec{&codec.JSONCodec{}, &codec.CBORCodec{}} {
		status, body := roundTrip(t, conn, cdc, protocol.OpGetSelfWxid, nil)
		require.Equal(t, protocol.StatusOK, status)
		var text message.Text
		require.NoError(t, cdc.Decode(body, &text))
		assert.Equal(t, "wxid_self", text.Value)

		status, body = roundTrip(t, conn, cdc, protocol.OpListTables, &message.DbArgs{Db: "nope.db"})
		assert.Equal(t, protocol.StatusError, status)
		assert.Contains(t, string(body), "no such database")
	}

	status, _ := roundTrip(t, conn, &codec.JSONCodec{}, protocol.OpSendText, &message.TextMsg{Msg: "hi", Receiver: "filehelper"})
	require.Equal(t, protocol.StatusOK, status)
	require.Len(t, svr.Sent(), 1)
	assert.Equal(t, Sent{Op: protocol.OpSendText, Receiver: "filehelper", Content: "hi"}, svr.Sent()[0])
	assert.Equal(t, 2, svr.CallCount(protocol.OpGetSelfWxid))
}

func TestUnsupportedOpcode(t *testing.T) {
	svr := startServer(t)
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	status, body := roundTrip(t, conn, &codec.JSONCodec{}, protocol.Opcode(0xee), nil)
	assert.Equal(t, protocol.StatusError, status)
	assert.Contains(t, string(body), "unsupported opcode")
}

func TestGetMsgQueue(t *testing.T) {
	svr := startServer(t)
	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	cdc := &codec.JSONCodec{}

	status, _ := roundTrip(t, conn, cdc, protocol.OpGetMsg, &message.PollArgs{TimeoutMs: 50})
	require.Equal(t, protocol.StatusError, status, "GET_MSG before ENABLE_RECV")

	status, _ = roundTrip(t, conn, cdc, protocol.OpEnableRecv, &message.RecvArgs{BufferSize: 10})
	require.Equal(t, protocol.StatusOK, status)
	assert.True(t, svr.Receiving())

	start := time.Now()
	status, _ = roundTrip(t, conn, cdc, protocol.OpGetMsg, &message.PollArgs{TimeoutMs: 50})
	assert.Equal(t, protocol.StatusEmpty, status)
	assert.Less(t, time.Since(start), time.Second)

	svr.Push(&message.WxMsg{ID: 1, Content: "A"}, &message.WxMsg{ID: 2, Content: "B"})
	for _, want := range []string{"A", "B"} {
		status, body := roundTrip(t, conn, cdc, protocol.OpGetMsg, &message.PollArgs{TimeoutMs: 50})
		require.Equal(t, protocol.StatusOK, status)
		var msg message.WxMsg
		require.NoError(t, cdc.Decode(body, &msg))
		assert.Equal(t, want, msg.Content)
	}

	status, _ = roundTrip(t, conn, cdc, protocol.OpDisableRecv, nil)
	require.Equal(t, protocol.StatusOK, status)
	assert.False(t, svr.Receiving())
}

func TestMiddlewareAndOverride(t *testing.T) {
	var seen atomic.Int32
	svr := NewServer()
	svr.Use(func(next middleware.CallFunc) middleware.CallFunc {
		return func(ctx context.Context, req *message.Request) (*message.Response, error) {
			seen.Add(1)
			return next(ctx, req)
		}
	})
	svr.Handle(protocol.OpKeepAlive, func(ctx context.Context, req *message.Request) (*message.Response, error) {
		return nil, errors.New("module gone")
	})
	require.NoError(t, svr.Start("tcp", "127.0.0.1:0"))
	defer svr.Shutdown(time.Second)

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	status, body := roundTrip(t, conn, &codec.JSONCodec{}, protocol.OpKeepAlive, nil)
	assert.Equal(t, protocol.StatusError, status)
	assert.Equal(t, "module gone", string(body))
	assert.Equal(t, int32(1), seen.Load())
}

func TestShutdownReleasesPolls(t *testing.T) {
	svr := NewServer()
	require.NoError(t, svr.Start("tcp", "127.0.0.1:0"))

	conn, err := net.Dial("tcp", svr.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	cdc := &codec.JSONCodec{}
	roundTrip(t, conn, cdc, protocol.OpEnableRecv, &message.RecvArgs{BufferSize: 1})

	body, err := cdc.Encode(&message.PollArgs{TimeoutMs: 60_000})
	require.NoError(t, err)
	require.NoError(t, protocol.Encode(conn, &protocol.Header{Code: byte(protocol.OpGetMsg)}, body))
	time.Sleep(50 * time.Millisecond)

	start := time.Now()
	require.NoError(t, svr.Shutdown(2*time.Second))
	assert.Less(t, time.Since(start), time.Second)
	assert.Zero(t, svr.ConnCount())
}
