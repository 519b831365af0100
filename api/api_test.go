package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"wcf-bridge/message"
	"wcf-bridge/metrics"
	"wcf-bridge/protocol"
	"wcf-bridge/server"
	"wcf-bridge/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeBackend struct {
	sess *session.Session
}

func (f *fakeBackend) Session() *session.Session { return f.sess }

func (f *fakeBackend) IsReceiving() bool { return f.sess != nil && f.sess.IsReceiving() }

func (f *fakeBackend) EnableReceiving(ctx context.Context) error {
	return f.sess.EnableReceive(ctx, 10, false)
}

func (f *fakeBackend) DisableReceiving(ctx context.Context) error {
	return f.sess.DisableReceive(ctx)
}

func setup(t *testing.T, handlers ...func(*server.Server)) (*server.Server, *fakeBackend, http.Handler) {
	t.Helper()
	svr := server.NewServer()
	for _, fn := range handlers {
		fn(svr)
	}
	require.NoError(t, svr.Start("tcp", "127.0.0.1:0"))
	t.Cleanup(func() { _ = svr.Shutdown(time.Second) })

	sess := session.New(session.Config{Address: svr.Addr().String(), CallTimeout: time.Second})
	require.NoError(t, sess.Connect(context.Background()))
	t.Cleanup(func() { _ = sess.Close() })

	backend := &fakeBackend{sess: sess}
	return svr, backend, New(backend, zaptest.NewLogger(t)).Handler()
}

func do(t *testing.T, h http.Handler, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec.Code, out
}

func TestHealth(t *testing.T) {
	_, backend, h := setup(t)

	code, body := do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["connected"])
	assert.Equal(t, false, body["receiving"])

	require.NoError(t, backend.sess.Close())
	code, body = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, false, body["connected"])
}

func TestNoSession(t *testing.T) {
	h := New(&fakeBackend{}, nil).Handler()
	code, _ := do(t, h, http.MethodGet, "/wechat/login", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = do(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestQueries(t *testing.T) {
	svr, _, h := setup(t)
	svr.SetSelfWxid("wxid_bot")

	code, body := do(t, h, http.MethodGet, "/wechat/login", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["login"])

	code, body = do(t, h, http.MethodGet, "/wechat/self", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "wxid_bot", body["wxid"])

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wechat/dbs", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var dbs []string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dbs))
	assert.Contains(t, dbs, "MicroMsg.db")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/wechat/dbs/MicroMsg.db/tables", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var tables []message.DbTable
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tables))
	assert.NotEmpty(t, tables)
}

func TestSendText(t *testing.T) {
	svr, _, h := setup(t)

	code, body := do(t, h, http.MethodPost, "/wechat/msg/text", gin.H{
		"msg": "hello @Alice", "receiver": "123@chatroom", "aters": []string{"wxid_alice"},
	})
	require.Equal(t, http.StatusOK, code, body)
	sent := svr.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, protocol.OpSendText, sent[0].Op)
	assert.Equal(t, "123@chatroom", sent[0].Receiver)
}

func TestSendFile(t *testing.T) {
	svr, _, h := setup(t)
	path := filepath.Join(t.TempDir(), "report.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF"), 0o644))

	code, _ := do(t, h, http.MethodPost, "/wechat/msg/file", gin.H{"path": path, "receiver": "wxid_alice"})
	require.Equal(t, http.StatusOK, code)
	code, _ = do(t, h, http.MethodPost, "/wechat/msg/image", gin.H{"path": "https://example.com/a.png", "receiver": "wxid_alice"})
	require.Equal(t, http.StatusOK, code)

	sent := svr.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.OpSendFile, sent[0].Op)
	assert.Equal(t, protocol.OpSendImage, sent[1].Op)
}

func TestErrorMapping(t *testing.T) {
	svr, backend, h := setup(t, func(svr *server.Server) {
		svr.Handle(protocol.OpListDbs, func(ctx context.Context, req *message.Request) (*message.Response, error) {
			return nil, assert.AnError
		})
	})

	code, body := do(t, h, http.MethodPost, "/wechat/msg/text", gin.H{"msg": "hi"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, body["error"], "receiver")

	code, _ = do(t, h, http.MethodPost, "/wechat/msg/pat", "not an object")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = do(t, h, http.MethodGet, "/wechat/dbs", nil)
	assert.Equal(t, http.StatusBadGateway, code)

	require.NoError(t, backend.sess.Close())
	code, _ = do(t, h, http.MethodGet, "/wechat/contacts", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Empty(t, svr.Sent(), "no send reached the module")
}

func TestReceiveToggle(t *testing.T) {
	svr, backend, h := setup(t)

	code, _ := do(t, h, http.MethodPost, "/wechat/recv/enable", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, backend.IsReceiving())
	assert.True(t, svr.Receiving())

	code, _ = do(t, h, http.MethodPost, "/wechat/recv/disable", nil)
	require.Equal(t, http.StatusOK, code)
	assert.False(t, svr.Receiving())
}

func TestMetricsAndLogLevel(t *testing.T) {
	m := metrics.New()
	m.RecordConnectionLoss()
	level := zap.NewAtomicLevelAt(zap.InfoLevel)
	h := New(&fakeBackend{}, nil, WithMetricsHandler(m.Handler()), WithLogLevel(level)).Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "wcf_bridge_session_connection_losses_total")

	code, _ := do(t, h, http.MethodPut, "/log/level", gin.H{"level": "debug"})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, zap.DebugLevel, level.Level())
}
