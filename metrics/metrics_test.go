package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordDelivery(t *testing.T) {
	m := New()
	m.RecordDelivery(true, 10*time.Millisecond)
	m.RecordDelivery(false, 10*time.Millisecond)
	m.RecordDelivery(false, 10*time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.deliveries.WithLabelValues("delivered")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.deliveries.WithLabelValues("failed")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordCall("GET_MSG", "OK", time.Millisecond)
		m.RecordMessage()
		m.RecordDelivery(true, 0)
		m.RecordKeepAliveFailure()
		m.RecordConnectionLoss()
		m.RecordReconnect(false)
		m.SetReceiving(true)
	})
}

func TestHandlerExposesCollectors(t *testing.T) {
	m := New()
	m.RecordCall("SEND_TEXT", "OK", 5*time.Millisecond)
	m.SetReceiving(true)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	body := rec.Body.String()
	assert.Contains(t, body, `wcf_bridge_rpc_calls_total{op="SEND_TEXT",result="OK"} 1`)
	assert.Contains(t, body, "wcf_bridge_receive_enabled 1")
}
