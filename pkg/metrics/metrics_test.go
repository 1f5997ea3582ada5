package metrics

import (
	"io"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.FrameSent("GROUP_MESSAGE")
	r.FrameSent("GROUP_MESSAGE")
	r.FrameRelayed("PRIVATE_MESSAGE")
	r.SendRetry()
	r.SetQueueDepth(3)
	r.SetOpenPeers(2)
	r.Duplicate()

	require.Equal(t, 2.0, testutil.ToFloat64(r.framesSent.WithLabelValues("GROUP_MESSAGE")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.framesRelayed.WithLabelValues("PRIVATE_MESSAGE")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.sendRetries))
	require.Equal(t, 3.0, testutil.ToFloat64(r.queueDepth))
	require.Equal(t, 2.0, testutil.ToFloat64(r.openPeers))
	require.Equal(t, 1.0, testutil.ToFloat64(r.duplicates))
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	require.NotPanics(t, func() {
		r.FrameSent("HI")
		r.FrameReceived("HI")
		r.FrameRelayed("HI")
		r.SendRetry()
		r.SendFailure()
		r.SetQueueDepth(1)
		r.QueueRejected()
		r.SetOpenPeers(1)
		r.DecryptFailure()
		r.SetGateways(1)
		r.Duplicate()
	})
}

func TestHandlerServesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)
	r.SendFailure()

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "hushlink_send_failures_total 1")
}
