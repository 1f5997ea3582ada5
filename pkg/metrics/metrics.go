package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder exposes Prometheus metrics for a node. A nil Recorder records
// nothing.
type Recorder struct {
	framesSent      *prometheus.CounterVec
	framesReceived  *prometheus.CounterVec
	framesRelayed   *prometheus.CounterVec
	sendRetries     prometheus.Counter
	sendFailures    prometheus.Counter
	queueDepth      prometheus.Gauge
	queueRejected   prometheus.Counter
	openPeers       prometheus.Gauge
	decryptFailures prometheus.Counter
	gateways        prometheus.Gauge
	duplicates      prometheus.Counter
}

// NewRecorder registers metrics with the provided registry.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hushlink_frames_sent_total",
			Help: "Frames handed to a transport conn",
		}, []string{"kind"}),
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hushlink_frames_received_total",
			Help: "Frames decoded from a transport conn",
		}, []string{"kind"}),
		framesRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hushlink_frames_relayed_total",
			Help: "Frames forwarded by the host on behalf of another peer",
		}, []string{"kind"}),
		sendRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hushlink_send_retries_total",
			Help: "Scheduled send retries",
		}),
		sendFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hushlink_send_failures_total",
			Help: "Sends that exhausted their retries",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hushlink_pending_queue_depth",
			Help: "Messages waiting in the pending queue",
		}),
		queueRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hushlink_pending_rejected_total",
			Help: "Enqueue attempts refused because the queue was full",
		}),
		openPeers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hushlink_open_peers",
			Help: "Peers with an open conn",
		}),
		decryptFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hushlink_decrypt_failures_total",
			Help: "Inbound payloads that failed to decrypt",
		}),
		gateways: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hushlink_gateways_active",
			Help: "Host gateways waiting for an answer or connected",
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hushlink_duplicate_frames_total",
			Help: "Inbound application frames dropped as duplicates",
		}),
	}

	reg.MustRegister(
		r.framesSent,
		r.framesReceived,
		r.framesRelayed,
		r.sendRetries,
		r.sendFailures,
		r.queueDepth,
		r.queueRejected,
		r.openPeers,
		r.decryptFailures,
		r.gateways,
		r.duplicates,
	)
	return r
}

// Handler returns HTTP handler serving /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

func (r *Recorder) FrameSent(kind string) {
	if r != nil {
		r.framesSent.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) FrameReceived(kind string) {
	if r != nil {
		r.framesReceived.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) FrameRelayed(kind string) {
	if r != nil {
		r.framesRelayed.WithLabelValues(kind).Inc()
	}
}

func (r *Recorder) SendRetry() {
	if r != nil {
		r.sendRetries.Inc()
	}
}

func (r *Recorder) SendFailure() {
	if r != nil {
		r.sendFailures.Inc()
	}
}

func (r *Recorder) SetQueueDepth(n int) {
	if r != nil {
		r.queueDepth.Set(float64(n))
	}
}

func (r *Recorder) QueueRejected() {
	if r != nil {
		r.queueRejected.Inc()
	}
}

func (r *Recorder) SetOpenPeers(n int) {
	if r != nil {
		r.openPeers.Set(float64(n))
	}
}

func (r *Recorder) DecryptFailure() {
	if r != nil {
		r.decryptFailures.Inc()
	}
}

func (r *Recorder) SetGateways(n int) {
	if r != nil {
		r.gateways.Set(float64(n))
	}
}

func (r *Recorder) Duplicate() {
	if r != nil {
		r.duplicates.Inc()
	}
}
