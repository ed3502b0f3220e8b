package natstunnel

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	roleConnect = "connect"
	roleAccept  = "accept"
)

// Metrics holds Prometheus collectors for tunnel handshakes and traffic. A
// single Metrics can be shared by any number of connections.
//
// See NewMetrics and WithMetrics.
type Metrics struct {
	handshakes    *prometheus.CounterVec
	openConns     prometheus.Gauge
	bytesRead     prometheus.Counter
	bytesWritten  prometheus.Counter
	msgsRead      prometheus.Counter
	msgsWritten   prometheus.Counter
	bufferedReads prometheus.Counter
	splitWrites   prometheus.Counter
}

// NewMetrics creates the tunnel collectors and registers them with reg. If
// reg is nil, the collectors are created but not registered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "natstunnel",
			Name:      "handshakes_total",
			Help:      "Handshakes attempted, by role and result",
		}, []string{"role", "result"}),
		openConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "natstunnel",
			Name:      "open_connections",
			Help:      "Connections established and not yet closed",
		}),
		bytesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natstunnel",
			Name:      "read_bytes_total",
			Help:      "Stream bytes delivered to readers",
		}),
		bytesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natstunnel",
			Name:      "written_bytes_total",
			Help:      "Stream bytes published to peers",
		}),
		msgsRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natstunnel",
			Name:      "read_messages_total",
			Help:      "Data messages received from peers",
		}),
		msgsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natstunnel",
			Name:      "written_messages_total",
			Help:      "Data messages published to peers",
		}),
		bufferedReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natstunnel",
			Name:      "buffered_reads_total",
			Help:      "Reads served from the unread remainder of an earlier message",
		}),
		splitWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "natstunnel",
			Name:      "split_writes_total",
			Help:      "Writes larger than the maximum payload, published as several messages",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.handshakes, m.openConns, m.bytesRead, m.bytesWritten, m.msgsRead, m.msgsWritten,
			m.bufferedReads, m.splitWrites)
	}
	return m
}

// The methods below are nil-safe so call sites need not check whether
// metrics were configured.

func (m *Metrics) handshake(role string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.handshakes.WithLabelValues(role, result).Inc()
	if err == nil {
		m.openConns.Inc()
	}
}

func (m *Metrics) closed() {
	if m == nil {
		return
	}
	m.openConns.Dec()
}

func (m *Metrics) read(msgs, n int) {
	if m == nil {
		return
	}
	if msgs > 0 {
		m.msgsRead.Add(float64(msgs))
	} else if n > 0 {
		m.bufferedReads.Inc()
	}
	m.bytesRead.Add(float64(n))
}

func (m *Metrics) wrote(n int) {
	if m == nil {
		return
	}
	m.msgsWritten.Inc()
	m.bytesWritten.Add(float64(n))
}

func (m *Metrics) split() {
	if m == nil {
		return
	}
	m.splitWrites.Inc()
}
