package transport

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Stats holds running counters for one or more connections. All fields are
// updated atomically so a Stats may be shared by every Conn of a session.
// Stats implements prometheus.Collector.
type Stats struct {
	StreamSends           atomic.Int64
	StreamRecvs           atomic.Int64
	TotalBytesSent        atomic.Int64
	TotalBytesRecv        atomic.Int64
	PacketsSent           atomic.Int64
	PacketsRecv           atomic.Int64
	LargestPacketSent     atomic.Int64
	LargestPacketRecv     atomic.Int64
	IncompleteReads       atomic.Int64
	BufferCompacts        atomic.Int64
	ConnectionsCreated    atomic.Int64
	CompressedConnections atomic.Int64
}

// Snapshot is a plain copy of the counters.
type Snapshot struct {
	StreamSends, StreamRecvs             int64
	TotalBytesSent, TotalBytesRecv       int64
	PacketsSent, PacketsRecv             int64
	LargestPacketSent, LargestPacketRecv int64
	IncompleteReads, BufferCompacts      int64
	ConnectionsCreated                   int64
	CompressedConnections                int64
}

// Snapshot returns the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		StreamSends:           s.StreamSends.Load(),
		StreamRecvs:           s.StreamRecvs.Load(),
		TotalBytesSent:        s.TotalBytesSent.Load(),
		TotalBytesRecv:        s.TotalBytesRecv.Load(),
		PacketsSent:           s.PacketsSent.Load(),
		PacketsRecv:           s.PacketsRecv.Load(),
		LargestPacketSent:     s.LargestPacketSent.Load(),
		LargestPacketRecv:     s.LargestPacketRecv.Load(),
		IncompleteReads:       s.IncompleteReads.Load(),
		BufferCompacts:        s.BufferCompacts.Load(),
		ConnectionsCreated:    s.ConnectionsCreated.Load(),
		CompressedConnections: s.CompressedConnections.Load(),
	}
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}

// recordRecv counts a received packet of n bytes, preamble included, the
// same way recordSend counts the sealed wire bytes.
func (s *Stats) recordRecv(n int) {
	s.TotalBytesRecv.Add(int64(n))
	s.PacketsRecv.Add(1)
	storeMax(&s.LargestPacketRecv, int64(n))
}

func (s *Stats) recordSend(n int) {
	s.StreamSends.Add(1)
	s.TotalBytesSent.Add(int64(n))
	s.PacketsSent.Add(1)
	storeMax(&s.LargestPacketSent, int64(n))
}

var (
	descBytes = prometheus.NewDesc("p4rpc_transport_bytes_total",
		"Bytes moved over the wire, by direction.", []string{"direction"}, nil)
	descPackets = prometheus.NewDesc("p4rpc_transport_packets_total",
		"RPC packets, by direction.", []string{"direction"}, nil)
	descStreamOps = prometheus.NewDesc("p4rpc_transport_stream_ops_total",
		"Stream read/write calls, by direction.", []string{"direction"}, nil)
	descLargest = prometheus.NewDesc("p4rpc_transport_largest_packet_bytes",
		"Largest packet seen, by direction.", []string{"direction"}, nil)
	descIncomplete = prometheus.NewDesc("p4rpc_transport_incomplete_reads_total",
		"Extra reads needed to complete a packet.", nil, nil)
	descCompacts = prometheus.NewDesc("p4rpc_transport_send_buffer_grows_total",
		"Send buffer reallocations.", nil, nil)
	descConns = prometheus.NewDesc("p4rpc_transport_connections_total",
		"Connections opened.", nil, nil)
	descCompressed = prometheus.NewDesc("p4rpc_transport_compressed_connections_total",
		"Connections switched to compressed mode.", nil, nil)
)

// Describe implements prometheus.Collector.
func (s *Stats) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descBytes, descPackets, descStreamOps,
		descLargest, descIncomplete, descCompacts, descConns, descCompressed} {
		ch <- d
	}
}

// Collect implements prometheus.Collector.
func (s *Stats) Collect(ch chan<- prometheus.Metric) {
	snap := s.Snapshot()
	counter := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v), labels...)
	}
	gauge := func(d *prometheus.Desc, v int64, labels ...string) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, float64(v), labels...)
	}
	counter(descBytes, snap.TotalBytesSent, "sent")
	counter(descBytes, snap.TotalBytesRecv, "recv")
	counter(descPackets, snap.PacketsSent, "sent")
	counter(descPackets, snap.PacketsRecv, "recv")
	counter(descStreamOps, snap.StreamSends, "sent")
	counter(descStreamOps, snap.StreamRecvs, "recv")
	gauge(descLargest, snap.LargestPacketSent, "sent")
	gauge(descLargest, snap.LargestPacketRecv, "recv")
	counter(descIncomplete, snap.IncompleteReads)
	counter(descCompacts, snap.BufferCompacts)
	counter(descConns, snap.ConnectionsCreated)
	counter(descCompressed, snap.CompressedConnections)
}
