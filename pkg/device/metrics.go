package device

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Per-device wire counters, exposed on /metrics by the HTTP adapter.
var (
	framesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starbridge_frames_received_total",
		Help: "Complete frames decoded from the device socket.",
	}, []string{"device"})

	framesMalformed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starbridge_frames_malformed_total",
		Help: "Frames that failed JSON decoding and were discarded.",
	}, []string{"device"})

	eventsReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starbridge_events_received_total",
		Help: "Device events routed through the dispatcher.",
	}, []string{"device"})

	reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starbridge_reconnects_total",
		Help: "Successful (re)connections of the device socket.",
	}, []string{"device"})

	rpcTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "starbridge_rpc_timeouts_total",
		Help: "Synchronous calls that exceeded the response wait ceiling.",
	}, []string{"device"})
)
