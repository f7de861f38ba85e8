package metrics

import "github.com/prometheus/client_golang/prometheus"

// Collectors carry no service label; MustRegister adds it at registration so
// the vectors are usable before (or without) registration.
var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	RotationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_rotations_total",
			Help: "Conversation key rotations by reason and result.",
		},
		[]string{"reason", "result"},
	)

	RotationDevices = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "key_rotation_devices",
			Help:    "Devices wrapped per rotation.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
		[]string{"outcome"},
	)

	KeyWrapsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_wraps_total",
			Help: "Wrapped key records created, by source and result.",
		},
		[]string{"source", "result"},
	)

	DeviceRegistrationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_registrations_total",
			Help: "Device registrations by result.",
		},
		[]string{"result"},
	)

	DeviceRevocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "device_revocations_total",
			Help: "Device revocations by reason.",
		},
		[]string{"reason"},
	)

	KeySharesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "key_shares_total",
			Help: "Key share offers by stage (offered, accepted, expired) and result.",
		},
		[]string{"stage", "result"},
	)

	CatchupSyncsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "catchup_syncs_total",
			Help: "Catch-up synchronisations by result.",
		},
		[]string{"result"},
	)
)

func MustRegister(serviceName string) {
	reg := prometheus.WrapRegistererWith(prometheus.Labels{"service": serviceName}, prometheus.DefaultRegisterer)
	reg.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDurationSeconds,
		RotationsTotal,
		RotationDevices,
		KeyWrapsTotal,
		DeviceRegistrationsTotal,
		DeviceRevocationsTotal,
		KeySharesTotal,
		CatchupSyncsTotal,
	)
}

func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
