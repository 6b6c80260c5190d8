package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes the operational counters served under /metrics.
type Metrics struct {
	Registry *prometheus.Registry

	InstancesStored  prometheus.Counter
	PatientsRecycled prometheus.Counter
	Associations     prometheus.Counter
	RestRequests     prometheus.Counter
}

// NewMetrics builds and registers the counters on a private registry, so
// tests can build several contexts in one process.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		Registry: registry,
		InstancesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gopacs_instances_stored_total",
			Help: "Number of DICOM instances ingested.",
		}),
		PatientsRecycled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gopacs_patients_recycled_total",
			Help: "Number of patients deleted under storage pressure.",
		}),
		Associations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gopacs_dicom_associations_total",
			Help: "Number of accepted DICOM associations.",
		}),
		RestRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gopacs_rest_requests_total",
			Help: "Number of REST requests served.",
		}),
	}

	registry.MustRegister(m.InstancesStored, m.PatientsRecycled, m.Associations, m.RestRequests)
	return m
}
