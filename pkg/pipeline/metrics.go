package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "irrwatch",
		Name:      "pipeline_runs_total",
		Help:      "Pipeline runs by outcome.",
	}, []string{"status"})

	sourceErrorsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "irrwatch",
		Name:      "source_errors_total",
		Help:      "Per-source query failures observed during fetches.",
	})

	ticketsSubmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "irrwatch",
		Name:      "tickets_submitted_total",
		Help:      "Tickets successfully submitted to the ticketing system.",
	})
)
