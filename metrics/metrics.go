// Package metrics defines the Prometheus collectors for the transcription
// and billing pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsActive tracks currently open metered transcription sessions.
	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "likhon_sessions_active",
		Help: "Number of live transcription sessions currently open.",
	})

	// SessionsTotal counts sessions by how they ended.
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "likhon_sessions_total",
		Help: "Transcription sessions, labeled by termination reason.",
	}, []string{"reason"})

	// CreditsCharged counts usage credits successfully charged.
	CreditsCharged = promauto.NewCounter(prometheus.CounterOpts{
		Name: "likhon_credits_charged_total",
		Help: "Usage credits charged across all metered sessions.",
	})

	// LedgerAdjustments counts ledger adjustments by transaction type and
	// outcome.
	LedgerAdjustments = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "likhon_ledger_adjustments_total",
		Help: "Ledger adjustment requests, labeled by type and outcome.",
	}, []string{"type", "outcome"})

	// TranscriptionResults counts final transcription results by provider.
	TranscriptionResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "likhon_transcription_results_total",
		Help: "Final transcription results received, labeled by provider.",
	}, []string{"provider"})
)
