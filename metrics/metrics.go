package metrics

import (
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/factorykit/cell-sequencer/types"
)

const (
	MetricsNamespace = "sequencer"
)

var (
	Debug                bool = true
	validPhaseStatuses        = []types.Status{
		types.StatusPass, types.StatusFail, types.StatusError,
		types.StatusTimeout, types.StatusSkipped,
	}
	nonAlphanumericRegex = regexp.MustCompile(`[^a-zA-Z ]+`)

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "errors_total",
		Help:      "Count of errors",
	}, []string{
		"error",
	})

	phasesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "phases_total",
		Help:      "Count of executed test phases",
	}, []string{
		"station_id",
		"cell",
		"phase",
		"status",
	})

	runsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: MetricsNamespace,
		Name:      "runs_total",
		Help:      "Count of finished test runs",
	}, []string{
		"station_id",
		"cell",
		"status",
	})

	runDuration = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the most recent test run per cell",
	}, []string{
		"station_id",
		"cell",
	})

	cellsRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: MetricsNamespace,
		Name:      "cells_running",
		Help:      "Number of cell execution loops currently running",
	})
)

// errToLabel tries to make the error string a more valid Prometheus label
func errToLabel(err error) string {
	if err == nil {
		return "nil"
	}
	errClean := nonAlphanumericRegex.ReplaceAllString(err.Error(), "")
	errClean = strings.ReplaceAll(errClean, " ", "_")
	errClean = strings.ReplaceAll(errClean, "__", "_")
	return errClean
}

func RecordError(error string) {
	if Debug {
		log.Debug("metric inc",
			"m", "errors_total",
			"error", error,
		)
	}
	errorsTotal.WithLabelValues(error).Inc()
}

// RecordErrorDetails concats the error message to the label
// and also tries to clean the label to be a valid Prometheus label
func RecordErrorDetails(label string, err error) {
	if err == nil {
		return
	}
	label = fmt.Sprintf("%s.%s", label, errToLabel(err))
	RecordError(label)
}

// RecordPhase counts one finished phase execution on a cell.
func RecordPhase(stationID string, cellID int, phase string, status types.Status) {
	if !isValidPhaseStatus(status) {
		log.Error("RecordPhase - invalid status", "status", status)
		return
	}
	if Debug {
		log.Debug("metric inc",
			"m", "phases_total",
			"station_id", stationID,
			"cell", cellID,
			"phase", phase,
			"status", status)
	}
	phasesTotal.WithLabelValues(stationID, strconv.Itoa(cellID), phase, string(status)).Inc()
}

// RecordRun counts one finished test run on a cell and records its duration.
func RecordRun(stationID string, cellID int, status types.Status, duration time.Duration) {
	cell := strconv.Itoa(cellID)
	runsTotal.WithLabelValues(stationID, cell, string(status)).Inc()
	runDuration.WithLabelValues(stationID, cell).Set(duration.Seconds())
}

// RecordCellStarted tracks a cell execution loop starting.
func RecordCellStarted() {
	cellsRunning.Inc()
}

// RecordCellStopped tracks a cell execution loop exiting.
func RecordCellStopped() {
	cellsRunning.Dec()
}

func isValidPhaseStatus(status types.Status) bool {
	return slices.Contains(validPhaseStatuses, status)
}
