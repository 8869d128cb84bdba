// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	procTerminate = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_proc_terminate_total",
		Help: "Signals sent to child process groups by outcome",
	}, []string{"signal", "result"}) // result=sent|esrch|error

	procWait = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ringdvr_proc_wait_total",
		Help: "Child process terminations by how they ended",
	}, []string{"outcome"}) // outcome=graceful|forced|timeout
)

// IncProcTerminate counts a signal delivery attempt to a process group.
func IncProcTerminate(signal, result string) {
	procTerminate.WithLabelValues(signal, result).Inc()
}

// IncProcWait counts how a terminated child finally went away.
func IncProcWait(outcome string) {
	procWait.WithLabelValues(outcome).Inc()
}
