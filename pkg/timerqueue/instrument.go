package timerqueue

import (
	"time"

	"github.com/vnykmshr/timerqueue/pkg/clock"
	"github.com/vnykmshr/timerqueue/pkg/metrics"
)

// instruments reports to a metrics.Registry under one queue name.
// A nil *instruments or nil registry records nothing.
type instruments struct {
	reg  *metrics.Registry
	name string
}

func newInstruments(reg *metrics.Registry, name string) *instruments {
	return &instruments{reg: reg, name: name}
}

func (m *instruments) enabled() bool {
	return m != nil && m.reg != nil
}

func (m *instruments) added(typ clock.Type) {
	if m.enabled() {
		m.reg.EventsAdded.WithLabelValues(m.name, typ.String()).Inc()
	}
}

func (m *instruments) removed() {
	if m.enabled() {
		m.reg.EventsRemoved.WithLabelValues(m.name).Inc()
	}
}

func (m *instruments) pending(typ clock.Type, n int) {
	if m.enabled() {
		m.reg.PendingEvents.WithLabelValues(m.name, typ.String()).Set(float64(n))
	}
}

func (m *instruments) lateness(typ clock.Type, ns int64) {
	if m.enabled() {
		if ns < 0 {
			ns = 0
		}
		m.reg.DispatchLateness.WithLabelValues(m.name, typ.String()).Observe(time.Duration(ns).Seconds())
	}
}

func (m *instruments) wake(batch int) {
	if m.enabled() {
		m.reg.DispatchWakes.WithLabelValues(m.name).Inc()
		m.reg.DispatchBatchSize.WithLabelValues(m.name).Observe(float64(batch))
	}
}

func (m *instruments) executed(d time.Duration, panicked bool) {
	if !m.enabled() {
		return
	}
	m.reg.EventsExecuted.WithLabelValues(m.name).Inc()
	m.reg.CallbackDuration.WithLabelValues(m.name).Observe(d.Seconds())
	if panicked {
		m.reg.CallbackPanics.WithLabelValues(m.name).Inc()
	}
}
