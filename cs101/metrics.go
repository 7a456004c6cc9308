// Copyright 2025 Ricardo L. Olsen. All rights reserved.
// Use of this source code is governed by a version 3 of the GNU General
// Public License, license that can be found in the LICENSE file.

package cs101

import (
	"errors"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the link layer collectors shared by all channels of a
// process. Every channel uses its own name as the "channel" label.
type Metrics struct {
	framesReceived    *prometheus.CounterVec
	framesSent        *prometheus.CounterVec
	framingErrors     *prometheus.CounterVec
	retransmissions   *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
	duplicatesIgnored *prometheus.CounterVec
	linkState         *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them with reg when it is
// not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs101",
			Name:      "frames_received_total",
			Help:      "Valid frames received, by frame kind",
		}, []string{"channel", "kind"}),
		framesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs101",
			Name:      "frames_sent_total",
			Help:      "Frames sent, by frame kind",
		}, []string{"channel", "kind"}),
		framingErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs101",
			Name:      "framing_errors_total",
			Help:      "Discarded frames, by reason",
		}, []string{"channel", "reason"}),
		retransmissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs101",
			Name:      "retransmissions_total",
			Help:      "Repeated primary frames after a missing answer",
		}, []string{"channel", "address"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs101",
			Name:      "timeouts_total",
			Help:      "Messages abandoned after the repeat timeout",
		}, []string{"channel", "address"}),
		duplicatesIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "cs101",
			Name:      "duplicates_ignored_total",
			Help:      "Primary frames with a repeated frame count bit",
		}, []string{"channel", "address"}),
		linkState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "cs101",
			Name:      "link_state",
			Help:      "Link layer state (0 idle, 1 error, 2 busy, 3 available)",
		}, []string{"channel", "address"}),
	}
	if reg != nil {
		reg.MustRegister(m.framesReceived, m.framesSent, m.framingErrors,
			m.retransmissions, m.timeouts, m.duplicatesIgnored, m.linkState)
	}
	return m
}

// channelMetrics is the per channel view of Metrics. The zero value and a
// nil *Metrics record nothing.
type channelMetrics struct {
	m    *Metrics
	name string
}

func (sf *Metrics) channel(name string) channelMetrics {
	return channelMetrics{m: sf, name: name}
}

func addrLabel(address uint16) string {
	return strconv.Itoa(int(address))
}

func (c channelMetrics) frameReceived(kind FrameKind) {
	if c.m != nil {
		c.m.framesReceived.WithLabelValues(c.name, kind.String()).Inc()
	}
}

func (c channelMetrics) frameSent(kind FrameKind) {
	if c.m != nil {
		c.m.framesSent.WithLabelValues(c.name, kind.String()).Inc()
	}
}

func (c channelMetrics) framingError(reason string) {
	if c.m != nil {
		c.m.framingErrors.WithLabelValues(c.name, reason).Inc()
	}
}

func (c channelMetrics) retransmission(address uint16) {
	if c.m != nil {
		c.m.retransmissions.WithLabelValues(c.name, addrLabel(address)).Inc()
	}
}

func (c channelMetrics) timeout(address uint16) {
	if c.m != nil {
		c.m.timeouts.WithLabelValues(c.name, addrLabel(address)).Inc()
	}
}

func (c channelMetrics) duplicate(address uint16) {
	if c.m != nil {
		c.m.duplicatesIgnored.WithLabelValues(c.name, addrLabel(address)).Inc()
	}
}

func (c channelMetrics) state(address uint16, s LinkLayerState) {
	if c.m != nil {
		c.m.linkState.WithLabelValues(c.name, addrLabel(address)).Set(float64(s))
	}
}

// framingReason maps a framing error to a metric label.
func framingReason(err error) string {
	switch {
	case errors.Is(err, ErrChecksumMismatch):
		return "checksum"
	case errors.Is(err, ErrLengthMismatch), errors.Is(err, ErrFrameTooShort):
		return "length"
	case errors.Is(err, ErrIncompleteFrame):
		return "incomplete"
	case errors.Is(err, ErrInvalidEndChar):
		return "end"
	}
	return "start"
}
