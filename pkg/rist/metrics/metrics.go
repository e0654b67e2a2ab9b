// Package metrics exports Sender and Receiver statistics to Prometheus.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/thesyncim/rist/pkg/rist"
)

const namespace = "rist"

type metric struct {
	desc      *prometheus.Desc
	valueType prometheus.ValueType
}

func newMetric(subsystem, name, help string, valueType prometheus.ValueType, labels prometheus.Labels) metric {
	return metric{
		desc:      prometheus.NewDesc(prometheus.BuildFQName(namespace, subsystem, name), help, []string{"ssrc"}, labels),
		valueType: valueType,
	}
}

func (m metric) emit(ch chan<- prometheus.Metric, v float64, ssrc string) {
	ch <- prometheus.MustNewConstMetric(m.desc, m.valueType, v, ssrc)
}

func ssrcLabel(ssrc uint32) string {
	return fmt.Sprintf("0x%08x", ssrc)
}

// SenderCollector reads a SenderStats snapshot on every scrape. The stats
// function must be safe to call from the scraping goroutine.
type SenderCollector struct {
	stats func() rist.SenderStats

	packets, octets, bitrate               metric
	nacks, resent, misses, exhausted       metric
	reports, echoRequests, echoResponses   metric
	ignored                                metric
	rtt, rttMin, rttSamples, rttTimedOut   metric
	cacheEvicted, cacheExpired             metric
	peerFractionLost, peerLost, peerJitter metric
}

// NewSenderCollector creates a collector. labels are attached to every
// series, e.g. the remote address.
func NewSenderCollector(stats func() rist.SenderStats, labels prometheus.Labels) *SenderCollector {
	const sub = "sender"
	return &SenderCollector{
		stats:            stats,
		packets:          newMetric(sub, "packets_total", "Original media packets sent.", prometheus.CounterValue, labels),
		octets:           newMetric(sub, "payload_bytes_total", "Payload bytes of original packets.", prometheus.CounterValue, labels),
		bitrate:          newMetric(sub, "send_bitrate_bps", "Send rate over every datagram, retransmissions included.", prometheus.GaugeValue, labels),
		nacks:            newMetric(sub, "nacks_total", "NACK packets received.", prometheus.CounterValue, labels),
		resent:           newMetric(sub, "retransmitted_total", "Packets resent on request.", prometheus.CounterValue, labels),
		misses:           newMetric(sub, "retransmit_misses_total", "Requested packets no longer cached.", prometheus.CounterValue, labels),
		exhausted:        newMetric(sub, "retry_budget_exhausted_total", "Requests refused after MaxRetries resends.", prometheus.CounterValue, labels),
		reports:          newMetric(sub, "reports_total", "Sender reports sent.", prometheus.CounterValue, labels),
		echoRequests:     newMetric(sub, "echo_requests_total", "RTT echo requests sent.", prometheus.CounterValue, labels),
		echoResponses:    newMetric(sub, "echo_responses_total", "RTT echo requests answered.", prometheus.CounterValue, labels),
		ignored:          newMetric(sub, "ignored_rtcp_total", "Inbound RTCP packets of unhandled types.", prometheus.CounterValue, labels),
		rtt:              newMetric(sub, "rtt_seconds", "Smoothed round-trip time.", prometheus.GaugeValue, labels),
		rttMin:           newMetric(sub, "rtt_min_seconds", "Minimum round-trip time.", prometheus.GaugeValue, labels),
		rttSamples:       newMetric(sub, "rtt_samples_total", "Echo responses matched.", prometheus.CounterValue, labels),
		rttTimedOut:      newMetric(sub, "rtt_timeouts_total", "Echo requests that were never answered.", prometheus.CounterValue, labels),
		cacheEvicted:     newMetric(sub, "cache_evicted_total", "Packets evicted from the retransmission cache.", prometheus.CounterValue, labels),
		cacheExpired:     newMetric(sub, "cache_expired_total", "Packets aged out of the retransmission cache.", prometheus.CounterValue, labels),
		peerFractionLost: newMetric(sub, "peer_fraction_lost", "Fraction lost from the last receiver report, 0 to 1.", prometheus.GaugeValue, labels),
		peerLost:         newMetric(sub, "peer_cumulative_lost", "Cumulative loss from the last receiver report.", prometheus.GaugeValue, labels),
		peerJitter:       newMetric(sub, "peer_jitter", "Interarrival jitter from the last receiver report, in timestamp units.", prometheus.GaugeValue, labels),
	}
}

func (c *SenderCollector) all() []metric {
	return []metric{
		c.packets, c.octets, c.bitrate,
		c.nacks, c.resent, c.misses, c.exhausted,
		c.reports, c.echoRequests, c.echoResponses, c.ignored,
		c.rtt, c.rttMin, c.rttSamples, c.rttTimedOut,
		c.cacheEvicted, c.cacheExpired,
		c.peerFractionLost, c.peerLost, c.peerJitter,
	}
}

// Describe implements prometheus.Collector.
func (c *SenderCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *SenderCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	ssrc := ssrcLabel(st.SSRC)

	c.packets.emit(ch, float64(st.PacketsSent), ssrc)
	c.octets.emit(ch, float64(st.OctetsSent), ssrc)
	c.bitrate.emit(ch, float64(st.SendBitrate), ssrc)
	c.nacks.emit(ch, float64(st.NacksReceived), ssrc)
	c.resent.emit(ch, float64(st.Retransmitted), ssrc)
	c.misses.emit(ch, float64(st.RetransmitMisses), ssrc)
	c.exhausted.emit(ch, float64(st.RetryBudgetExhausted), ssrc)
	c.reports.emit(ch, float64(st.ReportsSent), ssrc)
	c.echoRequests.emit(ch, float64(st.EchoRequestsSent), ssrc)
	c.echoResponses.emit(ch, float64(st.EchoResponsesSent), ssrc)
	c.ignored.emit(ch, float64(st.IgnoredPackets), ssrc)
	c.rtt.emit(ch, st.RTT.Smoothed.Seconds(), ssrc)
	c.rttMin.emit(ch, st.RTT.Min.Seconds(), ssrc)
	c.rttSamples.emit(ch, float64(st.RTT.Samples), ssrc)
	c.rttTimedOut.emit(ch, float64(st.RTT.TimedOut), ssrc)
	c.cacheEvicted.emit(ch, float64(st.Cache.Evicted), ssrc)
	c.cacheExpired.emit(ch, float64(st.Cache.Expired), ssrc)
	c.peerFractionLost.emit(ch, float64(st.PeerFractionLost)/256, ssrc)
	c.peerLost.emit(ch, float64(st.PeerCumulativeLost), ssrc)
	c.peerJitter.emit(ch, float64(st.PeerJitter), ssrc)
}

// ReceiverCollector reads a ReceiverStats snapshot on every scrape.
type ReceiverCollector struct {
	stats func() rist.ReceiverStats

	packets, retransmissions, duplicates, tooOld metric
	detected, recovered, abandoned, missing      metric
	jitter, feedback, nacks, nackedPackets       metric
	rtt                                          metric
}

// NewReceiverCollector creates a collector over a receiver.
func NewReceiverCollector(stats func() rist.ReceiverStats, labels prometheus.Labels) *ReceiverCollector {
	const sub = "receiver"
	return &ReceiverCollector{
		stats:           stats,
		packets:         newMetric(sub, "packets_total", "Media packets delivered.", prometheus.CounterValue, labels),
		retransmissions: newMetric(sub, "retransmissions_total", "Retransmitted packets received.", prometheus.CounterValue, labels),
		duplicates:      newMetric(sub, "duplicates_total", "Duplicate packets dropped.", prometheus.CounterValue, labels),
		tooOld:          newMetric(sub, "too_old_total", "Packets older than the session dropped.", prometheus.CounterValue, labels),
		detected:        newMetric(sub, "lost_detected_total", "Sequence gaps detected.", prometheus.CounterValue, labels),
		recovered:       newMetric(sub, "lost_recovered_total", "Gaps filled by retransmission or reordering.", prometheus.CounterValue, labels),
		abandoned:       newMetric(sub, "lost_abandoned_total", "Gaps given up.", prometheus.CounterValue, labels),
		missing:         newMetric(sub, "missing", "Gaps currently open.", prometheus.GaugeValue, labels),
		jitter:          newMetric(sub, "jitter", "Interarrival jitter in timestamp units.", prometheus.GaugeValue, labels),
		feedback:        newMetric(sub, "feedback_total", "Feedback compounds sent.", prometheus.CounterValue, labels),
		nacks:           newMetric(sub, "nacks_total", "Feedback compounds carrying a NACK.", prometheus.CounterValue, labels),
		nackedPackets:   newMetric(sub, "nacked_packets_total", "Sequence numbers requested.", prometheus.CounterValue, labels),
		rtt:             newMetric(sub, "rtt_seconds", "Smoothed round-trip time.", prometheus.GaugeValue, labels),
	}
}

func (c *ReceiverCollector) all() []metric {
	return []metric{
		c.packets, c.retransmissions, c.duplicates, c.tooOld,
		c.detected, c.recovered, c.abandoned, c.missing,
		c.jitter, c.feedback, c.nacks, c.nackedPackets, c.rtt,
	}
}

// Describe implements prometheus.Collector.
func (c *ReceiverCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, m := range c.all() {
		ch <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *ReceiverCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.stats()
	ssrc := ssrcLabel(st.MediaSSRC)

	c.packets.emit(ch, float64(st.PacketsReceived), ssrc)
	c.retransmissions.emit(ch, float64(st.RetransmissionsReceived), ssrc)
	c.duplicates.emit(ch, float64(st.Duplicates), ssrc)
	c.tooOld.emit(ch, float64(st.TooOld), ssrc)
	c.detected.emit(ch, float64(st.Loss.Detected), ssrc)
	c.recovered.emit(ch, float64(st.Loss.Recovered), ssrc)
	c.abandoned.emit(ch, float64(st.Loss.Abandoned), ssrc)
	c.missing.emit(ch, float64(st.Missing), ssrc)
	c.jitter.emit(ch, float64(st.Jitter), ssrc)
	c.feedback.emit(ch, float64(st.FeedbackSent), ssrc)
	c.nacks.emit(ch, float64(st.NacksSent), ssrc)
	c.nackedPackets.emit(ch, float64(st.Loss.NacksRequested), ssrc)
	c.rtt.emit(ch, st.RTT.Smoothed.Seconds(), ssrc)
}
