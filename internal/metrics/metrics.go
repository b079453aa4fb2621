// Package metrics exposes Prometheus counters for the observable CORE
// events named in spec.md's error-handling design and testable
// properties, mirroring how runZeroInc-sockstats and the telepresence
// agent expose their own collectors.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the CORE's counters. Callers construct one per
// sender or receiver instance and register it against their own
// prometheus.Registerer; a package-level singleton would collide
// across multiple local instances in tests and demos.
type Registry struct {
	DataDelivered    prometheus.Counter
	Duplicates       prometheus.Counter
	NacksIssued      prometheus.Counter
	NacksSuperseded  prometheus.Counter
	RepairsAccepted  prometheus.Counter
	RepairsRejected  prometheus.Counter
	AcksReceived     prometheus.Counter
	AckRequestsSent  prometheus.Counter
	ReceiversEvicted prometheus.Counter
	WindowTrims      prometheus.Counter
	DataSent         prometheus.Counter
	RepairsSent      prometheus.Counter
	InqueueErrors    prometheus.Counter
	NackOutOfQueue   prometheus.Counter
}

// New constructs a Registry whose metrics use role ("sender" or
// "receiver") as their subsystem, so each name reads
// mcast_<role>_<name>, and registers every metric against reg.
func New(reg prometheus.Registerer, role string) *Registry {
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mcast",
			Subsystem: role,
			Name:      name,
			Help:      help,
		})
		reg.MustRegister(c)
		return c
	}

	return &Registry{
		DataDelivered:    counter("data_delivered_total", "Messages delivered to the application in order."),
		Duplicates:       counter("duplicates_dropped_total", "DATA/REPAIR frames dropped as duplicates."),
		NacksIssued:      counter("nacks_issued_total", "NACK messages emitted for a detected gap."),
		NacksSuperseded:  counter("nacks_superseded_total", "NACK recovery cycles whose admitted range fully drained, clearing nack_state back to Idle."),
		RepairsAccepted:  counter("repairs_accepted_total", "REPAIR frames admitted into gap processing."),
		RepairsRejected:  counter("repairs_rejected_total", "REPAIR frames rejected by the admission filter."),
		AcksReceived:     counter("acks_received_total", "ACK frames processed by the sender."),
		AckRequestsSent:  counter("ack_requests_sent_total", "ACK_REQUEST frames emitted by the sender."),
		ReceiversEvicted: counter("receivers_evicted_total", "Receivers evicted from the receiver table as stragglers."),
		WindowTrims:      counter("window_trims_total", "Send-queue trim operations performed."),
		DataSent:         counter("data_sent_total", "DATA frames transmitted."),
		RepairsSent:      counter("repairs_sent_total", "REPAIR frames transmitted in response to a NACK."),
		InqueueErrors:    counter("inqueue_errors_total", "Publish calls rejected by the bounded send queue."),
		NackOutOfQueue:   counter("nack_out_of_queue_total", "NACK ranges the sender could not satisfy."),
	}
}
