package metrics

const (
	TransportPktsReceivedH   = "The total number of sync packets received"
	TransportPktsReceivedN   = "multiserversync_transport_pkts_received"
	TransportPktsMalformedH  = "The total number of received packets dropped as malformed"
	TransportPktsMalformedN  = "multiserversync_transport_pkts_malformed"
	TransportProbesSentH     = "The total number of probes sent"
	TransportProbesSentN     = "multiserversync_transport_probes_sent"
	TransportProbesAnsweredH = "The total number of probes answered"
	TransportProbesAnsweredN = "multiserversync_transport_probes_answered"
	TransportRepliesLateH    = "The total number of replies ignored because no matching probe was outstanding"
	TransportRepliesLateN    = "multiserversync_transport_replies_late"
	TransportEventsSentH     = "The total number of event packets sent"
	TransportEventsSentN     = "multiserversync_transport_events_sent"

	EstimatorSamplesAcceptedH = "The total number of sync samples accepted"
	EstimatorSamplesAcceptedN = "multiserversync_estimator_samples_accepted"
	EstimatorSamplesRejectedH = "The total number of sync samples rejected as delay outliers"
	EstimatorSamplesRejectedN = "multiserversync_estimator_samples_rejected"
	EstimatorTimeoutsH        = "The total number of probe timeouts"
	EstimatorTimeoutsN        = "multiserversync_estimator_timeouts"

	ClockOffsetH      = "The current offset of the synchronized clock from the local clock in seconds"
	ClockOffsetN      = "multiserversync_clock_offset_seconds"
	ClockUncertaintyH = "The current aggregate uncertainty of the synchronized clock in seconds"
	ClockUncertaintyN = "multiserversync_clock_uncertainty_seconds"
	ClockStepsH       = "The total number of forward steps applied to the synchronized clock"
	ClockStepsN       = "multiserversync_clock_steps"
	ClockSyncedH      = "Whether the synchronized clock is currently synchronized (1) or not (0)"
	ClockSyncedN      = "multiserversync_clock_synced"

	PeerActiveH      = "The current number of active peers"
	PeerActiveN      = "multiserversync_peer_active"
	PeerDegradedH    = "The current number of degraded peers"
	PeerDegradedN    = "multiserversync_peer_degraded"
	PeerUnreachableH = "The current number of unreachable peers"
	PeerUnreachableN = "multiserversync_peer_unreachable"
	PeerDroppedH     = "The total number of peers removed from the registry"
	PeerDroppedN     = "multiserversync_peer_dropped"

	OrderingPendingH    = "The current number of events waiting behind the watermark"
	OrderingPendingN    = "multiserversync_ordering_pending"
	OrderingReleasedH   = "The total number of events released in order"
	OrderingReleasedN   = "multiserversync_ordering_released"
	OrderingLateH       = "The total number of events released after a later event"
	OrderingLateN       = "multiserversync_ordering_late"
	OrderingDuplicatesH = "The total number of duplicate events dropped"
	OrderingDuplicatesN = "multiserversync_ordering_duplicates"
	OrderingFlushedH    = "The total number of events released by flushing a dropped peer"
	OrderingFlushedN    = "multiserversync_ordering_flushed"
)
