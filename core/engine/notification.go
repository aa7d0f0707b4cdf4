package engine

import (
	"time"

	"example.com/multiserversync/core/peer"
	"example.com/multiserversync/core/stats"
)

type NotificationKind int

const (
	ConnectionLost NotificationKind = iota
	ConnectionRestored
	QualityDegraded
	QualityImproved
	DroppedPeer
)

func (k NotificationKind) String() string {
	switch k {
	case ConnectionLost:
		return "connection_lost"
	case ConnectionRestored:
		return "connection_restored"
	case QualityDegraded:
		return "quality_degraded"
	case QualityImproved:
		return "quality_improved"
	case DroppedPeer:
		return "dropped_peer"
	default:
		return "unknown"
	}
}

func (k NotificationKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Notification reports a change in the health of a peer. Quality is only
// set for QualityDegraded and QualityImproved.
type Notification struct {
	Kind    NotificationKind `json:"kind"`
	Peer    peer.ID          `json:"peer"`
	Time    time.Time        `json:"time"`
	Quality stats.Quality    `json:"quality"`
}
