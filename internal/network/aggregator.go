// Package network derives mesh readiness from the connected peer count.
package network

import "github.com/floodwatch/floodwatch/internal/types"

// Aggregator remembers the last computed status so readiness flips can be
// reported once per transition.
type Aggregator struct {
	last types.NetworkStatus
}

// NewAggregator creates an aggregator whose baseline is "not ready".
func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Recompute derives the status. changed is true only when NetworkReady
// differs from the previous computation.
func (a *Aggregator) Recompute(connectedPeers, minPeers int) (status types.NetworkStatus, changed bool) {
	if connectedPeers < 0 {
		connectedPeers = 0
	}
	status = types.NetworkStatus{
		ConnectedPeers: connectedPeers,
		MinPeers:       minPeers,
		NetworkReady:   connectedPeers >= minPeers,
	}
	changed = status.NetworkReady != a.last.NetworkReady
	a.last = status
	return status, changed
}

// Last returns the most recently computed status.
func (a *Aggregator) Last() types.NetworkStatus {
	return a.last
}
