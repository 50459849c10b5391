package history

import (
	"time"

	"github.com/floodwatch/floodwatch/internal/types"
	"github.com/rs/zerolog"
)

// PrunableStore is a Store that supports eviction.
type PrunableStore interface {
	Store
	Pruner
}

// Retention wraps a store and evicts by count and age after each append.
type Retention struct {
	PrunableStore
	maxRecords int
	maxAge     time.Duration
	now        func() time.Time
	log        zerolog.Logger
}

// NewRetention applies the policy to inner. A zero limit disables that limit.
func NewRetention(inner PrunableStore, maxRecords int, maxAge time.Duration, now func() time.Time, log zerolog.Logger) *Retention {
	if now == nil {
		now = time.Now
	}
	return &Retention{
		PrunableStore: inner,
		maxRecords:    maxRecords,
		maxAge:        maxAge,
		now:           now,
		log:           log.With().Str("component", "history-retention").Logger(),
	}
}

func (r *Retention) Append(rec types.HistoryRecord) error {
	if err := r.PrunableStore.Append(rec); err != nil {
		return err
	}

	var cutoff time.Time
	if r.maxAge > 0 {
		cutoff = r.now().Add(-r.maxAge)
	}
	n, err := r.Prune(r.maxRecords, cutoff)
	if err != nil {
		r.log.Error().Err(err).Msg("retention prune failed")
		return nil
	}
	if n > 0 {
		r.log.Debug().Int("evicted", n).Msg("history records evicted")
	}
	return nil
}
