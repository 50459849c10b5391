package engine

import (
	"errors"

	"github.com/floodwatch/floodwatch/internal/history"
	"github.com/floodwatch/floodwatch/internal/metrics"
	"github.com/floodwatch/floodwatch/internal/types"
)

// archive hands a resolved alert to the history writer. Called with e.mu held.
// When the buffer is full or the archiver is not running the append happens inline.
func (e *Engine) archive(rec types.HistoryRecord) {
	if e.started.Load() && !e.archiveClosed {
		select {
		case e.archiveCh <- rec:
			return
		default:
		}
	}
	e.appendHistory(rec)
}

func (e *Engine) runArchiver() {
	defer e.archiveWG.Done()
	for rec := range e.archiveCh {
		e.appendHistory(rec)
	}
}

func (e *Engine) appendHistory(rec types.HistoryRecord) {
	err := e.history.Append(rec)
	switch {
	case err == nil:
		metrics.HistoryAppendsTotal.WithLabelValues("success").Inc()
	case errors.Is(err, history.ErrDuplicate):
		metrics.HistoryAppendsTotal.WithLabelValues("duplicate").Inc()
		e.log.Warn().Uint64("alert_id", rec.ID).Msg("duplicate history record ignored")
	default:
		metrics.HistoryAppendsTotal.WithLabelValues("failed").Inc()
		e.log.Error().Err(err).Uint64("alert_id", rec.ID).Msg("failed to append history record")
	}
}
