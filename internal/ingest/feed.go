package ingest

import (
	"errors"

	"github.com/floodwatch/floodwatch/internal/metrics"
	"github.com/rs/zerolog"
)

// Transport labels used on ingestion metrics
const (
	SourceMQTT = "mqtt"
	SourceAMQP = "amqp"
	SourceGNMI = "gnmi"
	SourceHTTP = "http"
)

// HandlePayload decodes body and submits every reading to sub. It returns
// the number of readings accepted. Decode failures are counted and returned;
// submit failures stop the batch.
func HandlePayload(sub Submitter, source string, body []byte, log zerolog.Logger) (int, error) {
	readings, err := Decode(body)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(source).Inc()
		return 0, err
	}

	accepted := 0
	var errs []error
	for _, r := range readings {
		if err := sub.Submit(r); err != nil {
			errs = append(errs, err)
			log.Debug().Err(err).Str("sensor_id", r.SensorID).Msg("reading rejected")
			continue
		}
		accepted++
	}
	metrics.ReadingsReceivedTotal.WithLabelValues(source).Add(float64(accepted))
	return accepted, errors.Join(errs...)
}
