package events

import "log/slog"

// SlogSink logs every event at Info level with key-value pairs, as
// structured fields rather than formatted strings.
type SlogSink struct {
	log *slog.Logger
}

// NewSlogSink wraps log (or slog.Default() if nil) as a Sink.
func NewSlogSink(log *slog.Logger) *SlogSink {
	if log == nil {
		log = slog.Default()
	}
	return &SlogSink{log: log}
}

func (s *SlogSink) Delivery(p DeliveryPayload) {
	s.log.Info(p.Type,
		"request_id", p.RequestID,
		"mech", p.Mech,
		"tx_hash", p.TxHash,
		"reason", p.Reason,
	)
}

func (s *SlogSink) Rotation(p RotationPayload) {
	s.log.Info(p.Type,
		"service_config_id", p.ServiceConfigID,
		"reason", p.Reason,
	)
}
