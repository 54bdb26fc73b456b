package logsink

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/Sh00ty/uplinkd/internal/models"
)

// Sink writes every event as one structured log line at the level matching
// its severity.
type Sink struct {
	log zerolog.Logger
}

func New(logger zerolog.Logger) *Sink {
	return &Sink{
		log: logger.With().Str("component", "events").Logger(),
	}
}

func (s *Sink) Name() string {
	return "log"
}

func (s *Sink) Deliver(_ context.Context, events []models.Event) (int, error) {
	for _, ev := range events {
		e := s.log.WithLevel(level(ev.Severity)).
			Str("event_id", ev.ID).
			Str("type", string(ev.Type)).
			Time("at", ev.Time)
		if ev.Interface != "" {
			e = e.Str("interface", ev.Interface)
		}
		for k, v := range ev.Fields {
			e = e.Str(k, v)
		}
		e.Msg(ev.Message)
	}
	return len(events), nil
}

func level(s models.Severity) zerolog.Level {
	switch s {
	case models.SeverityFatal:
		return zerolog.FatalLevel
	case models.SeverityError:
		return zerolog.ErrorLevel
	case models.SeverityWarn:
		return zerolog.WarnLevel
	}
	return zerolog.InfoLevel
}
