package service

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/events"
	"github.com/noah-isme/gema-grader/internal/middleware"
)

// EventSubscriber delivers bus events to a handler until ctx is done.
type EventSubscriber interface {
	Subscribe(ctx context.Context, subject, queue string, handler func(events.Envelope)) error
}

// AutoRetrainer retrains an assignment whenever a correction for it is recorded.
type AutoRetrainer struct {
	training   TrainingService
	subscriber EventSubscriber
	logger     zerolog.Logger
}

// NewAutoRetrainer constructs the correction listener.
func NewAutoRetrainer(training TrainingService, subscriber EventSubscriber, logger zerolog.Logger) *AutoRetrainer {
	return &AutoRetrainer{
		training:   training,
		subscriber: subscriber,
		logger:     logger.With().Str("component", "auto_retrainer").Logger(),
	}
}

// Start subscribes to correction events. Retrains run on ctx.
func (a *AutoRetrainer) Start(ctx context.Context) error {
	return a.subscriber.Subscribe(ctx, events.SubjectCorrectionRecorded, "grader-retrain", func(envelope events.Envelope) {
		a.handle(ctx, envelope)
	})
}

func (a *AutoRetrainer) handle(ctx context.Context, envelope events.Envelope) {
	var event events.CorrectionRecorded
	if err := envelope.Decode(&event); err != nil {
		a.logger.Warn().Err(err).Str("subject", envelope.Subject).Msg("invalid correction event")
		return
	}

	logger := a.logger.With().Str("correlation_id", envelope.CorrelationID).Logger()
	result, err := a.training.Retrain(middleware.ContextWithCorrelation(ctx, envelope.CorrelationID), event.AssignmentID)
	var insufficient *InsufficientDataError
	switch {
	case err == nil:
		logger.Info().
			Uint("assignment_id", event.AssignmentID).
			Int("model_version", result.ModelVersion).
			Int("corpus_size", result.CorpusSize).
			Msg("automatic retrain activated model")
	case errors.Is(err, ErrRetrainInProgress), errors.As(err, &insufficient):
		logger.Debug().Err(err).Uint("assignment_id", event.AssignmentID).Msg("automatic retrain skipped")
	default:
		logger.Error().Err(err).Uint("assignment_id", event.AssignmentID).Msg("automatic retrain failed")
	}
}
