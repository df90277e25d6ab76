// Package ingest accepts observations from collaborators and writes them to
// the working tier.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/rcliao/tiered-memory/internal/embedding"
	"github.com/rcliao/tiered-memory/internal/metrics"
	"github.com/rcliao/tiered-memory/internal/model"
	"github.com/rcliao/tiered-memory/internal/observe"
)

// DefaultTopic is assigned to observations that arrive without one.
const DefaultTopic = "general"

// Observation is one raw input from the chat front-end. Emotion comes from
// the external emotion labeller and may be empty.
type Observation struct {
	Content    string    `json:"content" validate:"required"`
	Topic      string    `json:"topic,omitempty" validate:"max=64,excludesall=0x7C"`
	Emotion    string    `json:"emotion,omitempty" validate:"max=32"`
	Importance int       `json:"importance" validate:"min=1,max=10"`
	SessionID  string    `json:"session_id,omitempty" validate:"max=128"`
	Embedding  []float32 `json:"embedding,omitempty"`
}

// Appender is the slice of the store ingestion needs.
type Appender interface {
	AppendWorking(ctx context.Context, r model.WorkingRecord) (string, error)
}

// Service validates observations and appends them to the working tier.
type Service struct {
	store    Appender
	embedder embedding.Embedder
	obs      *observe.Observer
	metrics  *metrics.Manager
	validate *validator.Validate
}

// NewService builds a Service. embedder, obs and m may be nil.
func NewService(store Appender, embedder embedding.Embedder, obs *observe.Observer, m *metrics.Manager) *Service {
	if obs == nil {
		obs = observe.Discard()
	}
	if m == nil {
		m = metrics.NoOpManager()
	}
	return &Service{
		store:    store,
		embedder: embedder,
		obs:      obs,
		metrics:  m,
		validate: validator.New(),
	}
}

// Append validates o and stores it as a working record, returning its id.
// Invalid input yields *model.ValidationError and nothing is written.
func (s *Service) Append(ctx context.Context, o Observation) (string, error) {
	o.Content = strings.TrimSpace(o.Content)
	o.Topic = strings.ToLower(strings.TrimSpace(o.Topic))
	o.Emotion = strings.ToLower(strings.TrimSpace(o.Emotion))

	if err := s.check(o); err != nil {
		s.metrics.RecordAppend("invalid")
		return "", err
	}
	if o.Topic == "" {
		o.Topic = DefaultTopic
	}
	if o.Emotion == "" {
		o.Emotion = model.DefaultEmotion
	}

	vec := o.Embedding
	if len(vec) == 0 && s.embedder != nil {
		v, err := s.embedder.Embed(ctx, o.Content)
		if err != nil {
			s.obs.Log().Warn().Err(err).Str("topic", o.Topic).Msg("embedding failed, storing without vector")
		} else {
			vec = v
		}
	}

	id, err := s.store.AppendWorking(ctx, model.WorkingRecord{
		Base: model.Base{
			Content:    o.Content,
			Topic:      o.Topic,
			Emotion:    o.Emotion,
			Importance: o.Importance,
			Embedding:  vec,
		},
		SessionID: o.SessionID,
	})
	if err != nil {
		s.metrics.RecordAppend("error")
		return "", fmt.Errorf("append working: %w", err)
	}

	s.metrics.RecordAppend("ok")
	s.obs.Log().Debug().Str("id", id).Str("topic", o.Topic).Int("importance", o.Importance).Msg("observation appended")
	return id, nil
}

// check runs struct validation and reports the first failing field.
func (s *Service) check(o Observation) error {
	err := s.validate.Struct(o)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		return &model.ValidationError{Field: strings.ToLower(fe.Field()), Reason: reason(fe)}
	}
	return &model.ValidationError{Reason: err.Error()}
}

func reason(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "min", "max":
		if fe.Field() == "Importance" {
			return "must be between 1 and 10"
		}
		return fmt.Sprintf("length must be %s %s", map[string]string{"min": "at least", "max": "at most"}[fe.Tag()], fe.Param())
	case "excludesall":
		return "must be a single topic"
	default:
		return "failed " + fe.Tag()
	}
}
