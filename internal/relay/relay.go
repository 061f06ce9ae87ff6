// Package relay consumes form submissions from the broker, transforms them
// once per submission and publishes the resulting transaction bundles.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/drfirst/go-obsfhir/internal/infrastructure/redpanda"
	"github.com/drfirst/go-obsfhir/internal/observability/metrics"
	"github.com/drfirst/go-obsfhir/internal/submission"
	"github.com/drfirst/go-obsfhir/pkg/idempotency"
)

// HandlerName identifies the relay in the inbox table.
const HandlerName = "observation-transform"

// Header keys set on published records.
const (
	HeaderSubmissionID    = "submission-id"
	HeaderError           = "error"
	HeaderSourceTopic     = "source-topic"
	HeaderSourcePartition = "source-partition"
	HeaderSourceOffset    = "source-offset"
)

// Publisher sends one record to the broker.
type Publisher interface {
	Publish(ctx context.Context, rec redpanda.Record) error
}

// Inbox runs a function at most once per key.
type Inbox interface {
	Process(ctx context.Context, key, handlerName string, fn idempotency.ProcessFunc) (*idempotency.ProcessResult, error)
}

// Breaker guards calls to the broker.
type Breaker interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// Config names the output topics.
type Config struct {
	BundleTopic     string
	DeadLetterTopic string
}

// Deps are the collaborators of a Relay. Inbox, Breaker and Metrics are optional.
type Deps struct {
	Service   *submission.Service
	Publisher Publisher
	Inbox     Inbox
	Breaker   Breaker
	Metrics   *metrics.Metrics
}

// Relay handles consumed submission messages.
type Relay struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New creates a relay.
func New(cfg Config, deps Deps, logger *zap.Logger) (*Relay, error) {
	if deps.Service == nil || deps.Publisher == nil {
		return nil, errors.New("relay requires a service and a publisher")
	}
	if cfg.BundleTopic == "" {
		cfg.BundleTopic = redpanda.TopicObservationBundles
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = redpanda.TopicDeadLetter
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{cfg: cfg, deps: deps, logger: logger}, nil
}

// Handle processes one consumed submission. A nil return means the message
// can be committed: it was published, dead-lettered or already handled.
func (r *Relay) Handle(ctx context.Context, msg *redpanda.ConsumedMessage) error {
	if r.deps.Metrics != nil {
		r.deps.Metrics.KafkaMessagesConsumed.Inc()
	}

	sub, err := submission.Decode(msg.Value)
	if err != nil {
		return r.deadLetter(ctx, msg, err)
	}
	if sub.SubmissionID == "" {
		sub.SubmissionID = messageID(msg)
	}

	// Client errors are dead-lettered before the inbox records them as failed
	run := func(ctx context.Context) (json.RawMessage, error) {
		out, err := r.transformAndPublish(ctx, sub)
		if submission.IsClientError(err) {
			if dlErr := r.deadLetter(ctx, msg, err); dlErr != nil {
				return nil, dlErr
			}
		}
		return out, err
	}

	if r.deps.Inbox == nil {
		_, err = run(ctx)
	} else {
		var res *idempotency.ProcessResult
		res, err = r.deps.Inbox.Process(ctx, inboxKey(sub), HandlerName, run)
		if err == nil && !res.IsNew && !res.WasRecovered {
			r.duplicate(sub.SubmissionID)
			return nil
		}
	}

	switch {
	case err == nil:
		return nil
	case errors.Is(err, idempotency.ErrPreviouslyFailed):
		r.logger.Info("submission previously dead-lettered",
			zap.String("submission_id", sub.SubmissionID))
		return nil
	case submission.IsClientError(err):
		return nil
	default:
		return err
	}
}

func (r *Relay) transformAndPublish(ctx context.Context, sub *submission.Submission) (json.RawMessage, error) {
	result, err := r.deps.Service.Process(ctx, sub, "kafka")
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(result.Bundle)
	if err != nil {
		return nil, fmt.Errorf("marshal bundle: %w", err)
	}

	err = r.publish(ctx, redpanda.Record{
		Topic:   r.cfg.BundleTopic,
		Key:     result.SubmissionID,
		Value:   body,
		Headers: map[string]string{HeaderSubmissionID: result.SubmissionID},
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(result.Summary())
}

func (r *Relay) deadLetter(ctx context.Context, msg *redpanda.ConsumedMessage, cause error) error {
	r.logger.Warn("dead-lettering submission",
		zap.String("topic", msg.Topic),
		zap.Int32("partition", msg.Partition),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	err := r.publish(ctx, redpanda.Record{
		Topic: r.cfg.DeadLetterTopic,
		Key:   string(msg.Key),
		Value: msg.Value,
		Headers: map[string]string{
			HeaderError:           cause.Error(),
			HeaderSourceTopic:     msg.Topic,
			HeaderSourcePartition: strconv.FormatInt(int64(msg.Partition), 10),
			HeaderSourceOffset:    strconv.FormatInt(msg.Offset, 10),
		},
	})
	if err != nil {
		return fmt.Errorf("dead letter: %w", err)
	}
	return nil
}

func (r *Relay) publish(ctx context.Context, rec redpanda.Record) error {
	send := func(ctx context.Context) error { return r.deps.Publisher.Publish(ctx, rec) }

	var err error
	if r.deps.Breaker != nil {
		err = r.deps.Breaker.Execute(ctx, send)
	} else {
		err = send(ctx)
	}
	if err != nil {
		return err
	}

	if r.deps.Metrics != nil {
		r.deps.Metrics.KafkaMessagesProduced.Inc()
	}
	return nil
}

func (r *Relay) duplicate(id string) {
	if r.deps.Metrics != nil {
		r.deps.Metrics.SubmissionsDuplicate.Inc()
	}
	r.logger.Info("duplicate submission skipped", zap.String("submission_id", id))
}

// Retryable reports whether a handler error is worth another attempt.
func Retryable(err error) bool {
	return !submission.IsClientError(err) && !errors.Is(err, idempotency.ErrPreviouslyFailed)
}

func inboxKey(sub *submission.Submission) string {
	patient := ""
	if sub.PatientReference != nil {
		patient = sub.PatientReference.Reference
	}
	return idempotency.GenerateKey(sub.SubmissionID, patient)
}

// messageID gives submissions without an id a stable one, so a redelivered
// message maps to the same inbox key.
func messageID(msg *redpanda.ConsumedMessage) string {
	if len(msg.Key) > 0 {
		return string(msg.Key)
	}
	return fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
}
