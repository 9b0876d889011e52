// Package ingest consumes market events from Kafka and appends them to the
// event store in batches. Offsets are committed only after a batch is stored.
package ingest

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/metrics"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

// MessageReader is the subset of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// MessageWriter is the subset of *kafka.Writer used for the dead-letter topic.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Store receives decoded events.
type Store interface {
	AppendTrades(ctx context.Context, trades []models.Trade) (series.AppendResult, error)
	AppendQuotes(ctx context.Context, quotes []models.Quote) (series.AppendResult, error)
	AppendAlerts(ctx context.Context, alerts []models.Alert) (series.AppendResult, error)
}

// Kind selects the payload a consumer decodes.
type Kind string

const (
	KindTrades Kind = "trades"
	KindQuotes Kind = "quotes"
	KindAlerts Kind = "alerts"
)

// Header keys set on dead-lettered messages.
const (
	HeaderError        = "x-error"
	HeaderSourceTopic  = "x-source-topic"
	HeaderSourceOffset = "x-source-offset"
)

const shutdownFlushTimeout = 5 * time.Second

// Consumer reads one topic, buffers decoded events and flushes them by size
// or after BatchTimeout.
type Consumer struct {
	topic        string
	reader       MessageReader
	dlq          MessageWriter
	buf          buffer
	batchSize    int
	batchTimeout time.Duration
	logger       *common.Logger
	metrics      *metrics.Metrics
	newBackOff   func() backoff.BackOff

	pending []kafka.Message
}

// NewConsumer builds a consumer for topic. dlq may be nil, in which case
// invalid messages are logged and skipped.
func NewConsumer(kind Kind, topic string, reader MessageReader, dlq MessageWriter, store Store, batchSize int, batchTimeout time.Duration, logger *common.Logger, m *metrics.Metrics) (*Consumer, error) {
	buf, err := newBuffer(kind, store)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	if batchTimeout <= 0 {
		batchTimeout = time.Second
	}
	return &Consumer{
		topic:        topic,
		reader:       reader,
		dlq:          dlq,
		buf:          buf,
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		logger:       logger,
		metrics:      m,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			b.MaxElapsedTime = 0
			return b
		},
	}, nil
}

// Run consumes until ctx is cancelled. Buffered events are flushed on the way
// out. A batch that cannot be stored stops the consumer without committing it.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info().Str("topic", c.topic).Int("batch_size", c.batchSize).Dur("batch_timeout", c.batchTimeout).Msg("Ingest consumer started")

	fetchCtx, stopFetch := context.WithCancel(ctx)
	defer stopFetch()

	msgs := make(chan kafka.Message)
	fetchErr := make(chan error, 1)
	go func() {
		defer close(msgs)
		for {
			msg, err := c.reader.FetchMessage(fetchCtx)
			if err != nil {
				if fetchCtx.Err() == nil {
					fetchErr <- err
				}
				return
			}
			select {
			case msgs <- msg:
			case <-fetchCtx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(c.batchTimeout)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.shutdownFlush(ctx)
				select {
				case err := <-fetchErr:
					return fmt.Errorf("ingest %s: fetch failed: %w", c.topic, err)
				default:
					return nil
				}
			}
			c.handle(ctx, msg)
			if c.buf.len() >= c.batchSize {
				if err := c.flush(ctx); err != nil {
					return c.stopped(ctx, err)
				}
			}
		case <-ticker.C:
			if err := c.flush(ctx); err != nil {
				return c.stopped(ctx, err)
			}
		case <-ctx.Done():
			c.shutdownFlush(ctx)
			c.logger.Info().Str("topic", c.topic).Msg("Ingest consumer stopped")
			return nil
		}
	}
}

func (c *Consumer) stopped(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		c.shutdownFlush(ctx)
		c.logger.Info().Str("topic", c.topic).Msg("Ingest consumer stopped")
		return nil
	}
	c.logger.Error().Str("topic", c.topic).Err(err).Msg("Ingest consumer stopped on error")
	return err
}

func (c *Consumer) shutdownFlush(ctx context.Context) {
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	if err := c.flush(flushCtx); err != nil {
		c.logger.Warn().Str("topic", c.topic).Int("buffered", c.buf.len()).Err(err).Msg("Final flush failed, events will be redelivered")
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	c.pending = append(c.pending, msg)
	if err := c.buf.add(msg.Value); err != nil {
		c.metrics.RecordIngest(c.topic, "invalid", 1)
		c.deadLetter(ctx, msg, err)
		return
	}
	c.metrics.RecordIngest(c.topic, "received", 1)
}

func (c *Consumer) deadLetter(ctx context.Context, msg kafka.Message, cause error) {
	c.logger.Warn().Str("topic", c.topic).Int64("offset", msg.Offset).Err(cause).Msg("Invalid message sent to dead-letter topic")
	if c.dlq == nil {
		return
	}

	dead := kafka.Message{
		Key:   msg.Key,
		Value: msg.Value,
		Headers: []kafka.Header{
			{Key: HeaderError, Value: []byte(cause.Error())},
			{Key: HeaderSourceTopic, Value: []byte(msg.Topic)},
			{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(msg.Offset, 10))},
		},
	}
	op := func() error { return c.dlq.WriteMessages(ctx, dead) }
	if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
		c.logger.Error().Str("topic", c.topic).Int64("offset", msg.Offset).Err(err).Msg("Failed to write dead-letter message")
	}
}

// flush stores the buffered batch then commits every message seen since the
// last commit, dead-lettered ones included.
func (c *Consumer) flush(ctx context.Context) error {
	if len(c.pending) == 0 {
		return nil
	}

	n := c.buf.len()
	if n > 0 {
		var res series.AppendResult
		op := func() error {
			r, err := c.buf.flush(ctx)
			if err != nil {
				if !common.IsRetryable(err) {
					return backoff.Permanent(err)
				}
				c.logger.Warn().Str("topic", c.topic).Int("size", n).Err(err).Msg("Batch write failed, retrying")
				return err
			}
			res = r
			return nil
		}
		if err := backoff.Retry(op, backoff.WithContext(c.newBackOff(), ctx)); err != nil {
			c.metrics.RecordIngest(c.topic, "failed", n)
			return fmt.Errorf("ingest %s: batch of %d not stored: %w", c.topic, n, err)
		}

		c.metrics.RecordIngestBatch(n)
		c.metrics.RecordAppend(string(c.buf.name()), res.Inserted, res.Duplicates, res.Rejected)
		c.metrics.RecordIngest(c.topic, "stored", res.Inserted)
		c.logger.Debug().Str("topic", c.topic).Int("inserted", res.Inserted).Int("duplicates", res.Duplicates).Int("rejected", res.Rejected).Msg("Batch stored")
		c.buf.reset()
	}

	if err := c.reader.CommitMessages(ctx, c.pending...); err != nil {
		return fmt.Errorf("ingest %s: commit failed: %w", c.topic, err)
	}
	c.pending = c.pending[:0]
	return nil
}
