package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"golang.org/x/sync/errgroup"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/metrics"
)

// Service runs one consumer per configured topic against a shared store.
type Service struct {
	consumers []*Consumer
	closers   []func() error
	logger    *common.Logger
}

// NewService builds kafka-go readers for the trades, quotes and alerts topics
// and a writer for the dead-letter topic. Topics left blank are not consumed.
func NewService(cfg common.KafkaConfig, store Store, logger *common.Logger, m *metrics.Metrics) (*Service, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers not configured", common.ErrInvalidArgument)
	}

	s := &Service{logger: logger}

	var dlq MessageWriter
	if cfg.DLQTopic != "" {
		w := &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.DLQTopic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		}
		dlq = w
		s.closers = append(s.closers, w.Close)
	}

	topics := []struct {
		kind  Kind
		topic string
	}{
		{KindTrades, cfg.TradesTopic},
		{KindQuotes, cfg.QuotesTopic},
		{KindAlerts, cfg.AlertsTopic},
	}
	for _, t := range topics {
		if t.topic == "" {
			continue
		}
		r := kafka.NewReader(kafka.ReaderConfig{
			Brokers:  cfg.Brokers,
			GroupID:  cfg.GroupID,
			Topic:    t.topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
		s.closers = append(s.closers, r.Close)

		c, err := NewConsumer(t.kind, t.topic, r, dlq, store, cfg.BatchSize, cfg.GetBatchTimeout(), logger, m)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.consumers = append(s.consumers, c)
	}

	return s, nil
}

// Run blocks until ctx is cancelled or a consumer fails. One failing consumer
// stops the others.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, c := range s.consumers {
		g.Go(func() error { return c.Run(gctx) })
	}
	return g.Wait()
}

// Close releases the readers and the dead-letter writer.
func (s *Service) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
