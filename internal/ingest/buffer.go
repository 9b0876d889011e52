package ingest

import (
	"context"
	"fmt"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/models"
	"github.com/bobmcallan/finstream/internal/series"
)

// buffer decodes payloads of one kind and holds them until the next flush.
type buffer interface {
	add(value []byte) error
	len() int
	flush(ctx context.Context) (series.AppendResult, error)
	reset()
	name() series.Name
}

func newBuffer(kind Kind, store Store) (buffer, error) {
	switch kind {
	case KindTrades:
		return &tradeBuffer{store: store}, nil
	case KindQuotes:
		return &quoteBuffer{store: store}, nil
	case KindAlerts:
		return &alertBuffer{store: store}, nil
	}
	return nil, fmt.Errorf("%w: unknown ingest kind %q", common.ErrInvalidArgument, kind)
}

type tradeBuffer struct {
	store Store
	items []models.Trade
}

func (b *tradeBuffer) add(value []byte) error {
	t, err := DecodeTrade(value)
	if err != nil {
		return err
	}
	b.items = append(b.items, t)
	return nil
}

func (b *tradeBuffer) len() int          { return len(b.items) }
func (b *tradeBuffer) reset()            { b.items = b.items[:0] }
func (b *tradeBuffer) name() series.Name { return series.Trades }
func (b *tradeBuffer) flush(ctx context.Context) (series.AppendResult, error) {
	return b.store.AppendTrades(ctx, b.items)
}

type quoteBuffer struct {
	store Store
	items []models.Quote
}

func (b *quoteBuffer) add(value []byte) error {
	q, err := DecodeQuote(value)
	if err != nil {
		return err
	}
	b.items = append(b.items, q)
	return nil
}

func (b *quoteBuffer) len() int          { return len(b.items) }
func (b *quoteBuffer) reset()            { b.items = b.items[:0] }
func (b *quoteBuffer) name() series.Name { return series.Quotes }
func (b *quoteBuffer) flush(ctx context.Context) (series.AppendResult, error) {
	return b.store.AppendQuotes(ctx, b.items)
}

type alertBuffer struct {
	store Store
	items []models.Alert
}

func (b *alertBuffer) add(value []byte) error {
	a, err := DecodeAlert(value)
	if err != nil {
		return err
	}
	b.items = append(b.items, a)
	return nil
}

func (b *alertBuffer) len() int          { return len(b.items) }
func (b *alertBuffer) reset()            { b.items = b.items[:0] }
func (b *alertBuffer) name() series.Name { return series.Alerts }
func (b *alertBuffer) flush(ctx context.Context) (series.AppendResult, error) {
	return b.store.AppendAlerts(ctx, b.items)
}
