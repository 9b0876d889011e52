package app

import (
	"context"
	"fmt"
	"os"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/bobmcallan/finstream/internal/common"
	"github.com/bobmcallan/finstream/internal/interfaces"
	"github.com/bobmcallan/finstream/internal/models"
)

type importSymbolsFile struct {
	Symbols []importSymbol `json:"symbols"`
}

type importSymbol struct {
	Symbol    string `json:"symbol"`
	Name      string `json:"name"`
	Exchange  string `json:"exchange"`
	AssetType string `json:"asset_type"`
	Currency  string `json:"currency"`
	LotSize   int64  `json:"lot_size"`
	TickSize  string `json:"tick_size"`
	Active    *bool  `json:"is_active"`
}

// ImportSymbolsFromFile reads a symbols JSON file and upserts each entry.
// Missing fields take the reference defaults. Returns the number upserted.
func ImportSymbolsFromFile(ctx context.Context, store interfaces.SymbolStore, logger *common.Logger, filePath string) (int, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return 0, fmt.Errorf("failed to read symbols file %s: %w", filePath, err)
	}

	var file importSymbolsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("failed to parse symbols file %s: %w", filePath, err)
	}

	imported := 0
	for _, s := range file.Symbols {
		if strings.TrimSpace(s.Symbol) == "" {
			logger.Warn().Str("file", filePath).Msg("Skipping symbol entry without a ticker")
			continue
		}

		sym := models.NewSymbol(s.Symbol, s.Name, s.Exchange)
		if s.AssetType != "" {
			sym.AssetType = strings.ToUpper(s.AssetType)
		}
		if s.Currency != "" {
			sym.Currency = strings.ToUpper(s.Currency)
		}
		if s.LotSize > 0 {
			sym.LotSize = s.LotSize
		}
		if s.TickSize != "" {
			tick, err := decimal.NewFromString(s.TickSize)
			if err != nil {
				return imported, fmt.Errorf("%w: symbol %s tick_size %q", common.ErrInvalidArgument, sym.Symbol, s.TickSize)
			}
			sym.TickSize = tick
		}
		if s.Active != nil {
			sym.IsActive = *s.Active
		}

		if err := store.UpsertSymbol(ctx, sym); err != nil {
			return imported, err
		}
		imported++
	}
	return imported, nil
}
