package index

import (
	"context"
	"fmt"
	"log"
	"sort"

	"github.com/finbot/market-rag/marketdata"
)

// Rebuilder ties the market-data fetch to an index build: one call fetches
// the configured reports and fully replaces the collection with them.
type Rebuilder struct {
	client  marketdata.Fetcher
	indexer *Indexer
	logger  *log.Logger
}

func NewRebuilder(client marketdata.Fetcher, indexer *Indexer, logger *log.Logger) *Rebuilder {
	if logger == nil {
		logger = log.Default()
	}
	return &Rebuilder{client: client, indexer: indexer, logger: logger}
}

// Rebuild fetches passages for the symbols, rebuilds the collection and
// returns the inserted chunk count plus the sorted set of symbols that
// actually produced passages.
func (r *Rebuilder) Rebuild(ctx context.Context, stocks, crypto []string, opts marketdata.BuildOptions, collection string) (int, []string, error) {
	passages, err := marketdata.BuildPassages(ctx, r.client, stocks, crypto, opts)
	if err != nil {
		return 0, nil, fmt.Errorf("build passages: %w", err)
	}
	r.logger.Printf("built %d passages for %d stock and %d crypto symbols", len(passages), len(stocks), len(crypto))

	count, err := r.indexer.Build(ctx, passages, IdentityChunker, collection)
	if err != nil {
		return 0, nil, err
	}
	return count, indexedSymbols(passages), nil
}

func indexedSymbols(passages []marketdata.Passage) []string {
	seen := map[string]bool{}
	for _, p := range passages {
		if sym := marketdata.SymbolFromID(p.ID); sym != "" {
			seen[sym] = true
		}
	}
	symbols := make([]string, 0, len(seen))
	for sym := range seen {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}
