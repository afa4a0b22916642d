package marketdata

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qtrading/rank-rotation-bot/internal/exchange"
	"github.com/qtrading/rank-rotation-bot/internal/store"
	"github.com/qtrading/rank-rotation-bot/internal/utils"
)

// SnapshotKey is the store key for a given snapshot date.
func SnapshotKey(t time.Time) string {
	return "coins_" + DateKey(t)
}

// Provider yields the ranking snapshot for a date. ErrNoSnapshot means the
// date is a data gap, to be skipped by the caller.
type Provider interface {
	Snapshot(ctx context.Context, date time.Time) (*Snapshot, error)
}

var ErrNoSnapshot = fmt.Errorf("marketdata: no snapshot for date")

// StoreProvider serves snapshots previously captured into the store.
type StoreProvider struct {
	store store.Store
}

func NewStoreProvider(s store.Store) *StoreProvider {
	return &StoreProvider{store: s}
}

func (p *StoreProvider) Snapshot(ctx context.Context, date time.Time) (*Snapshot, error) {
	var snap Snapshot
	err := p.store.Load(ctx, SnapshotKey(date), &snap)
	if err == store.ErrNotFound {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

// VenueProvider builds the day's snapshot from the venue's own ticker list,
// ranking settlement-currency pairs by 24h quote volume. It is the capture
// source for live runs; captured snapshots are persisted by the engine so
// replays see the same universe.
type VenueProvider struct {
	venue          exchange.Venue
	settleCurrency string
	universeSize   int
	logger         *logrus.Logger
}

func NewVenueProvider(venue exchange.Venue, settleCurrency string, universeSize int, logger *logrus.Logger) *VenueProvider {
	return &VenueProvider{
		venue:          venue,
		settleCurrency: strings.ToUpper(settleCurrency),
		universeSize:   universeSize,
		logger:         logger,
	}
}

func (p *VenueProvider) Snapshot(ctx context.Context, date time.Time) (*Snapshot, error) {
	tickers, err := p.venue.AllTickers(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot: %w", err)
	}

	suffix := "-" + p.settleCurrency
	entries := make([]Entry, 0, p.universeSize)
	for _, t := range tickers.Ticker {
		if !strings.HasSuffix(t.Symbol, suffix) {
			continue
		}
		entries = append(entries, Entry{
			Asset:       strings.TrimSuffix(t.Symbol, suffix),
			PriceUSD:    utils.ParseFloat(t.Last),
			HighUSD:     utils.ParseFloat(t.High),
			LowUSD:      utils.ParseFloat(t.Low),
			QuoteVolume: utils.ParseFloat(t.VolValue),
		})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].QuoteVolume > entries[j].QuoteVolume
	})
	if len(entries) > p.universeSize {
		entries = entries[:p.universeSize]
	}
	for i := range entries {
		entries[i].Rank = i + 1
	}

	p.logger.WithFields(logrus.Fields{
		"date":   DateKey(date),
		"assets": len(entries),
	}).Info("Captured market snapshot")

	return &Snapshot{Date: DateKey(date), Entries: entries}, nil
}
