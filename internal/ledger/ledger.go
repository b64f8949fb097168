// Package ledger persists executed trades and allocation matches to Postgres.
// Inserts are keyed by the trade or match id so redelivered events are no-ops.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/powershare/energymatch/shared/events"
)

// execer is satisfied by *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// Recorder is a messaging.Sink writing trade and match rows.
type Recorder struct {
	db      execer
	trades  string
	matches string
	logger  *zap.Logger
}

type Option func(*Recorder)

// WithTables overrides the default "trades" and "matches" table names.
func WithTables(trades, matches string) Option {
	return func(r *Recorder) {
		r.trades = trades
		r.matches = matches
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(r *Recorder) { r.logger = l }
}

// NewRecorder creates a recorder over db.
func NewRecorder(db execer, opts ...Option) *Recorder {
	r := &Recorder{db: db, trades: "trades", matches: "matches", logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Migrate creates the tables if they do not exist.
func (r *Recorder) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ` + pq.QuoteIdentifier(r.trades) + ` (
			id UUID PRIMARY KEY,
			commodity TEXT NOT NULL,
			buy_order_id UUID NOT NULL,
			sell_order_id UUID NOT NULL,
			buyer_id UUID NOT NULL,
			seller_id UUID NOT NULL,
			amount NUMERIC NOT NULL,
			price NUMERIC NOT NULL,
			taker_side TEXT NOT NULL,
			seq BIGINT NOT NULL,
			executed_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS ` + pq.QuoteIdentifier(r.matches) + ` (
			id UUID PRIMARY KEY,
			offer_id UUID NOT NULL,
			request_id UUID NOT NULL,
			seller_id UUID NOT NULL,
			buyer_id UUID NOT NULL,
			source TEXT NOT NULL,
			amount NUMERIC NOT NULL,
			price NUMERIC NOT NULL,
			score DOUBLE PRECISION NOT NULL,
			distance_km DOUBLE PRECISION NOT NULL,
			carbon_impact_kg DOUBLE PRECISION NOT NULL,
			confidence DOUBLE PRECISION NOT NULL,
			created_at TIMESTAMPTZ NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate: %w", err)
		}
	}
	return nil
}

// Publish implements messaging.Sink. Order lifecycle events are not stored.
func (r *Recorder) Publish(ctx context.Context, evs []events.Event) error {
	var errs []error
	for i := range evs {
		ev := &evs[i]
		var err error
		switch ev.Type {
		case events.TradeExecuted:
			err = r.insertTrade(ctx, ev)
		case events.MatchProduced:
			err = r.insertMatch(ctx, ev)
		default:
			continue
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("event %s: %w", ev.ID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Recorder) insertTrade(ctx context.Context, ev *events.Event) error {
	t, err := events.ParseData[events.TradeExecutedData](ev)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO `+pq.QuoteIdentifier(r.trades)+` (id, commodity, buy_order_id, sell_order_id, buyer_id, seller_id, amount, price, taker_side, seq, executed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (id) DO NOTHING`,
		t.TradeID, t.Commodity, t.BuyOrderID, t.SellOrderID, t.BuyerID, t.SellerID,
		t.Amount, t.Price, t.TakerSide, int64(t.Seq), t.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trade: %w", err)
	}
	r.logDuplicate(res, "trade", t.TradeID.String())
	return nil
}

func (r *Recorder) insertMatch(ctx context.Context, ev *events.Event) error {
	m, err := events.ParseData[events.MatchProducedData](ev)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx,
		`INSERT INTO `+pq.QuoteIdentifier(r.matches)+` (id, offer_id, request_id, seller_id, buyer_id, source, amount, price, score, distance_km, carbon_impact_kg, confidence, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (id) DO NOTHING`,
		m.MatchID, m.OfferID, m.RequestID, m.SellerID, m.BuyerID, m.Source,
		m.Amount, m.Price, m.Score, m.DistanceKm, m.CarbonImpactKg, m.Confidence, m.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert match: %w", err)
	}
	r.logDuplicate(res, "match", m.MatchID.String())
	return nil
}

func (r *Recorder) logDuplicate(res sql.Result, kind, id string) {
	if res == nil {
		return
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		r.logger.Debug("skipped already recorded row", zap.String("kind", kind), zap.String("id", id))
	}
}
