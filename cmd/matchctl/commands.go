package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/powershare/energymatch/internal/allocation"
	"github.com/powershare/energymatch/internal/auth"
	"github.com/powershare/energymatch/internal/matching"
	"github.com/powershare/energymatch/internal/wire"
	"github.com/powershare/energymatch/pkg/messaging"
	"github.com/powershare/energymatch/pkg/orderbook"
)

var allocateCmd = &cli.Command{
	Name:    "allocate",
	Usage:   "Allocate a batch of requests against offers",
	Aliases: []string{"a"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "offers",
			Required: true,
			Usage:    "specify the input offers.json",
		},
		&cli.StringFlag{
			Name:     "requests",
			Required: true,
			Usage:    "specify the input requests.json",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "specify the output file (default stdout)",
		},
	},
	Action: func(ctx *cli.Context) error {
		return doAllocate(ctx.Context, ctx.String("offers"), ctx.String("requests"), ctx.String("out"))
	},
}

var replayCmd = &cli.Command{
	Name:    "replay",
	Usage:   "Replay a list of orders through a fresh engine",
	Aliases: []string{"r"},
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "orders",
			Required: true,
			Usage:    "specify the input orders.json",
		},
		&cli.StringFlag{
			Name:  "out",
			Usage: "specify the output file (default stdout)",
		},
		&cli.IntFlag{
			Name:  "levels",
			Value: 20,
			Usage: "specify the depth levels per side",
		},
	},
	Action: func(ctx *cli.Context) error {
		levels := ctx.Int("levels")
		if levels <= 0 {
			return errors.New("invalid levels")
		}
		return doReplay(ctx.Context, ctx.String("orders"), ctx.String("out"), levels)
	},
}

var tokenCmd = &cli.Command{
	Name:  "token",
	Usage: "Issue an API bearer token",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "owner",
			Required: true,
			Usage:    "specify the owner id",
		},
		&cli.StringFlag{
			Name:    "secret",
			EnvVars: []string{"JWT_SECRET"},
			Usage:   "specify the signing secret",
		},
		&cli.DurationFlag{
			Name:  "ttl",
			Value: 24 * time.Hour,
			Usage: "specify the token lifetime",
		},
	},
	Action: func(ctx *cli.Context) error {
		owner, err := uuid.Parse(ctx.String("owner"))
		if err != nil {
			return fmt.Errorf("invalid owner: %w", err)
		}
		token, err := auth.NewService(ctx.String("secret")).Issue(owner, ctx.Duration("ttl"))
		if err != nil {
			return err
		}
		fmt.Fprintln(ctx.App.Writer, token)
		return nil
	},
}

func doAllocate(ctx context.Context, offersFile, requestsFile, outFile string) error {
	var in wire.AllocateInput
	if err := readJSON(offersFile, &in.Offers); err != nil {
		return err
	}
	if err := readJSON(requestsFile, &in.Requests); err != nil {
		return err
	}
	offers, err := wire.Offers(in.Offers)
	if err != nil {
		return err
	}
	requests, err := wire.Requests(in.Requests)
	if err != nil {
		return err
	}
	pool, err := allocation.NewOfferPool(offers...)
	if err != nil {
		return err
	}

	res, err := allocation.NewMatcher().Allocate(ctx, requests, pool)
	if err != nil {
		return err
	}
	return writeJSON(outFile, res)
}

type replayReport struct {
	Trades []orderbook.Trade `json:"trades"`
	Orders []orderbook.Order `json:"orders"`
	Books  []orderbook.Depth `json:"books"`
	Stats  matching.Stats    `json:"stats"`
	Errors []string          `json:"errors,omitempty"`
}

func doReplay(ctx context.Context, ordersFile, outFile string, levels int) error {
	var in []wire.OrderInput
	if err := readJSON(ordersFile, &in); err != nil {
		return err
	}

	engine := matching.NewEngine(matching.WithSink(messaging.Discard))
	report := replayReport{Trades: []orderbook.Trade{}}
	now := time.Now()
	for i, o := range in {
		req, err := o.Order(uuid.Nil, now, 0)
		if err == nil {
			var res *matching.SubmitResult
			if res, err = engine.SubmitOrder(ctx, req); err == nil {
				report.Trades = append(report.Trades, res.Trades...)
				continue
			}
		}
		report.Errors = append(report.Errors, fmt.Sprintf("orders[%d]: %v", i, err))
	}

	report.Orders = engine.Orders(matching.OrderFilter{Limit: len(in) + 1})
	report.Stats = engine.Stats()
	for _, b := range report.Stats.Books {
		report.Books = append(report.Books, engine.Snapshot(b.Commodity, levels))
	}
	return writeJSON(outFile, report)
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v interface{}) error {
	var w io.Writer = os.Stdout
	if path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
