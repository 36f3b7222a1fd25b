package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/internal/progress"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/kafka"
	"github.com/Adithya-Monish-Kumar-K/corpus-vocab-pipeline/pkg/postgres"
)

// runStatus prints the shard ledger as a table.
func runStatus(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if !cfg.Postgres.Enabled {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "status needs postgres.enabled")
	}
	pg, err := postgres.New(cfg.Postgres)
	if err != nil {
		return err
	}
	defer pg.Close()

	rows, err := progress.NewLedger(pg).List(ctx)
	if err != nil {
		return err
	}
	return printStatus(out, rows)
}

func printStatus(out io.Writer, rows []progress.Row) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SHARD\tSTATE\tSTAGE\tBYTES\tWORKER\tUPDATED\tERROR")
	for _, r := range rows {
		fmt.Fprintf(tw, "%02d\t%s\t%s\t%d\t%s\t%s\t%s\n",
			r.Shard, r.State, r.Stage, r.Bytes, r.Worker, r.UpdatedAt.Format(time.DateTime), r.Error)
	}
	return tw.Flush()
}

// runEvents follows the shard event topic until interrupted.
func runEvents(ctx context.Context, cfg *config.Config, out io.Writer) error {
	if !cfg.Kafka.Enabled {
		return apperrors.Newf(apperrors.ErrInvalidConfig, "events needs kafka.enabled")
	}
	c := kafka.NewConsumer(cfg.Kafka, cfg.Kafka.EventsTopic, func(_ context.Context, _, value []byte) error {
		u, err := progress.DecodeUpdate(value)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(out, formatUpdate(u))
		return err
	})
	defer c.Close()
	return c.Start(ctx)
}

func formatUpdate(u progress.Update) string {
	line := fmt.Sprintf("%s shard=%02d state=%s stage=%s worker=%s bytes=%d",
		u.At.Format(time.RFC3339), u.Shard, u.Name, u.Stage, u.Worker, u.Bytes)
	if u.Error != "" {
		line += " error=" + u.Error
	}
	return line
}
