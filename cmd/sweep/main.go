// Command sweep runs a single expiration pass and exits. It suits deployments
// that schedule the sweep externally with MEMBERFLOW_SWEEP_DISABLED set on
// the API.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"memberflow.org/internal/config"
	"memberflow.org/internal/notify"
	"memberflow.org/internal/obs"
	"memberflow.org/internal/orgtree"
	"memberflow.org/internal/store/pg"
	"memberflow.org/internal/sweeper"
	"memberflow.org/internal/transfer"
)

func main() {
	timeout := flag.Duration("timeout", 10*time.Minute, "Deadline for the pass")
	flag.Parse()

	if err := run(*timeout); err != nil {
		obs.Error("sweep_exit", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}

func run(timeout time.Duration) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.InMemory() {
		return fmt.Errorf("sweep: MEMBERFLOW_PG_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	db, err := pg.Open(cfg.PGDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	tree, err := orgtree.NewIndex(db, orgtree.WithTTL(cfg.OrgCacheTTL))
	if err != nil {
		return err
	}
	notices := notify.NewAsync(notify.LogSink{}, 0)
	defer func() {
		drainCtx, drainCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer drainCancel()
		_ = notices.Close(drainCtx)
	}()

	machine, err := transfer.NewMachine(db, tree,
		transfer.WithWindowMonths(cfg.TransferWindowMonths),
		transfer.WithNotifier(notices))
	if err != nil {
		return err
	}
	sweep, err := sweeper.New(machine, notices)
	if err != nil {
		return err
	}
	rep, err := sweep.RunOnce(ctx)
	if err != nil {
		return err
	}
	return json.NewEncoder(os.Stdout).Encode(rep)
}
