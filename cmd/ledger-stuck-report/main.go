package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"bitbucket.org/mmdatafocus/nesting_backend/config"
	"bitbucket.org/mmdatafocus/nesting_backend/ingest"
	"bitbucket.org/mmdatafocus/nesting_backend/workflow"
)

// ledger-stuck-report lists ledger entries still PENDING after the given age: events whose
// publish failed after the stub was written, or whose message was dropped.
// With -republish they are re-enqueued; entries past -max-attempts are marked FAILED.
func main() {
	olderThan := flag.Duration("older-than", config.StuckPendingAfter(), "Minimum age of a PENDING entry")
	limit := flag.Int("limit", 200, "Max entries to inspect")
	republish := flag.Bool("republish", false, "Re-publish stuck events to the queue")
	maxAttempts := flag.Int("max-attempts", 20, "Mark FAILED instead of re-publishing after this many attempts")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized")
		os.Exit(1)
	}
	ledger := workflow.NewEventLedger(db, false)

	if !*republish {
		recs, err := ledger.FindStuckPending(ctx, *olderThan, *limit)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query failed:", err)
			os.Exit(1)
		}
		fmt.Printf("%d PENDING entries older than %s\n", len(recs), *olderThan)
		for _, r := range recs {
			fmt.Printf("%s\t%s\tsheet=%d row=%d attempts=%d created=%s\n",
				r.EventId, r.Action, r.SheetId, r.RowId, r.Attempts, r.CreatedAt.UTC().Format(time.RFC3339))
		}
		return
	}

	rp := workflow.NewPendingRepublisher(ledger, ingest.NewPubSubPublisher(config.EventTopicName()))
	rp.OlderThan = *olderThan
	rp.BatchSize = *limit
	rp.MaxAttempts = *maxAttempts
	report, err := rp.RunOnce(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "republish failed:", err)
		os.Exit(1)
	}
	out, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(out))
}
