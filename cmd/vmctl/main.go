// Command vmctl is the operator CLI for the bug-bounty platform: stuck-proof
// sweeping, failed-payment retry, and reconciliation triage, for when an
// on-call operator needs to act on a vulnmeshd instance's durable state
// without waiting on its own background workers or reconciler loop. Grounded
// on the teacher's cmd/helm flag.NewFlagSet subcommand idiom (flag set per
// command, usage printed to stderr, explicit exit codes).
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vulnmesh/core/pkg/config"
	"github.com/vulnmesh/core/pkg/domain"
	"github.com/vulnmesh/core/pkg/pipeline"
	"github.com/vulnmesh/core/pkg/queue"
	"github.com/vulnmesh/core/pkg/store"
)

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stderr)
		return 2
	}

	ctx := context.Background()

	switch args[1] {
	case "sweep-proofs":
		return runSweepProofs(ctx, args[2:], stdout, stderr)
	case "retry-payments":
		return runRetryPayments(ctx, args[2:], stdout, stderr)
	case "discrepancies":
		return runDiscrepancies(ctx, args[2:], stdout, stderr)
	case "resolve":
		return runResolve(ctx, args[2:], stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "vmctl - operator tooling for the bug-bounty platform's durable state")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  sweep-proofs [-older-than=15m] [-dry-run]   reset and re-enqueue proofs stuck VALIDATING/SUBMITTED past the threshold")
	fmt.Fprintln(w, "  retry-payments [-dry-run]                   re-enqueue every FAILED payment")
	fmt.Fprintln(w, "  discrepancies [-json]                       list open payment reconciliation records")
	fmt.Fprintln(w, "  resolve -id=<recId> -notes=<text>           mark a reconciliation record resolved")
}

func openStore(ctx context.Context) (*store.StoreSet, error) {
	cfg := config.Load()
	return store.Open(ctx, cfg.DatabaseURL)
}

// runSweepProofs re-enqueues every proof stuck in VALIDATING or SUBMITTED
// longer than -older-than (spec.md §4.10: "an administrative sweeper lists
// proofs in VALIDATING or SUBMITTED older than T; for each it removes the
// old queue job (if present), resets status to SUBMITTED, and re-enqueues").
// This covers both a worker that crashed mid-replay and a proof whose
// original enqueue never landed.
func runSweepProofs(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("sweep-proofs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	olderThan := fs.Duration("older-than", 15*time.Minute, "minimum time a proof has been stuck before it's swept")
	dryRun := fs.Bool("dry-run", false, "report stuck proofs without resetting or re-enqueuing them")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	stores, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer stores.Close()

	validationQueue := queue.New(stores.DB, "validations", 0, nil)
	return sweepProofs(ctx, stores, validationQueue, *olderThan, *dryRun, stdout, stderr)
}

// sweepProofs implements the sweep against an already-wired store and
// queue, factored out so it's testable against a sqlmock-backed StoreSet
// without going through openStore's real Postgres dial.
func sweepProofs(ctx context.Context, stores *store.StoreSet, validationQueue *queue.Queue, olderThan time.Duration, dryRun bool, stdout, stderr io.Writer) int {
	var proofs []*domain.Proof
	for _, status := range []domain.ProofStatus{domain.ProofValidating, domain.ProofSubmitted} {
		batch, err := stores.Proofs.ListByStatus(ctx, status)
		if err != nil {
			fmt.Fprintf(stderr, "list %s proofs: %v\n", status, err)
			return 1
		}
		proofs = append(proofs, batch...)
	}

	cutoff := time.Now().UTC().Add(-olderThan)

	stuck, swept := 0, 0
	for _, p := range proofs {
		if p.SubmittedAt.After(cutoff) {
			continue
		}
		stuck++
		fmt.Fprintf(stdout, "stuck proof %s (status %s, submitted %s)\n", p.ID, p.Status, p.SubmittedAt.Format(time.RFC3339))
		if dryRun {
			continue
		}

		jobID := "proof-" + p.ID
		if err := validationQueue.Remove(ctx, jobID); err != nil {
			fmt.Fprintf(stderr, "remove stale job for proof %s: %v\n", p.ID, err)
			continue
		}
		if err := stores.Proofs.ResetStuck(ctx, p.ID, p.Status); err != nil {
			fmt.Fprintf(stderr, "reset proof %s to submitted: %v\n", p.ID, err)
			continue
		}
		payload, err := json.Marshal(pipeline.ValidationJobPayload{ProofID: p.ID})
		if err != nil {
			fmt.Fprintf(stderr, "encode payload for proof %s: %v\n", p.ID, err)
			continue
		}
		if _, err := validationQueue.Enqueue(ctx, jobID, payload, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
			fmt.Fprintf(stderr, "re-enqueue proof %s: %v\n", p.ID, err)
			continue
		}
		swept++
	}

	fmt.Fprintf(stdout, "%d proof(s) stuck, re-enqueued %d\n", stuck, swept)
	return 0
}

// runRetryPayments re-enqueues every FAILED payment, mirroring
// pkg/api.Service.RetryFailed but callable directly against the database
// when the operator wants to act without going through the call surface.
func runRetryPayments(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("retry-payments", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dryRun := fs.Bool("dry-run", false, "report failed payments without re-enqueuing them")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	stores, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer stores.Close()

	failed, err := stores.Payments.ListByStatus(ctx, domain.PaymentFailed)
	if err != nil {
		fmt.Fprintf(stderr, "list failed payments: %v\n", err)
		return 1
	}

	paymentQueue := queue.New(stores.DB, "payments", 0, nil)
	retried := 0
	for _, p := range failed {
		fmt.Fprintf(stdout, "failed payment %s (retries so far: %d, reason: %s)\n", p.ID, p.RetryCount, failureReason(p))
		if *dryRun {
			continue
		}
		payload, err := json.Marshal(pipeline.PaymentJobPayload{PaymentID: p.ID})
		if err != nil {
			fmt.Fprintf(stderr, "encode payload for payment %s: %v\n", p.ID, err)
			continue
		}
		if _, err := paymentQueue.Enqueue(ctx, "payment-"+p.ID, payload, queue.EnqueueOptions{MaxAttempts: 3}); err != nil {
			fmt.Fprintf(stderr, "re-enqueue payment %s: %v\n", p.ID, err)
			continue
		}
		retried++
	}

	fmt.Fprintf(stdout, "%d payment(s) failed, re-enqueued %d\n", len(failed), retried)
	return 0
}

func failureReason(p *domain.Payment) string {
	if p.FailureReason == nil {
		return "unknown"
	}
	return *p.FailureReason
}

// runDiscrepancies lists every open (unresolved) payment reconciliation
// record, the operator's entry point for the spec's manual triage path
// (spec.md §4.12: ORPHANED/AMOUNT_MISMATCH/DISCREPANCY/UNCONFIRMED records
// persist until explicitly resolved).
func runDiscrepancies(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("discrepancies", flag.ContinueOnError)
	fs.SetOutput(stderr)
	asJSON := fs.Bool("json", false, "emit JSON instead of a human-readable table")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	stores, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer stores.Close()

	open, err := stores.Reconciliations.ListOpen(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "list open reconciliations: %v\n", err)
		return 1
	}

	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(open); err != nil {
			fmt.Fprintf(stderr, "encode json: %v\n", err)
			return 1
		}
		return 0
	}

	for _, r := range open {
		fmt.Fprintf(stdout, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Status, r.OnChainBountyID, r.TxHash, r.DiscoveredAt.Format(time.RFC3339))
	}
	fmt.Fprintf(stdout, "%d open reconciliation record(s)\n", len(open))
	return 0
}

// runResolve marks a single reconciliation record resolved, recording the
// operator's investigation notes.
func runResolve(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	id := fs.String("id", "", "reconciliation record id (required)")
	notes := fs.String("notes", "", "investigation notes to record (required)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *id == "" || *notes == "" {
		fmt.Fprintln(stderr, "both -id and -notes are required")
		fs.Usage()
		return 2
	}

	stores, err := openStore(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "open store: %v\n", err)
		return 1
	}
	defer stores.Close()

	if err := stores.Reconciliations.Resolve(ctx, *id, *notes); err != nil {
		fmt.Fprintf(stderr, "resolve %s: %v\n", *id, err)
		return 1
	}
	fmt.Fprintf(stdout, "resolved %s\n", *id)
	return 0
}
