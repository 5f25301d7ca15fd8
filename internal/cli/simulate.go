package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeketx/limitguard/internal/blocklist"
	"github.com/zeketx/limitguard/internal/clock"
	"github.com/zeketx/limitguard/internal/enforcer"
	"github.com/zeketx/limitguard/internal/engine"
	"github.com/zeketx/limitguard/internal/rules"
	"github.com/zeketx/limitguard/internal/store"
	"github.com/zeketx/limitguard/internal/violations"
)

func newSimulateCmd() *cobra.Command {
	var (
		endpoint    string
		identifiers []string
		requests    int
		maxRequests uint32
		window      time.Duration
		outcome     string
		fastForward time.Duration
		outputJSON  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Dry-run enforcement scenarios against a virtual clock",
		Long: `Runs rate limit checks against an in-memory stack with a virtual
clock, so hours of traffic can be replayed in milliseconds. The run
reports every decision, any security alerts the denial stream tripped,
and a per-identifier summary.

The simulation sends a batch of requests, optionally fast-forwards
time, then sends another batch to show how windows reset.`,
		Example: `  limitguard simulate --requests 20 --max-requests 10 --window 1m
  limitguard simulate --endpoint auth.login --outcome failure --requests 10
  limitguard simulate --identifiers user1,user2 --fast-forward 2m --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(identifiers) == 0 {
				identifiers = []string{"sim-user"}
			}

			rule := rules.Rule{
				Window:          window,
				MaxRequests:     maxRequests,
				CountSuccessful: true,
				CountFailed:     true,
			}
			if err := rule.Validate(); err != nil {
				return err
			}

			result, err := runSimulation(simParams{
				endpoint:    endpoint,
				identifiers: identifiers,
				requests:    requests,
				rule:        rule,
				outcome:     engine.Outcome(outcome),
				fastForward: fastForward,
			})
			if err != nil {
				return err
			}

			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}

			printSimResult(result)
			return nil
		},
	}

	cmd.Flags().StringVar(&endpoint, "endpoint", "api.simulated", "endpoint key to evaluate against")
	cmd.Flags().StringSliceVar(&identifiers, "identifiers", nil, "comma-separated identifiers to simulate")
	cmd.Flags().IntVar(&requests, "requests", 15, "number of requests to send per batch")
	cmd.Flags().Uint32Var(&maxRequests, "max-requests", 10, "quota per window")
	cmd.Flags().DurationVar(&window, "window", time.Minute, "window duration")
	cmd.Flags().StringVar(&outcome, "outcome", "pending", "request outcome (pending, success, failure)")
	cmd.Flags().DurationVar(&fastForward, "fast-forward", 0, "time to fast-forward between batches")
	cmd.Flags().BoolVar(&outputJSON, "json", false, "output results as JSON")

	return cmd
}

type simParams struct {
	endpoint    string
	identifiers []string
	requests    int
	rule        rules.Rule
	outcome     engine.Outcome
	fastForward time.Duration
}

// SimResult captures the full output of a simulation run.
type SimResult struct {
	Endpoint    string                     `json:"endpoint"`
	Rule        rules.Rule                 `json:"rule"`
	FastForward string                     `json:"fast_forward,omitempty"`
	Batches     []SimBatch                 `json:"batches"`
	Alerts      []violations.SecurityAlert `json:"alerts,omitempty"`
	Summary     map[string]SimSummary      `json:"summary"`
}

// SimBatch holds the decisions for one batch of requests.
type SimBatch struct {
	Label     string        `json:"label"`
	Time      string        `json:"time"`
	Decisions []SimDecision `json:"decisions"`
}

// SimDecision is a single evaluation result.
type SimDecision struct {
	Identifier string          `json:"identifier"`
	Decision   engine.Decision `json:"decision"`
}

// SimSummary aggregates stats per identifier.
type SimSummary struct {
	TotalRequests int    `json:"total_requests"`
	Allowed       int    `json:"allowed"`
	Denied        int    `json:"denied"`
	FinalState    string `json:"final_state"`
}

func runSimulation(p simParams) (*SimResult, error) {
	ctx := context.Background()
	vc := clock.NewVirtualClock(time.Now().Truncate(time.Second))
	st := store.NewMemory(vc)
	blocks := blocklist.New(st, vc, nil)

	reg := rules.NewRegistry()
	if err := reg.Register(rules.Key{Endpoint: p.endpoint, Tier: rules.TierDefault}, p.rule); err != nil {
		return nil, err
	}

	mon := violations.NewMonitor(violations.DefaultConfig(), st, blocks, vc, nil, nil)
	defer mon.Close()

	eng := engine.New(reg, st, mon, vc, nil, nil)
	enf := enforcer.New(reg, eng, blocks, mon, vc, nil, nil)

	result := &SimResult{
		Endpoint: p.endpoint,
		Rule:     p.rule,
		Summary:  make(map[string]SimSummary),
	}

	var alertMu sync.Mutex
	enf.Subscribe(func(a violations.SecurityAlert) {
		alertMu.Lock()
		result.Alerts = append(result.Alerts, a)
		alertMu.Unlock()
	})

	result.Batches = append(result.Batches, runBatch(ctx, enf, vc, p, "Initial requests", result.Summary))

	if p.fastForward > 0 {
		vc.Advance(p.fastForward)
		result.FastForward = p.fastForward.String()
		label := fmt.Sprintf("After fast-forward %s", p.fastForward)
		result.Batches = append(result.Batches, runBatch(ctx, enf, vc, p, label, result.Summary))
	}

	// Let queued violations settle before reading states and alerts.
	for mon.QueueDepth() > 0 {
		time.Sleep(time.Millisecond)
	}
	for _, id := range p.identifiers {
		s := result.Summary[id]
		s.FinalState = mon.State(ctx, id).String()
		result.Summary[id] = s
	}

	return result, nil
}

func runBatch(ctx context.Context, enf *enforcer.Enforcer, vc *clock.VirtualClock, p simParams, label string, summary map[string]SimSummary) SimBatch {
	batch := SimBatch{
		Label: label,
		Time:  vc.Now().Format(time.RFC3339),
	}
	for i := 0; i < p.requests; i++ {
		for _, id := range p.identifiers {
			d := enf.Evaluate(ctx, enforcer.RequestContext{
				Identifier: id,
				Endpoint:   p.endpoint,
				Tier:       rules.TierAnonymous,
				Outcome:    p.outcome,
			})
			batch.Decisions = append(batch.Decisions, SimDecision{Identifier: id, Decision: d})
			s := summary[id]
			s.TotalRequests++
			if d.Allowed {
				s.Allowed++
			} else {
				s.Denied++
			}
			summary[id] = s
		}
	}
	return batch
}

func printSimResult(r *SimResult) {
	fmt.Println("=== Limitguard Simulation ===")
	fmt.Println()

	for _, batch := range r.Batches {
		fmt.Printf("--- %s (at %s) ---\n", batch.Label, batch.Time)
		for i, sd := range batch.Decisions {
			status := "ALLOW"
			if !sd.Decision.Allowed {
				status = "DENY "
			}
			fmt.Printf("  #%03d [%s] id=%s remaining=%d/%d\n",
				i+1, status, sd.Identifier, sd.Decision.Remaining, sd.Decision.Limit)
		}
		fmt.Println()
	}

	if len(r.Alerts) > 0 {
		fmt.Println("--- Alerts ---")
		for _, a := range r.Alerts {
			fmt.Printf("  [%s] %s id=%s evidence=%d\n", a.Severity, a.Type, a.Identifier, len(a.Evidence))
		}
		fmt.Println()
	}

	fmt.Println("--- Summary ---")
	for id, s := range r.Summary {
		fmt.Printf("  %s: %d total, %d allowed, %d denied, state=%s\n",
			id, s.TotalRequests, s.Allowed, s.Denied, s.FinalState)
	}

	if r.FastForward != "" {
		fmt.Printf("\nFast-forwarded %s between batches\n", r.FastForward)
	}
}
