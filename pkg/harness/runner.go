package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/tb0hdan/toolgate-mcp/pkg/dispatch"
	"github.com/tb0hdan/toolgate-mcp/pkg/guard"
	"github.com/tb0hdan/toolgate-mcp/pkg/normalize"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
)

type Target string

const (
	TargetGuard      Target = "guard"
	TargetNormalizer Target = "normalizer"
	TargetDispatcher Target = "dispatcher"
)

var AllTargets = []Target{TargetGuard, TargetNormalizer, TargetDispatcher}

// ParseTarget accepts a target name as used on the command line.
func ParseTarget(s string) (Target, error) {
	for _, t := range AllTargets {
		if string(t) == s {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown target %q", s)
}

type Outcome string

const (
	// OutcomePass is a well-formed success.
	OutcomePass Outcome = "pass"
	// OutcomeRejected is a well-formed, explained failure.
	OutcomeRejected Outcome = "rejected"
	// OutcomeCrash is an escaped panic or a malformed result.
	OutcomeCrash Outcome = "crash"
	// OutcomeTimeout means the case did not finish within the case timeout.
	OutcomeTimeout Outcome = "timeout"
)

// DefaultCaseTimeout sits above the guard timeout so a guard that honours its
// own deadline never registers here.
const DefaultCaseTimeout = 5 * time.Second

type Options struct {
	Targets     []Target
	Concurrency int
	CaseTimeout time.Duration
	// Limit runs only the first Limit cases when positive.
	Limit  int
	Logger zerolog.Logger
}

// Runner feeds a corpus through the targets and classifies every result.
type Runner struct {
	corpus     *Corpus
	dispatcher *dispatch.Dispatcher
	guard      *guard.Guard
	normalizer *normalize.Normalizer
	opts       Options
	logger     zerolog.Logger

	stragglers sync.WaitGroup
}

// NewRunner builds a runner around d. The guard target validates against the
// shapes of the tools registered on d, with the same limits.
func NewRunner(corpus *Corpus, d *dispatch.Dispatcher, opts Options) (*Runner, error) {
	if len(opts.Targets) == 0 {
		opts.Targets = AllTargets
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = runtime.GOMAXPROCS(0)
	}
	if opts.CaseTimeout <= 0 {
		opts.CaseTimeout = DefaultCaseTimeout
	}

	v := schema.New()
	for _, t := range d.Tools() {
		if err := v.Register(t.Name(), t.Shape()); err != nil {
			return nil, fmt.Errorf("failed to register shape for %s: %w", t.Name(), err)
		}
	}
	guardOpts := d.GuardOptions()
	guardOpts.Audit = nil

	return &Runner{
		corpus:     corpus,
		dispatcher: d,
		guard:      guard.New(v, guardOpts, opts.Logger, nil),
		normalizer: normalize.New(normalize.Options{MaxBytes: guardOpts.MaxBytes, MaxDepth: guardOpts.MaxDepth}),
		opts:       opts,
		logger:     opts.Logger.With().Str("component", "harness").Logger(),
	}, nil
}

// verdict is the classification of one case against one target.
type verdict struct {
	outcome Outcome
	detail  string
}

// Run executes every case against every target. It returns an error only when
// ctx is canceled; failures found in the targets are reported in the Report.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	total := r.corpus.Size()
	if r.opts.Limit > 0 && r.opts.Limit < total {
		total = r.opts.Limit
	}

	report := newReport(r.corpus.Seed())
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.Concurrency)

	for i := 0; i < total; i++ {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			tc := r.corpus.Case(i)
			for _, target := range r.opts.Targets {
				v := r.evaluate(gctx, target, tc)
				mu.Lock()
				report.add(tc, target, v)
				mu.Unlock()
			}
			return gctx.Err()
		})
	}

	err := g.Wait()
	r.stragglers.Wait()
	if r.dispatcher != nil {
		r.dispatcher.Flush()
	}

	report.Duration = time.Since(start)
	if err != nil {
		return report, fmt.Errorf("harness run interrupted: %w", err)
	}
	if cerr := ctx.Err(); cerr != nil {
		return report, fmt.Errorf("harness run interrupted: %w", cerr)
	}

	r.logger.Info().
		Int64("seed", report.Seed).
		Int("cases", report.Total).
		Int("failures", len(report.Failures)).
		Dur("duration", report.Duration).
		Msg("Harness run finished")
	return report, nil
}

// evaluate runs one case under the case timeout and converts an escaped
// panic into a crash.
func (r *Runner) evaluate(ctx context.Context, target Target, tc Case) verdict {
	ctx, cancel := context.WithTimeout(ctx, r.opts.CaseTimeout)
	defer cancel()

	done := make(chan verdict, 1)
	r.stragglers.Add(1)
	go func() {
		defer r.stragglers.Done()
		defer func() {
			if rec := recover(); rec != nil {
				done <- verdict{outcome: OutcomeCrash, detail: fmt.Sprintf("panic escaped %s: %v", target, rec)}
			}
		}()
		done <- r.check(ctx, target, tc)
	}()

	select {
	case v := <-done:
		return v
	case <-ctx.Done():
		return verdict{outcome: OutcomeTimeout, detail: fmt.Sprintf("%s did not finish within %s", target, r.opts.CaseTimeout)}
	}
}

func (r *Runner) check(ctx context.Context, target Target, tc Case) verdict {
	switch target {
	case TargetGuard:
		return checkGuard(r.guard.Check(ctx, tc.Tool, tc.Arguments, guard.Meta{RequestID: fmt.Sprintf("case-%d", tc.ID)}))
	case TargetNormalizer:
		payload := tc.Payload
		if tc.Category != CategoryHandler {
			payload = json.RawMessage(tc.Arguments)
		}
		return checkNormalized(r.normalizer.Normalize(payload))
	case TargetDispatcher:
		env := r.dispatcher.Invoke(ctx, dispatch.Request{
			ToolName:  tc.Tool,
			Arguments: tc.Arguments,
			RequestID: fmt.Sprintf("case-%d", tc.ID),
			Transport: "harness",
			Scope:     "harness",
		})
		return checkEnvelope(env)
	}
	return verdict{outcome: OutcomeCrash, detail: "unknown target " + string(target)}
}

func checkGuard(out schema.Outcome) verdict {
	if out.Violations == nil {
		return verdict{outcome: OutcomeCrash, detail: "outcome has nil violations"}
	}
	if out.OK {
		if len(out.Violations) > 0 {
			return verdict{outcome: OutcomeCrash, detail: "accepted outcome carries violations"}
		}
		if out.Sanitized == nil {
			return verdict{outcome: OutcomeCrash, detail: "accepted outcome has no arguments"}
		}
		if _, err := json.Marshal(out.Sanitized); err != nil {
			return verdict{outcome: OutcomeCrash, detail: "sanitized arguments cannot be encoded: " + err.Error()}
		}
		return verdict{outcome: OutcomePass}
	}
	if len(out.Violations) == 0 {
		return verdict{outcome: OutcomeCrash, detail: "rejected outcome has no violations"}
	}
	for _, v := range out.Violations {
		if v.Message == "" {
			return verdict{outcome: OutcomeCrash, detail: "violation without message"}
		}
	}
	return verdict{outcome: OutcomeRejected, detail: out.Summary()}
}

func checkNormalized(res normalize.Result) verdict {
	if res.Success {
		if res.Kind != "" || res.Message != "" {
			return verdict{outcome: OutcomeCrash, detail: "successful result carries a failure"}
		}
		if _, err := json.Marshal(res.Data); err != nil {
			return verdict{outcome: OutcomeCrash, detail: "normalized data cannot be encoded: " + err.Error()}
		}
		return verdict{outcome: OutcomePass}
	}
	if res.Message == "" || res.Kind == "" {
		return verdict{outcome: OutcomeCrash, detail: "failure without kind or message"}
	}
	return verdict{outcome: OutcomeRejected, detail: string(res.Kind) + ": " + res.Message}
}

func checkEnvelope(env dispatch.Envelope) verdict {
	data, err := json.Marshal(env)
	if err != nil {
		return verdict{outcome: OutcomeCrash, detail: "envelope cannot be encoded: " + err.Error()}
	}
	var wire map[string]json.RawMessage
	if err := json.Unmarshal(data, &wire); err != nil {
		return verdict{outcome: OutcomeCrash, detail: "envelope is not an object: " + err.Error()}
	}
	if len(wire) != 2 {
		return verdict{outcome: OutcomeCrash, detail: fmt.Sprintf("envelope has %d keys", len(wire))}
	}

	var success bool
	if err := json.Unmarshal(wire["success"], &success); err != nil {
		return verdict{outcome: OutcomeCrash, detail: "envelope success is not a boolean"}
	}
	if success {
		if _, ok := wire["result"]; !ok {
			return verdict{outcome: OutcomeCrash, detail: "success envelope without result"}
		}
		return verdict{outcome: OutcomePass}
	}

	var msg string
	if err := json.Unmarshal(wire["error"], &msg); err != nil || msg == "" {
		return verdict{outcome: OutcomeCrash, detail: "failure envelope without error message"}
	}
	if env.Success {
		return verdict{outcome: OutcomeCrash, detail: "result could not be encoded after success"}
	}
	return verdict{outcome: OutcomeRejected, detail: msg}
}
