package harness

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"
)

// maxFailures bounds how many failing cases a report keeps in full.
const maxFailures = 200

type Failure struct {
	CaseID   int      `json:"case_id" yaml:"case_id"`
	Category Category `json:"category" yaml:"category"`
	Name     string   `json:"name" yaml:"name"`
	Tool     string   `json:"tool" yaml:"tool"`
	Target   Target   `json:"target" yaml:"target"`
	Outcome  Outcome  `json:"outcome" yaml:"outcome"`
	Detail   string   `json:"detail" yaml:"detail"`
}

type Report struct {
	Seed       int64                        `json:"seed" yaml:"seed"`
	Total      int                          `json:"total_cases" yaml:"total_cases"`
	ByOutcome  map[Target]map[Outcome]int   `json:"by_outcome" yaml:"by_outcome"`
	ByCategory map[Category]map[Outcome]int `json:"by_category" yaml:"by_category"`
	Failures   []Failure                    `json:"failures" yaml:"failures"`
	Dropped    int                          `json:"dropped_failures,omitempty" yaml:"dropped_failures,omitempty"`
	Duration   time.Duration                `json:"duration_ns" yaml:"duration"`

	seen map[int]struct{}
}

func newReport(seed int64) *Report {
	return &Report{
		Seed:       seed,
		ByOutcome:  make(map[Target]map[Outcome]int),
		ByCategory: make(map[Category]map[Outcome]int),
		Failures:   []Failure{},
		seen:       make(map[int]struct{}),
	}
}

func (r *Report) add(tc Case, target Target, v verdict) {
	if _, ok := r.seen[tc.ID]; !ok {
		r.seen[tc.ID] = struct{}{}
		r.Total++
	}
	if r.ByOutcome[target] == nil {
		r.ByOutcome[target] = make(map[Outcome]int)
	}
	r.ByOutcome[target][v.outcome]++
	if r.ByCategory[tc.Category] == nil {
		r.ByCategory[tc.Category] = make(map[Outcome]int)
	}
	r.ByCategory[tc.Category][v.outcome]++

	if v.outcome != OutcomeCrash && v.outcome != OutcomeTimeout {
		return
	}
	if len(r.Failures) >= maxFailures {
		r.Dropped++
		return
	}
	r.Failures = append(r.Failures, Failure{
		CaseID:   tc.ID,
		Category: tc.Category,
		Name:     tc.Name,
		Tool:     tc.Tool,
		Target:   target,
		Outcome:  v.outcome,
		Detail:   v.detail,
	})
}

// OK reports whether no case crashed or timed out.
func (r *Report) OK() bool {
	return len(r.Failures) == 0 && r.Dropped == 0
}

// Err aggregates every recorded failure, or returns nil when the run is clean.
func (r *Report) Err() error {
	if r.OK() {
		return nil
	}
	var result *multierror.Error
	for _, f := range r.sortedFailures() {
		result = multierror.Append(result, fmt.Errorf("case %d (%s/%s) %s on %s: %s", f.CaseID, f.Category, f.Name, f.Outcome, f.Target, f.Detail))
	}
	if r.Dropped > 0 {
		result = multierror.Append(result, fmt.Errorf("%d more failures not recorded", r.Dropped))
	}
	return result.ErrorOrNil()
}

func (r *Report) sortedFailures() []Failure {
	out := append([]Failure(nil), r.Failures...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].CaseID != out[j].CaseID {
			return out[i].CaseID < out[j].CaseID
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// Formats accepted by Write.
const (
	FormatText = "text"
	FormatJSON = "json"
	FormatYAML = "yaml"
)

func (r *Report) Write(w io.Writer, format string) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r.export())
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r.export()); err != nil {
			return err
		}
		return enc.Close()
	case FormatText, "":
		return r.writeText(w)
	}
	return fmt.Errorf("unsupported report format %q", format)
}

// export returns a copy with failures in case order.
func (r *Report) export() Report {
	out := *r
	out.Failures = r.sortedFailures()
	out.seen = nil
	return out
}

var outcomeOrder = []Outcome{OutcomePass, OutcomeRejected, OutcomeCrash, OutcomeTimeout}

func (r *Report) writeText(w io.Writer) error {
	fmt.Fprintf(w, "seed: %d\ncases: %d\nduration: %s\n\n", r.Seed, r.Total, r.Duration.Round(time.Millisecond))

	tw := tabwriter.NewWriter(w, 2, 0, 3, ' ', 0)
	fmt.Fprintln(tw, "TARGET\tPASS\tREJECTED\tCRASH\tTIMEOUT")
	for _, target := range AllTargets {
		counts, ok := r.ByOutcome[target]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s", target)
		for _, o := range outcomeOrder {
			fmt.Fprintf(tw, "\t%d", counts[o])
		}
		fmt.Fprintln(tw)
	}
	fmt.Fprintln(tw)
	fmt.Fprintln(tw, "CATEGORY\tPASS\tREJECTED\tCRASH\tTIMEOUT")
	for _, cat := range Categories {
		counts, ok := r.ByCategory[cat]
		if !ok {
			continue
		}
		fmt.Fprintf(tw, "%s", cat)
		for _, o := range outcomeOrder {
			fmt.Fprintf(tw, "\t%d", counts[o])
		}
		fmt.Fprintln(tw)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	if r.OK() {
		_, err := fmt.Fprintln(w, "\nno crashes or timeouts")
		return err
	}
	fmt.Fprintf(w, "\n%d failures:\n", len(r.Failures)+r.Dropped)
	for _, f := range r.sortedFailures() {
		fmt.Fprintf(w, "  case %d %s/%s tool=%s target=%s %s: %s\n", f.CaseID, f.Category, f.Name, f.Tool, f.Target, f.Outcome, f.Detail)
	}
	if r.Dropped > 0 {
		fmt.Fprintf(w, "  ... %d more\n", r.Dropped)
	}
	return nil
}
