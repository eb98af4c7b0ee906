// Package validator implements the Validator Gate: it scores a candidate
// response across a weighted set of criteria by calling an external
// validator LLM once per criterion, aggregates the scores, and returns a
// blocking verdict.
package validator

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/recordguard/recordguard/internal/config"
	"github.com/recordguard/recordguard/internal/domain"
	"github.com/recordguard/recordguard/internal/httpx"
)

const backendName = "validator"

// ErrValidatorUnavailable is returned by Validate when the backend is
// unreachable and the gate is configured in strict mode.
var ErrValidatorUnavailable = fmt.Errorf("validator: backend unavailable")

var scorePattern = regexp.MustCompile(`-?\d+(\.\d+)?`)

type scoreRequest struct {
	Criterion string        `json:"criterion"`
	Prompt    string        `json:"prompt"`
	Record    domain.Record `json:"record"`
	Response  string        `json:"response"`
}

type scoreResponse struct {
	Output string `json:"output"`
}

type criterionSpec struct {
	name      domain.CriterionName
	weight    float64
	threshold float64
}

type criterionResult struct {
	name     domain.CriterionName
	score    float64
	timedOut bool
}

// Gate implements spec.md §4.7's validate(prompt, record,
// candidate_response) → ValidationVerdict contract.
type Gate struct {
	http    *httpx.Client
	breaker *httpx.Breaker

	criteria []criterionSpec

	perCriterionTimeout time.Duration
	outerTimeout        time.Duration
	strict              bool
	approvalGate        float64
}

// New constructs a Gate. criteria is the name-keyed criteria table (weights
// need not be pre-normalized; New does not normalize them — a misconfigured
// table that doesn't sum to 1 is a config error, not something the gate
// silently corrects). approvalGate is the overall_score floor approved
// requires (default 0.65). strict selects strict vs. permissive
// availability-failure handling (default strict).
func New(baseURL, apiKey string, perCriterionTimeout, outerTimeout time.Duration, criteria map[string]config.CriterionConfig, strict bool, approvalGate float64, breakers *httpx.Registry) *Gate {
	specs := make([]criterionSpec, 0, len(criteria))
	for name, c := range criteria {
		specs = append(specs, criterionSpec{name: domain.CriterionName(name), weight: c.Weight, threshold: c.Threshold})
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].name < specs[j].name })

	return &Gate{
		http:                httpx.New(baseURL, apiKey, perCriterionTimeout+outerTimeout),
		breaker:             breakers.Get(backendName),
		criteria:            specs,
		perCriterionTimeout: perCriterionTimeout,
		outerTimeout:        outerTimeout,
		strict:              strict,
		approvalGate:        approvalGate,
	}
}

// Validate scores response against every configured criterion concurrently
// and aggregates the result. response is the candidate LLM output being
// judged; prompt and record are passed through to each criterion call for
// context.
func (g *Gate) Validate(ctx context.Context, prompt string, record domain.Record, response string) (domain.ValidationVerdict, error) {
	if !g.breaker.Allow() {
		return g.unavailableVerdict()
	}

	outerCtx, cancel := context.WithTimeout(ctx, g.outerTimeout)
	defer cancel()

	results := make(chan criterionResult, len(g.criteria))
	for _, c := range g.criteria {
		c := c
		go func() {
			results <- g.scoreCriterion(outerCtx, c, prompt, record, response)
		}()
	}

	collected := make(map[domain.CriterionName]criterionResult, len(g.criteria))
	for range g.criteria {
		select {
		case r := <-results:
			collected[r.name] = r
		case <-outerCtx.Done():
			return g.aggregate(collected, "outer_timeout"), nil
		}
	}
	return g.aggregate(collected, ""), nil
}

func (g *Gate) scoreCriterion(ctx context.Context, c criterionSpec, prompt string, record domain.Record, response string) criterionResult {
	callCtx, cancel := context.WithTimeout(ctx, g.perCriterionTimeout)
	defer cancel()

	var out scoreResponse
	_, err := g.http.PostJSON(callCtx, "/score", scoreRequest{
		Criterion: string(c.name),
		Prompt:    prompt,
		Record:    record,
		Response:  response,
	}, &out)
	if err != nil {
		g.breaker.RecordFailure()
		return criterionResult{name: c.name, score: 0, timedOut: callCtx.Err() != nil}
	}

	g.breaker.RecordSuccess()
	return criterionResult{name: c.name, score: parseScore(out.Output)}
}

func (g *Gate) aggregate(collected map[domain.CriterionName]criterionResult, outerRationale string) domain.ValidationVerdict {
	perCriterion := make(map[domain.CriterionName]float64, len(g.criteria))
	var timedOut []domain.CriterionName
	var overall float64

	for _, c := range g.criteria {
		r, ok := collected[c.name]
		score := 0.0
		switch {
		case ok && r.timedOut:
			timedOut = append(timedOut, c.name)
		case !ok:
			timedOut = append(timedOut, c.name)
		default:
			score = r.score
		}
		perCriterion[c.name] = score
		overall += c.weight * score
	}

	rationale := outerRationale
	approved := overall >= g.approvalGate
	if outerRationale != "" {
		approved = false
	} else {
		rationale = "scored"
	}

	return domain.ValidationVerdict{
		OverallScore:     overall,
		PerCriterion:     perCriterion,
		QualityLevel:     domain.QualityLevelFor(overall),
		Approved:         approved,
		Rationale:        rationale,
		TimedOutCriteria: timedOut,
	}
}

func (g *Gate) unavailableVerdict() (domain.ValidationVerdict, error) {
	if !g.strict {
		return domain.ValidationVerdict{
			OverallScore: g.approvalGate,
			PerCriterion: map[domain.CriterionName]float64{},
			QualityLevel: domain.QualityAcceptable,
			Approved:     true,
			Rationale:    "validator_unavailable",
		}, nil
	}
	return domain.ValidationVerdict{
		PerCriterion: map[domain.CriterionName]float64{},
		QualityLevel: domain.QualityPoor,
		Approved:     false,
		Rationale:    "validator_unavailable",
	}, ErrValidatorUnavailable
}

// parseScore extracts the first number in raw, clamped to [0,1]. An
// unparseable response fails closed to 0 rather than erroring.
func parseScore(raw string) float64 {
	match := scorePattern.FindString(strings.TrimSpace(raw))
	if match == "" {
		return 0
	}
	v, err := strconv.ParseFloat(match, 64)
	if err != nil {
		return 0
	}
	return clampScore(v)
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
