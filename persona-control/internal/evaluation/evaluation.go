package evaluation

import (
	"fmt"
	"math"

	"github.com/ILLUVRSE/joi/persona-control/internal/models"
	"github.com/ILLUVRSE/joi/persona-control/internal/policy"
)

type Action string

const (
	ActionPromote  Action = "promote"
	ActionRollback Action = "rollback"
	ActionContinue Action = "continue"
)

const ReasonInsufficientSample = "insufficient sample"

// Decision is the outcome of Decide along with the numbers it was based on.
type Decision struct {
	Action         Action  `json:"action"`
	Reason         string  `json:"reason"`
	BaselineCount  int     `json:"baselineCount"`
	CandidateCount int     `json:"candidateCount"`
	RequiredSample int     `json:"requiredSample"`
	BaselineRate   float64 `json:"baselineRate"`
	CandidateRate  float64 `json:"candidateRate"`
	Regression     float64 `json:"regression"`
	PolicyVersion  string  `json:"policyVersion"`
}

// Decide compares candidate against baseline success rates. It is a pure
// function of its arguments.
//
// The candidate needs at least max(rollout.MinimumSampleSize, 1) scored
// interactions before anything but continue is returned. A regression within
// TieEpsilon of RegressionTolerance counts as a tie and keeps the baseline.
func Decide(baseline, candidate models.SampleMetrics, rollout models.PersonaRollout, p policy.Policy) Decision {
	d := Decision{
		BaselineCount:  baseline.Count,
		CandidateCount: candidate.Count,
		RequiredSample: rollout.MinimumSampleSize,
		BaselineRate:   baseline.SuccessRate(),
		CandidateRate:  candidate.SuccessRate(),
		PolicyVersion:  p.Version,
	}
	if d.RequiredSample < 1 {
		d.RequiredSample = 1
	}
	if candidate.Count < d.RequiredSample {
		d.Action = ActionContinue
		d.Reason = ReasonInsufficientSample
		return d
	}
	if d.CandidateRate < p.MinimumSuccessRate {
		d.Action = ActionRollback
		d.Reason = fmt.Sprintf("candidate success rate %.4f is below the %.4f floor", d.CandidateRate, p.MinimumSuccessRate)
		return d
	}
	if baseline.Count == 0 {
		d.Action = ActionPromote
		d.Reason = fmt.Sprintf("no baseline sample; candidate success rate %.4f meets the floor", d.CandidateRate)
		return d
	}

	d.Regression = d.BaselineRate - d.CandidateRate
	tol, eps := p.RegressionTolerance, p.TieEpsilon
	switch {
	case d.Regression > tol+eps:
		d.Action = ActionRollback
		d.Reason = fmt.Sprintf("material regression: candidate %.4f vs baseline %.4f exceeds tolerance %.4f", d.CandidateRate, d.BaselineRate, tol)
	case math.Abs(d.Regression-tol) <= eps:
		d.Action = ActionRollback
		d.Reason = fmt.Sprintf("tie at tolerance: candidate %.4f vs baseline %.4f; keeping baseline", d.CandidateRate, d.BaselineRate)
	default:
		d.Action = ActionPromote
		d.Reason = fmt.Sprintf("no material regression: candidate %.4f vs baseline %.4f", d.CandidateRate, d.BaselineRate)
	}
	return d
}
