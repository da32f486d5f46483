package rollout

import (
	"context"
	"log"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ILLUVRSE/joi/persona-control/internal/errs"
	"github.com/ILLUVRSE/joi/persona-control/internal/evaluation"
	"github.com/ILLUVRSE/joi/persona-control/internal/models"
)

type BatchItem struct {
	RolloutID uuid.UUID            `json:"rolloutId"`
	AgentID   string               `json:"agentId"`
	Decision  *evaluation.Decision `json:"decision,omitempty"`
	Applied   bool                 `json:"applied"`
	Status    models.RolloutStatus `json:"status"`
	Error     string               `json:"error,omitempty"`
	Code      errs.Code            `json:"code,omitempty"`
}

type BatchResult struct {
	Evaluated  int         `json:"evaluated"`
	Promoted   int         `json:"promoted"`
	RolledBack int         `json:"rolledBack"`
	Continued  int         `json:"continued"`
	Failed     int         `json:"failed"`
	Items      []BatchItem `json:"items"`
}

// EvaluateAllActive evaluates up to limit canaries, oldest first. A failure on
// one rollout is recorded on its item and does not stop the others; only a
// failure to list the rollouts fails the call.
func (c *Controller) EvaluateAllActive(ctx context.Context, limit int, apply bool) (BatchResult, error) {
	active, err := c.store.ListActiveRollouts(ctx, limit)
	if err != nil {
		return BatchResult{}, errs.FromStore(err, "Unable to list active rollouts")
	}

	items := make([]BatchItem, len(active))
	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, r := range active {
		i, r := i, r
		g.Go(func() error {
			items[i] = c.evaluateItem(ctx, r, apply)
			return nil
		})
	}
	_ = g.Wait()

	out := BatchResult{Evaluated: len(items), Items: items}
	for _, it := range items {
		switch {
		case it.Error != "":
			out.Failed++
		case it.Decision == nil:
		case it.Decision.Action == evaluation.ActionContinue:
			out.Continued++
		case !apply:
			// dry run, nothing changed
		case it.Status == models.RolloutPromoted:
			out.Promoted++
		case it.Status == models.RolloutRolledBack:
			out.RolledBack++
		}
	}
	log.Printf("[rollout] evaluate-all apply=%t evaluated=%d promoted=%d rolled_back=%d continued=%d failed=%d", apply, out.Evaluated, out.Promoted, out.RolledBack, out.Continued, out.Failed)
	return out, nil
}

func (c *Controller) evaluateItem(ctx context.Context, r models.PersonaRollout, apply bool) BatchItem {
	item := BatchItem{RolloutID: r.ID, AgentID: r.AgentID, Status: r.Status}
	res, err := c.Evaluate(ctx, r.ID, apply)
	if err != nil {
		item.Error = errs.Message(err)
		item.Code = errs.GetCode(err)
		log.Printf("[rollout] evaluate %s agent=%s failed: %v", r.ID, r.AgentID, err)
		return item
	}
	d := res.Decision
	item.Decision = &d
	item.Applied = res.Applied
	item.Status = res.Rollout.Status
	log.Printf("[rollout] evaluate %s agent=%s decision=%s applied=%t reason=%q", r.ID, r.AgentID, d.Action, res.Applied, d.Reason)
	return item
}
