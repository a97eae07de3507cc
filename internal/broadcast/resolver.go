package broadcast

import (
	"context"
	"errors"
	"fmt"

	"funnelbot/internal/model"
	logx "funnelbot/pkg/logx"
)

// Resolve returns the ordered audience of a broadcast: agents in id order,
// each agent's recipients in store order. Recipients never onboarded through
// a referrer are skipped. A missing agent yields an empty audience; only
// store failures are returned.
func (e *Engine) Resolve(ctx context.Context, msg model.Message) ([]Target, error) {
	log := e.log.With(logx.Int64("message", msg.ID))

	var agents []model.Agent
	if msg.GroupID.IsSome() {
		gid := msg.GroupID.UnwrapOr(0)
		as, err := e.store.AgentsInGroup(ctx, gid)
		if err != nil {
			return nil, fmt.Errorf("agents in group %d: %w", gid, err)
		}
		agents = as
	} else {
		a, err := e.store.GetAgent(ctx, msg.AgentID)
		if errors.Is(err, model.ErrNotFound) {
			log.Info("agent not found; skipping message", logx.Int64("agent", msg.AgentID))
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("agent %d: %w", msg.AgentID, err)
		}
		agents = []model.Agent{a}
	}

	var out []Target
	for _, a := range agents {
		rs, err := e.store.RecipientsByAgent(ctx, a.ID)
		if err != nil {
			return nil, fmt.Errorf("recipients of agent %d: %w", a.ID, err)
		}
		skipped := 0
		for _, r := range rs {
			if !r.ReferrerID.IsSome() {
				skipped++
				continue
			}
			out = append(out, Target{Agent: a, Recipient: r})
		}
		if skipped > 0 {
			log.Info("recipients without referrer skipped", logx.Int64("agent", a.ID), logx.Int("count", skipped))
		}
	}
	return out, nil
}

// splitByAgent groups consecutive targets of the same agent.
func splitByAgent(ts []Target) [][]Target {
	var out [][]Target
	for i := 0; i < len(ts); {
		j := i + 1
		for j < len(ts) && ts[j].Agent.ID == ts[i].Agent.ID {
			j++
		}
		out = append(out, ts[i:j])
		i = j
	}
	return out
}

// chunk splits ts into consecutive slices of at most n.
func chunk(ts []Target, n int) [][]Target {
	if n <= 0 {
		n = 1
	}
	out := make([][]Target, 0, (len(ts)+n-1)/n)
	for i := 0; i < len(ts); i += n {
		end := i + n
		if end > len(ts) {
			end = len(ts)
		}
		out = append(out, ts[i:end])
	}
	return out
}
