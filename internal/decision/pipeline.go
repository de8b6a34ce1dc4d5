package decision

import (
	"context"
	"errors"
	"fmt"
)

type Pipeline struct {
	Strategy Strategy
	Risk     RiskConfig
	Policy   PolicyConfig
}

type Result struct {
	Intents   []Intent   `json:"intents"`
	Decisions []Decision `json:"decisions"`
	Plans     []Plan     `json:"plans"`
}

func (p Pipeline) Run(ctx context.Context, snap Snapshot, portfolio Portfolio) (Result, error) {
	if p.Strategy == nil {
		return Result{}, errors.New("decision pipeline: no strategy configured")
	}
	intents, err := p.Strategy.Propose(ctx, snap, portfolio)
	if err != nil {
		return Result{}, fmt.Errorf("strategy: %w", err)
	}
	decisions := Evaluate(p.Risk, intents)
	return Result{
		Intents:   intents,
		Decisions: decisions,
		Plans:     BuildPlans(p.Policy, intents, decisions),
	}, nil
}
