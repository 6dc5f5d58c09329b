package main

import (
	"fmt"

	"FlowWarden/internal/config"
	"FlowWarden/internal/decision"
	"FlowWarden/internal/model"
)

// buildDecider turns the policy section into a rule decider.
func buildDecider(cfg config.PolicyConfig) (*decision.RuleDecider, error) {
	fallback, err := decision.ParseVerdict(cfg.Default)
	if err != nil {
		return nil, fmt.Errorf("policy default: %w", err)
	}

	rules := make([]decision.Rule, 0, len(cfg.Rules))
	for i, rc := range cfg.Rules {
		verdict, err := decision.ParseVerdict(rc.Action)
		if err != nil {
			return nil, fmt.Errorf("rule %d (%s): %w", i, rc.Name, err)
		}
		rule := decision.Rule{
			Name:      rc.Name,
			Verdict:   verdict,
			Hosts:     rc.Hosts,
			Ports:     rc.Ports,
			Processes: rc.Processes,
		}
		switch rc.Protocol {
		case "tcp":
			rule.Protocol = model.ProtocolTCP
		case "udp":
			rule.Protocol = model.ProtocolUDP
		}
		switch rc.Direction {
		case "inbound":
			rule.Direction = model.DirectionInbound
		case "outbound":
			rule.Direction = model.DirectionOutbound
		}
		rules = append(rules, rule)
	}
	return decision.NewRuleDecider(fallback, rules)
}
