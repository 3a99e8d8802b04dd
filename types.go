package renkei

import (
	"context"
	"time"

	"github.com/ashita-ai/renkei/internal/human"
	"github.com/ashita-ai/renkei/internal/model"
	"github.com/ashita-ai/renkei/internal/plan"
)

// Public types are standalone structs so embedding consumers never need to
// import internal packages (which the toolchain would reject anyway).

// AgentStatus is a point-in-time view of one agent.
type AgentStatus struct {
	ID             string     `json:"id"`
	Domain         string     `json:"domain"`
	State          string     `json:"state"`
	PendingPlanID  string     `json:"pending_plan_id,omitempty"`
	LastDecisionAt *time.Time `json:"last_decision_at,omitempty"`
}

// KPIValue is one versioned KPI reading.
type KPIValue struct {
	Value     float64   `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Insight is a recorded observation from an agent's decision history.
type Insight struct {
	ID          string             `json:"id"`
	AgentID     string             `json:"agent_id"`
	Category    string             `json:"category"`
	Observation string             `json:"observation"`
	Confidence  float64            `json:"confidence"`
	Impact      map[string]float64 `json:"impact,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

// Emergency is one tracked emergency event.
type Emergency struct {
	ID               string     `json:"id"`
	Domain           string     `json:"domain"`
	Metric           string     `json:"metric"`
	Severity         string     `json:"severity"`
	ResponseLevel    int        `json:"response_level"`
	EscalatedToHuman bool       `json:"escalated_to_human"`
	OpenedAt         time.Time  `json:"opened_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
}

// OperatorDirective is a command for one agent: "approve_plan" (requires
// PlanID) or "evaluate_now".
type OperatorDirective struct {
	Kind   string `json:"kind"`
	PlanID string `json:"plan_id,omitempty"`
}

// Action is one catalog entry: a named intervention in a domain with its
// projected relative effects per metric (0.05 = +5%).
type Action struct {
	Name    string             `json:"name"`
	Domain  string             `json:"domain"`
	Effects map[string]float64 `json:"effects"`
}

// EmergencyNotice is handed to a HumanNotifier when automation gives up.
type EmergencyNotice struct {
	EventID       string    `json:"event_id"`
	Domain        string    `json:"domain"`
	Metric        string    `json:"metric"`
	Severity      string    `json:"severity"`
	ResponseLevel int       `json:"response_level"`
	OpenedAt      time.Time `json:"opened_at"`
}

// HumanNotifier delivers escalated emergencies to a human channel and
// returns the acknowledgment token the operator will present to resolve.
type HumanNotifier interface {
	NotifyHuman(ctx context.Context, notice EmergencyNotice) (token string, err error)
}

// notifierAdapter bridges the public HumanNotifier to the internal interface.
type notifierAdapter struct {
	n HumanNotifier
}

func (a notifierAdapter) NotifyHuman(ctx context.Context, ev model.EmergencyEvent) (string, error) {
	return a.n.NotifyHuman(ctx, EmergencyNotice{
		EventID:       ev.ID.String(),
		Domain:        string(ev.Domain),
		Metric:        string(ev.Metric),
		Severity:      string(ev.Severity),
		ResponseLevel: ev.ResponseLevel,
		OpenedAt:      ev.OpenedAt,
	})
}

var _ human.Notifier = notifierAdapter{}

func toPublicAgent(a model.Agent) AgentStatus {
	out := AgentStatus{
		ID:     string(a.ID),
		Domain: string(a.Domain),
		State:  string(a.State),
	}
	if a.PendingPlan != nil {
		out.PendingPlanID = a.PendingPlan.String()
	}
	if !a.LastDecisionAt.IsZero() {
		t := a.LastDecisionAt
		out.LastDecisionAt = &t
	}
	return out
}

func toPublicKPI(rec model.KPIRecord) KPIValue {
	return KPIValue{Value: rec.Value, Version: rec.Version, UpdatedAt: rec.UpdatedAt}
}

func toPublicInsight(in model.Insight) Insight {
	impact := make(map[string]float64, len(in.Impact))
	for metric, v := range in.Impact {
		impact[string(metric)] = v
	}
	return Insight{
		ID:          in.ID.String(),
		AgentID:     string(in.AgentID),
		Category:    in.Category,
		Observation: in.Observation,
		Confidence:  in.Confidence,
		Impact:      impact,
		CreatedAt:   in.CreatedAt,
	}
}

func toPublicEmergency(ev model.EmergencyEvent) Emergency {
	return Emergency{
		ID:               ev.ID.String(),
		Domain:           string(ev.Domain),
		Metric:           string(ev.Metric),
		Severity:         string(ev.Severity),
		ResponseLevel:    ev.ResponseLevel,
		EscalatedToHuman: ev.EscalatedToHuman,
		OpenedAt:         ev.OpenedAt,
		ResolvedAt:       ev.ResolvedAt,
	}
}

func toInternalCatalog(public map[string][]Action) plan.Catalog {
	catalog := make(plan.Catalog, len(public))
	for domainStr, actions := range public {
		domain, err := model.ParseDomain(domainStr)
		if err != nil {
			continue
		}
		specs := make([]model.ActionSpec, 0, len(actions))
		for _, a := range actions {
			actionDomain, err := model.ParseDomain(a.Domain)
			if err != nil {
				continue
			}
			effects := make(map[model.Metric]float64, len(a.Effects))
			for metricStr, effect := range a.Effects {
				metric, err := model.ParseMetric(metricStr)
				if err != nil {
					continue
				}
				effects[metric] = effect
			}
			specs = append(specs, model.ActionSpec{Name: a.Name, Domain: actionDomain, Effects: effects})
		}
		catalog[domain] = specs
	}
	return catalog
}

func toInternalWeights(public map[string]map[string]float64) map[model.Domain]map[model.Metric]float64 {
	weights := make(map[model.Domain]map[model.Metric]float64, len(public))
	for domainStr, metrics := range public {
		domain, err := model.ParseDomain(domainStr)
		if err != nil {
			continue
		}
		dw := make(map[model.Metric]float64, len(metrics))
		for metricStr, w := range metrics {
			metric, err := model.ParseMetric(metricStr)
			if err != nil {
				continue
			}
			dw[metric] = w
		}
		weights[domain] = dw
	}
	return weights
}
