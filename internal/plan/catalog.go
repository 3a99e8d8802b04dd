package plan

import "github.com/ashita-ai/renkei/internal/model"

// Catalog maps each agent domain to the actions it may take. Actions are
// tagged with the domain whose KPIs they touch; an entry whose Domain
// differs from the catalog key makes plans cross-domain and subject to
// peer collaboration.
type Catalog map[model.Domain][]model.ActionSpec

// DefaultCatalog returns the built-in action catalogs. Effect values are
// relative adjustments (0.05 = +5% of the current value). Cost effects are
// positive when an action spends money; the per-domain weights make cost
// increases count against a plan's score.
func DefaultCatalog() Catalog {
	return Catalog{
		model.DomainSales: {
			{Name: "targeted-promotion", Domain: model.DomainSales, Effects: map[model.Metric]float64{
				model.MetricOutput: 0.08, model.MetricCost: 0.03,
			}},
			{Name: "reprice-slow-movers", Domain: model.DomainSales, Effects: map[model.Metric]float64{
				model.MetricEfficiency: 0.05, model.MetricOutput: 0.03,
			}},
			{Name: "channel-rebalance", Domain: model.DomainSales, Effects: map[model.Metric]float64{
				model.MetricEfficiency: 0.06, model.MetricCost: -0.02,
			}},
			{Name: "quality-callback-program", Domain: model.DomainSales, Effects: map[model.Metric]float64{
				model.MetricQuality: 0.07, model.MetricCost: 0.02,
			}},
			{Name: "request-expedited-fulfilment", Domain: model.DomainLogistics, Effects: map[model.Metric]float64{
				model.MetricOutput: 0.05, model.MetricCost: 0.04,
			}},
		},
		model.DomainProduction: {
			{Name: "increase-line-capacity", Domain: model.DomainProduction, Effects: map[model.Metric]float64{
				model.MetricOutput: 0.10, model.MetricCost: 0.05,
			}},
			{Name: "rebalance-shift-schedule", Domain: model.DomainProduction, Effects: map[model.Metric]float64{
				model.MetricEfficiency: 0.07, model.MetricOutput: 0.02,
			}},
			{Name: "preventive-maintenance", Domain: model.DomainProduction, Effects: map[model.Metric]float64{
				model.MetricEfficiency: 0.05, model.MetricQuality: 0.04, model.MetricCost: 0.02,
			}},
			{Name: "tighten-qc-sampling", Domain: model.DomainProduction, Effects: map[model.Metric]float64{
				model.MetricQuality: 0.08, model.MetricEfficiency: -0.02,
			}},
			{Name: "renegotiate-material-rates", Domain: model.DomainProduction, Effects: map[model.Metric]float64{
				model.MetricCost: -0.06,
			}},
			{Name: "expedite-inbound-freight", Domain: model.DomainLogistics, Effects: map[model.Metric]float64{
				model.MetricOutput: 0.04, model.MetricCost: 0.03,
			}},
		},
		model.DomainLogistics: {
			{Name: "reroute-carriers", Domain: model.DomainLogistics, Effects: map[model.Metric]float64{
				model.MetricEfficiency: 0.06, model.MetricCost: -0.03,
			}},
			{Name: "consolidate-shipments", Domain: model.DomainLogistics, Effects: map[model.Metric]float64{
				model.MetricCost: -0.05, model.MetricOutput: -0.01,
			}},
			{Name: "add-warehouse-shift", Domain: model.DomainLogistics, Effects: map[model.Metric]float64{
				model.MetricOutput: 0.07, model.MetricCost: 0.04,
			}},
			{Name: "tighten-handling-checks", Domain: model.DomainLogistics, Effects: map[model.Metric]float64{
				model.MetricQuality: 0.06, model.MetricEfficiency: -0.01,
			}},
			{Name: "request-production-smoothing", Domain: model.DomainProduction, Effects: map[model.Metric]float64{
				model.MetricEfficiency: 0.03, model.MetricOutput: 0.02,
			}},
		},
	}
}

// DefaultWeights returns the per-domain simulation weights. Cost carries a
// negative weight so projected cost increases lower a plan's score.
func DefaultWeights() map[model.Domain]map[model.Metric]float64 {
	weights := make(map[model.Domain]map[model.Metric]float64, 3)
	for _, d := range model.Domains() {
		weights[d] = map[model.Metric]float64{
			model.MetricEfficiency: 1.0,
			model.MetricOutput:     1.0,
			model.MetricQuality:    1.0,
			model.MetricCost:       -1.0,
		}
	}
	return weights
}
