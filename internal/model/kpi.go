// Package model defines the domain types shared across the coordination
// engine: KPI records, messages, plans, agent state, and emergency events.
package model

import (
	"fmt"
	"time"
)

// Domain identifies a functional area with its own agent and KPI set.
type Domain string

const (
	DomainSales      Domain = "sales"
	DomainProduction Domain = "production"
	DomainLogistics  Domain = "logistics"
)

// Domains returns all known domains in a fixed order.
func Domains() []Domain {
	return []Domain{DomainSales, DomainProduction, DomainLogistics}
}

// ParseDomain validates and normalizes a domain string.
func ParseDomain(s string) (Domain, error) {
	switch Domain(s) {
	case DomainSales, DomainProduction, DomainLogistics:
		return Domain(s), nil
	}
	return "", fmt.Errorf("model: unknown domain %q", s)
}

// Metric identifies a tracked key performance indicator.
type Metric string

const (
	MetricEfficiency Metric = "efficiency"
	MetricOutput     Metric = "output"
	MetricQuality    Metric = "quality"
	MetricCost       Metric = "cost"
)

// Metrics returns all tracked metrics in a fixed order.
func Metrics() []Metric {
	return []Metric{MetricEfficiency, MetricOutput, MetricQuality, MetricCost}
}

// ParseMetric validates and normalizes a metric string.
func ParseMetric(s string) (Metric, error) {
	switch Metric(s) {
	case MetricEfficiency, MetricOutput, MetricQuality, MetricCost:
		return Metric(s), nil
	}
	return "", fmt.Errorf("model: unknown metric %q", s)
}

// KPIKey addresses one (domain, metric) pair in the KPI framework.
type KPIKey struct {
	Domain Domain `json:"domain"`
	Metric Metric `json:"metric"`
}

func (k KPIKey) String() string {
	return string(k.Domain) + "/" + string(k.Metric)
}

// KPIRecord is the current value of one (domain, metric) pair.
// Versions increase strictly with every applied write; a record with a
// lower version than the stored one is stale and must never overwrite it.
type KPIRecord struct {
	Domain    Domain    `json:"domain"`
	Metric    Metric    `json:"metric"`
	Value     float64   `json:"value"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the record's framework key.
func (r KPIRecord) Key() KPIKey {
	return KPIKey{Domain: r.Domain, Metric: r.Metric}
}
