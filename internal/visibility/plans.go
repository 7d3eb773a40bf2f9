package visibility

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// FallbackPlan applies to stores whose paid subscription has lapsed.
const FallbackPlan = "free"

// PlanLimits maps a subscription plan to its cap on visible products. A nil
// cap means unlimited. The value is immutable once built.
type PlanLimits struct {
	limits map[string]*int
}

func NewPlanLimits(limits map[string]*int) (PlanLimits, error) {
	if _, ok := limits[FallbackPlan]; !ok {
		return PlanLimits{}, fmt.Errorf("plan limits must define %q", FallbackPlan)
	}
	cp := make(map[string]*int, len(limits))
	for plan, lim := range limits {
		if plan == "" {
			return PlanLimits{}, errors.New("plan name cannot be empty")
		}
		if lim == nil {
			cp[plan] = nil
			continue
		}
		if *lim < 0 {
			return PlanLimits{}, fmt.Errorf("plan %q: limit cannot be negative", plan)
		}
		v := *lim
		cp[plan] = &v
	}
	return PlanLimits{limits: cp}, nil
}

func DefaultPlanLimits() PlanLimits {
	l, _ := NewPlanLimits(map[string]*int{
		"free":       intp(10),
		"starter":    intp(50),
		"pro":        intp(250),
		"enterprise": nil,
	})
	return l
}

// Limit returns the cap for plan; unlimited is true when there is none.
func (p PlanLimits) Limit(plan string) (limit int, unlimited bool, ok bool) {
	lim, ok := p.limits[plan]
	if !ok {
		return 0, false, false
	}
	if lim == nil {
		return 0, true, true
	}
	return *lim, false, true
}

func (p PlanLimits) Known(plan string) bool {
	_, ok := p.limits[plan]
	return ok
}

func (p PlanLimits) Plans() []string {
	plans := make([]string, 0, len(p.limits))
	for plan := range p.limits {
		plans = append(plans, plan)
	}
	sort.Strings(plans)
	return plans
}

type planFile struct {
	Plans map[string]*int `yaml:"plans"`
}

// LoadPlanLimits reads a YAML table of the form
//
//	plans:
//	  free: 10
//	  enterprise: ~   # unlimited
func LoadPlanLimits(path string) (PlanLimits, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return PlanLimits{}, fmt.Errorf("read plan limits: %w", err)
	}
	var f planFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return PlanLimits{}, fmt.Errorf("parse plan limits: %w", err)
	}
	return NewPlanLimits(f.Plans)
}

func intp(v int) *int { return &v }
