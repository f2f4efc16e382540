package aggregator

import (
	"fmt"
	"strconv"
	"strings"
)

// Rule metrics
const (
	MetricClassPercent   = "class_percent"
	MetricAverageQuality = "average_quality"
)

// Rule is one row of the recommendation table. Message may contain {value},
// which is replaced by the metric formatted with one decimal.
type Rule struct {
	Name            string   `toml:"name" yaml:"name"`
	Metric          string   `toml:"metric" yaml:"metric"`
	Classes         []string `toml:"classes" yaml:"classes"`
	Op              string   `toml:"op" yaml:"op"` // gt, gte, lt, lte
	Threshold       float64  `toml:"threshold" yaml:"threshold"`
	Message         string   `toml:"message" yaml:"message"`
	OnlyIfNoneFired bool     `toml:"only_if_none_fired" yaml:"only_if_none_fired"`
}

// Validate checks that the rule can be evaluated
func (r Rule) Validate() error {
	switch r.Metric {
	case MetricClassPercent:
		if len(r.Classes) == 0 {
			return fmt.Errorf("rule %q: class_percent needs at least one class", r.Name)
		}
	case MetricAverageQuality:
	default:
		return fmt.Errorf("rule %q: unknown metric %q", r.Name, r.Metric)
	}
	switch r.Op {
	case "gt", "gte", "lt", "lte":
	default:
		return fmt.Errorf("rule %q: unknown op %q", r.Name, r.Op)
	}
	if strings.TrimSpace(r.Message) == "" {
		return fmt.Errorf("rule %q: message is required", r.Name)
	}
	return nil
}

func (r Rule) matches(value float64) bool {
	switch r.Op {
	case "gt":
		return value > r.Threshold
	case "gte":
		return value >= r.Threshold
	case "lt":
		return value < r.Threshold
	case "lte":
		return value <= r.Threshold
	}
	return false
}

func (r Rule) render(value float64) string {
	return strings.ReplaceAll(r.Message, "{value}", strconv.FormatFloat(value, 'f', 1, 64))
}

// Evaluate applies rules in order over the final aggregate. Fallback rules
// (OnlyIfNoneFired) are considered after all regular rules.
func Evaluate(rules []Rule, avgQuality float64, counts map[string]int, total int) []string {
	out := []string{}
	for _, r := range rules {
		if r.OnlyIfNoneFired {
			continue
		}
		if v := metricValue(r, avgQuality, counts, total); r.matches(v) {
			out = append(out, r.render(v))
		}
	}
	if len(out) > 0 {
		return out
	}
	for _, r := range rules {
		if !r.OnlyIfNoneFired {
			continue
		}
		if v := metricValue(r, avgQuality, counts, total); r.matches(v) {
			out = append(out, r.render(v))
		}
	}
	return out
}

func metricValue(r Rule, avgQuality float64, counts map[string]int, total int) float64 {
	if r.Metric == MetricAverageQuality {
		return avgQuality
	}
	if total <= 0 {
		return 0
	}
	n := 0
	for _, c := range r.Classes {
		n += counts[c]
	}
	return 100 * float64(n) / float64(total)
}

// DefaultDefectClasses are the coffee bean labels that count against quality
func DefaultDefectClasses() []string {
	return []string{"BLACK", "BROKEN", "BigBroken", "IMMATURE", "INSECT", "MOLD", "PartlyBlack", "LIGHTFM", "HEAVYFM"}
}

// DefaultRules is the built-in recommendation table
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "low_quality", Metric: MetricAverageQuality, Op: "lt", Threshold: 70,
			Message: "Overall quality below acceptable threshold. Consider re-sorting the batch.",
		},
		{
			Name: "insect_damage", Metric: MetricClassPercent, Classes: []string{"INSECT"}, Op: "gt", Threshold: 5,
			Message: "High insect damage rate ({value}%). Check storage conditions immediately.",
		},
		{
			Name: "mold", Metric: MetricClassPercent, Classes: []string{"MOLD"}, Op: "gt", Threshold: 3,
			Message: "Mold detected in {value}% of beans. Review drying and storage process.",
		},
		{
			Name: "black_beans", Metric: MetricClassPercent, Classes: []string{"BLACK", "PartlyBlack"}, Op: "gt", Threshold: 10,
			Message: "High percentage of black beans ({value}%). Review fermentation process.",
		},
		{
			Name: "foreign_matter", Metric: MetricClassPercent, Classes: []string{"LIGHTFM", "HEAVYFM"}, Op: "gt", Threshold: 2,
			Message: "Foreign matter detected ({value}%). Improve cleaning process.",
		},
		{
			Name: "breakage", Metric: MetricClassPercent, Classes: []string{"BROKEN"}, Op: "gt", Threshold: 15,
			Message: "High breakage rate ({value}%). Check processing equipment.",
		},
		{
			Name: "excellent", Metric: MetricAverageQuality, Op: "gte", Threshold: 85, OnlyIfNoneFired: true,
			Message: "Excellent batch quality! Maintain current processing standards.",
		},
	}
}
