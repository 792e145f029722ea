package tools

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/agentmesh/controlplane/internal/auth"
	"github.com/agentmesh/controlplane/internal/catalog"
	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/identity"
)

// AnalyticsTools aggregates caller-supplied rows. Stateless apart from the
// clock used for report timestamps.
type AnalyticsTools struct {
	clk clock.Clock
}

// NewAnalyticsTools creates the analytics tool set. clk may be nil for the
// system clock.
func NewAnalyticsTools(clk clock.Clock) *AnalyticsTools {
	if clk == nil {
		clk = clock.Real()
	}
	return &AnalyticsTools{clk: clk}
}

// Register adds the analytics tools to the catalog.
func (t *AnalyticsTools) Register(c *catalog.Catalog) error {
	if err := c.Register(catalog.Descriptor{
		Name:        "analyze_data",
		Description: "Compute summary statistics over a numeric series",
		Category:    "analytics",
		Params: map[string]catalog.ParamSpec{
			"data":      {Type: "array", Description: "Numeric values to analyze", Required: true},
			"operation": {Type: "string", Description: "One of summary, sum, mean, min, max", Default: "summary"},
		},
		ReturnType: "object",
	}, t.analyzeData); err != nil {
		return err
	}
	return c.Register(catalog.Descriptor{
		Name:        "generate_report",
		Description: "Aggregate rows into a grouped report",
		Category:    "analytics",
		Params: map[string]catalog.ParamSpec{
			"rows":        {Type: "array", Description: "Rows to aggregate", Required: true},
			"group_by":    {Type: "string", Description: "Row field to group by", Required: true},
			"report_type": {Type: "string", Description: "Report label", Default: "summary"},
		},
		ReturnType: "object",
	}, t.generateReport)
}

func (t *AnalyticsTools) analyzeData(_ context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	values, err := numericSeries(args["data"])
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return nil, fmt.Errorf("analyze_data requires a non-empty series")
	}
	operation, _ := args["operation"].(string)

	sum := 0.0
	min := math.Inf(1)
	max := math.Inf(-1)
	for _, v := range values {
		sum += v
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	mean := sum / float64(len(values))

	switch operation {
	case "sum":
		return map[string]interface{}{"operation": "sum", "value": sum}, nil
	case "mean":
		return map[string]interface{}{"operation": "mean", "value": mean}, nil
	case "min":
		return map[string]interface{}{"operation": "min", "value": min}, nil
	case "max":
		return map[string]interface{}{"operation": "max", "value": max}, nil
	case "", "summary":
		return map[string]interface{}{
			"count": len(values),
			"sum":   sum,
			"mean":  mean,
			"min":   min,
			"max":   max,
		}, nil
	default:
		return nil, fmt.Errorf("unknown operation %q", operation)
	}
}

func (t *AnalyticsTools) generateReport(_ context.Context, args map[string]interface{}, _ *auth.Subject) (interface{}, error) {
	rawRows, ok := args["rows"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("rows must be an array of objects")
	}
	groupBy, _ := args["group_by"].(string)
	reportType, _ := args["report_type"].(string)

	counts := make(map[string]int)
	for i, raw := range rawRows {
		row, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("row %d is not an object", i)
		}
		key := fmt.Sprintf("%v", row[groupBy])
		counts[key]++
	}

	groups := make([]map[string]interface{}, 0, len(counts))
	for key, count := range counts {
		groups = append(groups, map[string]interface{}{
			"key":   key,
			"count": count,
		})
	}
	sort.Slice(groups, func(i, j int) bool {
		return groups[i]["key"].(string) < groups[j]["key"].(string)
	})

	return map[string]interface{}{
		"report_id":    identity.NewTransactionID(),
		"report_type":  reportType,
		"generated_at": t.clk.Now().UTC(),
		"total_rows":   len(rawRows),
		"group_by":     groupBy,
		"groups":       groups,
	}, nil
}

func numericSeries(raw interface{}) ([]float64, error) {
	items, ok := raw.([]interface{})
	if !ok {
		return nil, fmt.Errorf("data must be an array of numbers")
	}
	values := make([]float64, 0, len(items))
	for i, item := range items {
		switch v := item.(type) {
		case float64:
			values = append(values, v)
		case int:
			values = append(values, float64(v))
		case int64:
			values = append(values, float64(v))
		default:
			return nil, fmt.Errorf("data[%d] is not numeric", i)
		}
	}
	return values, nil
}
