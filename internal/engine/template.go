package engine

import (
	"github.com/shopspring/decimal"

	"veridraw/internal/config"
)

var hundred = decimal.NewFromInt(100)

// SplitByPercent divides total across the template steps. Each share is
// truncated to cents; the final step absorbs the remainder.
func SplitByPercent(total decimal.Decimal, tmpl config.Template) []decimal.Decimal {
	out := make([]decimal.Decimal, len(tmpl.Milestones))
	allocated := decimal.Zero
	for i, step := range tmpl.Milestones {
		if i == len(tmpl.Milestones)-1 {
			out[i] = total.Sub(allocated)
			break
		}
		share := total.Mul(step.Percentage.Decimal).Div(hundred).Truncate(2)
		out[i] = share
		allocated = allocated.Add(share)
	}
	return out
}
