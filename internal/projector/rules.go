package projector

import (
	"github.com/rickgao/adminlive/internal/router"
)

// Shape is how a rule folds a payload into state.
type Shape uint8

const (
	// ShapeReplace swaps the whole section for the payload.
	ShapeReplace Shape = iota + 1
	// ShapeMerge copies the payload's top-level keys over the section.
	ShapeMerge
	// ShapeUsers applies a create/update/delete action to the user list.
	ShapeUsers
)

func (s Shape) String() string {
	switch s {
	case ShapeReplace:
		return "replace"
	case ShapeMerge:
		return "merge"
	case ShapeUsers:
		return "users"
	default:
		return "unknown"
	}
}

// Rule binds a message kind to the section it updates.
type Rule struct {
	Section string
	Shape   Shape
}

// UsersSection is the snapshot key of the user list.
const UsersSection = "users"

var dashboardRules = map[router.Kind]Rule{
	router.KindStatsUpdate:        {Section: "stats", Shape: ShapeMerge},
	router.KindUserUpdate:         {Section: UsersSection, Shape: ShapeUsers},
	router.KindProductUpdate:      {Section: "products", Shape: ShapeMerge},
	router.KindInventoryUpdate:    {Section: "inventory", Shape: ShapeReplace},
	router.KindCampaignsUpdate:    {Section: "campaigns", Shape: ShapeReplace},
	router.KindMetricsUpdate:      {Section: "performance", Shape: ShapeMerge},
	router.KindSatisfactionUpdate: {Section: "satisfaction", Shape: ShapeMerge},
	router.KindTrafficUpdate:      {Section: "traffic", Shape: ShapeMerge},
	router.KindStatusUpdate:       {Section: "system_status", Shape: ShapeMerge},
	router.KindSalesDataUpdate:    {Section: "sales_data", Shape: ShapeReplace},
	router.KindTopProductsUpdate:  {Section: "top_products", Shape: ShapeReplace},
	router.KindRecentOrdersUpdate: {Section: "recent_orders", Shape: ShapeReplace},
	router.KindRevenueTrendUpdate: {Section: "revenue_trend", Shape: ShapeReplace},
	router.KindSecurityUpdate:     {Section: "security", Shape: ShapeMerge},
}

// RuleFor returns the dashboard rule for k.
func RuleFor(k router.Kind) (Rule, bool) {
	r, ok := dashboardRules[k]
	return r, ok
}

// merge returns a new object holding base's keys overwritten by patch's.
// base is never modified so earlier snapshots stay intact.
func merge(base, patch map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(patch))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range patch {
		out[k] = v
	}
	return out
}
