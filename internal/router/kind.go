package router

// Kind tags a Message with one of the feeds the admin dashboard understands.
// Adding a feed means adding a constant here and its wire name to kindNames;
// projectors switch on Kind and are checked for exhaustiveness in tests.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindStatsUpdate
	KindUserUpdate
	KindProductUpdate
	KindInventoryUpdate
	KindCampaignsUpdate
	KindMetricsUpdate
	KindSatisfactionUpdate
	KindTrafficUpdate
	KindStatusUpdate
	KindSalesDataUpdate
	KindTopProductsUpdate
	KindRecentOrdersUpdate
	KindRevenueTrendUpdate
	KindSecurityUpdate

	numKinds
)

var kindNames = [numKinds]string{
	KindUnknown:            "unknown",
	KindStatsUpdate:        "stats_update",
	KindUserUpdate:         "user_update",
	KindProductUpdate:      "product_update",
	KindInventoryUpdate:    "inventory_update",
	KindCampaignsUpdate:    "campaigns_update",
	KindMetricsUpdate:      "metrics_update",
	KindSatisfactionUpdate: "satisfaction_update",
	KindTrafficUpdate:      "traffic_update",
	KindStatusUpdate:       "status_update",
	KindSalesDataUpdate:    "sales_data_update",
	KindTopProductsUpdate:  "top_products_update",
	KindRecentOrdersUpdate: "recent_orders_update",
	KindRevenueTrendUpdate: "revenue_trend_update",
	KindSecurityUpdate:     "security_update",
}

var kindsByName = func() map[string]Kind {
	m := make(map[string]Kind, numKinds)
	for k := KindUnknown + 1; k < numKinds; k++ {
		m[kindNames[k]] = k
	}
	return m
}()

// ParseKind maps a wire type string to its Kind, or KindUnknown.
func ParseKind(s string) Kind {
	if k, ok := kindsByName[s]; ok {
		return k
	}
	return KindUnknown
}

// String returns the wire name for known kinds.
func (k Kind) String() string {
	if k < numKinds {
		return kindNames[k]
	}
	return kindNames[KindUnknown]
}

// Known reports whether k is a feed other than KindUnknown.
func (k Kind) Known() bool {
	return k > KindUnknown && k < numKinds
}

// Kinds returns every known kind in declaration order.
func Kinds() []Kind {
	out := make([]Kind, 0, numKinds-1)
	for k := KindUnknown + 1; k < numKinds; k++ {
		out = append(out, k)
	}
	return out
}
