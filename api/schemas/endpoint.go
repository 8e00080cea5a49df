package schemas

// -- Egress Models --

// EndpointType is the cost/behavior class of a proxy endpoint.
type EndpointType string

const (
	EndpointResidential EndpointType = "residential"
	EndpointDatacenter  EndpointType = "datacenter"
)

// Endpoint describes one egress proxy as configured. Health state and
// rolling statistics live inside the pool, not here; this struct is the
// immutable configuration surface and is safe to copy.
type Endpoint struct {
	ID             string       `json:"id" mapstructure:"id"`
	Address        string       `json:"address" mapstructure:"address"`
	Username       string       `json:"username,omitempty" mapstructure:"username"`
	Password       string       `json:"password,omitempty" mapstructure:"password"`
	Type           EndpointType `json:"type" mapstructure:"type"`
	Country        string       `json:"country" mapstructure:"country"`
	Region         string       `json:"region,omitempty" mapstructure:"region"`
	CostPerRequest float64      `json:"cost_per_request" mapstructure:"cost_per_request"`
}

// GeoConstraint narrows proxy selection to a geography. A zero value means
// no constraint. Region is only consulted when Country matches.
type GeoConstraint struct {
	Country string `json:"country,omitempty"`
	Region  string `json:"region,omitempty"`
}

// IsZero reports whether the constraint is unset.
func (g GeoConstraint) IsZero() bool {
	return g.Country == "" && g.Region == ""
}

// CostPreference biases proxy scoring toward cheap or premium egress.
type CostPreference string

const (
	// CostAny applies the configured cost weight unchanged.
	CostAny CostPreference = "any"
	// CostLow doubles the cost term, favoring datacenter endpoints.
	CostLow CostPreference = "low"
	// CostPremium penalizes datacenter endpoints, favoring residential.
	CostPremium CostPreference = "premium"
)
