package pricing

// ServiceType identifies the external collaborator a Service record bills.
type ServiceType string

const (
	ServiceOpenAI        ServiceType = "openai"
	ServiceFileProcessor ServiceType = "file_processor"
	ServiceNative        ServiceType = "native"
	ServiceTransformer   ServiceType = "transformer"
)

// Service is a line-item of external work consumed to satisfy a request.
type Service struct {
	ServiceType      ServiceType    `json:"service_type"`
	Breakdown        map[string]any `json:"breakdown,omitempty"`
	EstimatedCostUSD float64        `json:"estimated_cost_usd"`
}

// ToDict converts the record to its persisted map form.
func (s Service) ToDict() map[string]any {
	d := map[string]any{
		"service_type":       string(s.ServiceType),
		"estimated_cost_usd": s.EstimatedCostUSD,
	}
	if len(s.Breakdown) > 0 {
		d["breakdown"] = s.Breakdown
	}
	return d
}

// ServiceFromDict rebuilds a Service from its persisted map form. Unknown
// fields are ignored; missing fields zero out.
func ServiceFromDict(d map[string]any) Service {
	s := Service{}
	if v, ok := d["service_type"].(string); ok {
		s.ServiceType = ServiceType(v)
	}
	if v, ok := d["estimated_cost_usd"].(float64); ok {
		s.EstimatedCostUSD = v
	}
	if v, ok := d["breakdown"].(map[string]any); ok {
		s.Breakdown = v
	}
	return s
}

// SumCost totals the estimated cost across service records.
func SumCost(services []Service) float64 {
	total := 0.0
	for _, s := range services {
		total += s.EstimatedCostUSD
	}
	return Round6(total)
}
