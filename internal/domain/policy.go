package domain

import "encoding/json"

// Recognized top-level policy keys.
const (
	PolicyKeyAutopost       = "x_autopost"
	PolicyKeyDailyQuota     = "x_daily_quota"
	PolicyKeyReactionMatrix = "reaction_matrix"
	PolicyKeyDenyRules      = "deny_rules"
)

type Toggle struct {
	Enabled *bool `json:"enabled,omitempty"`
}

type Quota struct {
	Limit int `json:"limit"`
}

type ReactionPattern struct {
	Pattern     string  `json:"pattern"`
	Action      string  `json:"action"`
	Probability float64 `json:"probability"`
	CooldownMin int     `json:"cooldownMin,omitempty"`
}

type ReactionMatrix struct {
	Patterns []ReactionPattern `json:"patterns"`
}

// DenyRule rejects a proposal when When evaluates to true.
type DenyRule struct {
	When   string `json:"when"`
	Reason string `json:"reason"`
}

// Policy is the mutable policy document. The typed fields are decoded views
// of the recognized keys; Raw holds every top-level key as it was read and is
// what gets written back, so fields the views do not declare survive.
type Policy struct {
	Autopost       *Toggle
	DailyQuota     *Quota
	ReactionMatrix *ReactionMatrix
	DenyRules      []DenyRule

	Raw map[string]json.RawMessage
}

// DefaultPolicy is the document seeded on first access.
func DefaultPolicy() Policy {
	enabled := true
	return Policy{
		Autopost:       &Toggle{Enabled: &enabled},
		DailyQuota:     &Quota{Limit: 0},
		ReactionMatrix: &ReactionMatrix{Patterns: []ReactionPattern{}},
	}
}

// AutopostDisabled is true only when the toggle is present and explicitly false.
func (p Policy) AutopostDisabled() bool {
	return p.Autopost != nil && p.Autopost.Enabled != nil && !*p.Autopost.Enabled
}

// QuotaLimit returns the daily quota, 0 meaning unlimited.
func (p Policy) QuotaLimit() int {
	if p.DailyQuota == nil || p.DailyQuota.Limit < 0 {
		return 0
	}
	return p.DailyQuota.Limit
}

func (p *Policy) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*p = Policy{Raw: raw}
	for key, value := range raw {
		switch key {
		case PolicyKeyAutopost:
			var t Toggle
			if json.Unmarshal(value, &t) == nil {
				p.Autopost = &t
			}
		case PolicyKeyDailyQuota:
			var q Quota
			if json.Unmarshal(value, &q) == nil {
				p.DailyQuota = &q
			}
		case PolicyKeyReactionMatrix:
			var m ReactionMatrix
			if json.Unmarshal(value, &m) == nil {
				p.ReactionMatrix = &m
			}
		case PolicyKeyDenyRules:
			var rules []DenyRule
			if json.Unmarshal(value, &rules) == nil {
				p.DenyRules = rules
			}
		}
	}
	return nil
}

// MarshalJSON writes Raw unchanged. A typed field is encoded only for a key
// Raw does not carry, as in a document built in code.
func (p Policy) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Raw)+4)
	for key, value := range p.Raw {
		out[key] = value
	}
	typed := map[string]any{}
	if p.Autopost != nil {
		typed[PolicyKeyAutopost] = p.Autopost
	}
	if p.DailyQuota != nil {
		typed[PolicyKeyDailyQuota] = p.DailyQuota
	}
	if p.ReactionMatrix != nil {
		typed[PolicyKeyReactionMatrix] = p.ReactionMatrix
	}
	if p.DenyRules != nil {
		typed[PolicyKeyDenyRules] = p.DenyRules
	}
	for key, value := range typed {
		if _, ok := p.Raw[key]; !ok {
			out[key] = value
		}
	}
	return json.Marshal(out)
}
