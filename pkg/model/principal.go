package model

// Principal is the authenticated identity attached to a connection. It is
// produced by the gateway's token validation and captured on each
// subscription as its authorization context.
type Principal struct {
	ID     string                 `json:"id"`
	Roles  []string               `json:"roles,omitempty"`
	Admin  bool                   `json:"admin"`
	Claims map[string]interface{} `json:"claims,omitempty"`
}

// HasRole reports whether the principal carries the given role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AsRecord returns the principal as a record for rule evaluation, so rule
// expressions can address it with dotted field access.
func (p *Principal) AsRecord() Record {
	if p == nil {
		return nil
	}
	rec := Record{
		"id":    p.ID,
		"roles": p.Roles,
		"admin": p.Admin,
	}
	for k, v := range p.Claims {
		if !rec.HasKey(k) {
			rec[k] = v
		}
	}
	return rec
}

// RuleContext carries the inputs of a single rule evaluation.
// Admin=true short-circuits every check to allow.
type RuleContext struct {
	Auth   *Principal
	Record Record
	Data   Record
	Admin  bool
}
