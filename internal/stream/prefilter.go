package stream

// Prefilter builds the server-side filter document installed right
// after the websocket handshake. Leave Groups empty to receive every
// group the authed user is a member of.
type Prefilter struct {
	Groups []string
	Users  []string
	URIs   []string // uri filters are exact-match only
	Tags   []string

	Create bool
	Update bool
	Delete bool

	// MatchPolicy is include_all or include_any.
	MatchPolicy string
}

// NewPrefilter returns a filter subscribed to all three actions with
// the include_all policy.
func NewPrefilter() Prefilter {
	return Prefilter{
		Create:      true,
		Update:      true,
		Delete:      true,
		MatchPolicy: "include_all",
	}
}

// FilterDoc is the wire form of a Prefilter.
type FilterDoc struct {
	Filter Filter `json:"filter"`
}

type Filter struct {
	Actions     Actions  `json:"actions"`
	MatchPolicy string   `json:"match_policy"`
	Clauses     []Clause `json:"clauses"`
}

type Actions struct {
	Create bool `json:"create"`
	Update bool `json:"update"`
	Delete bool `json:"delete"`
}

type Clause struct {
	Field         []string       `json:"field"`
	CaseSensitive bool           `json:"case_sensitive"`
	Operator      string         `json:"operator"`
	Options       map[string]any `json:"options"`
	Value         []string       `json:"value"`
}

// Export assembles the wire document. Clauses appear only for the
// non-empty field lists.
func (p Prefilter) Export() FilterDoc {
	clauseMap := []struct {
		field  string
		values []string
	}{
		{"/group", p.Groups},
		{"/user", p.Users},
		{"/uri", p.URIs},
		{"/tags", p.Tags},
	}

	var clauses []Clause
	for _, c := range clauseMap {
		if len(c.values) == 0 {
			continue
		}
		clauses = append(clauses, Clause{
			Field:         []string{c.field},
			CaseSensitive: true,
			Operator:      "one_of",
			Options:       map[string]any{},
			Value:         c.values,
		})
	}

	policy := p.MatchPolicy
	if policy == "" {
		policy = "include_all"
	}

	return FilterDoc{Filter: Filter{
		Actions: Actions{
			Create: p.Create,
			Update: p.Update,
			Delete: p.Delete,
		},
		MatchPolicy: policy,
		Clauses:     clauses,
	}}
}
