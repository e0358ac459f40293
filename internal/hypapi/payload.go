package hypapi

import (
	"fmt"

	"github.com/scholarly/hypersync/internal/annotation"
)

// Payload is the outbound annotation body for create and patch.
type Payload struct {
	URI         string              `json:"uri"`
	User        string              `json:"user"`
	Permissions map[string][]string `json:"permissions"`
	Group       string              `json:"group"`
	Target      []annotation.Target `json:"target"`
	Tags        []string            `json:"tags"`
	Text        string              `json:"text"`
	Document    map[string]any      `json:"document"`
	Extra       map[string]any      `json:"extra,omitempty"`
}

// SimpleParams are the inputs for a text-quote anchored annotation.
type SimpleParams struct {
	URI      string
	Prefix   string
	Exact    string
	Suffix   string
	Text     string
	Tags     []string
	Document map[string]any
	Extra    map[string]any
}

// acct returns the fully-qualified account for the configured user.
func (c *Client) acct() string {
	return fmt.Sprintf("acct:%s@%s", c.username, c.domain)
}

// permissions is the default permission block: the group may read, the
// author may update, delete, and administer.
func (c *Client) permissions() map[string][]string {
	return map[string][]string{
		"read":   {"group:" + c.group},
		"update": {c.acct()},
		"delete": {c.acct()},
		"admin":  {c.acct()},
	}
}

// BuildPayload assembles the create/patch body for a text-quote
// anchored annotation. With an empty Exact the target degrades to a
// bare source anchor.
func (c *Client) BuildPayload(p SimpleParams) *Payload {
	var target []annotation.Target
	if p.Exact == "" {
		target = []annotation.Target{{Source: p.URI}}
	} else {
		target = []annotation.Target{{
			Scope: []string{p.URI},
			Selector: []annotation.Selector{{
				Type:   annotation.TextQuoteSelector,
				Prefix: p.Prefix,
				Exact:  p.Exact,
				Suffix: p.Suffix,
			}},
		}}
	}

	tags := p.Tags
	if tags == nil {
		tags = []string{}
	}
	document := p.Document
	if document == nil {
		document = map[string]any{}
	}

	return &Payload{
		URI:         p.URI,
		User:        c.acct(),
		Permissions: c.permissions(),
		Group:       c.group,
		Target:      target,
		Tags:        tags,
		Text:        p.Text,
		Document:    document,
		Extra:       p.Extra,
	}
}
