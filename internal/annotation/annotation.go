package annotation

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Selector types emitted by the Hypothes.is API (subset of the W3C
// annotation model that actually shows up in search rows).
const (
	TextQuoteSelector    = "TextQuoteSelector"
	TextPositionSelector = "TextPositionSelector"
	FragmentSelector     = "FragmentSelector"
)

// Derived record types, see Type.
const (
	TypeAnnotation = "annotation"
	TypeReply      = "reply"
	TypePageNote   = "pagenote"
)

// Selector describes one anchor inside a target. Only the fields for
// the selector's Type are populated.
type Selector struct {
	Type   string `json:"type,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Exact  string `json:"exact,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	Start  int    `json:"start,omitempty"`
	End    int    `json:"end,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Target is one anchoring of an annotation to a document. Targets that
// carry only Source anchor the document as a whole.
type Target struct {
	Source   string     `json:"source,omitempty"`
	Scope    []string   `json:"scope,omitempty"`
	Selector []Selector `json:"selector,omitempty"`
}

// Link is one entry of a document's link list.
type Link struct {
	Href string `json:"href"`
}

// TitleList absorbs the API's habit of sending document titles as
// either a bare string or a list of strings.
type TitleList []string

func (t *TitleList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*t = TitleList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("document title is neither string nor list: %w", err)
	}
	*t = TitleList(many)
	return nil
}

// Document is the document sub-record of an annotation row.
type Document struct {
	Title    TitleList `json:"title,omitempty"`
	Filename string    `json:"filename,omitempty"`
	Link     []Link    `json:"link,omitempty"`
}

// row mirrors the wire fields we read. The raw bytes stay authoritative
// for re-serialization so fields we do not model survive round trips.
type row struct {
	ID          string              `json:"id"`
	Group       string              `json:"group"`
	User        string              `json:"user"`
	Created     string              `json:"created"`
	Updated     string              `json:"updated"`
	URI         string              `json:"uri"`
	Text        string              `json:"text"`
	Tags        []string            `json:"tags"`
	References  []string            `json:"references"`
	Document    Document            `json:"document"`
	Target      []Target            `json:"target"`
	Permissions map[string][]string `json:"permissions"`
	Deleted     bool                `json:"deleted,omitempty"`
}

// Annotation is an immutable decoded view over one server row.
type Annotation struct {
	raw []byte
	row row
}

// Parse decodes one search/notification row.
func Parse(data []byte) (*Annotation, error) {
	a := &Annotation{raw: append([]byte(nil), data...)}
	if err := json.Unmarshal(data, &a.row); err != nil {
		return nil, fmt.Errorf("decode annotation row: %w", err)
	}
	if a.row.ID == "" {
		return nil, fmt.Errorf("annotation row has no id")
	}
	return a, nil
}

// MustParse is Parse for test fixtures and literals.
func MustParse(data []byte) *Annotation {
	a, err := Parse(data)
	if err != nil {
		panic(err)
	}
	return a
}

// MarshalJSON emits the original row bytes, so persisting an annotation
// never loses fields the accessors do not model.
func (a *Annotation) MarshalJSON() ([]byte, error) {
	if a.raw != nil {
		return a.raw, nil
	}
	return json.Marshal(a.row)
}

func (a *Annotation) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}

// Raw returns the undecoded server row.
func (a *Annotation) Raw() []byte { return a.raw }

func (a *Annotation) ID() string      { return a.row.ID }
func (a *Annotation) Group() string   { return a.row.Group }
func (a *Annotation) Created() string { return a.row.Created }
func (a *Annotation) Updated() string { return a.row.Updated }
func (a *Annotation) Text() string    { return a.row.Text }

// User strips the acct: wrapper, so "acct:judell@hypothes.is" reads as
// "judell".
func (a *Annotation) User() string {
	u := strings.TrimPrefix(a.row.User, "acct:")
	if i := strings.Index(u, "@"); i >= 0 {
		u = u[:i]
	}
	return u
}

// Tags returns the tag list with surrounding whitespace trimmed.
func (a *Annotation) Tags() []string {
	if len(a.row.Tags) == 0 {
		return nil
	}
	tags := make([]string, len(a.row.Tags))
	for i, t := range a.row.Tags {
		tags[i] = strings.TrimSpace(t)
	}
	return tags
}

// References returns the ancestor id chain, root first. The last
// element is the direct parent.
func (a *Annotation) References() []string { return a.row.References }

func (a *Annotation) Document() Document { return a.row.Document }

func (a *Annotation) Targets() []Target { return a.row.Target }

func (a *Annotation) Permissions() map[string][]string { return a.row.Permissions }

// Filename is the document filename, empty when absent.
func (a *Annotation) Filename() string { return a.row.Document.Filename }

// DocTitle is the document title with double quotes flattened, falling
// back to the URI and then to "untitled".
func (a *Annotation) DocTitle() string {
	title := ""
	if len(a.row.Document.Title) > 0 {
		title = a.row.Document.Title[0]
	} else {
		title = a.URI()
	}
	title = strings.ReplaceAll(title, `"`, `'`)
	if title == "" {
		title = "untitled"
	}
	return title
}

// Links yields the document link list.
func (a *Annotation) Links() []Link { return a.row.Document.Link }

// URI returns the annotated uri with via.hypothes.is prefixes stripped.
// For urn:x-pdf uris the first non-urn document link is substituted,
// falling back to the document filename.
func (a *Annotation) URI() string {
	uri := a.row.URI
	if uri == "" {
		return fmt.Sprintf("no uri field for %s", a.row.ID)
	}
	uri = strings.TrimPrefix(uri, "https://via.hypothes.is/h/")
	uri = strings.TrimPrefix(uri, "https://via.hypothes.is/")
	if strings.HasPrefix(uri, "urn:x-pdf") {
		for _, link := range a.row.Document.Link {
			if !strings.HasPrefix(link.Href, "urn:") {
				return link.Href
			}
			uri = link.Href
		}
		if strings.HasPrefix(uri, "urn:") && a.row.Document.Filename != "" {
			uri = a.row.Document.Filename
		}
	}
	return uri
}

// Selectors flattens the selector lists of every target.
func (a *Annotation) Selectors() []Selector {
	var out []Selector
	for _, t := range a.row.Target {
		out = append(out, t.Selector...)
	}
	return out
}

func (a *Annotation) selector(typ string) (Selector, bool) {
	for _, s := range a.Selectors() {
		if s.Type == typ {
			return s, true
		}
	}
	return Selector{}, false
}

// Exact returns the TextQuote exact string, empty when unanchored.
func (a *Annotation) Exact() string {
	s, _ := a.selector(TextQuoteSelector)
	return s.Exact
}

func (a *Annotation) Prefix() string {
	s, _ := a.selector(TextQuoteSelector)
	return s.Prefix
}

func (a *Annotation) Suffix() string {
	s, _ := a.selector(TextQuoteSelector)
	return s.Suffix
}

// Position returns TextPosition offsets; ok is false when the row has
// no TextPositionSelector.
func (a *Annotation) Position() (start, end int, ok bool) {
	s, ok := a.selector(TextPositionSelector)
	return s.Start, s.End, ok
}

// Fragment returns the FragmentSelector value.
func (a *Annotation) Fragment() string {
	s, _ := a.selector(FragmentSelector)
	return s.Value
}

// IsAnnotation reports whether any target carries a selector.
func (a *Annotation) IsAnnotation() bool {
	for _, t := range a.row.Target {
		if len(t.Selector) > 0 {
			return true
		}
	}
	return false
}

func (a *Annotation) IsReply() bool { return len(a.row.References) > 0 }

func (a *Annotation) IsPageNote() bool { return !a.IsAnnotation() && !a.IsReply() }

// Type classifies the record: reply iff references are present,
// otherwise annotation iff any target has a selector, otherwise
// pagenote.
func (a *Annotation) Type() string {
	switch {
	case len(a.row.References) > 0:
		return TypeReply
	case a.IsAnnotation():
		return TypeAnnotation
	default:
		return TypePageNote
	}
}

// Equal compares the mutable identity of two records: id, text, the
// tag set, and the updated stamp. Note that updated alone is used as a
// revision proxy elsewhere; two revisions with the same updated stamp
// are indistinguishable.
func (a *Annotation) Equal(b *Annotation) bool {
	if a.row.ID != b.row.ID || a.row.Text != b.row.Text || a.row.Updated != b.row.Updated {
		return false
	}
	at, bt := a.Tags(), b.Tags()
	if len(at) != len(bt) {
		return false
	}
	set := make(map[string]struct{}, len(at))
	for _, t := range at {
		set[t] = struct{}{}
	}
	for _, t := range bt {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// Tombstone marks a deleted annotation; only the id survives.
type Tombstone struct {
	ID      string `json:"id"`
	Deleted bool   `json:"deleted"`
}

// NewTombstone builds the delete marker for id.
func NewTombstone(id string) Tombstone {
	return Tombstone{ID: id, Deleted: true}
}
