// Package pool holds the in-memory annotation index for one
// synchronization session: records by id, reply threading by id edges,
// and lazily built tag and uri indices.
package pool

import (
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/scholarly/hypersync/internal/annotation"
)

// Pool is the session's identity map over annotations. Thread edges
// are stored as (parent id, child id) pairs, never object references,
// so stale pointers cannot survive an update.
//
// Pool is single-writer: the one sync handler mutates it. The mutex
// only serializes that writer against concurrent readers such as the
// status API; queries that build the lazy indices count as writes.
type Pool struct {
	mu      sync.Mutex
	annos   []*annotation.Annotation
	index   map[string]*annotation.Annotation
	replies map[string]map[string]struct{} // parent id -> child ids
	orphans map[string]struct{}            // reply ids with a missing ancestor

	// built on first query, then maintained incrementally
	tagIndex map[string]map[string]struct{} // tag -> ids
	uriTags  map[string]map[string]struct{} // uri -> tags
}

// New builds a pool over the given records.
func New(annos []*annotation.Annotation) *Pool {
	p := &Pool{
		index:   make(map[string]*annotation.Annotation, len(annos)),
		replies: make(map[string]map[string]struct{}),
		orphans: make(map[string]struct{}),
	}
	for _, a := range annos {
		p.Add(a)
	}
	return p
}

// Len is the number of records in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.annos)
}

// Annos returns a snapshot of the record list in arrival order.
func (p *Pool) Annos() []*annotation.Annotation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*annotation.Annotation, len(p.annos))
	copy(out, p.annos)
	return out
}

// ByID returns the record for id, nil when absent.
func (p *Pool) ByID(id string) *annotation.Annotation {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.index[id]
}

// Add inserts a record, replacing any prior record with the same id.
func (p *Pool) Add(a *annotation.Annotation) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.add(a)
}

func (p *Pool) add(a *annotation.Annotation) {
	if _, exists := p.index[a.ID()]; exists {
		p.remove(a.ID())
	}
	p.annos = append(p.annos, a)
	p.index[a.ID()] = a
	if !p.link(a) {
		log.Warn().Str("id", a.ID()).Msg("dangling reply")
		p.orphans[a.ID()] = struct{}{}
	}
	p.indexTags(a)

	// A new arrival may be the missing ancestor of earlier orphans.
	for id := range p.orphans {
		orphan := p.index[id]
		if orphan == nil {
			delete(p.orphans, id)
			continue
		}
		if p.link(orphan) {
			delete(p.orphans, id)
		}
	}
}

// Remove deletes the record with id. Reports whether it was present.
func (p *Pool) Remove(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[id]; !ok {
		return false
	}
	p.remove(id)
	return true
}

func (p *Pool) remove(id string) {
	a := p.index[id]
	delete(p.index, id)
	delete(p.orphans, id)
	for i, b := range p.annos {
		if b.ID() == id {
			p.annos = append(p.annos[:i], p.annos[i+1:]...)
			break
		}
	}
	// drop thread edges in both directions
	delete(p.replies, id)
	for _, ref := range a.References() {
		if children, ok := p.replies[ref]; ok {
			delete(children, id)
		}
	}
	p.unindexTags(a)
}

// link records the thread edges of a reply. Reports whether every
// ancestor resolved.
func (p *Pool) link(a *annotation.Annotation) bool {
	complete := true
	for _, ref := range a.References() {
		if _, ok := p.index[ref]; !ok {
			complete = false
			continue
		}
		children, ok := p.replies[ref]
		if !ok {
			children = make(map[string]struct{})
			p.replies[ref] = children
		}
		children[a.ID()] = struct{}{}
	}
	return complete
}

// Replies returns the direct and indirect replies recorded for id, in
// updated order.
func (p *Pool) Replies(id string) []*annotation.Annotation {
	p.mu.Lock()
	defer p.mu.Unlock()
	children := p.replies[id]
	if len(children) == 0 {
		return nil
	}
	out := make([]*annotation.Annotation, 0, len(children))
	for child := range children {
		if a := p.index[child]; a != nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated() < out[j].Updated() })
	return out
}

// Parents walks a reply's ancestor chain by id, direct parent first.
// Missing ancestors are skipped.
func (p *Pool) Parents(a *annotation.Annotation) []*annotation.Annotation {
	p.mu.Lock()
	defer p.mu.Unlock()
	refs := a.References()
	var out []*annotation.Annotation
	for i := len(refs) - 1; i >= 0; i-- {
		if parent := p.index[refs[i]]; parent != nil {
			out = append(out, parent)
		}
	}
	return out
}

// Parent is the direct parent of a reply, nil when the record is not a
// reply or the parent is missing.
func (p *Pool) Parent(a *annotation.Annotation) *annotation.Annotation {
	parents := p.Parents(a)
	if len(parents) == 0 {
		return nil
	}
	return parents[0]
}

// Orphans lists replies whose ancestors were never seen.
func (p *Pool) Orphans() []*annotation.Annotation {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*annotation.Annotation, 0, len(p.orphans))
	for id := range p.orphans {
		if a := p.index[id]; a != nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// ByTag returns the records carrying tag, in updated order.
func (p *Pool) ByTag(tag string) []*annotation.Annotation {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureTagIndex()
	ids := p.tagIndex[tag]
	out := make([]*annotation.Annotation, 0, len(ids))
	for id := range ids {
		if a := p.index[id]; a != nil {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated() < out[j].Updated() })
	return out
}

// URITags returns every tag seen on the given (normalized) uri.
func (p *Pool) URITags(uri string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureTagIndex()
	tags := p.uriTags[annotation.NormIRI(uri)]
	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// URIs lists every annotated uri, normalized.
func (p *Pool) URIs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ensureTagIndex()
	out := make([]string, 0, len(p.uriTags))
	for uri := range p.uriTags {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

func (p *Pool) ensureTagIndex() {
	if p.tagIndex != nil {
		return
	}
	p.tagIndex = make(map[string]map[string]struct{})
	p.uriTags = make(map[string]map[string]struct{})
	for _, a := range p.annos {
		p.indexTags(a)
	}
}

func (p *Pool) indexTags(a *annotation.Annotation) {
	if p.tagIndex == nil {
		return // not built yet; first query will see this record
	}
	uri := annotation.NormIRI(a.URI())
	for _, tag := range a.Tags() {
		ids, ok := p.tagIndex[tag]
		if !ok {
			ids = make(map[string]struct{})
			p.tagIndex[tag] = ids
		}
		ids[a.ID()] = struct{}{}

		tags, ok := p.uriTags[uri]
		if !ok {
			tags = make(map[string]struct{})
			p.uriTags[uri] = tags
		}
		tags[tag] = struct{}{}
	}
}

func (p *Pool) unindexTags(a *annotation.Annotation) {
	if p.tagIndex == nil {
		return
	}
	for _, tag := range a.Tags() {
		if ids, ok := p.tagIndex[tag]; ok {
			delete(ids, a.ID())
			if len(ids) == 0 {
				delete(p.tagIndex, tag)
			}
		}
	}
	// uriTags entries may go stale until the next full rebuild; a tag
	// removed here can still appear for the uri if another record on
	// the same uri carries it, so recompute just that uri.
	uri := annotation.NormIRI(a.URI())
	delete(p.uriTags, uri)
	for _, b := range p.annos {
		if annotation.NormIRI(b.URI()) != uri {
			continue
		}
		p.indexTags(b)
	}
}
