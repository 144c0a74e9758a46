// Package links maintains the in-memory knowledge graph: entities
// referenced from markdown content and the relations between skills,
// tools, and concepts. Recall and discovery read it; it is never on the
// critical turn path.
package links

import (
	"sort"
	"strings"
	"sync"
)

// EntityType classifies a graph node.
type EntityType string

const (
	EntitySkill   EntityType = "SKILL"
	EntityTool    EntityType = "TOOL"
	EntityConcept EntityType = "CONCEPT"
)

// RelationKind classifies an edge.
type RelationKind string

const (
	RelationContains  RelationKind = "CONTAINS"
	RelationRelatedTo RelationKind = "RELATED_TO"
)

// Entity is one graph node.
type Entity struct {
	ID   string
	Name string
	Type EntityType
	// Note carries free-form detail, e.g. a skill description.
	Note string
}

// Relation is a directed edge between two entities. Entities never hold
// references to each other; traversal goes through the graph's indices.
type Relation struct {
	SrcID string
	DstID string
	Kind  RelationKind
	Note  string
}

// EntityID derives the stable id for a (type, name) pair.
func EntityID(typ EntityType, name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = strings.Join(strings.Fields(slug), "-")
	return strings.ToLower(string(typ)) + ":" + slug
}

// Graph stores entities and relations with secondary indices for name,
// type, and edge lookups. The graph may be cyclic; all traversal is by
// index join.
type Graph struct {
	mu        sync.RWMutex
	entities  map[string]Entity
	relations []Relation

	byName  map[string]string
	byType  map[EntityType][]string
	outIdx  map[string][]int
	inIdx   map[string][]int
	edgeIdx map[string]struct{}
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		entities: make(map[string]Entity),
		byName:   make(map[string]string),
		byType:   make(map[EntityType][]string),
		outIdx:   make(map[string][]int),
		inIdx:    make(map[string][]int),
		edgeIdx:  make(map[string]struct{}),
	}
}

// Upsert inserts the entity or updates its note, returning its id.
func (g *Graph) Upsert(typ EntityType, name, note string) string {
	id := EntityID(typ, name)
	g.mu.Lock()
	defer g.mu.Unlock()

	if existing, ok := g.entities[id]; ok {
		if note != "" && existing.Note == "" {
			existing.Note = note
			g.entities[id] = existing
		}
		return id
	}
	g.entities[id] = Entity{ID: id, Name: strings.TrimSpace(name), Type: typ, Note: note}
	g.byName[normalizeName(name)] = id
	g.byType[typ] = append(g.byType[typ], id)
	return id
}

// Relate adds a directed edge between two existing entities. Duplicate
// edges (same src, dst, kind) and edges to unknown entities are ignored.
func (g *Graph) Relate(srcID, dstID string, kind RelationKind, note string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.entities[srcID]; !ok {
		return
	}
	if _, ok := g.entities[dstID]; !ok {
		return
	}
	key := srcID + "\x00" + dstID + "\x00" + string(kind)
	if _, dup := g.edgeIdx[key]; dup {
		return
	}
	g.edgeIdx[key] = struct{}{}
	idx := len(g.relations)
	g.relations = append(g.relations, Relation{SrcID: srcID, DstID: dstID, Kind: kind, Note: note})
	g.outIdx[srcID] = append(g.outIdx[srcID], idx)
	g.inIdx[dstID] = append(g.inIdx[dstID], idx)
}

// Entity looks up a node by id.
func (g *Graph) Entity(id string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	e, ok := g.entities[id]
	return e, ok
}

// FindByName looks up a node by its case-insensitive name.
func (g *Graph) FindByName(name string) (Entity, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	id, ok := g.byName[normalizeName(name)]
	if !ok {
		return Entity{}, false
	}
	return g.entities[id], true
}

// EntitiesByType lists all nodes of one type, sorted by name.
func (g *Graph) EntitiesByType(typ EntityType) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]Entity, 0, len(g.byType[typ]))
	for _, id := range g.byType[typ] {
		out = append(out, g.entities[id])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Neighbors returns the entities reachable from id over edges of the
// given kind, in both directions. An empty kind matches every edge.
func (g *Graph) Neighbors(id string, kind RelationKind) []Entity {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]struct{})
	var out []Entity
	appendEnd := func(endID string) {
		if _, dup := seen[endID]; dup {
			return
		}
		seen[endID] = struct{}{}
		out = append(out, g.entities[endID])
	}
	for _, idx := range g.outIdx[id] {
		rel := g.relations[idx]
		if kind == "" || rel.Kind == kind {
			appendEnd(rel.DstID)
		}
	}
	for _, idx := range g.inIdx[id] {
		rel := g.relations[idx]
		if kind == "" || rel.Kind == kind {
			appendEnd(rel.SrcID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Relations returns a copy of all edges.
func (g *Graph) Relations() []Relation {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Relation(nil), g.relations...)
}

// Size reports node and edge counts.
func (g *Graph) Size() (entities, relations int) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.entities), len(g.relations)
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
