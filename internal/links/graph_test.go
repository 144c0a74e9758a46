package links

import (
	"reflect"
	"testing"
)

func TestExtractEntityRefs(t *testing.T) {
	content := "See [[Web Crawler]] and [[rate limiting#CONCEPT]].\n" +
		"Also [[Web Crawler#TOOL]] again, plus [[  ]] and [[Scheduler#tool]]."

	refs := ExtractEntityRefs(content)
	want := []EntityRef{
		{Name: "Web Crawler"},
		{Name: "rate limiting", Type: "CONCEPT"},
		{Name: "Scheduler", Type: "TOOL"},
	}
	if !reflect.DeepEqual(refs, want) {
		t.Fatalf("refs = %+v, want %+v", refs, want)
	}
}

func TestExtractEntityRefsDedupIsCaseInsensitive(t *testing.T) {
	refs := ExtractEntityRefs("[[Crawler]] then [[crawler#TOOL]]")
	if len(refs) != 1 {
		t.Fatalf("got %d refs, want 1", len(refs))
	}
	if refs[0].Name != "Crawler" || refs[0].Type != "" {
		t.Fatalf("first occurrence should win: %+v", refs[0])
	}
}

func TestExtractEntityRefsNone(t *testing.T) {
	if refs := ExtractEntityRefs("plain [not a link] text"); refs != nil {
		t.Fatalf("expected nil, got %+v", refs)
	}
}

func TestGraphUpsertAndIndices(t *testing.T) {
	g := NewGraph()
	id := g.Upsert(EntitySkill, "Web Crawler", "fetches pages")
	if id != "skill:web-crawler" {
		t.Fatalf("id = %q", id)
	}

	// Second upsert keeps the entity and fills no new note.
	again := g.Upsert(EntitySkill, "web crawler", "other")
	if again != id {
		t.Fatalf("duplicate upsert created new id %q", again)
	}

	entity, ok := g.FindByName("WEB CRAWLER")
	if !ok || entity.Note != "fetches pages" {
		t.Fatalf("FindByName = %+v, %t", entity, ok)
	}
	entities, relations := g.Size()
	if entities != 1 || relations != 0 {
		t.Fatalf("size = %d/%d", entities, relations)
	}
}

func TestGraphCyclesAndNeighbors(t *testing.T) {
	g := NewGraph()
	a := g.Upsert(EntitySkill, "alpha", "")
	b := g.Upsert(EntitySkill, "beta", "")
	g.Relate(a, b, RelationRelatedTo, "")
	g.Relate(b, a, RelationRelatedTo, "")
	// Duplicate edge is ignored.
	g.Relate(a, b, RelationRelatedTo, "")

	if _, relations := g.Size(); relations != 2 {
		t.Fatalf("relations = %d, want 2", relations)
	}
	neighbors := g.Neighbors(a, RelationRelatedTo)
	if len(neighbors) != 1 || neighbors[0].ID != b {
		t.Fatalf("neighbors = %+v", neighbors)
	}
}

func TestRelateUnknownEntityIgnored(t *testing.T) {
	g := NewGraph()
	a := g.Upsert(EntityTool, "hammer", "")
	g.Relate(a, "skill:ghost", RelationContains, "")
	g.Relate("skill:ghost", a, RelationContains, "")
	if _, relations := g.Size(); relations != 0 {
		t.Fatal("edges to unknown entities must be dropped")
	}
}

func TestRegisterSkillEntities(t *testing.T) {
	g := NewGraph()
	docs := []SkillDoc{
		{
			Name:        "Web Research",
			Description: "crawl and summarize",
			Tools:       []string{"crawl", "summarize"},
			Concepts:    []string{"search"},
			Related:     []string{"Report Writing"},
		},
		{
			Name:     "Report Writing",
			Tools:    []string{"summarize"},
			Concepts: []string{"formatting"},
		},
	}

	ids := RegisterSkillEntities(g, docs)
	if len(ids) != 2 {
		t.Fatalf("ids = %v", ids)
	}

	// Shared tool is one entity with two CONTAINS parents.
	tool, ok := g.FindByName("summarize")
	if !ok || tool.Type != EntityTool {
		t.Fatalf("tool = %+v, %t", tool, ok)
	}
	parents := g.Neighbors(tool.ID, RelationContains)
	if len(parents) != 2 {
		t.Fatalf("summarize parents = %+v", parents)
	}

	// Forward reference between skills resolves on the second pass.
	related := g.Neighbors(ids[0], RelationRelatedTo)
	foundSkill := false
	for _, e := range related {
		if e.Type == EntitySkill && e.Name == "Report Writing" {
			foundSkill = true
		}
	}
	if !foundSkill {
		t.Fatalf("related = %+v, want Report Writing", related)
	}

	if skills := g.EntitiesByType(EntitySkill); len(skills) != 2 {
		t.Fatalf("skills = %+v", skills)
	}
}
