package links

// SkillDoc is a parsed skill document: the skill itself, the tools it
// packages, and the concepts that route to it.
type SkillDoc struct {
	Name        string
	Description string
	Tools       []string
	Concepts    []string
	// Related names other skills this one complements.
	Related []string
}

// RegisterSkillEntities loads skill documents into the graph: one SKILL
// entity per document, TOOL entities under CONTAINS edges, CONCEPT
// entities under RELATED_TO edges, and RELATED_TO edges between skills
// that name each other. Entities referenced by multiple documents are
// shared, not duplicated. Returns the ids of the skill entities in
// document order.
func RegisterSkillEntities(g *Graph, docs []SkillDoc) []string {
	ids := make([]string, 0, len(docs))
	for _, doc := range docs {
		if doc.Name == "" {
			continue
		}
		skillID := g.Upsert(EntitySkill, doc.Name, doc.Description)
		ids = append(ids, skillID)

		for _, tool := range doc.Tools {
			if tool == "" {
				continue
			}
			toolID := g.Upsert(EntityTool, tool, "")
			g.Relate(skillID, toolID, RelationContains, "")
		}
		for _, concept := range doc.Concepts {
			if concept == "" {
				continue
			}
			conceptID := g.Upsert(EntityConcept, concept, "")
			g.Relate(skillID, conceptID, RelationRelatedTo, "")
		}
	}

	// Second pass so forward references between skills resolve.
	for _, doc := range docs {
		if doc.Name == "" {
			continue
		}
		skillID := EntityID(EntitySkill, doc.Name)
		for _, related := range doc.Related {
			other, ok := g.FindByName(related)
			if !ok || other.Type != EntitySkill {
				continue
			}
			g.Relate(skillID, other.ID, RelationRelatedTo, "")
		}
	}
	return ids
}
