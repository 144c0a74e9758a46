package links

import (
	"regexp"
	"strings"
)

// EntityRef is one wikilink-style reference found in content.
type EntityRef struct {
	Name string
	// Type is the optional "#Type" qualifier, uppercased. Empty when
	// the reference carries no qualifier.
	Type string
}

// wikilinkPattern matches [[Name]] and [[Name#Type]].
var wikilinkPattern = regexp.MustCompile(`\[\[([^\[\]#|]+)(?:#([^\[\]]+))?\]\]`)

// ExtractEntityRefs finds wikilink references in markdown content,
// deduplicated by case-insensitive name. The first occurrence of a name
// wins, so a later typed reference never overrides an earlier bare one.
func ExtractEntityRefs(content string) []EntityRef {
	matches := wikilinkPattern.FindAllStringSubmatch(content, -1)
	seen := make(map[string]struct{})

	var refs []EntityRef
	for _, match := range matches {
		name := strings.TrimSpace(match[1])
		if name == "" {
			continue
		}
		key := strings.ToLower(name)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		refs = append(refs, EntityRef{
			Name: name,
			Type: strings.ToUpper(strings.TrimSpace(match[2])),
		})
	}
	return refs
}
