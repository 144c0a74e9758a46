package recall

import (
	"strings"

	"omniagent/internal/links"
	"omniagent/pkg/models"
)

// entityBoostPerMatch is added to a candidate's relevance for each entity
// the episode shares with the user's message, up to entityBoostCap.
const (
	entityBoostPerMatch = 0.05
	entityBoostCap      = 0.15
)

// BoostByEntities raises the relevance of candidates whose episode text
// mentions the same wikilink entities as the user's message. Messages
// without entity references pass candidates through untouched, so the
// boost never sits on the critical path.
func BoostByEntities(userText string, candidates []models.ScoredEpisode) []models.ScoredEpisode {
	refs := links.ExtractEntityRefs(userText)
	if len(refs) == 0 {
		return candidates
	}

	wanted := make(map[string]struct{}, len(refs))
	for _, ref := range refs {
		wanted[strings.ToLower(ref.Name)] = struct{}{}
	}

	boosted := make([]models.ScoredEpisode, len(candidates))
	for i, cand := range candidates {
		boosted[i] = cand
		bonus := 0.0
		for _, ref := range links.ExtractEntityRefs(cand.Episode.Intent + "\n" + cand.Episode.Experience) {
			if _, ok := wanted[strings.ToLower(ref.Name)]; ok {
				bonus += entityBoostPerMatch
			}
		}
		if bonus > entityBoostCap {
			bonus = entityBoostCap
		}
		if bonus > 0 {
			boosted[i].Score = cand.Score + bonus
			if boosted[i].Score > 1 {
				boosted[i].Score = 1
			}
		}
	}
	return boosted
}
