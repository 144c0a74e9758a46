package recall

import (
	"fmt"
	"strings"

	"omniagent/pkg/models"
)

// InjectionName tags the system message carrying recalled context.
const InjectionName = "memory_recall"

const injectionHeader = "Relevant past experiences:"

// BuildInjection assembles the recall context block from the selected
// episodes, bounded by the plan's max context chars at rune boundaries.
// It returns nil when nothing fits. The output is deterministic for a
// given input, so repeated dry-run compositions are byte-identical.
func BuildInjection(selected []models.ScoredEpisode, plan Plan) *models.ChatMessage {
	if len(selected) == 0 {
		return nil
	}

	var b strings.Builder
	b.WriteString(injectionHeader)
	budget := plan.MaxContextChars - len([]rune(injectionHeader))
	wrote := false

	for _, cand := range selected {
		line := fmt.Sprintf("\n- [score=%.2f] %s — %s",
			cand.Score, strings.TrimSpace(cand.Episode.Intent), strings.TrimSpace(cand.Episode.Experience))
		runes := []rune(line)
		if len(runes) > budget {
			if !wrote && budget > 16 {
				// First episode gets truncated rather than dropped so a
				// tight budget still injects something useful.
				line = string(runes[:budget-1]) + "…"
				b.WriteString(line)
				budget = 0
				wrote = true
			}
			break
		}
		b.WriteString(line)
		budget -= len(runes)
		wrote = true
	}

	if !wrote {
		return nil
	}
	return &models.ChatMessage{
		Role:    models.RoleSystem,
		Name:    InjectionName,
		Content: b.String(),
	}
}
