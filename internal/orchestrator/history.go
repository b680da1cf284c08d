package orchestrator

import (
	"fmt"
	"time"

	"server/internal/domain"
	"server/internal/providers/genai"
)

// buildHistory assembles the full conversation history for one model call:
// persona prompt, primer exchange, every completed prior turn in index order,
// then the new user query. Failed turns and the turn currently being processed
// contribute nothing.
func buildHistory(conv *domain.Conversation, prior []domain.Turn, currentTurnID, userQuery, region string, now time.Time) []genai.Content {
	history := []genai.Content{
		genai.UserText(personaPrompt(conv.Type, now) + regionHint(region)),
		genai.ModelText(primerReply),
	}

	for _, turn := range prior {
		if turn.ID == currentTurnID || turn.Status != domain.TurnStatusComplete {
			continue
		}
		query := turn.UserQuery
		if turn.Index == 0 {
			query = fmt.Sprintf("Original Request: %s", query)
		}
		history = append(history,
			genai.UserText(query),
			genai.ModelText(turn.ModelResponse),
		)
	}

	return append(history, genai.UserText(userQuery))
}
