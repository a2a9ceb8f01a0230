package pipeline

import (
	"fmt"
	"strings"

	"github.com/canopy-rag/canopy/pkg/models"
)

const ragSystemPrompt = `You are a careful assistant that answers questions using only the provided context passages. If the context does not contain the answer, say that you do not know. Be concise and cite facts from the context rather than prior knowledge.`

const directSystemPrompt = `You are a careful, concise assistant. Answer the question directly.`

// buildPrompts assembles the system and user prompts for generation. With no
// context chunks (DIRECT route or empty retrieval) the question goes through
// unadorned under the direct system prompt.
func buildPrompts(question string, chunks []models.Chunk) (system, user string) {
	if len(chunks) == 0 {
		return directSystemPrompt, question
	}

	var b strings.Builder
	b.WriteString("Context passages:\n")
	for i, c := range chunks {
		fmt.Fprintf(&b, "[%d] %s\n", i+1, c.Text)
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(question)
	return ragSystemPrompt, b.String()
}
