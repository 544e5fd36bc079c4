// Package prompt assembles model message lists from retrieved material,
// conversation history and the current user message.
package prompt

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"

	"github.com/oca-labs/oca/internal/knowledge"
	"github.com/oca-labs/oca/internal/session"
)

// DefaultTutoringTemplate guides the model through retrieved course material.
// %s is replaced by the provenance-tagged context block.
const DefaultTutoringTemplate = `You are a patient, encouraging tutor. Guide the student toward
understanding rather than handing over finished answers. Prefer asking a
leading question over stating the solution outright.

Base your explanations on the following course material when it is relevant:

%s

If the material does not cover the question, say so and answer from general
knowledge, making clear that you are doing so.`

// DefaultSearchTemplate instructs the model to summarize retrieved material
// for direct information access.
const DefaultSearchTemplate = `You answer questions concisely using the reference material below.
Cite the source document when you rely on it. If the material is not
relevant, answer from general knowledge and say that no matching material
was found.

%s`

// noMaterialPlaceholder is substituted when retrieval produced nothing.
const noMaterialPlaceholder = "(no relevant course material was found for this question)"

// Assembler builds ordered message lists within a rune budget.
//
// When a prompt exceeds the budget, whole elements are dropped in a fixed
// order: oldest history pairs first, then lowest-similarity chunks. Chunk
// text is never cut mid-content. The system skeleton and the current user
// message always survive.
type Assembler struct {
	template string
	budget   int
	logger   *slog.Logger
}

// NewAssembler creates an Assembler. template must contain exactly one %s
// verb for the context block. A budget <= 0 disables truncation.
func NewAssembler(template string, budget int, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Assembler{template: template, budget: budget, logger: logger}
}

// Build assembles [system, (user, assistant)*, user] and returns the
// messages together with the chunks that survived truncation, ordered by
// descending similarity.
func (a *Assembler) Build(matches []knowledge.Match, history []session.Turn, userMessage string) ([]*ai.Message, []knowledge.Match) {
	kept := make([]knowledge.Match, len(matches))
	copy(kept, matches)

	for {
		msgs, size := a.assemble(kept, history, userMessage)
		if a.budget <= 0 || size <= a.budget {
			return msgs, kept
		}

		if len(history) > 0 {
			a.logger.Info("prompt over budget, dropping oldest history turn",
				"size", size, "budget", a.budget, "history_turns", len(history))
			history = history[1:]
			continue
		}
		if len(kept) > 0 {
			dropped := kept[len(kept)-1]
			a.logger.Info("prompt over budget, dropping lowest-similarity chunk",
				"size", size, "budget", a.budget,
				"document", dropped.Chunk.DocumentName, "similarity", dropped.Similarity)
			kept = kept[:len(kept)-1]
			continue
		}

		// Skeleton plus user message alone exceed the budget. Nothing
		// further can be dropped, so send it as-is.
		a.logger.Warn("prompt exceeds budget with no droppable elements",
			"size", size, "budget", a.budget)
		return msgs, kept
	}
}

func (a *Assembler) assemble(matches []knowledge.Match, history []session.Turn, userMessage string) ([]*ai.Message, int) {
	systemText := fmt.Sprintf(a.template, ContextBlock(matches))

	msgs := make([]*ai.Message, 0, 2+2*len(history))
	msgs = append(msgs, ai.NewSystemMessage(ai.NewTextPart(systemText)))

	size := len([]rune(systemText))
	for _, turn := range history {
		msgs = append(msgs,
			ai.NewUserMessage(ai.NewTextPart(turn.User)),
			ai.NewModelMessage(ai.NewTextPart(turn.Assistant)))
		size += len([]rune(turn.User)) + len([]rune(turn.Assistant))
	}

	msgs = append(msgs, ai.NewUserMessage(ai.NewTextPart(userMessage)))
	size += len([]rune(userMessage))

	return msgs, size
}

// ContextBlock renders matches as provenance-tagged excerpts, one per chunk.
func ContextBlock(matches []knowledge.Match) string {
	if len(matches) == 0 {
		return noMaterialPlaceholder
	}

	var b strings.Builder
	for i, m := range matches {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(provenance(m.Chunk))
		b.WriteByte('\n')
		b.WriteString(m.Chunk.Content)
	}
	return b.String()
}

func provenance(c knowledge.Chunk) string {
	var b strings.Builder
	b.WriteString("[Source: ")
	b.WriteString(c.DocumentName)
	if c.Section != "" {
		b.WriteString(", section ")
		b.WriteString(c.Section)
	}
	if c.PageNumber > 0 {
		fmt.Fprintf(&b, ", p. %d", c.PageNumber)
	}
	b.WriteByte(']')
	return b.String()
}
