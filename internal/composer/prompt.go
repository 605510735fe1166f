package composer

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/kalambet/thesisrag/internal/history"
	"github.com/kalambet/thesisrag/internal/retrieval"
)

const (
	defaultMaxContextTokens = 6000
	defaultPersona          = "Atifeh"
)

// NotFoundMessage is the fixed reply when the knowledge base cannot answer.
const NotFoundMessage = "اطلاعات موجود در متن برای پاسخ به این پرسش کافی نیست."

// Citation is a passage included in the knowledge base section.
type Citation struct {
	ID    int     `json:"id"`
	Text  string  `json:"text"`
	Score float64 `json:"score"`
}

// Payload is everything the generator needs to answer one query. It is
// rendered into a system prompt and a user prompt.
type Payload struct {
	Query        string          `json:"query"`
	Passages     []Citation      `json:"passages"`
	History      []history.Entry `json:"history,omitempty"`
	ReplyContext string          `json:"reply_context,omitempty"`
	Grounded     bool            `json:"grounded"`

	persona string
}

// Composer assembles grounded prompts from ranked passages, recent
// conversation and the user query.
type Composer struct {
	Persona          string
	MaxContextTokens int
}

// New creates a Composer. maxContextTokens bounds the knowledge base
// section; if <= 0 the default (6000) is used.
func New(persona string, maxContextTokens int) *Composer {
	if persona == "" {
		persona = defaultPersona
	}
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	return &Composer{Persona: persona, MaxContextTokens: maxContextTokens}
}

// Assemble builds the payload for query. Results must be in ranked order;
// passages are taken from the top until the token budget runs out, so lower
// ranked passages are dropped first. The top passage is always kept, cut to
// the budget if it is larger. A payload with no passages is not grounded.
func (c *Composer) Assemble(query string, results []retrieval.Result, hist []history.Entry, replyContext string) Payload {
	p := Payload{
		Query:        query,
		History:      hist,
		ReplyContext: replyContext,
		persona:      c.Persona,
	}

	remaining := c.MaxContextTokens
	for _, r := range results {
		tokens := EstimateTokens(formatPassage(r.PassageID, r.Text))
		if tokens > remaining {
			if len(p.Passages) == 0 {
				keep := remaining*4 - utf8.RuneCountInString(formatPassage(r.PassageID, ""))
				p.Passages = append(p.Passages, Citation{ID: r.PassageID, Text: truncateRunes(r.Text, max(keep, 1)), Score: r.Score})
			}
			break
		}
		p.Passages = append(p.Passages, Citation{ID: r.PassageID, Text: r.Text, Score: r.Score})
		remaining -= tokens
	}
	p.Grounded = len(p.Passages) > 0
	return p
}

// SystemPrompt renders persona, task and rules.
func (p Payload) SystemPrompt() string {
	persona := p.persona
	if persona == "" {
		persona = defaultPersona
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %q, an assistant specialized in Electronic Literature. ", persona)
	sb.WriteString("Everything you know comes from passages of one doctoral thesis given in <KNOWLEDGE_BASE>.\n\n")

	sb.WriteString("# RULES\n")
	if !p.Grounded {
		sb.WriteString("1. No passage of the thesis matched this query. Do not answer from general knowledge. ")
		fmt.Fprintf(&sb, "Reply with exactly: %q\n", NotFoundMessage)
		return sb.String()
	}
	sb.WriteString("1. Strict grounding: derive the answer only from <KNOWLEDGE_BASE>. Never use outside knowledge. ")
	fmt.Fprintf(&sb, "If the passages are insufficient, reply with exactly: %q\n", NotFoundMessage)
	sb.WriteString("2. Citations: end every sentence that uses a passage with its id, like [Source: 12]. ")
	sb.WriteString("When a sentence combines passages, cite all of them, like [Source: 12, 15].\n")
	sb.WriteString("3. <CONVERSATION_HISTORY> and <REPLIED_MESSAGE_CONTEXT> only explain what the user means. ")
	sb.WriteString("They are not a source and must never be cited.\n")
	sb.WriteString("4. Keep a formal, academic and concise tone. Answer in the language of the query.\n")
	return sb.String()
}

// UserPrompt renders the knowledge base, the advisory context sections and
// the query.
func (p Payload) UserPrompt() string {
	var sb strings.Builder

	sb.WriteString("<KNOWLEDGE_BASE>\n")
	for _, c := range p.Passages {
		sb.WriteString(formatPassage(c.ID, c.Text))
	}
	sb.WriteString("</KNOWLEDGE_BASE>\n\n")

	if p.ReplyContext != "" {
		sb.WriteString("<REPLIED_MESSAGE_CONTEXT>\n")
		sb.WriteString("(advisory: the message the user replied to; not a knowledge source)\n")
		sb.WriteString(p.ReplyContext)
		sb.WriteString("\n</REPLIED_MESSAGE_CONTEXT>\n\n")
	}

	if len(p.History) > 0 {
		sb.WriteString("<CONVERSATION_HISTORY>\n")
		sb.WriteString("(advisory: recent group messages; not a knowledge source)\n")
		for _, e := range p.History {
			fmt.Fprintf(&sb, "%s: %s\n", e.Speaker, e.Text)
		}
		sb.WriteString("</CONVERSATION_HISTORY>\n\n")
	}

	sb.WriteString("<USER_QUERY>\n")
	sb.WriteString(p.Query)
	sb.WriteString("\n</USER_QUERY>\n")
	return sb.String()
}

// PassageIDs returns the cited passage ids in rank order.
func (p Payload) PassageIDs() []int {
	ids := make([]int, len(p.Passages))
	for i, c := range p.Passages {
		ids[i] = c.ID
	}
	return ids
}

// SummaryPrompt renders the instructions and transcript for summarizing a
// conversation.
func SummaryPrompt(entries []history.Entry) (system, prompt string) {
	system = "You summarize group chat conversations. Reduce the conversation to a few short key sentences, in the language the participants used."

	var sb strings.Builder
	sb.WriteString("<CONVERSATION>\n")
	for _, e := range entries {
		fmt.Fprintf(&sb, "%s: %s\n", e.Speaker, e.Text)
	}
	sb.WriteString("</CONVERSATION>\n")
	return system, sb.String()
}

func formatPassage(id int, text string) string {
	return fmt.Sprintf("[Source: %d]\n%s\n\n", id, text)
}

// citationOverhead is the rune length formatPassage adds around a passage
// with an id of up to six digits.
var citationOverhead = utf8.RuneCountInString(formatPassage(999999, ""))

// WindowTokens is the budget a passage of n runes takes in the knowledge
// base section, citation header included.
func WindowTokens(n int) int {
	return (n + citationOverhead + 3) / 4
}

// EstimateTokens is a rough token count: four runes per token.
func EstimateTokens(text string) int {
	return (utf8.RuneCountInString(text) + 3) / 4
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
