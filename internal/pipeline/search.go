package pipeline

import (
	"fmt"
	"strings"
)

// Match is a passage containing the searched keyword.
type Match struct {
	PassageID int    `json:"passage_id"`
	Text      string `json:"text"`
}

// SearchReport lists every passage that contains a keyword, in corpus order.
type SearchReport struct {
	Keyword string  `json:"keyword"`
	Matches []Match `json:"matches"`
}

// Search performs a case-insensitive substring search over passage text.
// It does not touch the embedder, the generator or the history buffer.
func (o *Orchestrator) Search(keyword string) (SearchReport, error) {
	keyword = strings.TrimSpace(keyword)
	if keyword == "" {
		return SearchReport{}, ErrEmptyQuery
	}
	// No corpus was loaded. NewCorpus never yields an empty one.
	if o.corpus == nil {
		return SearchReport{}, ErrUnavailable
	}

	needle := strings.ToLower(keyword)
	report := SearchReport{Keyword: keyword, Matches: []Match{}}
	for _, p := range o.corpus.Passages() {
		if strings.Contains(strings.ToLower(p.Text), needle) {
			report.Matches = append(report.Matches, Match{PassageID: p.ID, Text: p.Text})
		}
	}
	return report, nil
}

// Format renders the report for chat. At most max matches are shown; the
// rest are summarized in a trailing count. max <= 0 uses the
// orchestrator's default of three.
func (r SearchReport) Format(max int) string {
	if max <= 0 {
		max = 3
	}
	if len(r.Matches) == 0 {
		return fmt.Sprintf("❌ هیچ نتیجه‌ای برای کلمه «%s» در متن یافت نشد.", r.Keyword)
	}

	shown := r.Matches
	if len(shown) > max {
		shown = shown[:max]
	}
	parts := make([]string, len(shown))
	for i, m := range shown {
		parts[i] = m.Text
	}

	var b strings.Builder
	fmt.Fprintf(&b, "✅ نتایج یافت شده برای کلمه «%s»:\n\n", r.Keyword)
	b.WriteString(strings.Join(parts, "\n\n---\n\n"))
	if rest := len(r.Matches) - len(shown); rest > 0 {
		fmt.Fprintf(&b, "\n\n... و %d نتیجه دیگر نیز یافت شد.", rest)
	}
	return b.String()
}

// SearchMaxResults is the number of matches Format shows by default.
func (o *Orchestrator) SearchMaxResults() int { return o.opts.SearchMaxResults }
