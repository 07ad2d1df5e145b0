// Package basicqa is the bundled adapter for plain Q&A markdown: lines
// starting with Q: open a question, A: an answer, blank lines separate
// cards, and continuation lines extend whichever part is open.
package basicqa

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"github.com/AM-Campbell/sr/internal/adapter"
	"github.com/AM-Campbell/sr/internal/domain"
)

const name = "basic_qa"

func init() {
	adapter.Register(Adapter{})
}

// Adapter parses Q&A pairs and renders them with a minimal markdown subset.
type Adapter struct{}

func (Adapter) Name() string { return name }

var questionPrefixes = []string{"!Q:", "!q:", "Q:", "q:"}

// Parse extracts Q&A pairs. Card keys are positional (qa_1, qa_2, ...),
// stable as long as cards keep their order in the file.
func (Adapter) Parse(text, path string, meta map[string]any) ([]domain.ParsedCard, error) {
	body := text
	bodyStartLine := 1
	if strings.HasPrefix(text, "---") {
		if end := strings.Index(text[3:], "\n---"); end != -1 {
			cut := end + 3 + 4
			body = text[cut:]
			bodyStartLine = strings.Count(text[:cut], "\n") + 1
		}
	}

	tags := metaTags(meta)
	suspended, _ := meta["suspended"].(bool)

	var cards []domain.ParsedCard
	var question, answer string
	var haveQuestion, haveAnswer bool
	questionLine := 1

	finish := func() {
		if haveQuestion && haveAnswer {
			cards = append(cards, makeCard(question, answer, len(cards)+1, tags, suspended, questionLine))
		}
		haveQuestion, haveAnswer = false, false
	}

	lines := append(strings.Split(body, "\n"), "")
	for i, line := range lines {
		stripped := strings.TrimSpace(line)
		absLine := bodyStartLine + i

		isQ := false
		for _, prefix := range questionPrefixes {
			if strings.HasPrefix(stripped, prefix) {
				isQ = true
				stripped = strings.TrimSpace(stripped[len(prefix):])
				break
			}
		}

		switch {
		case isQ:
			finish()
			question = stripped
			questionLine = absLine
			haveQuestion = true
		case strings.HasPrefix(stripped, "A:") || strings.HasPrefix(stripped, "a:"):
			answer = strings.TrimSpace(stripped[2:])
			haveAnswer = true
		case stripped == "":
			finish()
		case haveAnswer:
			answer += "\n" + stripped
		case haveQuestion:
			question += "\n" + stripped
		}
	}
	finish()

	return cards, nil
}

func makeCard(question, answer string, index int, tags []string, suspended bool, line int) domain.ParsedCard {
	// Truncate on a rune boundary so multi-byte questions stay valid UTF-8.
	display := question
	if r := []rune(display); len(r) > 80 {
		display = string(r[:80])
	}
	return domain.ParsedCard{
		Key: fmt.Sprintf("qa_%d", index),
		Content: map[string]any{
			"question":    question,
			"answer":      answer,
			"source_line": line,
		},
		DisplayText: display,
		Gradable:    true,
		Suspended:   suspended,
		SourceLine:  line,
		Tags:        append([]string(nil), tags...),
	}
}

func metaTags(meta map[string]any) []string {
	switch v := meta["tags"].(type) {
	case []string:
		return v
	case []any:
		tags := make([]string, 0, len(v))
		for _, t := range v {
			if s, ok := t.(string); ok {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

// RenderFront renders the question side.
func (Adapter) RenderFront(content map[string]any) (string, error) {
	q, _ := content["question"].(string)
	return "<div>" + mdToHTML(q) + "</div>", nil
}

// RenderBack renders the answer side.
func (Adapter) RenderBack(content map[string]any) (string, error) {
	a, _ := content["answer"].(string)
	return "<div>" + mdToHTML(a) + "</div>", nil
}

var (
	codeBlockRe  = regexp.MustCompile("(?s)```(\\w*)\\n(.*?)```")
	inlineCodeRe = regexp.MustCompile("`([^`]+)`")
	boldRe       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe     = regexp.MustCompile(`\*(.+?)\*`)
)

// mdToHTML supports just enough markdown for card text: code, bold, italic
// and line breaks, on top of HTML escaping.
func mdToHTML(text string) string {
	out := html.EscapeString(text)
	out = codeBlockRe.ReplaceAllStringFunc(out, func(m string) string {
		sub := codeBlockRe.FindStringSubmatch(m)
		return "<pre><code>" + strings.TrimSpace(sub[2]) + "</code></pre>"
	})
	out = inlineCodeRe.ReplaceAllString(out, "<code>$1</code>")
	out = boldRe.ReplaceAllString(out, "<strong>$1</strong>")
	out = italicRe.ReplaceAllString(out, "<em>$1</em>")
	return strings.ReplaceAll(out, "\n", "<br>")
}
