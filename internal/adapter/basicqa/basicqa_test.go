package basicqa

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestParseBasicPairs(t *testing.T) {
	text := "Q: What is the capital of France?\nA: Paris\n\nQ: What is 2+2?\nA: 4\n"
	cards, err := Adapter{}.Parse(text, "/notes/test.md", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cards) != 2 {
		t.Fatalf("Expected 2 cards, got %d", len(cards))
	}

	if cards[0].Key != "qa_1" || cards[1].Key != "qa_2" {
		t.Errorf("Expected positional keys qa_1, qa_2, got %s, %s", cards[0].Key, cards[1].Key)
	}
	if q := cards[0].Content["question"]; q != "What is the capital of France?" {
		t.Errorf("Unexpected question: %v", q)
	}
	if a := cards[0].Content["answer"]; a != "Paris" {
		t.Errorf("Unexpected answer: %v", a)
	}
	if !cards[0].Gradable {
		t.Error("Expected Q&A cards to be gradable")
	}
	if cards[1].SourceLine != 4 {
		t.Errorf("Expected second card on line 4, got %d", cards[1].SourceLine)
	}
}

func TestParseContinuationLines(t *testing.T) {
	text := "Q: What are the primary colors\nin additive mixing?\nA: Red,\nGreen,\nBlue\n"
	cards, err := Adapter{}.Parse(text, "/notes/test.md", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("Expected 1 card, got %d", len(cards))
	}
	if q := cards[0].Content["question"]; q != "What are the primary colors\nin additive mixing?" {
		t.Errorf("Unexpected question: %q", q)
	}
	if a := cards[0].Content["answer"]; a != "Red,\nGreen,\nBlue" {
		t.Errorf("Unexpected answer: %q", a)
	}
}

func TestParseBangPrefix(t *testing.T) {
	text := "!Q: Important question?\nA: Yes\n"
	cards, err := Adapter{}.Parse(text, "/notes/test.md", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("Expected 1 card, got %d", len(cards))
	}
	if q := cards[0].Content["question"]; q != "Important question?" {
		t.Errorf("Unexpected question: %v", q)
	}
}

func TestParseIgnoresIncompletePairs(t *testing.T) {
	text := "Q: A question with no answer\n\nA: An answer with no question\n\nQ: Complete?\nA: Yes\n"
	cards, err := Adapter{}.Parse(text, "/notes/test.md", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("Expected only the complete pair, got %d cards", len(cards))
	}
	if q := cards[0].Content["question"]; q != "Complete?" {
		t.Errorf("Unexpected question: %v", q)
	}
}

func TestParseSkipsFrontmatter(t *testing.T) {
	text := "---\nsr_adapter: basic_qa\n---\nQ: After frontmatter?\nA: Yes\n"
	cards, err := Adapter{}.Parse(text, "/notes/test.md", map[string]any{"sr_adapter": "basic_qa"})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cards) != 1 {
		t.Fatalf("Expected 1 card, got %d", len(cards))
	}
	if q := cards[0].Content["question"]; q != "After frontmatter?" {
		t.Errorf("Frontmatter must not leak into the question, got %v", q)
	}
	if cards[0].SourceLine != 4 {
		t.Errorf("Expected source line 4 counting the frontmatter block, got %d", cards[0].SourceLine)
	}
}

func TestParseMetaTags(t *testing.T) {
	cases := []struct {
		name string
		meta map[string]any
		want []string
	}{
		{"yaml list", map[string]any{"tags": []any{"physics", "optics"}}, []string{"physics", "optics"}},
		{"string list", map[string]any{"tags": []string{"physics"}}, []string{"physics"}},
		{"comma string", map[string]any{"tags": "physics, optics"}, []string{"physics", "optics"}},
		{"absent", nil, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cards, err := Adapter{}.Parse("Q: q\nA: a\n", "/notes/test.md", tc.meta)
			if err != nil {
				t.Fatalf("Parse failed: %v", err)
			}
			if len(cards) != 1 {
				t.Fatalf("Expected 1 card, got %d", len(cards))
			}
			got := cards[0].Tags
			if len(got) != len(tc.want) {
				t.Fatalf("Expected tags %v, got %v", tc.want, got)
			}
			for i := range got {
				if got[i] != tc.want[i] {
					t.Errorf("Expected tags %v, got %v", tc.want, got)
				}
			}
		})
	}
}

func TestParseSuspendedMeta(t *testing.T) {
	cards, err := Adapter{}.Parse("Q: q\nA: a\n", "/notes/test.md", map[string]any{"suspended": true})
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cards) != 1 || !cards[0].Suspended {
		t.Errorf("Expected the card to carry source-level suspension")
	}
}

func TestDisplayTextTruncation(t *testing.T) {
	long := strings.Repeat("x", 120)
	cards, err := Adapter{}.Parse("Q: "+long+"\nA: a\n", "/notes/test.md", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(cards[0].DisplayText) != 80 {
		t.Errorf("Expected display text capped at 80 chars, got %d", len(cards[0].DisplayText))
	}
}

func TestDisplayTextTruncationKeepsRunesWhole(t *testing.T) {
	long := strings.Repeat("ü", 120)
	cards, err := Adapter{}.Parse("Q: "+long+"\nA: a\n", "/notes/test.md", nil)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	display := cards[0].DisplayText
	if !utf8.ValidString(display) {
		t.Errorf("Expected valid UTF-8 display text, got %q", display)
	}
	if n := utf8.RuneCountInString(display); n != 80 {
		t.Errorf("Expected display text capped at 80 runes, got %d", n)
	}
	if want := strings.Repeat("ü", 80); display != want {
		t.Errorf("Expected the first 80 runes, got %q", display)
	}
}

func TestRenderMarkdownSubset(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"escaping", "1 < 2 & 3", "1 &lt; 2 &amp; 3"},
		{"bold", "very **important** word", "very <strong>important</strong> word"},
		{"italic", "an *emphasized* word", "an <em>emphasized</em> word"},
		{"inline code", "call `f(x)` here", "call <code>f(x)</code> here"},
		{"line break", "first\nsecond", "first<br>second"},
		{"code block", "```go\nx := 1\n```", "<pre><code>x := 1</code></pre>"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Adapter{}.RenderFront(map[string]any{"question": tc.in})
			if err != nil {
				t.Fatalf("RenderFront failed: %v", err)
			}
			if got != "<div>"+tc.want+"</div>" {
				t.Errorf("Expected %q, got %q", "<div>"+tc.want+"</div>", got)
			}
		})
	}

	back, err := Adapter{}.RenderBack(map[string]any{"answer": "**bold**"})
	if err != nil {
		t.Fatalf("RenderBack failed: %v", err)
	}
	if back != "<div><strong>bold</strong></div>" {
		t.Errorf("Unexpected back render: %q", back)
	}
}
