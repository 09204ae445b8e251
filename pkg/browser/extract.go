package browser

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// Channels is the text of one assistant message split by role.
type Channels struct {
	Thought string
	Answer  string
}

// ExtractChannels splits a rendered message into its reasoning and answer
// text.
//
// thoughtSel and answerSel are matched inside the message. Answer nodes that
// sit inside a thought container are ignored, since some sites reuse the same
// markdown class for both. When answerSel is empty or matches nothing, the
// answer is the whole message text minus the thought.
func ExtractChannels(messageHTML, thoughtSel, answerSel string) (Channels, error) {
	if strings.TrimSpace(messageHTML) == "" {
		return Channels{}, nil
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(messageHTML))
	if err != nil {
		return Channels{}, fmt.Errorf("failed to parse message HTML: %w", err)
	}
	root := doc.Find("body")

	var out Channels
	if thoughtSel != "" {
		out.Thought = joinText(root.Find(thoughtSel))
	}

	if answerSel != "" {
		// Outermost matches only, so nested markdown wrappers are not counted twice.
		answers := root.Find(answerSel).FilterFunction(func(_ int, s *goquery.Selection) bool {
			return s.ParentsFiltered(answerSel).Length() == 0
		})
		if thoughtSel != "" {
			answers = answers.FilterFunction(func(_ int, s *goquery.Selection) bool {
				return s.Closest(thoughtSel).Length() == 0 && s.Find(thoughtSel).Length() == 0
			})
		}
		out.Answer = joinText(answers)
		if answers.Length() > 0 {
			return out, nil
		}
	}

	rest := root.Clone()
	if thoughtSel != "" {
		rest.Find(thoughtSel).Remove()
	}
	out.Answer = joinText(rest)
	return out, nil
}

func joinText(sel *goquery.Selection) string {
	if sel == nil {
		return ""
	}
	parts := make([]string, 0, sel.Length())
	sel.Each(func(_ int, s *goquery.Selection) {
		for _, n := range s.Nodes {
			if t := renderText(n); t != "" {
				parts = append(parts, t)
			}
		}
	})
	return strings.Join(parts, "\n")
}

// renderText flattens n to plain text, breaking lines at block elements and
// dropping script and style content.
func renderText(n *html.Node) string {
	var b strings.Builder
	writeText(n, &b)

	lines := strings.Split(b.String(), "\n")
	out := lines[:0]
	for _, line := range lines {
		line = strings.TrimRight(line, " \t\r")
		if strings.TrimSpace(line) != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}

func writeText(n *html.Node, b *strings.Builder) {
	switch n.Type {
	case html.CommentNode:
		return
	case html.TextNode:
		text := collapseSpace(n.Data, n.Parent)
		if strings.HasPrefix(text, " ") && atLineStartOrSpace(b) {
			text = text[1:]
		}
		b.WriteString(text)
		return
	case html.ElementNode:
		tag := strings.ToLower(n.Data)
		if isSkippedElement(tag) {
			return
		}
		if tag == "br" {
			b.WriteString("\n")
			return
		}
		block := isBlockElement(tag)
		if block {
			b.WriteString("\n")
		}
		if tag == "li" {
			b.WriteString("- ")
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			writeText(c, b)
		}
		if block {
			b.WriteString("\n")
		}
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		writeText(c, b)
	}
}

// collapseSpace folds runs of whitespace to one space outside <pre>.
func collapseSpace(s string, parent *html.Node) string {
	for p := parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == "pre" {
			return s
		}
	}

	var b strings.Builder
	space := false
	for _, r := range s {
		if unicode.IsSpace(r) {
			space = true
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(r)
	}
	if space {
		b.WriteByte(' ')
	}
	return b.String()
}

func atLineStartOrSpace(b *strings.Builder) bool {
	s := b.String()
	if s == "" {
		return true
	}
	last := s[len(s)-1]
	return last == ' ' || last == '\n'
}

func isSkippedElement(tag string) bool {
	switch tag {
	case "script", "style", "noscript", "iframe", "svg", "button", "template":
		return true
	}
	return false
}

func isBlockElement(tag string) bool {
	switch tag {
	case "div", "p", "section", "article", "header", "footer", "main", "aside",
		"h1", "h2", "h3", "h4", "h5", "h6",
		"ul", "ol", "li", "table", "tr", "blockquote", "pre", "hr":
		return true
	}
	return false
}
