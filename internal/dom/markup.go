// Package dom reads captured page markup: element lookup, visibility
// heuristics, stable locators and form field discovery.
package dom

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// maxText bounds extracted element text.
const maxText = 160

// Parse parses a full document.
func Parse(markup string) (*html.Node, error) {
	doc, err := html.Parse(strings.NewReader(markup))
	if err != nil {
		return nil, fmt.Errorf("dom: parse markup: %w", err)
	}
	return doc, nil
}

// Find returns every element under root, in document order, for which pred
// holds.
func Find(root *html.Node, pred func(*html.Node) bool) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && pred(n) {
			out = append(out, n)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if root != nil {
		walk(root)
	}
	return out
}

// First returns the first element under root matching pred.
func First(root *html.Node, pred func(*html.Node) bool) *html.Node {
	if root == nil {
		return nil
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.ElementNode && pred(c) {
			return c
		}
		if found := First(c, pred); found != nil {
			return found
		}
	}
	return nil
}

// Tag returns the lowercase tag name.
func Tag(n *html.Node) string {
	if n == nil || n.Type != html.ElementNode {
		return ""
	}
	return strings.ToLower(n.Data)
}

// Attr returns an attribute value or "".
func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return a.Val
		}
	}
	return ""
}

// HasAttr reports whether the attribute is present, even when empty.
func HasAttr(n *html.Node, key string) bool {
	if n == nil {
		return false
	}
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, key) {
			return true
		}
	}
	return false
}

// Text returns the whitespace-normalized text content, truncated.
func Text(n *html.Node) string {
	text := Content(n)
	if r := []rune(text); len(r) > maxText {
		text = string(r[:maxText])
	}
	return text
}

// Content returns the whitespace-normalized text content. Script and style
// bodies are skipped.
func Content(n *html.Node) string {
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			b.WriteString(n.Data)
			b.WriteByte(' ')
			return
		case html.ElementNode:
			switch Tag(n) {
			case "script", "style", "noscript", "template":
				return
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if n != nil {
		walk(n)
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Label returns the best human-readable name of a control: its text, then
// aria-label, value and title.
func Label(n *html.Node) string {
	if t := Text(n); t != "" {
		return t
	}
	for _, key := range []string{"aria-label", "value", "title", "alt"} {
		if v := strings.TrimSpace(Attr(n, key)); v != "" {
			return v
		}
	}
	return ""
}

// Hidden reports whether n or an ancestor is hidden by markup alone. Layout
// is unknown here, so only attributes and inline styles count.
func Hidden(n *html.Node) bool {
	for p := n; p != nil && p.Type == html.ElementNode; p = p.Parent {
		if HasAttr(p, "hidden") || strings.EqualFold(Attr(p, "aria-hidden"), "true") {
			return true
		}
		if Tag(p) == "input" && strings.EqualFold(Attr(p, "type"), "hidden") {
			return true
		}
		style := strings.ToLower(strings.ReplaceAll(Attr(p, "style"), " ", ""))
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			return true
		}
	}
	return false
}

// Disabled reports whether a control cannot be operated.
func Disabled(n *html.Node) bool {
	return HasAttr(n, "disabled") || strings.EqualFold(Attr(n, "aria-disabled"), "true")
}

// Interactive reports whether n is a clickable control.
func Interactive(n *html.Node) bool {
	switch Tag(n) {
	case "button":
		return true
	case "a":
		return HasAttr(n, "href") || Attr(n, "role") == "button"
	case "input":
		switch strings.ToLower(Attr(n, "type")) {
		case "submit", "button", "image":
			return true
		}
		return false
	}
	switch strings.ToLower(Attr(n, "role")) {
	case "button", "link", "menuitem", "tab":
		return true
	}
	return false
}

// Clickable returns the visible, enabled interactive elements under root.
func Clickable(root *html.Node) []*html.Node {
	return Find(root, func(n *html.Node) bool {
		return Interactive(n) && !Hidden(n) && !Disabled(n)
	})
}

// Locator builds a stable locator for n: id first, then a name unique in the
// document, then an XPath anchored at the nearest id.
func Locator(n *html.Node) schemas.Locator {
	if id := Attr(n, "id"); id != "" && !strings.ContainsAny(id, " \t\n") {
		return schemas.ByID(id)
	}
	if name := Attr(n, "name"); name != "" && Tag(n) != "a" {
		if count := len(Find(documentOf(n), func(o *html.Node) bool { return Attr(o, "name") == name })); count == 1 {
			return schemas.ByName(name)
		}
	}
	return schemas.Locator("xpath:" + UniqueXPath(n))
}

func documentOf(n *html.Node) *html.Node {
	for n.Parent != nil {
		n = n.Parent
	}
	return n
}

// UniqueXPath returns an XPath for n, anchored at the nearest ancestor id.
func UniqueXPath(node *html.Node) string {
	if node == nil {
		return ""
	}
	var path []string
	for n := node; n != nil && n.Type != html.DocumentNode; n = n.Parent {
		if n.Type != html.ElementNode {
			continue
		}
		tag := Tag(n)
		if id := Attr(n, "id"); id != "" && !strings.Contains(id, "'") {
			path = append(path, fmt.Sprintf(`//*[@id='%s']`, id))
			break
		}
		index := 1
		for prev := n.PrevSibling; prev != nil; prev = prev.PrevSibling {
			if prev.Type == html.ElementNode && Tag(prev) == tag {
				index++
			}
		}
		path = append(path, fmt.Sprintf("%s[%d]", tag, index))
	}
	if len(path) == 0 {
		return "/"
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	xpath := strings.Join(path, "/")
	if !strings.HasPrefix(xpath, "//*[@id=") {
		xpath = "/" + xpath
	}
	return xpath
}

// Fingerprint hashes the parts into a short stable identifier.
func Fingerprint(parts ...string) string {
	h := fnv.New64a()
	for _, p := range parts {
		_, _ = h.Write([]byte(p))
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

// ContainsAny reports whether s, lowercased, contains any of the phrases.
func ContainsAny(s string, phrases ...string) bool {
	s = strings.ToLower(s)
	for _, p := range phrases {
		if p != "" && strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// Descriptor joins the identifying attributes of n into one lowercase string
// for keyword matching.
func Descriptor(n *html.Node) string {
	parts := []string{Attr(n, "id"), Attr(n, "class"), Attr(n, "name"), Attr(n, "role"), Attr(n, "aria-label"), Attr(n, "data-testid")}
	return strings.ToLower(strings.Join(parts, " "))
}
