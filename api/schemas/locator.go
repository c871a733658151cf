package schemas

import (
	"fmt"
	"strings"
)

// Locator is a discriminated string describing how to find an element. It is
// persisted in journals, so it never refers to a live node handle.
//
//	id:email        -> [id="email"]
//	name:first      -> [name="first"]
//	css:form button -> form button
//	xpath://button  -> //button
//	text:Apply now  -> element whose normalized text equals "Apply now"
//
// An unprefixed value that looks like CSS is used as CSS. Anything else is a
// bare identifier matched against both id and name.
type Locator string

// LocatorKind is the discriminator of a Locator.
type LocatorKind string

const (
	LocatorID    LocatorKind = "id"
	LocatorName  LocatorKind = "name"
	LocatorCSS   LocatorKind = "css"
	LocatorXPath LocatorKind = "xpath"
	LocatorText  LocatorKind = "text"
	LocatorBare  LocatorKind = "bare"
)

// QueryType says which engine a resolved query targets.
type QueryType int

const (
	QueryCSS QueryType = iota
	QueryXPath
)

// ByID builds an id locator.
func ByID(id string) Locator { return Locator("id:" + id) }

// ByName builds a name locator.
func ByName(name string) Locator { return Locator("name:" + name) }

// ByCSS builds a CSS locator.
func ByCSS(sel string) Locator { return Locator("css:" + sel) }

// ByText builds a visible-text locator.
func ByText(text string) Locator { return Locator("text:" + text) }

// Parse splits the locator into its discriminator and body.
func (l Locator) Parse() (LocatorKind, string) {
	s := strings.TrimSpace(string(l))
	if i := strings.Index(s, ":"); i > 0 {
		switch kind := LocatorKind(strings.ToLower(s[:i])); kind {
		case LocatorID, LocatorName, LocatorCSS, LocatorXPath, LocatorText:
			return kind, s[i+1:]
		}
	}
	if strings.ContainsAny(s, "#.[]>:= \t*") || strings.HasPrefix(s, "/") {
		if strings.HasPrefix(s, "/") {
			return LocatorXPath, s
		}
		return LocatorCSS, s
	}
	return LocatorBare, s
}

// Empty reports whether the locator has no body.
func (l Locator) Empty() bool {
	_, body := l.Parse()
	return body == ""
}

// Query translates the locator into a structural lookup. Stable ids and names
// resolve to attribute-equality selectors.
func (l Locator) Query() (string, QueryType) {
	kind, body := l.Parse()
	switch kind {
	case LocatorID:
		return fmt.Sprintf(`[id=%s]`, quoteAttr(body)), QueryCSS
	case LocatorName:
		return fmt.Sprintf(`[name=%s]`, quoteAttr(body)), QueryCSS
	case LocatorXPath:
		return body, QueryXPath
	case LocatorText:
		return fmt.Sprintf(`//*[normalize-space(.)=%s and not(*[normalize-space(.)=%s])]`, quoteXPath(body), quoteXPath(body)), QueryXPath
	case LocatorBare:
		q := quoteAttr(body)
		return fmt.Sprintf(`[id=%s], [name=%s]`, q, q), QueryCSS
	default:
		return body, QueryCSS
	}
}

func (l Locator) String() string { return string(l) }

// quoteAttr returns a double-quoted CSS attribute value.
func quoteAttr(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	return `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
}

// quoteXPath returns an XPath string literal, falling back to concat() when
// the value contains both quote characters.
func quoteXPath(v string) string {
	if !strings.Contains(v, `"`) {
		return `"` + v + `"`
	}
	if !strings.Contains(v, `'`) {
		return `'` + v + `'`
	}
	parts := strings.Split(v, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		quoted = append(quoted, `"`+p+`"`)
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
