package dom

import (
	"strings"

	"golang.org/x/net/html"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

// FieldKind is the input family of a form field.
type FieldKind string

const (
	FieldText     FieldKind = "text"
	FieldTextArea FieldKind = "textarea"
	FieldSelect   FieldKind = "select"
	FieldCheckbox FieldKind = "checkbox"
	FieldRadio    FieldKind = "radio"
	FieldFile     FieldKind = "file"
)

// Option is one choice of a select or radio group.
type Option struct {
	Value    string
	Text     string
	Disabled bool
	Selected bool
	// Locator targets the radio input itself; empty for select options.
	Locator schemas.Locator
}

// Field is a fillable control discovered in markup.
type Field struct {
	Locator      schemas.Locator
	Kind         FieldKind
	InputType    string
	ID           string
	Name         string
	Label        string
	Placeholder  string
	Autocomplete string
	Required     bool
	// Value is the current value; for checkboxes "on" when checked.
	Value   string
	Options []Option
	// Key identifies the field across re-renders of the same form.
	Key string
}

// Filled reports whether the field already carries a value.
func (f Field) Filled() bool {
	switch f.Kind {
	case FieldSelect, FieldRadio:
		for i, o := range f.Options {
			if o.Selected && !(f.Kind == FieldSelect && i == 0 && looksLikePlaceholder(o)) {
				return true
			}
		}
		return false
	}
	return strings.TrimSpace(f.Value) != ""
}

// Descriptor joins every textual hint of the field, lowercased.
func (f Field) Descriptor() string {
	return strings.ToLower(strings.Join([]string{f.Label, f.Name, f.ID, f.Placeholder, f.Autocomplete, f.InputType}, " "))
}

// Fields discovers the visible, enabled form controls under root in document
// order. Radios sharing a name collapse into one field.
func Fields(root *html.Node) []Field {
	var out []Field
	radios := make(map[string]int)

	for _, n := range Find(root, isFormControl) {
		if Hidden(n) || Disabled(n) || HasAttr(n, "readonly") {
			continue
		}
		f := Field{
			Locator:      Locator(n),
			ID:           Attr(n, "id"),
			Name:         Attr(n, "name"),
			Label:        labelFor(root, n),
			Placeholder:  strings.TrimSpace(Attr(n, "placeholder")),
			Autocomplete: strings.ToLower(Attr(n, "autocomplete")),
			Required:     HasAttr(n, "required") || strings.EqualFold(Attr(n, "aria-required"), "true"),
		}

		switch Tag(n) {
		case "textarea":
			f.Kind = FieldTextArea
			f.Value = Text(n)
		case "select":
			f.Kind = FieldSelect
			f.Options = selectOptions(n)
		default:
			f.InputType = strings.ToLower(Attr(n, "type"))
			switch f.InputType {
			case "checkbox":
				f.Kind = FieldCheckbox
				if HasAttr(n, "checked") {
					f.Value = "on"
				}
			case "radio":
				opt := Option{
					Value:    Attr(n, "value"),
					Text:     radioText(root, n),
					Selected: HasAttr(n, "checked"),
					Locator:  Locator(n),
				}
				if i, ok := radios[f.Name]; ok && f.Name != "" {
					out[i].Options = append(out[i].Options, opt)
					out[i].Required = out[i].Required || f.Required
					continue
				}
				f.Kind = FieldRadio
				f.Label = groupLabel(n, f.Label)
				f.Locator = schemas.Locator("css:" + radioGroupSelector(f.Name))
				f.Options = []Option{opt}
				radios[f.Name] = len(out)
			case "file":
				f.Kind = FieldFile
			default:
				f.Kind = FieldText
				f.Value = Attr(n, "value")
			}
		}
		f.Key = Fingerprint(string(f.Kind), f.Name, f.ID, f.Label)
		out = append(out, f)
	}
	return out
}

func isFormControl(n *html.Node) bool {
	switch Tag(n) {
	case "textarea", "select":
		return true
	case "input":
		switch strings.ToLower(Attr(n, "type")) {
		case "hidden", "submit", "button", "reset", "image", "password", "search":
			return false
		}
		return true
	}
	return false
}

func radioGroupSelector(name string) string {
	return `input[type="radio"][name="` + strings.ReplaceAll(name, `"`, `\"`) + `"]`
}

// labelFor resolves a control's label: <label for>, a wrapping <label>,
// aria-labelledby, aria-label, then placeholder.
func labelFor(root, n *html.Node) string {
	if id := Attr(n, "id"); id != "" {
		if l := First(root, func(o *html.Node) bool { return Tag(o) == "label" && Attr(o, "for") == id }); l != nil {
			if t := Text(l); t != "" {
				return t
			}
		}
	}
	for p := n.Parent; p != nil; p = p.Parent {
		if Tag(p) == "label" {
			if t := Text(p); t != "" {
				return t
			}
			break
		}
	}
	if ids := strings.Fields(Attr(n, "aria-labelledby")); len(ids) > 0 {
		var parts []string
		for _, id := range ids {
			if l := First(root, func(o *html.Node) bool { return Attr(o, "id") == id }); l != nil {
				parts = append(parts, Text(l))
			}
		}
		if t := strings.TrimSpace(strings.Join(parts, " ")); t != "" {
			return t
		}
	}
	if v := strings.TrimSpace(Attr(n, "aria-label")); v != "" {
		return v
	}
	return strings.TrimSpace(Attr(n, "placeholder"))
}

func radioText(root, n *html.Node) string {
	if t := labelFor(root, n); t != "" {
		return t
	}
	return Attr(n, "value")
}

// groupLabel prefers the legend of the enclosing fieldset, since a radio's
// own label names the choice.
func groupLabel(n *html.Node, fallback string) string {
	for p := n.Parent; p != nil; p = p.Parent {
		if Tag(p) == "fieldset" {
			if l := First(p, func(o *html.Node) bool { return Tag(o) == "legend" }); l != nil {
				if t := Text(l); t != "" {
					return t
				}
			}
		}
		if strings.EqualFold(Attr(p, "role"), "radiogroup") {
			if v := strings.TrimSpace(Attr(p, "aria-label")); v != "" {
				return v
			}
		}
	}
	return fallback
}

// selectOptions collects <option> children, treating a disabled <optgroup>
// as disabling its options.
func selectOptions(sel *html.Node) []Option {
	var opts []Option
	for _, n := range Find(sel, func(o *html.Node) bool { return Tag(o) == "option" }) {
		text := Text(n)
		value := Attr(n, "value")
		if !HasAttr(n, "value") {
			value = text
		}
		disabled := HasAttr(n, "disabled")
		if !disabled && n.Parent != nil && Tag(n.Parent) == "optgroup" && HasAttr(n.Parent, "disabled") {
			disabled = true
		}
		opts = append(opts, Option{Value: value, Text: text, Disabled: disabled, Selected: HasAttr(n, "selected")})
	}
	return opts
}

func looksLikePlaceholder(o Option) bool {
	return o.Value == "" || ContainsAny(o.Text, "select", "choose", "please", "--")
}

// Choices returns the options of a select or radio group that a filler may
// pick, skipping disabled entries and a leading placeholder.
func (f Field) Choices() []Option {
	out := make([]Option, 0, len(f.Options))
	for i, o := range f.Options {
		if o.Disabled {
			continue
		}
		if f.Kind == FieldSelect && i == 0 && looksLikePlaceholder(o) {
			continue
		}
		out = append(out, o)
	}
	return out
}
