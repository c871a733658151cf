package dom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/html"

	"github.com/xkilldash9x/applypilot/api/schemas"
)

const applicationForm = `<html><body>
<form id="apply">
  <label for="first">First name</label><input id="first" name="first_name" required>
  <label>Email <input type="email" name="email"></label>
  <input type="hidden" name="token" value="x">
  <input name="city" aria-label="City" value="Paris">
  <select name="country">
    <option value="">Select...</option>
    <option value="fr">France</option>
    <option value="de" disabled>Germany</option>
  </select>
  <fieldset><legend>Authorized to work?</legend>
    <input type="radio" name="auth" value="yes" id="auth-yes"><label for="auth-yes">Yes</label>
    <input type="radio" name="auth" value="no" id="auth-no"><label for="auth-no">No</label>
  </fieldset>
  <input type="file" name="resume">
  <textarea name="cover" placeholder="Cover letter"></textarea>
  <div style="display: none"><input name="trap"></div>
  <input name="locked" disabled>
  <button type="submit">Submit application</button>
</form>
</body></html>`

func mustParse(t *testing.T, markup string) *html.Node {
	t.Helper()
	doc, err := Parse(markup)
	require.NoError(t, err)
	return doc
}

func TestFields(t *testing.T) {
	fields := Fields(mustParse(t, applicationForm))
	require.Len(t, fields, 7)

	t.Run("LabelledByFor", func(t *testing.T) {
		f := fields[0]
		assert.Equal(t, schemas.ByID("first"), f.Locator)
		assert.Equal(t, "First name", f.Label)
		assert.Equal(t, FieldText, f.Kind)
		assert.True(t, f.Required)
		assert.False(t, f.Filled())
	})

	t.Run("WrappedLabelAndUniqueName", func(t *testing.T) {
		f := fields[1]
		assert.Equal(t, schemas.ByName("email"), f.Locator)
		assert.Equal(t, "Email", f.Label)
		assert.Equal(t, "email", f.InputType)
	})

	t.Run("PrefilledValue", func(t *testing.T) {
		f := fields[2]
		assert.Equal(t, "City", f.Label)
		assert.True(t, f.Filled())
	})

	t.Run("SelectChoicesSkipPlaceholderAndDisabled", func(t *testing.T) {
		f := fields[3]
		assert.Equal(t, FieldSelect, f.Kind)
		assert.Len(t, f.Options, 3)
		choices := f.Choices()
		require.Len(t, choices, 1)
		assert.Equal(t, "fr", choices[0].Value)
		assert.False(t, f.Filled())
	})

	t.Run("RadioGroupCollapses", func(t *testing.T) {
		f := fields[4]
		assert.Equal(t, FieldRadio, f.Kind)
		assert.Equal(t, "Authorized to work?", f.Label)
		assert.Equal(t, schemas.Locator(`css:input[type="radio"][name="auth"]`), f.Locator)
		require.Len(t, f.Options, 2)
		assert.Equal(t, "Yes", f.Options[0].Text)
		assert.Equal(t, schemas.ByID("auth-no"), f.Options[1].Locator)
	})

	t.Run("FileAndTextarea", func(t *testing.T) {
		assert.Equal(t, FieldFile, fields[5].Kind)
		assert.Equal(t, FieldTextArea, fields[6].Kind)
		assert.Equal(t, "Cover letter", fields[6].Label)
	})

	t.Run("KeysAreStable", func(t *testing.T) {
		again := Fields(mustParse(t, applicationForm))
		for i := range fields {
			assert.Equal(t, fields[i].Key, again[i].Key)
		}
		assert.NotEqual(t, fields[0].Key, fields[1].Key)
	})
}

func TestVisibilityAndText(t *testing.T) {
	doc := mustParse(t, `<html><body>
		<div id="a" hidden><button id="b">Hidden</button></div>
		<div aria-hidden="true"><a id="c" href="#">Also hidden</a></div>
		<button id="d" style="visibility: hidden">Invisible</button>
		<button id="e">  Apply
		   now </button>
		<script>var x = "ignored";</script>
		<a id="f" href="/jobs">Jobs</a>
		<button id="g" disabled>Off</button>
	</body></html>`)

	byID := func(id string) *html.Node {
		return First(doc, func(n *html.Node) bool { return Attr(n, "id") == id })
	}
	assert.True(t, Hidden(byID("b")))
	assert.True(t, Hidden(byID("c")))
	assert.True(t, Hidden(byID("d")))
	assert.False(t, Hidden(byID("e")))
	assert.Equal(t, "Apply now", Text(byID("e")))
	assert.NotContains(t, Text(doc), "ignored")

	var ids []string
	for _, n := range Clickable(doc) {
		ids = append(ids, Attr(n, "id"))
	}
	assert.Equal(t, []string{"e", "f"}, ids)
}

func TestLocator(t *testing.T) {
	doc := mustParse(t, `<html><body>
		<div id="wrap"><p>one</p><p class="x">two</p></div>
		<section><span>a</span><span>b</span></section>
		<input name="dup"><input name="dup">
	</body></html>`)

	second := Find(doc, func(n *html.Node) bool { return Tag(n) == "p" })[1]
	assert.Equal(t, schemas.Locator(`xpath://*[@id='wrap']/p[2]`), Locator(second))

	span := Find(doc, func(n *html.Node) bool { return Tag(n) == "span" })[1]
	assert.Equal(t, "/html[1]/body[1]/section[1]/span[2]", UniqueXPath(span))

	dup := Find(doc, func(n *html.Node) bool { return Attr(n, "name") == "dup" })[0]
	kind, _ := Locator(dup).Parse()
	assert.Equal(t, schemas.LocatorXPath, kind, "A shared name is not a unique locator")
}

func TestFingerprint(t *testing.T) {
	assert.Equal(t, Fingerprint("a", "b"), Fingerprint("a", "b"))
	assert.NotEqual(t, Fingerprint("ab", ""), Fingerprint("a", "b"))
}
