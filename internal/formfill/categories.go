package formfill

import (
	"strings"

	"github.com/xkilldash9x/applypilot/api/schemas"
	"github.com/xkilldash9x/applypilot/internal/dom"
)

// Category names the profile value a field asks for.
type Category string

const (
	CategoryUnknown     Category = "unknown"
	CategoryFirstName   Category = "first_name"
	CategoryLastName    Category = "last_name"
	CategoryFullName    Category = "full_name"
	CategoryEmail       Category = "email"
	CategoryPhone       Category = "phone"
	CategoryLocation    Category = "location"
	CategoryLinkedIn    Category = "linkedin"
	CategoryWebsite     Category = "website"
	CategoryResume      Category = "resume"
	CategoryCoverLetter Category = "cover_letter"
	CategoryTerms       Category = "terms"
	// CategoryCustom is answered from profile metadata.
	CategoryCustom Category = "custom"
)

type rule struct {
	category Category
	keywords []string
}

// autocompleteTokens are the standard autofill hints, checked before labels.
var autocompleteTokens = map[string]Category{
	"given-name":     CategoryFirstName,
	"family-name":    CategoryLastName,
	"name":           CategoryFullName,
	"email":          CategoryEmail,
	"tel":            CategoryPhone,
	"tel-national":   CategoryPhone,
	"address-level2": CategoryLocation,
	"url":            CategoryWebsite,
}

// rules run in order; the first keyword hit wins.
var rules = []rule{
	{CategoryEmail, []string{"email", "e-mail", "e mail"}},
	{CategoryLinkedIn, []string{"linkedin"}},
	{CategoryCoverLetter, []string{"cover letter", "cover_letter", "coverletter", "motivation"}},
	{CategoryResume, []string{"resume", "résumé", "cv", "curriculum"}},
	{CategoryPhone, []string{"phone", "mobile", "telephone", "tel", "cell"}},
	{CategoryFirstName, []string{"first name", "firstname", "first_name", "given name", "fname", "forename"}},
	{CategoryLastName, []string{"last name", "lastname", "last_name", "surname", "family name", "lname"}},
	{CategoryWebsite, []string{"website", "portfolio", "github", "personal site", "homepage", "url"}},
	{CategoryLocation, []string{"location", "city", "where are you based", "current address", "town"}},
	{CategoryFullName, []string{"full name", "fullname", "full_name", "your name", "legal name", "name"}},
}

var (
	termsKeywords = []string{"agree", "terms", "privacy", "consent", "acknowledge", "certify"}
	// nameFalsePositives keep "company name" and friends out of FullName.
	nameFalsePositives = []string{"company", "username", "user name", "school", "employer", "reference", "manager"}
)

// Categorize maps a field to the profile value it asks for.
func Categorize(f dom.Field) Category {
	if f.Kind == dom.FieldCheckbox {
		if matchesAny(f.Descriptor(), termsKeywords) {
			return CategoryTerms
		}
		return CategoryUnknown
	}
	if f.InputType == "email" {
		return CategoryEmail
	}
	if f.InputType == "tel" {
		return CategoryPhone
	}
	for _, token := range strings.Fields(f.Autocomplete) {
		if c, ok := autocompleteTokens[token]; ok {
			return c
		}
	}

	desc := f.Descriptor()
	for _, r := range rules {
		if !matchesAny(desc, r.keywords) {
			continue
		}
		if r.category == CategoryFullName && matchesAny(desc, nameFalsePositives) {
			continue
		}
		if f.Kind == dom.FieldFile && r.category != CategoryResume && r.category != CategoryCoverLetter {
			continue
		}
		return r.category
	}
	if f.Kind == dom.FieldFile {
		// An unlabelled upload on an application form is nearly always the resume.
		return CategoryResume
	}
	return CategoryUnknown
}

// Value returns the profile answer for a category. ok is false when the
// profile has nothing to offer.
func Value(c Category, f dom.Field, p schemas.Profile) (string, bool) {
	var v string
	switch c {
	case CategoryFirstName:
		v = p.FirstName
	case CategoryLastName:
		v = p.LastName
	case CategoryFullName:
		v = p.FullName()
	case CategoryEmail:
		v = p.Email
	case CategoryPhone:
		v = p.Phone
	case CategoryLocation:
		v = p.Location
	case CategoryLinkedIn:
		v = p.LinkedIn
	case CategoryWebsite:
		v = p.Website
	case CategoryResume:
		if f.Kind == dom.FieldFile {
			v = p.ResumePath
		} else {
			v = p.Metadata["resume_text"]
		}
	case CategoryCoverLetter:
		if f.Kind == dom.FieldFile {
			v = p.Metadata["cover_letter_path"]
		} else {
			v = p.CoverLetter
		}
	case CategoryTerms:
		v = "on"
	default:
		v = metadataAnswer(f, p.Metadata)
	}
	v = strings.TrimSpace(v)
	return v, v != ""
}

// metadataAnswer looks for a metadata key whose words appear in the field's
// description. The longest matching key wins so "work_authorization_us"
// beats "work_authorization".
func metadataAnswer(f dom.Field, meta map[string]string) string {
	desc := f.Descriptor()
	best, bestLen := "", 0
	for k, v := range meta {
		phrase := strings.ToLower(strings.NewReplacer("_", " ", "-", " ").Replace(k))
		if phrase == "" || len(phrase) <= bestLen {
			continue
		}
		if strings.Contains(desc, phrase) || strings.Contains(desc, strings.ToLower(k)) {
			best, bestLen = v, len(phrase)
		}
	}
	return best
}

// matchesAny checks keywords on word boundaries so "tel" skips "hotel".
func matchesAny(desc string, keywords []string) bool {
	for _, k := range keywords {
		if hasWord(desc, k) {
			return true
		}
	}
	return false
}

func hasWord(s, w string) bool {
	for i := 0; i <= len(s)-len(w); {
		j := strings.Index(s[i:], w)
		if j < 0 {
			return false
		}
		start, end := i+j, i+j+len(w)
		if (start == 0 || !isWordByte(s[start-1])) && (end == len(s) || !isWordByte(s[end])) {
			return true
		}
		i = start + 1
	}
	return false
}

func isWordByte(b byte) bool {
	return b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}
