package classifier

import (
	"fmt"
	"regexp"
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var (
	json = jsoniter.ConfigCompatibleWithStandardLibrary

	// \x60 is a backtick, which raw strings cannot hold.
	fencedObject = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
)

// ParseJSONResponse decodes a model reply into T, tolerating a markdown fence
// or conversational text around the JSON object.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	payload := response

	switch {
	case strings.HasPrefix(response, "```"):
		if m := fencedObject.FindStringSubmatch(response); len(m) > 1 {
			payload = m[1]
		}
	case !strings.HasPrefix(response, "{"):
		first, last := strings.Index(response, "{"), strings.LastIndex(response, "}")
		if first != -1 && last > first {
			payload = response[first : last+1]
		}
	}

	var out T
	if err := json.Unmarshal([]byte(payload), &out); err != nil {
		return nil, fmt.Errorf("classifier: decode model reply: %w (extracted: %s)", err, truncate(payload, 300))
	}
	return &out, nil
}

func truncate(s string, n int) string {
	if r := []rune(s); len(r) > n {
		return string(r[:n]) + "..."
	}
	return s
}
