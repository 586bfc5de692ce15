// Package convlog persists conversation turns with their execution
// traces. Persisted content is scrubbed first: inline image payloads
// are large, useless in a transcript, and make session replay slow.
package convlog

import (
	"fmt"
	"regexp"
)

// Placeholder replaces removed image payloads in persisted content.
const Placeholder = "[IMAGE_DATA_REMOVED]"

// minBase64Len is the shortest run of base64 text treated as a payload.
// Anything shorter is plausibly a hash or token and kept as-is.
const minBase64Len = 100

var (
	// dataURIPattern matches inline data URIs with base64 payloads of
	// any media type. The payload run has no length floor: a data URI
	// prefix is unambiguous.
	dataURIPattern = regexp.MustCompile(`data:[a-zA-Z0-9.+/-]+;base64,[A-Za-z0-9+/=]+`)

	// base64FieldPattern matches JSON string fields that carry raw
	// base64 payloads under conventional key names.
	base64FieldPattern = regexp.MustCompile(fmt.Sprintf(
		`"(base64|content|data|image|imageData)"\s*:\s*"[A-Za-z0-9+/=]{%d,}"`, minBase64Len))

	base64FieldKey = regexp.MustCompile(`^"([a-zA-Z0-9]+)"\s*:`)
)

// Scrub removes inline image payloads from content, substituting
// [Placeholder]. It returns the cleaned string and whether anything
// was removed. Content that is entirely a single data URI collapses to
// exactly the placeholder.
//
// Only payloads with identifying context are removed: a data URI
// prefix, or one of the conventional JSON payload keys. A bare base64
// run with neither is kept, since on its own it is indistinguishable
// from a hash, JWT, or API token.
func Scrub(content string) (string, bool) {
	cleaned := dataURIPattern.ReplaceAllString(content, Placeholder)

	cleaned = base64FieldPattern.ReplaceAllStringFunc(cleaned, func(match string) string {
		key := base64FieldKey.FindStringSubmatch(match)
		if key == nil {
			return match
		}
		return `"` + key[1] + `":"` + Placeholder + `"`
	})

	return cleaned, cleaned != content
}
