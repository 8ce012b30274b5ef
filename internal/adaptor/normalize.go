package adaptor

import (
	"regexp"
	"strings"

	"github.com/mozillazg/go-unidecode"
)

var whitespaceRun = regexp.MustCompile(`[\s\v]+`)

// Normalize turns a display name into a path segment: transliterated to
// ASCII, every whitespace run replaced by a single underscore, lowercased.
//
// Normalize is total and idempotent. It does not strip "/" or MQTT
// wildcards; names containing them produce extra topic levels.
func Normalize(name string) string {
	ascii := unidecode.Unidecode(name)
	return strings.ToLower(whitespaceRun.ReplaceAllString(ascii, "_"))
}
