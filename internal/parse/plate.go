package parse

import (
	"fmt"
	"regexp"
	"strings"
)

var plateChars = regexp.MustCompile(`^[A-Z0-9]+$`)

// NormalizePlate canonicalizes a raw plate reading: uppercase, with
// separators and whitespace stripped. OCR output for the same plate can
// vary in spacing and dashes between reads, so every store lookup goes
// through this.
func NormalizePlate(raw string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.NewReplacer(" ", "", "-", "", ".", "", "·", "").Replace(s)
	if s == "" {
		return "", fmt.Errorf("empty plate")
	}
	if !plateChars.MatchString(s) {
		return "", fmt.Errorf("plate %q contains invalid characters", raw)
	}
	return s, nil
}
