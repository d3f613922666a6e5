package site

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// HeaderFile is an optional file at the top of the output directory
// holding per-path headers. It is never published.
const HeaderFile = "_hedgepush_headers.json"

// ReadHeaderFile reads HeaderFile from outputDir and returns one Rule per
// pattern, most specific first, because the Router applies the first rule
// that matches. Patterns with a slash come before base-name patterns; among
// those, deeper patterns come first, then longer ones, then alphabetical.
// The JSON format is: { "glob": { "Header-Name": "value", ... }, ... }
func ReadHeaderFile(outputDir string) ([]Rule, error) {
	path := filepath.Join(outputDir, HeaderFile)

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil // No headers file is fine
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	var raw map[string]map[string]string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	rules := make([]Rule, 0, len(raw))
	for pattern, headers := range raw {
		rules = append(rules, Rule{Pattern: pattern, Headers: headers})
	}
	sort.Slice(rules, func(i, j int) bool {
		return moreSpecific(rules[i].Pattern, rules[j].Pattern)
	})
	return rules, nil
}

func moreSpecific(a, b string) bool {
	aDepth := strings.Count(strings.TrimPrefix(a, "/"), "/")
	bDepth := strings.Count(strings.TrimPrefix(b, "/"), "/")
	aAnchored, bAnchored := strings.Contains(a, "/"), strings.Contains(b, "/")
	switch {
	case aAnchored != bAnchored:
		return aAnchored
	case aDepth != bDepth:
		return aDepth > bDepth
	case len(a) != len(b):
		return len(a) > len(b)
	default:
		return a < b
	}
}
