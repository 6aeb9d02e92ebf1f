package translate

import (
	"fmt"
	"os"
	"strconv"

	"github.com/goccy/go-json"
)

// commandManifest mirrors the command metadata JSON file:
//
//	{"commands":[{"input_pattern":"regex",
//	              "output_pattern":"SELECT ... %s ...",
//	              "matcher_array":["1","2"]}]}
type commandManifest struct {
	Commands []commandEntry `json:"commands"`
}

type commandEntry struct {
	InputPattern  string   `json:"input_pattern"`
	OutputPattern string   `json:"output_pattern"`
	MatcherArray  []string `json:"matcher_array"`
}

// rewriteEntry mirrors one element of the query rewrites JSON file, an
// ordered list of regex search-and-replace rules.
type rewriteEntry struct {
	InputPattern  string `json:"input_pattern"`
	OutputPattern string `json:"output_pattern"`
}

// LoadMatchers reads and compiles the command metadata manifest at the given
// path. The declared ordering is preserved.
func LoadMatchers(path string) ([]*Matcher, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read command metadata file: %w", err)
	}

	return ParseMatchers(contents)
}

// ParseMatchers compiles the matchers inside the given manifest contents.
func ParseMatchers(contents []byte) ([]*Matcher, error) {
	var manifest commandManifest
	err := json.Unmarshal(contents, &manifest)
	if err != nil {
		return nil, fmt.Errorf("malformed command metadata file: %w", err)
	}

	matchers := make([]*Matcher, 0, len(manifest.Commands))
	for _, entry := range manifest.Commands {
		order := make([]int, 0, len(entry.MatcherArray))
		for _, raw := range entry.MatcherArray {
			index, err := strconv.Atoi(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid matcher group index %q: %w", raw, err)
			}

			order = append(order, index)
		}

		matcher, err := NewMatcher(entry.InputPattern, entry.OutputPattern, order)
		if err != nil {
			return nil, err
		}

		matchers = append(matchers, matcher)
	}

	return matchers, nil
}

// LoadRewrites reads and compiles the query rewrites manifest at the given
// path. The declared ordering is preserved.
func LoadRewrites(path string) ([]*Rewrite, error) {
	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read query rewrites file: %w", err)
	}

	return ParseRewrites(contents)
}

// ParseRewrites compiles the rewrite rules inside the given manifest contents.
func ParseRewrites(contents []byte) ([]*Rewrite, error) {
	var entries []rewriteEntry
	err := json.Unmarshal(contents, &entries)
	if err != nil {
		return nil, fmt.Errorf("malformed query rewrites file: %w", err)
	}

	rewrites := make([]*Rewrite, 0, len(entries))
	for _, entry := range entries {
		rewrite, err := NewRewrite(entry.InputPattern, entry.OutputPattern)
		if err != nil {
			return nil, err
		}

		rewrites = append(rewrites, rewrite)
	}

	return rewrites, nil
}
