// Package translate adapts incoming PostgreSQL dialect statements to the
// dialect the backend accepts. Translation composes two rule tables loaded at
// startup: meta-command matchers (psql \d style shortcuts) and ordered regex
// query rewrites. Both tables are immutable once loaded which keeps the
// translator pure; the same input always produces the same output.
package translate

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/pgbridge/pgbridge/codes"
	psqlerr "github.com/pgbridge/pgbridge/errors"
)

// Kind classifies the outcome of a translation.
type Kind int

const (
	// KindIdentity indicates that no rule matched and the SQL is unchanged.
	KindIdentity Kind = iota
	// KindMetaCommand indicates that a meta-command matcher produced the output.
	KindMetaCommand
	// KindRewritten indicates that one or more query rewrites were applied.
	KindRewritten
)

func (kind Kind) String() string {
	switch kind {
	case KindMetaCommand:
		return "meta-command"
	case KindRewritten:
		return "rewritten"
	default:
		return "identity"
	}
}

// ResolveFn resolves the output of a winning meta-command matcher through a
// backend-side lookup. The resolver is only invoked for the winning matcher
// and must behave as a pure function of its input.
type ResolveFn func(ctx context.Context, query string) (string, error)

// Matcher rewrites a full statement matching its input pattern into a backend
// query. Captured groups are substituted positionally into the output
// template following the configured matcher order.
type Matcher struct {
	input  *regexp.Regexp
	output string
	order  []int
}

// NewMatcher compiles a new matcher from the given patterns. The order slice
// holds capture-group indices substituted positionally into the output.
func NewMatcher(input, output string, order []int) (*Matcher, error) {
	compiled, err := regexp.Compile(input)
	if err != nil {
		return nil, fmt.Errorf("invalid meta-command pattern %q: %w", input, err)
	}

	return &Matcher{
		input:  compiled,
		output: output,
		order:  order,
	}, nil
}

// Apply attempts to match the given statement. The second return value
// reports whether the matcher matched at all.
func (matcher *Matcher) Apply(sql string) (string, bool, error) {
	groups := matcher.input.FindStringSubmatch(sql)
	if groups == nil {
		return "", false, nil
	}

	args := make([]any, len(matcher.order))
	for i, index := range matcher.order {
		if index < 0 || index >= len(groups) {
			err := fmt.Errorf("meta-command references capture group %d, pattern %q only defines %d", index, matcher.input.String(), len(groups)-1)
			return "", true, psqlerr.WithCode(err, codes.Internal)
		}

		args[i] = groups[index]
	}

	return fmt.Sprintf(matcher.output, args...), true, nil
}

// Rewrite is a single regex search-and-replace applied to the statement.
type Rewrite struct {
	input  *regexp.Regexp
	output string
}

// NewRewrite compiles a new query rewrite rule.
func NewRewrite(input, output string) (*Rewrite, error) {
	compiled, err := regexp.Compile(input)
	if err != nil {
		return nil, fmt.Errorf("invalid rewrite pattern %q: %w", input, err)
	}

	return &Rewrite{
		input:  compiled,
		output: output,
	}, nil
}

// Apply performs the search-and-replace on the given statement.
func (rewrite *Rewrite) Apply(sql string) string {
	return rewrite.input.ReplaceAllString(sql, rewrite.output)
}

// Result holds the outcome of a single statement translation.
type Result struct {
	SQL  string
	Kind Kind
}

// Translator translates incoming statements using the configured rule tables.
// Rule ordering is significant; matchers and rewrites are tried in the exact
// order they were loaded.
type Translator struct {
	matchers []*Matcher
	rewrites []*Rewrite
}

// NewTranslator constructs a translator from the given rule tables. Both
// slices may be nil.
func NewTranslator(matchers []*Matcher, rewrites []*Rewrite) *Translator {
	return &Translator{
		matchers: matchers,
		rewrites: rewrites,
	}
}

// Translate translates a single statement. Meta-command matchers are tried
// first against the full trimmed statement; the first match wins and is
// optionally resolved through the given resolver. When no matcher hits, the
// rewrite rules are applied in order, composing left-to-right.
func (translator *Translator) Translate(ctx context.Context, sql string, resolve ResolveFn) (Result, error) {
	trimmed := strings.TrimSpace(sql)

	for _, matcher := range translator.matchers {
		out, matched, err := matcher.Apply(trimmed)
		if err != nil {
			return Result{}, err
		}

		if !matched {
			continue
		}

		if resolve != nil {
			out, err = resolve(ctx, out)
			if err != nil {
				return Result{}, err
			}
		}

		return Result{SQL: out, Kind: KindMetaCommand}, nil
	}

	out := sql
	for _, rewrite := range translator.rewrites {
		out = rewrite.Apply(out)
	}

	if out != sql {
		return Result{SQL: out, Kind: KindRewritten}, nil
	}

	return Result{SQL: sql, Kind: KindIdentity}, nil
}

// ConvertPlaceholders converts JDBC style `?` parameter placeholders into the
// PostgreSQL `$n` spelling. Placeholders inside string literals, quoted
// identifiers and `--` line comments are left untouched; `/* */` block
// comments are not recognised and placeholders inside them are converted.
func ConvertPlaceholders(sql string) string {
	var out strings.Builder
	out.Grow(len(sql))

	var index int
	var inString, inIdentifier, inLineComment bool
	for i := 0; i < len(sql); i++ {
		c := sql[i]

		switch {
		case inLineComment:
			if c == '\n' {
				inLineComment = false
			}
		case inString:
			if c == '\'' {
				inString = false
			}
		case inIdentifier:
			if c == '"' {
				inIdentifier = false
			}
		case c == '\'':
			inString = true
		case c == '"':
			inIdentifier = true
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			inLineComment = true
		case c == '?':
			index++
			fmt.Fprintf(&out, "$%d", index)
			continue
		}

		out.WriteByte(c)
	}

	return out.String()
}
