package search

import (
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// Term is one free-text unit of a query. Quoted terms are phrase-matched
// where the backend supports it.
type Term struct {
	Value  string
	Quoted bool
}

// Parsed is the structured form of a search query string.
type Parsed struct {
	Terms []Term // bare and quoted terms, in input order
	Doc   string // doc: filter, matched against document titles
	Note  string // note: filter, searched within note content only
}

// queryGrammar matches a sequence of terms: bare words, quoted phrases, and
// doc:/note: field filters.
//
//nolint:govet // participle grammar tags are not standard struct tags
type queryGrammar struct {
	Terms []queryTerm `@@*`
}

type queryTerm struct {
	Field string      `( @("doc" | "note") ":"`
	Value *queryValue `  @@`
	Plain *queryValue `| @@ )`
}

type queryValue struct {
	Quoted string `  @String`
	Word   string `| @Word`
}

var queryLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "String", Pattern: `"(\\"|[^"])*"`},
	{Name: "Colon", Pattern: `:`},
	{Name: "Word", Pattern: `[^\s:"]+`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var queryParser = participle.MustBuild[queryGrammar](
	participle.Lexer(queryLexer),
	participle.Elide("Whitespace"),
	participle.UseLookahead(2),
)

// ParseQuery parses the search box syntax into terms and field filters.
// Input that does not fit the grammar degrades to plain whitespace-separated
// terms: the search box never rejects a query.
func ParseQuery(raw string) Parsed {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Parsed{}
	}

	ast, err := queryParser.ParseString("", raw)
	if err != nil {
		var p Parsed
		for _, f := range strings.Fields(raw) {
			p.Terms = append(p.Terms, Term{Value: f})
		}
		return p
	}

	var p Parsed
	for _, t := range ast.Terms {
		switch t.Field {
		case "doc":
			value, _ := t.Value.text()
			p.Doc = joinNonEmpty(p.Doc, value)
		case "note":
			value, _ := t.Value.text()
			p.Note = joinNonEmpty(p.Note, value)
		default:
			value, quoted := t.Plain.text()
			if value != "" {
				p.Terms = append(p.Terms, Term{Value: value, Quoted: quoted})
			}
		}
	}
	return p
}

// Empty reports whether the query carries neither terms nor filters.
func (p Parsed) Empty() bool {
	return len(p.Terms) == 0 && p.Doc == "" && p.Note == ""
}

// NotesOnly reports whether the query should match note content only.
func (p Parsed) NotesOnly() bool {
	return p.Note != ""
}

// QueryText reassembles the free-text portion of the query, preserving
// quoted phrases in a form both Meilisearch and websearch_to_tsquery
// understand. Note terms are folded in: when a note: filter is present the
// whole query runs against note content.
func (p Parsed) QueryText() string {
	parts := make([]string, 0, len(p.Terms)+1)
	if p.Note != "" {
		parts = append(parts, p.Note)
	}
	for _, t := range p.Terms {
		if t.Quoted {
			parts = append(parts, strconv.Quote(t.Value))
		} else {
			parts = append(parts, t.Value)
		}
	}
	return strings.Join(parts, " ")
}

func (v *queryValue) text() (string, bool) {
	if v == nil {
		return "", false
	}
	if v.Quoted != "" {
		return unquote(v.Quoted), true
	}
	return v.Word, false
}

func unquote(s string) string {
	if u, err := strconv.Unquote(s); err == nil {
		return u
	}
	return strings.Trim(s, `"`)
}

func joinNonEmpty(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}
	return a + " " + b
}
