// Package lexicon holds the configurable set of backchannel tokens: short
// acknowledgments like "yeah" or "mhm" that should never stop the agent
// mid-sentence. The default set is embedded; operators can override it with
// a JSON file or replace it at runtime through the lexicon endpoint.
package lexicon

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"
)

//go:embed lexicon.json
var embedded []byte

// Lexicon is an immutable set of canonical tokens (lowercase, no punctuation,
// no whitespace). It is safe to share across concurrent sessions; reload is
// done by building a new Lexicon and swapping it into a Store, never by
// editing one in place.
type Lexicon struct {
	tokens map[string]struct{}
}

// New builds a Lexicon from configured entries. Entries pass through the same
// normalization applied to utterances, so "uh-huh" contributes the tokens
// "uh" and "huh" while the fused STT spelling "uhhuh" must be listed on its
// own. Word lists carry spelling variants on purpose: streaming STT is noisy
// on short interjections.
func New(entries []string) *Lexicon {
	set := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		for _, tok := range Tokenize(e) {
			set[tok] = struct{}{}
		}
	}
	return &Lexicon{tokens: set}
}

// Load builds the Lexicon from the embedded default word list.
func Load() (*Lexicon, error) { return parse(embedded) }

// LoadFile builds a Lexicon from a JSON array of tokens at path.
func LoadFile(path string) (*Lexicon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("lexicon: read %s: %w", path, err)
	}
	l, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("lexicon: %s: %w", path, err)
	}
	return l, nil
}

func parse(data []byte) (*Lexicon, error) {
	var entries []string
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("lexicon: parse token list: %w", err)
	}
	return New(entries), nil
}

// Contains reports whether a single token, normalized at the point of use
// (lowercased, punctuation stripped), is in the set.
func (l *Lexicon) Contains(token string) bool {
	_, ok := l.tokens[canonical(token)]
	return ok
}

// ContainsAll reports whether every token is in the set. An empty sequence is
// vacuously contained.
func (l *Lexicon) ContainsAll(tokens []string) bool {
	for _, t := range tokens {
		if !l.Contains(t) {
			return false
		}
	}
	return true
}

// Len returns the number of canonical tokens in the set.
func (l *Lexicon) Len() int { return len(l.tokens) }

// Tokens returns the canonical token set in sorted order.
func (l *Lexicon) Tokens() []string {
	out := make([]string, 0, len(l.tokens))
	for t := range l.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Tokenize normalizes raw text into canonical tokens: hyphens become spaces
// so compound interjections split into their word form, punctuation and
// symbol runes are stripped, the result is lowercased and split on
// whitespace. Empty tokens are discarded.
func Tokenize(text string) []string {
	text = strings.ReplaceAll(text, "-", " ")
	text = strings.Map(dropPunct, text)
	return strings.Fields(strings.ToLower(text))
}

// canonical normalizes one lookup token. Hyphens count as punctuation here,
// so a lookup of "uh-huh" checks the fused form.
func canonical(token string) string {
	return strings.ToLower(strings.Map(dropPunct, token))
}

func dropPunct(r rune) rune {
	// IsSymbol covers the ASCII marks ($ + < = > ^ | ~) that are not
	// punctuation class in Unicode.
	if unicode.IsPunct(r) || unicode.IsSymbol(r) {
		return -1
	}
	return r
}

// Store shares one Lexicon between sessions and supports wholesale
// replacement for configuration reload. Readers never observe a partial edit.
type Store struct {
	cur atomic.Pointer[Lexicon]
}

// NewStore creates a Store holding l.
func NewStore(l *Lexicon) *Store {
	s := &Store{}
	s.cur.Store(l)
	return s
}

// Current returns the Lexicon in use.
func (s *Store) Current() *Lexicon { return s.cur.Load() }

// Swap replaces the Lexicon in use. In-flight classifications finish against
// the set they started with.
func (s *Store) Swap(l *Lexicon) { s.cur.Store(l) }
