package document

import (
	"strings"
	"unicode"
)

// Analyzer turns a field value into tokens.
type Analyzer interface {
	Analyze(field, text string) []Token
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(field, text string) []Token

func (f AnalyzerFunc) Analyze(field, text string) []Token { return f(field, text) }

// KeywordAnalyzer emits the whole value as one token.
type KeywordAnalyzer struct{}

func (KeywordAnalyzer) Analyze(_ string, text string) []Token {
	return []Token{{Term: text, Position: 0, StartOffset: 0, EndOffset: len(text)}}
}

// WhitespaceAnalyzer splits on Unicode white space and lower-cases terms.
type WhitespaceAnalyzer struct{}

func (WhitespaceAnalyzer) Analyze(_ string, text string) []Token {
	var tokens []Token
	start := -1
	for i, r := range text {
		if unicode.IsSpace(r) {
			if start >= 0 {
				tokens = append(tokens, newToken(text, start, i, len(tokens)))
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		tokens = append(tokens, newToken(text, start, len(text), len(tokens)))
	}
	return tokens
}

func newToken(text string, start, end, pos int) Token {
	return Token{Term: strings.ToLower(text[start:end]), Position: pos, StartOffset: start, EndOffset: end}
}

// PerFieldAnalyzer picks an analyzer by field name.
type PerFieldAnalyzer struct {
	Default Analyzer
	Fields  map[string]Analyzer
}

func (p PerFieldAnalyzer) Analyze(field, text string) []Token {
	if a, ok := p.Fields[field]; ok {
		return a.Analyze(field, text)
	}
	if p.Default == nil {
		return WhitespaceAnalyzer{}.Analyze(field, text)
	}
	return p.Default.Analyze(field, text)
}
