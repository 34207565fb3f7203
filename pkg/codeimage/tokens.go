// Package codeimage renders Python sources as code images in the style of CodeImage's VSCode Dark theme.
package codeimage

import (
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/rotisserie/eris"
)

// Kind is the colour class of a span.
type Kind string

const (
	KindDefault   Kind = "default"
	KindKeyword   Kind = "keyword"
	KindFunction  Kind = "function"
	KindNumber    Kind = "number"
	KindString    Kind = "string"
	KindComment   Kind = "comment"
	KindOperator  Kind = "operator"
	KindBracket   Kind = "bracket"
	KindType      Kind = "type"
	KindDecorator Kind = "decorator"
)

// Span is a piece of a source line with a single colour.
type Span struct {
	Text string
	Kind Kind
}

// Line is a rendered source line without its line break.
type Line []Span

var builtinTypes = map[string]bool{
	"int": true, "float": true, "str": true, "bool": true, "list": true, "dict": true, "set": true,
	"tuple": true, "bytes": true, "bytearray": true, "complex": true, "type": true, "object": true,
}

func classify(token chroma.Token) Kind {
	t := token.Type
	switch {
	case t.InCategory(chroma.Comment):
		return KindComment
	case t.InSubCategory(chroma.LiteralString):
		return KindString
	case t.InSubCategory(chroma.LiteralNumber):
		return KindNumber
	case t.InCategory(chroma.Keyword), t == chroma.OperatorWord:
		return KindKeyword
	case t == chroma.NameFunction, t == chroma.NameFunctionMagic, t == chroma.NameClass:
		return KindFunction
	case t == chroma.NameDecorator:
		return KindDecorator
	case t == chroma.NameException:
		return KindType
	case t == chroma.NameBuiltin && builtinTypes[token.Value]:
		return KindType
	case t.InCategory(chroma.Operator):
		return KindOperator
	case t == chroma.Punctuation:
		if strings.ContainsAny(token.Value, "()[]{}") {
			return KindBracket
		}
		return KindOperator
	}

	return KindDefault
}

// Tokenize splits src into lines of coloured spans. Tokens spanning several lines (like docstrings) are
// split at each line break. Adjacent spans of the same kind are merged.
func Tokenize(src string) ([]Line, error) {
	lexer := lexers.Get("python")
	if lexer == nil {
		return nil, eris.New("python lexer is not available")
	}

	src = strings.ReplaceAll(src, "\r\n", "\n")
	iter, err := lexer.Tokenise(nil, src)
	if err != nil {
		return nil, eris.Wrap(err, "failed to tokenize source")
	}

	lines := []Line{}
	for _, tokens := range chroma.SplitTokensIntoLines(iter.Tokens()) {
		line := Line{}
		for _, token := range tokens {
			text := strings.TrimRight(token.Value, "\n")
			if text == "" {
				continue
			}

			kind := classify(token)
			if len(line) > 0 && line[len(line)-1].Kind == kind {
				line[len(line)-1].Text += text
				continue
			}
			line = append(line, Span{Text: text, Kind: kind})
		}
		lines = append(lines, line)
	}

	// the lexer appends a final line break, so the source's own line count wins
	want := strings.Count(src, "\n")
	if !strings.HasSuffix(src, "\n") && src != "" {
		want++
	}
	for len(lines) > want {
		lines = lines[:len(lines)-1]
	}
	for len(lines) < want {
		lines = append(lines, Line{})
	}

	return lines, nil
}
