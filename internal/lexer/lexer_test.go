package lexer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func scanTypes(t *testing.T, src string) []TokenType {
	t.Helper()
	tokens, err := NewScanner(src, "<test>").ScanTokens()
	require.NoError(t, err)
	types := make([]TokenType, len(tokens))
	for i, tok := range tokens {
		types[i] = tok.Type
	}
	return types
}

func TestScanArithmeticExpression(t *testing.T) {
	types := scanTypes(t, "1 + 2 * 3")
	require.Equal(t, []TokenType{
		TokenInteger, TokenPlus, TokenInteger, TokenStar, TokenInteger, TokenEOF,
	}, types)
}

func TestScanKeywordsAndIdentifiers(t *testing.T) {
	types := scanTypes(t, "let x = foo")
	require.Equal(t, []TokenType{
		TokenLet, TokenIdent, TokenEq, TokenIdent, TokenEOF,
	}, types)
}

func TestScanStringLiteral(t *testing.T) {
	tokens, err := NewScanner(`print "hello"`, "<test>").ScanTokens()
	require.NoError(t, err)
	require.Equal(t, TokenString, tokens[1].Type)
	require.Equal(t, "hello", tokens[1].Lexeme)
}

func TestScanTracksLineAndColumn(t *testing.T) {
	tokens, err := NewScanner("let x = 1\nlet y = 2", "<test>").ScanTokens()
	require.NoError(t, err)
	var secondLet Token
	seen := 0
	for _, tok := range tokens {
		if tok.Type == TokenLet {
			seen++
			if seen == 2 {
				secondLet = tok
			}
		}
	}
	require.Equal(t, 2, secondLet.Line)
}

func TestScanUnterminatedStringErrors(t *testing.T) {
	_, err := NewScanner(`"no closing quote`, "<test>").ScanTokens()
	require.Error(t, err)
}

func TestScanDistinguishesStarAndStarStar(t *testing.T) {
	types := scanTypes(t, "2 ** 3")
	require.Equal(t, []TokenType{TokenInteger, TokenStarStar, TokenInteger, TokenEOF}, types)
}
