package config

import "testing"

func TestLexerBasicTokens(t *testing.T) {
	l := NewLexer(`table websrvs { host 10.0.1.1 port 80 }`)
	var got []TokenType
	for {
		tok := l.Next()
		got = append(got, tok.Type)
		if tok.Type == TokenEOF {
			break
		}
	}
	want := []TokenType{
		TokenIdentifier, TokenIdentifier, TokenLBrace,
		TokenIdentifier, TokenIdentifier, TokenIdentifier, TokenIdentifier,
		TokenRBrace, TokenEOF,
	}
	if len(got) != len(want) {
		t.Fatalf("got %d tokens, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("token %d = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestLexerQuotedString(t *testing.T) {
	l := NewLexer(`path "/index.html"`)
	tok := l.Next()
	if tok.Type != TokenIdentifier || tok.Value != "path" {
		t.Fatalf("first token = %+v", tok)
	}
	tok = l.Next()
	if tok.Type != TokenString || tok.Value != "/index.html" {
		t.Fatalf("second token = %+v", tok)
	}
}

func TestLexerComment(t *testing.T) {
	l := NewLexer("interval 10 # check every 10 seconds\ntimeout 5")
	var words []string
	for {
		tok := l.Next()
		if tok.Type == TokenEOF {
			break
		}
		words = append(words, tok.Value)
	}
	want := []string{"interval", "10", "timeout", "5"}
	if len(words) != len(want) {
		t.Fatalf("got %v, want %v", words, want)
	}
	for i := range want {
		if words[i] != want[i] {
			t.Fatalf("word %d = %q, want %q", i, words[i], want[i])
		}
	}
}

func TestLexerPeekDoesNotConsume(t *testing.T) {
	l := NewLexer("relay www")
	first := l.Peek()
	second := l.Next()
	if first != second {
		t.Fatalf("Peek() %+v != Next() %+v", first, second)
	}
	third := l.Next()
	if third.Value != "www" {
		t.Fatalf("expected to advance past first token, got %+v", third)
	}
}
