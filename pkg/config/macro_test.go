package config

import "testing"

func TestExpandMacrosSubstitutesAndStrips(t *testing.T) {
	src := "BACKEND=\"10.0.1.1\"\ntable t { host $BACKEND }"
	out, err := ExpandMacros(src)
	if err != nil {
		t.Fatalf("ExpandMacros: %v", err)
	}
	if got := out; !containsAll(got, "host", "10.0.1.1") {
		t.Fatalf("expanded output = %q", got)
	}
	if containsAll(out, "BACKEND=") {
		t.Fatalf("macro definition line should be stripped: %q", out)
	}
}

func TestExpandMacrosUndefinedIsError(t *testing.T) {
	_, err := ExpandMacros("table t { host $UNDEFINED }")
	if err == nil {
		t.Fatal("expected an error for an undefined macro reference")
	}
}

func TestExpandMacrosPrefixSafety(t *testing.T) {
	src := "A=\"short\"\nAB=\"long\"\nx $AB y $A"
	out, err := ExpandMacros(src)
	if err != nil {
		t.Fatalf("ExpandMacros: %v", err)
	}
	if !containsAll(out, "x long y short") {
		t.Fatalf("expanded output = %q, want substrings preserved without cross-contamination", out)
	}
}

func containsAll(s string, subs ...string) bool {
	for _, sub := range subs {
		if !contains(s, sub) {
			return false
		}
	}
	return true
}

func contains(s, sub string) bool {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
