package config

import (
	"fmt"
	"regexp"
	"strings"
)

var macroDefRe = regexp.MustCompile(`(?m)^[ \t]*([A-Za-z_][A-Za-z0-9_]*)[ \t]*=[ \t]*"([^"]*)"[ \t]*$`)

// ExpandMacros performs a single textual substitution pass over input,
// the same two-phase design pfctl/relayd.conf macro expansion uses:
// lines of the form NAME="value" define a macro, and every other
// occurrence of $NAME in the rest of the file is replaced by value
// before the lexer ever sees it.
func ExpandMacros(input string) (string, error) {
	macros := make(map[string]string)
	stripped := macroDefRe.ReplaceAllStringFunc(input, func(line string) string {
		m := macroDefRe.FindStringSubmatch(line)
		macros[m[1]] = m[2]
		return ""
	})

	if len(macros) > 0 {
		// Longest names first so $REMOTE_ADDR isn't partially replaced as
		// a prefix of a shorter, unrelated macro name.
		names := make([]string, 0, len(macros))
		for name := range macros {
			names = append(names, name)
		}
		for i := 1; i < len(names); i++ {
			for j := i; j > 0 && len(names[j-1]) < len(names[j]); j-- {
				names[j-1], names[j] = names[j], names[j-1]
			}
		}

		for _, name := range names {
			stripped = strings.ReplaceAll(stripped, "$"+name, macros[name])
		}
	}

	if idx := strings.IndexByte(stripped, '$'); idx >= 0 {
		end := idx + 1
		for end < len(stripped) && isIdentByte(stripped[end]) {
			end++
		}
		return stripped, fmt.Errorf("config: undefined macro %q", stripped[idx:end])
	}
	return stripped, nil
}
