package config

import (
	"fmt"
	"os"

	"github.com/relayd-project/relayd/pkg/model"
)

// Load reads, macro-expands, parses and compiles the configuration file
// at path into a typed model.Config.
func Load(path string) (*model.Config, error) {
	return LoadWithDefines(path, nil)
}

// LoadWithDefines is Load with additional macro definitions injected
// ahead of the file's own, so a relayd -D name=value command-line
// override (spec.md §6) takes effect before the file's own macro lines
// are seen -- later NAME="value" lines in the file still win, matching
// how pf.conf/relayd.conf -D macros behave: a CLI define only supplies a
// default the file may override.
func LoadWithDefines(path string, defines map[string]string) (*model.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	src := string(raw)
	if len(defines) > 0 {
		var prefix string
		for name, value := range defines {
			prefix += fmt.Sprintf("%s=%q\n", name, value)
		}
		src = prefix + src
	}
	return LoadString(src)
}

// LoadString compiles configuration source text already in memory --
// used by Load and directly by tests.
func LoadString(src string) (*model.Config, error) {
	expanded, err := ExpandMacros(src)
	if err != nil {
		return nil, err
	}

	p := NewParser(expanded)
	tree, errs := p.Parse()
	if len(errs) > 0 {
		return nil, fmt.Errorf("config: %d parse error(s), first: %s", len(errs), errs[0])
	}

	cfg, err := CompileConfig(tree)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
