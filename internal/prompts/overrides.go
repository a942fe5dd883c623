package prompts

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultKey matches any platform (at the platform level) or any stage (at
// the objective level).
const DefaultKey = "default"

// Overrides are objective-specific prompt fragments keyed
// platform -> objective -> stage.
//
//	platforms:
//	  meta:
//	    conversions:
//	      default: Foque em CPA e volume de conversões.
//	      analyze: Compare o CPA com a meta da conta.
//	  default:
//	    leads:
//	      default: Foque em custo por lead.
type Overrides struct {
	Platforms map[string]map[string]map[string]string `yaml:"platforms"`
}

// LoadOverrides reads a YAML overrides file. An empty path yields no overrides.
func LoadOverrides(path string) (Overrides, error) {
	if path == "" {
		return Overrides{}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Overrides{}, fmt.Errorf("reading prompt overrides: %w", err)
	}
	return ParseOverrides(data)
}

// ParseOverrides decodes overrides YAML, normalising keys to lower case.
func ParseOverrides(data []byte) (Overrides, error) {
	var raw Overrides
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Overrides{}, fmt.Errorf("parsing prompt overrides: %w", err)
	}
	out := Overrides{Platforms: make(map[string]map[string]map[string]string, len(raw.Platforms))}
	for platform, objectives := range raw.Platforms {
		po := make(map[string]map[string]string, len(objectives))
		for objective, stages := range objectives {
			so := make(map[string]string, len(stages))
			for stage, text := range stages {
				so[strings.ToLower(stage)] = strings.TrimSpace(text)
			}
			po[strings.ToLower(objective)] = so
		}
		out.Platforms[strings.ToLower(platform)] = po
	}
	return out, nil
}

// Lookup returns the fragment for one objective, preferring the exact
// platform over the default platform and the exact stage over the default stage.
func (o Overrides) Lookup(platform, objective, stage string) (string, bool) {
	platform, objective, stage = strings.ToLower(platform), strings.ToLower(objective), strings.ToLower(stage)
	for _, p := range []string{platform, DefaultKey} {
		stages, ok := o.Platforms[p][objective]
		if !ok {
			continue
		}
		if text, ok := stages[stage]; ok && text != "" {
			return text, true
		}
		if text, ok := stages[DefaultKey]; ok && text != "" {
			return text, true
		}
	}
	return "", false
}

// Instructions renders the objective block for a stage: one line per
// objective that has an override, or the generic instruction when none do.
func (o Overrides) Instructions(platform string, objectives []string, stage string) string {
	var lines []string
	for _, obj := range objectives {
		if text, ok := o.Lookup(platform, obj, stage); ok {
			lines = append(lines, fmt.Sprintf("- %s: %s", obj, text))
		}
	}
	if len(lines) == 0 {
		return GenericObjectives(platform, objectives)
	}
	return strings.Join(lines, "\n")
}
