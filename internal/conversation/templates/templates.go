// Package templates is the reply template library: a key -> localized text
// lookup with {{name}} placeholders. Rendering never fails; broken renders are
// made visible instead.
package templates

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLanguage is used whenever a template is missing in the requested language.
const DefaultLanguage = "en"

//go:embed templates.yaml
var defaultTemplates []byte

var placeholderRe = regexp.MustCompile(`\{\{\s*([a-z_][a-z0-9_]*)\s*\}\}`)

// MissingPlaceholder returns the token substituted for an unset variable.
func MissingPlaceholder(name string) string {
	return "[missing:" + name + "]"
}

// UnknownTemplate returns the sentinel rendered for an unknown template key.
func UnknownTemplate(key string) string {
	return "[unknown-template:" + key + "]"
}

// Library holds templates by language and key. It is read-only after load and
// safe for concurrent use.
type Library struct {
	byLang map[string]map[string]string
}

// NewDefault loads the embedded template set.
func NewDefault() (*Library, error) {
	return Parse(defaultTemplates)
}

// Load returns the embedded set, overridden key-by-key by the YAML file at
// path when path is not empty.
func Load(path string) (*Library, error) {
	lib, err := NewDefault()
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(path) == "" {
		return lib, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read templates file: %w", err)
	}
	override, err := Parse(data)
	if err != nil {
		return nil, err
	}
	for lang, set := range override.byLang {
		if lib.byLang[lang] == nil {
			lib.byLang[lang] = map[string]string{}
		}
		for key, text := range set {
			lib.byLang[lang][key] = text
		}
	}
	return lib, nil
}

// Parse decodes and validates a YAML template document.
func Parse(data []byte) (*Library, error) {
	raw := map[string]map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode templates: %w", err)
	}
	for lang, set := range raw {
		for key, text := range set {
			if strings.TrimSpace(text) == "" {
				return nil, fmt.Errorf("template %s/%s is empty", lang, key)
			}
			if strings.Count(text, "{{") != strings.Count(text, "}}") {
				return nil, fmt.Errorf("template %s/%s has unbalanced placeholders", lang, key)
			}
		}
	}
	return &Library{byLang: raw}, nil
}

// Has reports whether key exists in the default language.
func (l *Library) Has(key string) bool {
	_, ok := l.byLang[DefaultLanguage][key]
	return ok
}

// Keys returns the default-language template keys, sorted.
func (l *Library) Keys() []string {
	keys := make([]string, 0, len(l.byLang[DefaultLanguage]))
	for key := range l.byLang[DefaultLanguage] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Render substitutes vars into the template key in language, falling back to
// English. Unset placeholders become MissingPlaceholder tokens and an unknown
// key renders as UnknownTemplate.
func (l *Library) Render(key string, vars map[string]string, language string) string {
	text, ok := l.lookup(key, language)
	if !ok {
		return UnknownTemplate(key)
	}
	return placeholderRe.ReplaceAllStringFunc(text, func(token string) string {
		name := placeholderRe.FindStringSubmatch(token)[1]
		if v, ok := vars[name]; ok {
			return v
		}
		return MissingPlaceholder(name)
	})
}

func (l *Library) lookup(key, language string) (string, bool) {
	lang := strings.ToLower(strings.TrimSpace(language))
	if set, ok := l.byLang[lang]; ok {
		if text, ok := set[key]; ok {
			return text, true
		}
	}
	text, ok := l.byLang[DefaultLanguage][key]
	return text, ok
}

// IsBroken reports whether rendered text carries a missing-placeholder token
// or the unknown-template sentinel.
func IsBroken(rendered string) bool {
	return strings.Contains(rendered, "[missing:") || strings.HasPrefix(rendered, "[unknown-template:")
}
