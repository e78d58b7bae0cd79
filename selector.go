package likhon

import (
	"fmt"

	"github.com/likhon-app/likhon/providers"
)

// ProviderSet maps languages to registered transcription providers. Exactly
// one provider serves a session: the one configured for the requested
// language. Sessions are created lazily by the controller, so only the
// selected backend's connection is ever opened.
type ProviderSet struct {
	byName          map[string]providers.Provider
	byLanguage      map[string]string
	defaultLanguage string
}

// NewProviderSet creates an empty provider set with the given fallback
// language for sessions that do not request one.
func NewProviderSet(defaultLanguage string) *ProviderSet {
	return &ProviderSet{
		byName:          make(map[string]providers.Provider),
		byLanguage:      make(map[string]string),
		defaultLanguage: defaultLanguage,
	}
}

// Register adds a provider, keyed by its Name().
func (ps *ProviderSet) Register(p providers.Provider) {
	ps.byName[p.Name()] = p
}

// MapLanguage routes a language code to a registered provider name.
func (ps *ProviderSet) MapLanguage(language, providerName string) {
	ps.byLanguage[language] = providerName
}

// ForLanguage returns the provider serving the given language, plus the
// normalized language code. An unmapped language falls back to the sole
// registered provider when there is exactly one.
func (ps *ProviderSet) ForLanguage(language string) (providers.Provider, string, error) {
	if language == "" {
		language = ps.defaultLanguage
	}

	name, ok := ps.byLanguage[language]
	if !ok {
		if len(ps.byName) == 1 {
			for _, p := range ps.byName {
				return p, language, nil
			}
		}
		return nil, language, fmt.Errorf("no provider configured for language %q", language)
	}

	p, ok := ps.byName[name]
	if !ok {
		return nil, language, fmt.Errorf("provider %q mapped for language %q is not registered", name, language)
	}
	return p, language, nil
}

// Languages returns the configured language codes.
func (ps *ProviderSet) Languages() []string {
	langs := make([]string, 0, len(ps.byLanguage))
	for l := range ps.byLanguage {
		langs = append(langs, l)
	}
	return langs
}
