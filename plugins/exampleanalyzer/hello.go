package exampleanalyzer

import (
	"context"
	"fmt"

	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"golang.org/x/text/message/catalog"

	"github.com/CCC-MF/pluginworkshop20230216/pkg/onkostar"
)

// Message keys double as the German texts.
const (
	greetingKey = "Hallo, %s!"
	unknownKey  = "Hallo du unbekannter Benutzer!"
)

var greetings = newGreetingCatalog()

func newGreetingCatalog() *catalog.Builder {
	b := catalog.NewBuilder(catalog.Fallback(language.German))
	must(b.SetString(language.German, greetingKey, greetingKey))
	must(b.SetString(language.German, unknownKey, unknownKey))
	must(b.SetString(language.English, greetingKey, "Hello, %s!"))
	must(b.SetString(language.English, unknownKey, "Hello, unknown user!"))
	return b
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Hello greets input["name"], or an unknown user when the key is missing or nil.
//
// Script usage in the host:
//
//	executePluginMethod('ExampleProcedureAnalyzer', 'hello', { name: 'Onkostar' }, cb, false);
func (a *Analyzer) Hello(input map[string]any) string {
	p := message.NewPrinter(a.locale, message.Catalog(greetings))
	name, ok := input["name"]
	if !ok || name == nil {
		return p.Sprintf(unknownKey)
	}
	return p.Sprintf(greetingKey, fmt.Sprint(name))
}

// Methods exposes the scriptable methods by their host-side names.
func (a *Analyzer) Methods() map[string]onkostar.Method {
	return map[string]onkostar.Method{
		"hello": func(_ context.Context, input map[string]any) (any, error) {
			return a.Hello(input), nil
		},
	}
}

var _ onkostar.MethodProvider = (*Analyzer)(nil)
