// Package builtin exposes the built-in translator registrations for SDK users.
package builtin

import (
	"sync"

	sdktranslator "github.com/quotio/cliproxy/sdk/translator"

	internalbuiltin "github.com/quotio/cliproxy/internal/translator/builtin"
)

var registerOnce sync.Once

func ensureRegistered() {
	registerOnce.Do(internalbuiltin.Register)
}

// Registry exposes the default registry populated with all built-in translators.
func Registry() *sdktranslator.Registry {
	ensureRegistered()
	return sdktranslator.Default()
}

// Pipeline returns a pipeline that already contains the built-in translators.
func Pipeline() *sdktranslator.Pipeline {
	ensureRegistered()
	return sdktranslator.NewPipeline(sdktranslator.Default())
}
