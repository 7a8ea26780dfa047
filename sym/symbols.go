// Package sym defines canonical glyphs for fhirlake subsystems.
// These symbols appear in structured logs and CLI output.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // job engine: queue, workers, orchestrator
	PulseOpen  = "✿" // graceful startup and resumed jobs
	PulseClose = "❀" // graceful shutdown with checkpoint preservation
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	IX         = "⨳" // extraction from the source API
	Commit     = "⊕" // staged output published to result prefix
)

// All returns every glyph with its subsystem name.
func All() map[string]string {
	return map[string]string{
		Pulse:      "pulse",
		PulseOpen:  "pulse-open",
		PulseClose: "pulse-close",
		DB:         "db",
		AM:         "am",
		IX:         "ix",
		Commit:     "commit",
	}
}
