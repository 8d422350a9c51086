// MODUL: onnx/provider
// ZWECK: Einhaengen des CUDA Execution Providers mit CPU-Fallback
// HINWEISE: Ohne Build-Tag; die ort-Aufrufe kommen als Schritte aus session.go

package onnx

import "log/slog"

// providerStep ist ein Teilschritt beim Konfigurieren eines Providers
type providerStep struct {
	name string
	run  func() error
}

// enableProvider fuehrt die Schritte der Reihe nach aus. Beim ersten Fehler
// wird abgebrochen und mit Warn geloggt; die Session laeuft dann auf der CPU.
func enableProvider(logger *slog.Logger, provider, model string, steps ...providerStep) bool {
	for _, s := range steps {
		if err := s.run(); err != nil {
			logger.Warn("execution provider nicht verfuegbar, nutze CPU",
				"provider", provider, "step", s.name, "model", model, "error", err)
			return false
		}
	}
	logger.Debug("execution provider aktiv", "provider", provider, "model", model)
	return true
}
