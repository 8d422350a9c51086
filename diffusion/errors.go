// errors.go - Fehlertypen der Pipeline
//
// Enthält:
//   - Sentinel-Fehler fuer errors.Is
//   - ConstructionError: Fehler beim Laden der Gewichte oder Bauen der Operatoren
//   - GenerationError: Fehler waehrend Generate mit Stufe und Schritt
package diffusion

import (
	"errors"
	"fmt"
)

var (
	ErrConstruction = errors.New("pipeline konnte nicht erstellt werden")
	ErrGeneration   = errors.New("generierung fehlgeschlagen")
	// ErrDecodeShape: der VAE lieferte kein 3-Kanal-Bild
	ErrDecodeShape = errors.New("dekodiertes bild hat nicht 3 kanaele")
	// ErrNonFinite: NaN oder Inf im Latent (nur mit Parameters.CheckFinite)
	ErrNonFinite     = errors.New("latent enthaelt NaN oder Inf")
	ErrInvalidParams = errors.New("ungueltige parameter")
)

// ConstructionError tritt beim Laden der Gewichte oder Bauen der Operatoren auf
type ConstructionError struct {
	Component string
	Err       error
}

func (e *ConstructionError) Error() string {
	return fmt.Sprintf("%v: %s: %v", ErrConstruction, e.Component, e.Err)
}

func (e *ConstructionError) Unwrap() []error { return []error{ErrConstruction, e.Err} }

// GenerationError tritt waehrend Generate auf. Step ist -1 ausserhalb des Loops.
type GenerationError struct {
	Stage string
	Step  int
	Err   error
}

func (e *GenerationError) Error() string {
	if e.Step >= 0 {
		return fmt.Sprintf("%v: %s (schritt %d): %v", ErrGeneration, e.Stage, e.Step, e.Err)
	}
	return fmt.Sprintf("%v: %s: %v", ErrGeneration, e.Stage, e.Err)
}

func (e *GenerationError) Unwrap() []error { return []error{ErrGeneration, e.Err} }

func constructionError(component string, err error) error {
	return &ConstructionError{Component: component, Err: err}
}

func generationError(stage string, err error) error {
	return &GenerationError{Stage: stage, Step: -1, Err: err}
}
