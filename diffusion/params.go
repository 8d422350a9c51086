// params.go - Parameter eines Generate-Aufrufs
//
// GenerationParameters ist ein unveraenderlicher Wert; jede With-Methode gibt
// eine Kopie zurueck. Nicht gesetzte Felder werden erst in Generate aus der
// Versionstabelle aufgeloest.
package diffusion

import (
	"fmt"
	"image"
)

// DefaultStrength ist die img2img-Staerke, wenn nichts angegeben ist
const DefaultStrength = 0.5

type GenerationParameters struct {
	prompt            string
	uncondPrompt      string
	stylePrompt       *string
	uncondStylePrompt *string
	width             *int
	height            *int
	steps             *int
	guidanceScale     *float64
	image             image.Image
	strength          float64
	seed              uint64
	progress          func(step, total int)
}

func NewGenerationParameters(prompt string) GenerationParameters {
	return GenerationParameters{prompt: prompt, strength: DefaultStrength}
}

func (p GenerationParameters) WithUncondPrompt(s string) GenerationParameters {
	p.uncondPrompt = s
	return p
}

// WithStylePrompt setzt den Prompt fuer den zweiten Encoder (XL, Turbo)
func (p GenerationParameters) WithStylePrompt(s string) GenerationParameters {
	p.stylePrompt = &s
	return p
}

func (p GenerationParameters) WithUncondStylePrompt(s string) GenerationParameters {
	p.uncondStylePrompt = &s
	return p
}

func (p GenerationParameters) WithWidth(w int) GenerationParameters {
	p.width = &w
	return p
}

func (p GenerationParameters) WithHeight(h int) GenerationParameters {
	p.height = &h
	return p
}

func (p GenerationParameters) WithSteps(n int) GenerationParameters {
	p.steps = &n
	return p
}

func (p GenerationParameters) WithGuidanceScale(g float64) GenerationParameters {
	p.guidanceScale = &g
	return p
}

// WithImage aktiviert img2img mit img als Ausgangsbild
func (p GenerationParameters) WithImage(img image.Image) GenerationParameters {
	p.image = img
	return p
}

// WithStrength setzt den Anteil des Schedules, der im img2img-Modus laeuft (0..1)
func (p GenerationParameters) WithStrength(s float64) GenerationParameters {
	p.strength = s
	return p
}

// WithSeed setzt den Seed fuer das Rauschen; 0 waehlt einen zufaelligen
func (p GenerationParameters) WithSeed(seed uint64) GenerationParameters {
	p.seed = seed
	return p
}

// WithProgress wird nach jedem Sampling-Schritt aufgerufen
func (p GenerationParameters) WithProgress(fn func(step, total int)) GenerationParameters {
	p.progress = fn
	return p
}

func (p GenerationParameters) Prompt() string       { return p.prompt }
func (p GenerationParameters) UncondPrompt() string { return p.uncondPrompt }
func (p GenerationParameters) Image() image.Image   { return p.image }
func (p GenerationParameters) Strength() float64    { return p.strength }
func (p GenerationParameters) Seed() uint64         { return p.seed }

// Progress gibt den Fortschritts-Callback zurueck (nil wenn keiner gesetzt ist)
func (p GenerationParameters) Progress() func(step, total int) { return p.progress }

// resolved enthaelt die Parameter nach Anwendung der Versions-Defaults
type resolved struct {
	width, height int
	steps         int
	guidance      float64
	useGuidance   bool
}

func (p GenerationParameters) resolve(v Version) (resolved, error) {
	r := resolved{
		width:    v.DefaultSize(),
		height:   v.DefaultSize(),
		steps:    v.DefaultSteps(),
		guidance: v.DefaultGuidanceScale(),
	}
	if p.width != nil {
		r.width = *p.width
	}
	if p.height != nil {
		r.height = *p.height
	}
	if p.steps != nil {
		r.steps = *p.steps
	}
	if p.guidanceScale != nil {
		r.guidance = *p.guidanceScale
	}
	r.useGuidance = r.guidance > 1.0

	switch {
	case r.width <= 0 || r.height <= 0:
		return r, fmt.Errorf("%w: groesse %dx%d", ErrInvalidParams, r.width, r.height)
	case r.steps <= 0:
		return r, fmt.Errorf("%w: schritte %d", ErrInvalidParams, r.steps)
	case p.image != nil && (p.strength < 0 || p.strength > 1):
		return r, fmt.Errorf("%w: strength %g ausserhalb von [0, 1]", ErrInvalidParams, p.strength)
	}
	return r, nil
}
