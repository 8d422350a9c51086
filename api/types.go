// Package api - Request- und Response-Typen der HTTP-Schnittstelle
// Enthaelt: StatusError, GenerateRequest, GenerateResponse, Metrics, ListResponse, HistoryResponse
package api

import (
	"fmt"
	"os"
	"time"
)

// StatusError is an error with an HTTP status code and message.
type StatusError struct {
	StatusCode   int
	Status       string
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		return "something went wrong, please see the sdgen server logs for details"
	}
}

// Grenzen einer Generierung; der Server lehnt groessere Requests ab
const (
	MaxDimension = 4096
	MaxSamples   = 8
)

// ImageData represents the raw binary data of an image file.
// Wird in JSON als base64 kodiert.
type ImageData []byte

// GenerateRequest beschreibt eine Generierung. Nullwerte bedeuten den
// Default der Modellversion.
type GenerateRequest struct {
	Prompt            string  `json:"prompt"`
	UncondPrompt      string  `json:"uncond_prompt,omitempty"`
	StylePrompt       *string `json:"style_prompt,omitempty"`
	UncondStylePrompt *string `json:"uncond_style_prompt,omitempty"`

	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	Steps         int      `json:"steps,omitempty"`
	GuidanceScale *float64 `json:"guidance_scale,omitempty"`

	// Image aktiviert img2img
	Image    ImageData `json:"image,omitempty"`
	Strength *float64  `json:"strength,omitempty"`

	// Seed 0 waehlt einen zufaelligen Seed; Sample i nutzt Seed+i
	Seed       uint64 `json:"seed,omitempty"`
	NumSamples int    `json:"num_samples,omitempty"`

	// Stream liefert Fortschritt als NDJSON (Default true)
	Stream *bool `json:"stream,omitempty"`
}

// GenerateResponse ist eine Fortschrittsmeldung oder, mit Done, das Ergebnis
type GenerateResponse struct {
	ID        string    `json:"id"`
	Version   string    `json:"version"`
	CreatedAt time.Time `json:"created_at"`

	// Sample ist der Index des aktuellen Samples, Completed/Total die Schritte
	Sample    int `json:"sample,omitempty"`
	Completed int `json:"completed,omitempty"`
	Total     int `json:"total,omitempty"`

	Done   bool        `json:"done"`
	Images []ImageData `json:"images,omitempty"`
	Seed   uint64      `json:"seed,omitempty"`

	Metrics
}

type Metrics struct {
	TotalDuration time.Duration `json:"total_duration,omitempty"`
	QueueDuration time.Duration `json:"queue_duration,omitempty"`
}

func (m *Metrics) Summary() {
	if m.TotalDuration > 0 {
		fmt.Fprintf(os.Stderr, "total duration:       %v\n", m.TotalDuration)
	}
	if m.QueueDuration > 0 {
		fmt.Fprintf(os.Stderr, "queue duration:       %v\n", m.QueueDuration)
	}
}

// ModelResponse ist ein Modell im lokalen Cache
type ModelResponse struct {
	Name      string   `json:"name"`
	Size      int64    `json:"size"`
	Files     int      `json:"files"`
	Revisions []string `json:"revisions,omitempty"`
}

type ListResponse struct {
	Models []ModelResponse `json:"models"`
}

// HistoryEntry ist eine vergangene Generierung
type HistoryEntry struct {
	ID        string        `json:"id"`
	CreatedAt time.Time     `json:"created_at"`
	Version   string        `json:"version"`
	Prompt    string        `json:"prompt"`
	Width     int           `json:"width"`
	Height    int           `json:"height"`
	Steps     int           `json:"steps"`
	Guidance  float64       `json:"guidance"`
	Seed      uint64        `json:"seed"`
	Strength  *float64      `json:"strength,omitempty"`
	Duration  time.Duration `json:"duration"`
}

type HistoryResponse struct {
	Entries []HistoryEntry `json:"entries"`
}
