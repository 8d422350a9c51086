// Package server - Generate Handler
// Beinhaltet: GenerateHandler, Parameter-Umwandlung, Queue, Verlaufseintrag
package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/7blacky7/sdgen/api"
	"github.com/7blacky7/sdgen/diffusion"
	"github.com/7blacky7/sdgen/imageutil"
	"github.com/7blacky7/sdgen/store"
)

const (
	maxDimension = api.MaxDimension
	maxSamples   = api.MaxSamples
)

var errServerBusy = errors.New("server busy, please try again later")

// GenerateHandler erzeugt Bilder. Mit stream (Default) kommt pro Schritt eine
// NDJSON-Zeile, die letzte Zeile traegt done und die PNGs.
func (s *Server) GenerateHandler(c *gin.Context) {
	start := time.Now()

	var req api.GenerateRequest
	if err := c.ShouldBindJSON(&req); errors.Is(err, io.EOF) {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing request body"})
		return
	} else if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	gp, err := parameters(req)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	samples := max(req.NumSamples, 1)
	if samples > maxSamples {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("num_samples must be <= %d", maxSamples)})
		return
	}
	seed := req.Seed
	if seed == 0 {
		seed = rand.Uint64N(math.MaxUint32) + 1
	}

	// Queue: laufende plus wartende Requests
	if s.pending.Add(1) > s.maxQueue {
		s.pending.Add(-1)
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": errServerBusy.Error()})
		return
	}
	defer s.pending.Add(-1)

	ctx := c.Request.Context()
	if err := s.sem.Acquire(ctx, 1); err != nil {
		// Client hat aufgegeben
		return
	}
	defer s.sem.Release(1)
	queued := time.Since(start)

	isStreaming := req.Stream == nil || *req.Stream
	contentType := "application/x-ndjson"
	if !isStreaming {
		contentType = "application/json; charset=utf-8"
	}
	c.Header("Content-Type", contentType)

	id := uuid.NewString()
	v := s.gen.Version()
	logger := s.logger.With("id", id)

	var streamStarted bool
	write := func(res api.GenerateResponse) {
		streamStarted = true
		data, _ := json.Marshal(res)
		c.Writer.Write(append(data, '\n'))
		c.Writer.Flush()
	}

	images := make([]api.ImageData, 0, samples)
	for i := range samples {
		p := gp.WithSeed(seed + uint64(i))
		if isStreaming {
			p = p.WithProgress(func(step, total int) {
				write(api.GenerateResponse{
					ID:        id,
					Version:   v.String(),
					CreatedAt: time.Now().UTC(),
					Sample:    i,
					Completed: step,
					Total:     total,
				})
			})
		}

		sampleStart := time.Now()
		img, err := s.gen.Generate(ctx, p)
		if err != nil {
			logger.Error("generation failed", "sample", i, "error", err)
			if streamStarted {
				data, _ := json.Marshal(gin.H{"error": err.Error()})
				c.Writer.Write(append(data, '\n'))
				c.Writer.Flush()
				return
			}
			status := http.StatusInternalServerError
			if errors.Is(err, diffusion.ErrInvalidParams) {
				status = http.StatusBadRequest
			}
			c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
			return
		}

		var buf bytes.Buffer
		if err := imageutil.EncodePNG(&buf, img); err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		images = append(images, buf.Bytes())

		s.record(c, store.Entry{
			ID:           uuid.NewString(),
			Version:      v.String(),
			Prompt:       req.Prompt,
			UncondPrompt: req.UncondPrompt,
			Width:        img.Bounds().Dx(),
			Height:       img.Bounds().Dy(),
			Steps:        cmpOr(req.Steps, v.DefaultSteps()),
			Guidance:     guidance(req, v),
			Seed:         seed + uint64(i),
			Strength:     strength(req),
			Output:       "api:" + id,
			Duration:     time.Since(sampleStart),
		})
		logger.Debug("sample done", "sample", i, "seed", seed+uint64(i), "elapsed", time.Since(sampleStart))
	}

	final := api.GenerateResponse{
		ID:        id,
		Version:   v.String(),
		CreatedAt: time.Now().UTC(),
		Done:      true,
		Images:    images,
		Seed:      seed,
		Metrics: api.Metrics{
			TotalDuration: time.Since(start),
			QueueDuration: queued,
		},
	}
	if isStreaming {
		write(final)
		return
	}
	c.JSON(http.StatusOK, final)
}

// parameters baut die Generierungsparameter ohne Seed aus dem Request
func parameters(req api.GenerateRequest) (diffusion.GenerationParameters, error) {
	gp := diffusion.NewGenerationParameters(req.Prompt)
	if req.Prompt == "" {
		return gp, errors.New("prompt is required")
	}
	if req.Width > maxDimension || req.Height > maxDimension {
		return gp, fmt.Errorf("width and height must be <= %d", maxDimension)
	}
	if req.Width%8 != 0 || req.Height%8 != 0 {
		return gp, errors.New("width and height must be multiples of 8")
	}

	if req.UncondPrompt != "" {
		gp = gp.WithUncondPrompt(req.UncondPrompt)
	}
	if req.StylePrompt != nil {
		gp = gp.WithStylePrompt(*req.StylePrompt)
	}
	if req.UncondStylePrompt != nil {
		gp = gp.WithUncondStylePrompt(*req.UncondStylePrompt)
	}
	if req.Width > 0 {
		gp = gp.WithWidth(req.Width)
	}
	if req.Height > 0 {
		gp = gp.WithHeight(req.Height)
	}
	if req.Steps > 0 {
		gp = gp.WithSteps(req.Steps)
	}
	if req.GuidanceScale != nil {
		gp = gp.WithGuidanceScale(*req.GuidanceScale)
	}

	if len(req.Image) > 0 {
		img, err := imageutil.Decode(req.Image)
		if err != nil {
			return gp, fmt.Errorf("image: %w", err)
		}
		src, err := imageutil.PrepareSource(img)
		if err != nil {
			return gp, fmt.Errorf("image: %w", err)
		}
		gp = gp.WithImage(src)
		if req.Strength != nil {
			gp = gp.WithStrength(*req.Strength)
		}
	}
	return gp, nil
}

// record schreibt den Verlauf; Fehler werden nur geloggt
func (s *Server) record(c *gin.Context, e store.Entry) {
	if s.history == nil {
		return
	}
	if _, err := s.history.Record(c.Request.Context(), e); err != nil {
		s.logger.Warn("failed to record generation", "error", err)
	}
}

func guidance(req api.GenerateRequest, v diffusion.Version) float64 {
	if req.GuidanceScale != nil {
		return *req.GuidanceScale
	}
	return v.DefaultGuidanceScale()
}

func strength(req api.GenerateRequest) *float64 {
	if len(req.Image) == 0 {
		return nil
	}
	s := diffusion.DefaultStrength
	if req.Strength != nil {
		s = *req.Strength
	}
	return &s
}

func cmpOr(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}
