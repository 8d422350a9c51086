// Package server - Cache- und Verlaufs-Handler
// Beinhaltet: ListHandler (/api/tags), HistoryHandler (/api/history)
package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/7blacky7/sdgen/api"
	"github.com/7blacky7/sdgen/store"
)

// defaultHistoryLimit gilt, wenn limit fehlt
const defaultHistoryLimit = 50

// ListHandler listet die Modelle im lokalen Hub-Cache
func (s *Server) ListHandler(c *gin.Context) {
	resp := api.ListResponse{Models: []api.ModelResponse{}}
	if s.cache == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	info, err := s.cache.Info()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, m := range info.Models {
		resp.Models = append(resp.Models, api.ModelResponse{
			Name:      m.ModelID,
			Size:      m.TotalSize,
			Files:     m.FileCount,
			Revisions: m.Revisions,
		})
	}
	c.JSON(http.StatusOK, resp)
}

// HistoryHandler liefert die letzten Generierungen, neueste zuerst
func (s *Server) HistoryHandler(c *gin.Context) {
	limit := defaultHistoryLimit
	if q := c.Query("limit"); q != "" {
		n, err := strconv.Atoi(q)
		if err != nil || n < 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid limit " + strconv.Quote(q)})
			return
		}
		limit = n
	}

	resp := api.HistoryResponse{Entries: []api.HistoryEntry{}}
	if s.history == nil {
		c.JSON(http.StatusOK, resp)
		return
	}

	entries, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, historyEntry(e))
	}
	c.JSON(http.StatusOK, resp)
}

func historyEntry(e store.Entry) api.HistoryEntry {
	return api.HistoryEntry{
		ID:        e.ID,
		CreatedAt: e.CreatedAt,
		Version:   e.Version,
		Prompt:    e.Prompt,
		Width:     e.Width,
		Height:    e.Height,
		Steps:     e.Steps,
		Guidance:  e.Guidance,
		Seed:      e.Seed,
		Strength:  e.Strength,
		Duration:  e.Duration,
	}
}
