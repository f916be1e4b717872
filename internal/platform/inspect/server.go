// Package inspect serves a read-only HTTP view of the identity map for
// operators checking what a sync run has recorded. The server never mutates
// the map; the sync engine remains its single writer.
package inspect

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/fmsync/internal/domain/identity"
)

// Handler exposes the identity map over HTTP.
type Handler struct {
	ids *identity.Map
	log zerolog.Logger
}

// NewHandler builds a handler over an opened identity map.
func NewHandler(ids *identity.Map, log zerolog.Logger) *Handler {
	return &Handler{ids: ids, log: log}
}

// RegisterRoutes mounts the inspection endpoints.
func (h *Handler) RegisterRoutes(e *echo.Echo) {
	e.GET("/health", h.Health)

	api := e.Group("/api/v1")
	api.GET("/mappings", h.ListMappings)
	api.GET("/mappings/stats", h.Stats)
	api.GET("/mappings/:sourceKey", h.GetMapping)
	api.GET("/mappings/reverse/:remoteKey", h.GetReverse)
}

func (h *Handler) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Stats(c echo.Context) error {
	return c.JSON(http.StatusOK, h.ids.Stats())
}

func (h *Handler) ListMappings(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"mappings": h.ids.All(),
		"count":    h.ids.Len(),
	})
}

type mappingResponse struct {
	SourceKey   string  `json:"source_key"`
	RemoteKey   string  `json:"remote_key"`
	FirstName   *string `json:"first_name,omitempty"`
	LastName    *string `json:"last_name,omitempty"`
	DateOfBirth *string `json:"dob,omitempty"`
	CreatedAt   string  `json:"created_at"`
	UpdatedAt   string  `json:"updated_at"`
}

func (h *Handler) GetMapping(c echo.Context) error {
	sourceKey := c.Param("sourceKey")
	e, ok := h.ids.Details(sourceKey)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no mapping for source key")
	}
	return c.JSON(http.StatusOK, mappingResponse{
		SourceKey:   sourceKey,
		RemoteKey:   e.RemoteKey,
		FirstName:   e.FirstName,
		LastName:    e.LastName,
		DateOfBirth: e.DateOfBirth,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:   e.UpdatedAt.Format(time.RFC3339),
	})
}

func (h *Handler) GetReverse(c echo.Context) error {
	remoteKey := c.Param("remoteKey")
	sourceKey, ok := h.ids.Source(remoteKey)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "no mapping for remote key")
	}
	return c.JSON(http.StatusOK, map[string]string{
		"remote_key": remoteKey,
		"source_key": sourceKey,
	})
}

// Run serves the inspection API until ctx is cancelled or the listener
// fails. The caller decides what cancels the context; the CLI wires it to
// SIGINT/SIGTERM.
func Run(ctx context.Context, ids *identity.Map, port string, log zerolog.Logger) error {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	NewHandler(ids, log).RegisterRoutes(e)

	errCh := make(chan error, 1)
	go func() {
		errCh <- e.Start(":" + port)
	}()
	log.Info().Str("port", port).Msg("inspection api listening")

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
		return err
	}
	<-errCh
	return nil
}
