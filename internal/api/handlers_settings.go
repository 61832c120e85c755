package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/shelfstream/shelfstream/internal/downloader"
	"github.com/shelfstream/shelfstream/internal/settings"
)

// listIndexers returns the local indexer table.
// GET /api/v1/settings/indexers
func (s *Server) listIndexers(c echo.Context) error {
	list, err := s.deps.Settings.ListIndexers(c.Request().Context())
	if err != nil {
		return err
	}
	if list == nil {
		list = []settings.Indexer{}
	}
	return c.JSON(http.StatusOK, list)
}

type indexerBody struct {
	Priority *int  `json:"priority"`
	Enabled  *bool `json:"enabled"`
}

// updateIndexer changes the priority or enabled flag of a known indexer.
// PUT /api/v1/settings/indexers/:id
func (s *Server) updateIndexer(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body indexerBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	ctx := c.Request().Context()

	list, err := s.deps.Settings.ListIndexers(ctx)
	if err != nil {
		return err
	}
	var idx *settings.Indexer
	for i := range list {
		if list[i].ID == id {
			idx = &list[i]
			break
		}
	}
	if idx == nil {
		return settings.ErrIndexerNotFound
	}

	if body.Priority != nil {
		idx.Priority = *body.Priority
		if idx.Priority == 0 {
			return settings.ErrInvalidPriority
		}
	}
	if body.Enabled != nil {
		idx.Enabled = *body.Enabled
	}
	if err := s.deps.Settings.UpsertIndexer(ctx, *idx); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, idx)
}

// syncIndexers pulls the indexer list from the gateway.
// POST /api/v1/settings/indexers/sync
func (s *Server) syncIndexers(c echo.Context) error {
	if s.deps.Indexers == nil {
		return badRequest("no indexer gateway is configured")
	}
	added, err := s.deps.Settings.SyncIndexers(c.Request().Context(), s.deps.Indexers)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]int{"added": added})
}

// listFlags returns the flag modifiers.
// GET /api/v1/settings/flags
func (s *Server) listFlags(c echo.Context) error {
	list, err := s.deps.Settings.ListFlagModifiers(c.Request().Context())
	if err != nil {
		return err
	}
	if list == nil {
		list = []settings.FlagModifier{}
	}
	return c.JSON(http.StatusOK, list)
}

// setFlag creates or replaces a flag modifier.
// POST /api/v1/settings/flags
func (s *Server) setFlag(c echo.Context) error {
	var body settings.FlagModifier
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	if err := s.deps.Settings.SetFlagModifier(c.Request().Context(), body.Name, body.Modifier); err != nil {
		return err
	}
	return s.listFlags(c)
}

// deleteFlag removes a flag modifier.
// DELETE /api/v1/settings/flags/:name
func (s *Server) deleteFlag(c echo.Context) error {
	if err := s.deps.Settings.DeleteFlagModifier(c.Request().Context(), c.Param("name")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

type backendBody struct {
	Type                    downloader.ClientType `json:"type"`
	downloader.ClientConfig
}

func protocolParam(c echo.Context) (downloader.Protocol, error) {
	p := downloader.Protocol(c.Param("protocol"))
	if !p.Valid() {
		return "", badRequest("unknown protocol %q", c.Param("protocol"))
	}
	return p, nil
}

// saveBackend stores the download backend serving a protocol.
// PUT /api/v1/settings/backends/:protocol
func (s *Server) saveBackend(c echo.Context) error {
	protocol, err := protocolParam(c)
	if err != nil {
		return err
	}
	var body backendBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}

	backend := downloader.Backend{Type: body.Type, Config: body.ClientConfig}
	if err := s.deps.Settings.SaveBackend(c.Request().Context(), protocol, backend); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"protocol": protocol,
		"type":     body.Type,
		"url":      body.URL,
	})
}

// testBackend checks connectivity of the saved backend for a protocol.
// POST /api/v1/settings/backends/:protocol/test
func (s *Server) testBackend(c echo.Context) error {
	protocol, err := protocolParam(c)
	if err != nil {
		return err
	}
	if err := s.deps.Router.Test(c.Request().Context(), protocol); err != nil {
		if downloader.IsConfigurationError(err) {
			return err
		}
		return c.JSON(http.StatusOK, map[string]interface{}{"success": false, "message": err.Error()})
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"success": true, "message": "Connection successful"})
}
