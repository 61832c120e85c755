package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/shelfstream/shelfstream/internal/acquisition"
	"github.com/shelfstream/shelfstream/internal/ranking"
	"github.com/shelfstream/shelfstream/internal/requests"
)

var errBadRequest = errors.New("bad request")

func badRequest(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", errBadRequest, fmt.Sprintf(format, args...))
}

func pathID(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, badRequest("invalid id %q", c.Param("id"))
	}
	return id, nil
}

type createRequestBody struct {
	UserID   string `json:"userId"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	Narrator string `json:"narrator"`
	ASIN     string `json:"asin"`
}

// createRequest records a new request.
// POST /api/v1/requests
func (s *Server) createRequest(c echo.Context) error {
	var body createRequestBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}
	if body.UserID == "" {
		body.UserID = c.Request().Header.Get("X-User-ID")
	}
	if strings.TrimSpace(body.UserID) == "" {
		return badRequest("userId is required")
	}

	req, err := s.deps.Orchestrator.Submit(c.Request().Context(), acquisition.NewRequest{
		UserID:   body.UserID,
		Title:    body.Title,
		Author:   body.Author,
		Narrator: body.Narrator,
		ASIN:     body.ASIN,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, req)
}

// listRequests lists requests, newest first.
// GET /api/v1/requests?user=&status=a,b&limit=
func (s *Server) listRequests(c echo.Context) error {
	filter := requests.ListFilter{UserID: c.QueryParam("user")}

	if raw := c.QueryParam("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st := requests.Status(strings.TrimSpace(part))
			if !st.Valid() {
				return badRequest("unknown status %q", part)
			}
			filter.Statuses = append(filter.Statuses, st)
		}
	}
	if raw := c.QueryParam("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return badRequest("invalid limit %q", raw)
		}
		filter.Limit = limit
	}

	list, err := s.deps.Requests.List(c.Request().Context(), filter)
	if err != nil {
		return err
	}
	if list == nil {
		list = []*requests.Request{}
	}
	return c.JSON(http.StatusOK, list)
}

type requestDetail struct {
	*requests.Request
	Jobs []*requests.Job `json:"jobs"`
}

// getRequest returns a request with its download jobs.
// GET /api/v1/requests/:id
func (s *Server) getRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()

	req, err := s.deps.Requests.Get(ctx, id)
	if err != nil {
		return err
	}
	jobs, err := s.deps.Requests.ListJobsForRequest(ctx, id)
	if err != nil {
		return err
	}
	if jobs == nil {
		jobs = []*requests.Job{}
	}
	return c.JSON(http.StatusOK, requestDetail{Request: req, Jobs: jobs})
}

// approveRequest releases a request held for approval.
// POST /api/v1/requests/:id/approve
func (s *Server) approveRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req, err := s.deps.Orchestrator.Approve(c.Request().Context(), id)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

// searchRequest queues an immediate re-search of a waiting request.
// POST /api/v1/requests/:id/search
func (s *Server) searchRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	req, err := s.deps.Requests.Get(c.Request().Context(), id)
	if err != nil {
		return err
	}
	if req.Status != requests.StatusAwaitingSearch && req.Status != requests.StatusPending {
		return fmt.Errorf("%w: request is %s", acquisition.ErrInvalidTransition, req.Status)
	}
	if err := s.deps.Orchestrator.Enqueue(id); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, req)
}

type importBody struct {
	Success bool   `json:"success"`
	Warning string `json:"warning"`
	Error   string `json:"error"`
}

// reportImport records the import outcome of a downloaded request.
// POST /api/v1/requests/:id/import
func (s *Server) reportImport(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	var body importBody
	if err := c.Bind(&body); err != nil {
		return badRequest("invalid request body")
	}

	req, err := s.deps.Orchestrator.ReportImport(c.Request().Context(), id, acquisition.ImportResult{
		Success: body.Success,
		Warning: body.Warning,
		Error:   body.Error,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

// cancelRequest cancels a request. purge=true also deletes downloaded data.
// DELETE /api/v1/requests/:id
func (s *Server) cancelRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	purge := false
	if raw := c.QueryParam("purge"); raw != "" {
		if purge, err = strconv.ParseBool(raw); err != nil {
			return badRequest("invalid purge %q", raw)
		}
	}

	req, err := s.deps.Orchestrator.Cancel(c.Request().Context(), id, purge)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, req)
}

// deleteRequest soft deletes a request, cancelling it first when active.
// DELETE /api/v1/admin/requests/:id
func (s *Server) deleteRequest(c echo.Context) error {
	id, err := pathID(c)
	if err != nil {
		return err
	}
	if err := s.deps.Orchestrator.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// previewSearch runs an interactive ranked search.
// GET /api/v1/search?title=&author=
func (s *Server) previewSearch(c echo.Context) error {
	title := strings.TrimSpace(c.QueryParam("title"))
	if title == "" {
		return badRequest("title is required")
	}

	ranked, err := s.deps.Orchestrator.Preview(c.Request().Context(), title, strings.TrimSpace(c.QueryParam("author")))
	if err != nil {
		return err
	}
	if ranked == nil {
		ranked = []ranking.RankedCandidate{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"total":   len(ranked),
		"results": ranked,
	})
}
