package server

import (
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/brighthub/bncode/internal/compose"
	"github.com/brighthub/bncode/internal/console"
	"github.com/brighthub/bncode/internal/preview"
	"github.com/brighthub/bncode/internal/sandbox"
)

// validID keeps preview ids usable as path segments and file names.
var validID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// previewView is the API representation of a preview.
type previewView struct {
	ID        string         `json:"id"`
	CreatedAt time.Time      `json:"created_at"`
	Renders   int64          `json:"renders"`
	Src       string         `json:"src"`
	State     sandbox.State  `json:"state"`
	Counts    console.Counts `json:"counts"`
	LastError string         `json:"last_error,omitempty"`
}

func viewOf(p *preview.Preview) previewView {
	state := p.Host().State()
	v := previewView{
		ID:        p.ID,
		CreatedAt: p.CreatedAt,
		Renders:   p.Renders(),
		Src:       state.Src(),
		State:     state,
		Counts:    p.Logs().Counts(),
	}
	if err := p.LastError(); err != nil {
		v.LastError = err.Error()
	}
	return v
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, preview.ErrPreviewNotFound):
		return http.StatusNotFound
	case errors.Is(err, preview.ErrPreviewExists),
		errors.Is(err, preview.ErrPreviewAmbiguous),
		errors.Is(err, sandbox.ErrNothingRendered):
		return http.StatusConflict
	case errors.Is(err, preview.ErrPreviewClosed),
		errors.Is(err, sandbox.ErrHostDisposed):
		return http.StatusGone
	case errors.Is(err, preview.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	c.AbortWithStatusJSON(statusFor(err), gin.H{"error": err.Error()})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg})
}

// lookup resolves the :id parameter, accepting a unique prefix, or writes
// the error response. Read-only routes use it.
func (s *Server) lookup(c *gin.Context) (*preview.Preview, bool) {
	p, err := s.manager.Get(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return p, true
}

// lookupExact is lookup for routes that change the preview.
func (s *Server) lookupExact(c *gin.Context) (*preview.Preview, bool) {
	p, err := s.manager.GetExact(c.Param("id"))
	if err != nil {
		fail(c, err)
		return nil, false
	}
	return p, true
}

type createRequest struct {
	ID     string                `json:"id"`
	Bundle *compose.SourceBundle `json:"bundle,omitempty"`
}

func (s *Server) createPreview(c *gin.Context) {
	var req createRequest
	// The body is optional.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ID != "" && !validID.MatchString(req.ID) {
		badRequest(c, "invalid preview id")
		return
	}

	p, err := s.manager.Create(req.ID)
	if err != nil {
		fail(c, err)
		return
	}
	if req.Bundle != nil {
		if _, err := p.RenderNow(*req.Bundle); err != nil {
			fail(c, err)
			return
		}
	}
	c.JSON(http.StatusCreated, viewOf(p))
}

func (s *Server) listPreviews(c *gin.Context) {
	previews := s.manager.List()
	views := make([]previewView, 0, len(previews))
	for _, p := range previews {
		views = append(views, viewOf(p))
	}
	c.JSON(http.StatusOK, gin.H{"previews": views})
}

func (s *Server) getPreview(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, viewOf(p))
}

func (s *Server) closePreview(c *gin.Context) {
	p, ok := s.lookupExact(c)
	if !ok {
		return
	}
	if err := s.manager.Close(p.ID); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// putBundle schedules a debounced render, or with ?sync=1 renders
// immediately and returns the new handle.
func (s *Server) putBundle(c *gin.Context) {
	p, ok := s.lookupExact(c)
	if !ok {
		return
	}
	var bundle compose.SourceBundle
	if err := c.ShouldBindJSON(&bundle); err != nil {
		badRequest(c, "invalid bundle: "+err.Error())
		return
	}

	if sync, _ := strconv.ParseBool(c.Query("sync")); !sync {
		p.Render(bundle)
		c.JSON(http.StatusAccepted, gin.H{"id": p.ID, "scheduled": true})
		return
	}

	h, err := p.RenderNow(bundle)
	if err != nil {
		fail(c, err)
		return
	}
	p.Notify("Preview updated")
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "handle": h, "src": h.Path()})
}

func (s *Server) reload(c *gin.Context) {
	p, ok := s.lookupExact(c)
	if !ok {
		return
	}
	h, err := p.Reload()
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "handle": h, "src": h.Path()})
}

func (s *Server) setViewport(c *gin.Context) {
	p, ok := s.lookupExact(c)
	if !ok {
		return
	}
	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "viewport name is required")
		return
	}
	preset, err := p.SetViewport(req.Name)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": p.ID, "viewport": preset})
}

// parseFilter reads q, category, since and limit query parameters.
// category may repeat or be comma separated.
func parseFilter(c *gin.Context) (console.LogFilter, error) {
	f := console.LogFilter{Query: c.Query("q")}

	for _, raw := range c.QueryArray("category") {
		for _, name := range strings.Split(raw, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			cat, ok := console.ParseCategory(name)
			if !ok {
				return f, errors.New("unknown category " + strconv.Quote(name))
			}
			f.Categories = append(f.Categories, cat)
		}
	}

	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339Nano, since)
		if err != nil {
			return f, errors.New("since must be an RFC 3339 timestamp")
		}
		f.Since = t
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			return f, errors.New("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) logs(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	f, err := parseFilter(c)
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": p.Logs().Query(f),
		"stats":   p.Logs().Stats(),
	})
}

func (s *Server) logCounts(c *gin.Context) {
	p, ok := s.lookup(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, p.Logs().Counts())
}

func (s *Server) clearLogs(c *gin.Context) {
	p, ok := s.lookupExact(c)
	if !ok {
		return
	}
	p.Logs().Clear()
	c.Status(http.StatusNoContent)
}
