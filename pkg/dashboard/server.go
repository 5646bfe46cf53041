package dashboard

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// envelope mirrors pkg/signingproxy's response shape so an operator reading
// both APIs sees one convention across the worker.
type envelope struct {
	Data interface{} `json:"data,omitempty"`
	Meta meta        `json:"meta"`
}

type meta struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
}

func ok(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, envelope{Data: data, Meta: meta{OK: true}})
}

func fail(c *gin.Context, status int, message string) {
	c.JSON(status, envelope{Meta: meta{OK: false, Message: message}})
}

const defaultLimit = 50
const maxLimit = 500

// Server serves the read-only dashboard API over the stored event history.
type Server struct {
	store  *Store
	engine *gin.Engine
}

// NewServer builds a Server backed by store.
func NewServer(store *Store) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{store: store, engine: gin.New()}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Engine exposes the underlying router, e.g. for httptest in tests.
func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) setupRoutes() {
	api := s.engine.Group("/api")
	api.GET("/deliveries", s.handleDeliveries)
	api.GET("/rotations", s.handleRotations)
	api.GET("/summary", s.handleSummary)
}

func parseLimit(c *gin.Context) int {
	raw := c.Query("limit")
	if raw == "" {
		return defaultLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return defaultLimit
	}
	if n > maxLimit {
		return maxLimit
	}
	return n
}

func (s *Server) handleDeliveries(c *gin.Context) {
	records, err := s.store.RecentDeliveries(c.Request.Context(), parseLimit(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, records)
}

func (s *Server) handleRotations(c *gin.Context) {
	records, err := s.store.RecentRotations(c.Request.Context(), parseLimit(c))
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, records)
}

func (s *Server) handleSummary(c *gin.Context) {
	summary, err := s.store.Summarize(c.Request.Context())
	if err != nil {
		fail(c, http.StatusInternalServerError, err.Error())
		return
	}
	ok(c, summary)
}
