package server

import (
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mmr-tortoise/dynport/internal/model"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// PickResponse is returned by POST /port/pick.
type PickResponse struct {
	Port int `json:"port"`
}

// ReleaseRequest is the optional body of POST /port/release. Without a
// port the server's own held port is released.
type ReleaseRequest struct {
	Port *int `json:"port"`
}

// ReleaseResponse is returned by POST /port/release. Port is nil when
// nothing was held.
type ReleaseResponse struct {
	Port     *int `json:"port"`
	Released bool `json:"released"`
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "timestamp": time.Now()})
}

func (s *Server) handleState(c *gin.Context) {
	c.JSON(http.StatusOK, s.alloc.State())
}

func (s *Server) handleFree(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"free_ports": nonNil(s.alloc.ListFreePorts())})
}

func (s *Server) handleUsed(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"used_ports": nonNil(s.alloc.ListUsedPorts())})
}

func (s *Server) handleHistory(c *gin.Context) {
	history := s.alloc.ListHistory()
	if history == nil {
		history = []model.HistoryEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (s *Server) handleBackupList(c *gin.Context) {
	backups, err := s.alloc.ListBackups()
	if err != nil {
		s.fail(c, err)
		return
	}
	names := make([]string, 0, len(backups))
	for _, b := range backups {
		names = append(names, b.Name)
	}
	c.JSON(http.StatusOK, gin.H{"backups": names, "details": backups})
}

func (s *Server) handleBackupDownload(c *gin.Context) {
	name := c.Query("filename")
	if name == "" {
		s.badRequest(c, "filename query parameter is required")
		return
	}
	data, err := s.alloc.FetchBackup(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="`+name+`"`)
	c.Data(http.StatusOK, "application/json", data)
}

func (s *Server) handlePick(c *gin.Context) {
	port, err := s.alloc.PickPort(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, PickResponse{Port: port})
}

func (s *Server) handleRelease(c *gin.Context) {
	var req ReleaseRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		s.badRequest(c, "invalid release body: "+err.Error())
		return
	}

	if req.Port != nil {
		if *req.Port < model.MinPort || *req.Port > math.MaxUint16 {
			s.badRequest(c, "port "+strconv.Itoa(*req.Port)+" is not a TCP port")
			return
		}
		released, err := s.alloc.ReleaseSpecific(c.Request.Context(), *req.Port)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, ReleaseResponse{Port: req.Port, Released: released})
		return
	}

	held := s.alloc.Held()
	if err := s.alloc.ReleasePort(c.Request.Context()); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ReleaseResponse{Port: held, Released: held != nil})
}

// fail writes the error response matching err's kind.
func (s *Server) fail(c *gin.Context, err error) {
	status, code := classify(err)
	if status == http.StatusServiceUnavailable && errors.Is(err, model.ErrLockTimeout) {
		c.Header("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.log.Error().Err(err).Str("route", c.FullPath()).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, ErrorResponse{Error: code, Message: err.Error(), Timestamp: time.Now()})
}

func (s *Server) badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_request", Message: msg, Timestamp: time.Now()})
}

// classify maps an allocator error onto an HTTP status and error code.
func classify(err error) (int, string) {
	switch {
	case errors.Is(err, model.ErrPoolExhausted):
		return http.StatusConflict, "pool_exhausted"
	case errors.Is(err, model.ErrLockTimeout):
		return http.StatusServiceUnavailable, "lock_timeout"
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, model.ErrNotRunning):
		return http.StatusServiceUnavailable, "not_running"
	case errors.Is(err, model.ErrInvalidPort), errors.Is(err, model.ErrInvalidConfig):
		return http.StatusBadRequest, "invalid_request"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func nonNil(ports []int) []int {
	if ports == nil {
		return []int{}
	}
	return ports
}
