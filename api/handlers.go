package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gregtusar/crews/pkg/crew"
	"github.com/gregtusar/crews/pkg/models"
	"github.com/gregtusar/crews/pkg/service"
)

func (s *Server) handleListCrews(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.ListCrews(c.Request.Context()))
}

func (s *Server) handleCreateCrew(c *gin.Context) {
	var req crew.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	created, err := s.svc.CreateCrew(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleGetCrew(c *gin.Context) {
	got, err := s.svc.GetCrew(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, got)
}

func (s *Server) handleDeleteCrew(c *gin.Context) {
	if err := s.svc.DeleteCrew(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) lifecycle(op func(context.Context, string) (*models.Crew, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		got, err := op(c.Request.Context(), c.Param("id"))
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, got)
	}
}

func (s *Server) handleSubmitTrade(c *gin.Context) {
	var req service.TradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	res, err := s.svc.SubmitPaperTrade(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	status := http.StatusCreated
	if !res.Filled {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

func (s *Server) handleCrewTrades(c *gin.Context) {
	s.listTrades(c, c.Param("id"))
}

func (s *Server) handleTrades(c *gin.Context) {
	s.listTrades(c, c.Query("crew_id"))
}

func (s *Server) listTrades(c *gin.Context, crewID string) {
	fills, err := s.svc.ListTrades(c.Request.Context(), crewID)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, fills)
}

// handlePerformance accepts an optional RFC 3339 start and end. With only
// start, the range runs to now.
func (s *Server) handlePerformance(c *gin.Context) {
	var r *models.TimeRange
	if c.Query("start") != "" || c.Query("end") != "" {
		start, end, err := s.parseRange(c)
		if err != nil {
			s.badRequest(c, err)
			return
		}
		r = &models.TimeRange{Start: start, End: end}
	}
	perf, err := s.svc.GetPerformance(c.Request.Context(), c.Param("id"), r)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, perf)
}

func (s *Server) handleOptimize(c *gin.Context) {
	out, err := s.svc.RequestOptimization(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) handleListStrategies(c *gin.Context) {
	all, err := s.svc.ListStrategies(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, all)
}

func (s *Server) handleRegisterStrategy(c *gin.Context) {
	var req service.StrategyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	created, err := s.svc.RegisterStrategy(c.Request.Context(), req)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

func (s *Server) handleStrategyVersions(c *gin.Context) {
	versions, err := s.svc.StrategyVersions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, versions)
}

func (s *Server) handleDeciders(c *gin.Context) {
	c.JSON(http.StatusOK, s.svc.Deciders())
}

func (s *Server) handleCandles(c *gin.Context) {
	start, end, err := s.parseRange(c)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	strict := false
	if v := c.Query("strict"); v != "" {
		if strict, err = strconv.ParseBool(v); err != nil {
			s.badRequest(c, models.NewValidationError("strict", "must be a boolean"))
			return
		}
	}
	res, err := s.svc.Candles(c.Request.Context(), c.Query("symbol"), c.Query("interval"), start, end, strict)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) parseRange(c *gin.Context) (time.Time, time.Time, error) {
	start, err := time.Parse(time.RFC3339, c.Query("start"))
	if err != nil {
		return time.Time{}, time.Time{}, models.NewValidationError("start", "must be an RFC 3339 time")
	}
	end := s.clock.Now()
	if v := c.Query("end"); v != "" {
		if end, err = time.Parse(time.RFC3339, v); err != nil {
			return time.Time{}, time.Time{}, models.NewValidationError("end", "must be an RFC 3339 time")
		}
	}
	return start, end, nil
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error(), "kind": "validation"})
}

// writeError maps the engine's error taxonomy onto HTTP statuses.
func (s *Server) writeError(c *gin.Context, err error) {
	var (
		perm       *models.PermissionError
		gap        *models.DataGapError
		transition *models.InvalidTransitionError
		dup        *models.DuplicateRunError
		active     *models.CrewActiveError
		source     *models.SourceError
		exec       *models.ExecutionError
		persist    *models.PersistenceError
	)

	body := gin.H{"error": err.Error()}
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &perm):
		status, body["kind"] = http.StatusForbidden, "permission"
	case errors.Is(err, models.ErrNotFound):
		status, body["kind"] = http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrValidation):
		status, body["kind"] = http.StatusBadRequest, "validation"
	case errors.As(err, &transition):
		status, body["kind"] = http.StatusConflict, "invalid_transition"
	case errors.As(err, &dup):
		status, body["kind"] = http.StatusConflict, "duplicate_run"
	case errors.As(err, &active):
		status, body["kind"] = http.StatusConflict, "crew_active"
	case errors.As(err, &gap):
		status, body["kind"] = http.StatusServiceUnavailable, "data_gap"
		body["gaps"] = gap.Gaps
	case errors.As(err, &source):
		status, body["kind"] = http.StatusBadGateway, "source"
		if source.Kind == models.SourceNotFound {
			status = http.StatusNotFound
		}
	case errors.As(err, &exec):
		status, body["kind"] = http.StatusBadGateway, "execution"
	case errors.As(err, &persist):
		body["kind"] = "persistence"
	case errors.Is(err, context.DeadlineExceeded):
		status, body["kind"] = http.StatusGatewayTimeout, "timeout"
	}

	if status >= http.StatusInternalServerError {
		s.logger.WithError(err).WithField("path", c.FullPath()).Error("Request error")
	}
	c.JSON(status, body)
}
