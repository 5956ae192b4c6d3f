package httpserver

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livepoll/internal/domain"
	apperrors "github.com/pscheid92/livepoll/internal/platform/errors"
)

// AdminSecretHeader lets scripts call admin endpoints without a session.
const AdminSecretHeader = "X-Admin-Secret"

type loginRequest struct {
	Secret string `json:"secret" form:"secret"`
}

type createPollRequest struct {
	Question    string   `json:"question"`
	Options     []string `json:"options"`
	ShowResults bool     `json:"showResults"`
}

// flagRequest sets a flag when Value is present and toggles it otherwise.
type flagRequest struct {
	Value *bool `json:"value"`
}

func (s *Server) registerAdminRoutes() {
	s.echo.POST("/admin/login", s.handleAdminLogin)
	s.echo.POST("/admin/logout", s.handleAdminLogout)

	api := s.echo.Group("/api/admin", s.requireAdmin)
	api.POST("/poll", s.handleCreatePoll)
	api.POST("/poll/active", s.handleSetActive)
	api.POST("/poll/results-visibility", s.handleSetShowResults)
	api.POST("/poll/reset", s.handleResetVotes)
	api.DELETE("/poll", s.handleDeletePoll)
	api.GET("/results", s.handleResults)
	if s.instances != nil {
		api.GET("/instances", s.handleInstances)
	}
}

func (s *Server) requireAdmin(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if secret := c.Request().Header.Get(AdminSecretHeader); secret != "" {
			if err := s.admin.Authorize(secret); err != nil {
				return err
			}
			return next(c)
		}
		if !s.isAdminSession(c) {
			return domain.ErrUnauthorized
		}
		return next(c)
	}
}

func (s *Server) handleAdminLogin(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid login request")
	}
	if err := s.admin.Authorize(req.Secret); err != nil {
		return err
	}
	if err := s.setAdminSession(c, true); err != nil {
		return apperrors.InternalError("failed to start admin session", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleAdminLogout(c echo.Context) error {
	if err := s.setAdminSession(c, false); err != nil {
		return apperrors.InternalError("failed to end admin session", err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleCreatePoll(c echo.Context) error {
	var req createPollRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid poll request")
	}

	poll, err := s.admin.CreatePoll(c.Request().Context(), req.Question, req.Options, req.ShowResults)
	if err != nil {
		return err
	}
	return writePoll(c, http.StatusCreated, poll)
}

func (s *Server) handleSetActive(c echo.Context) error {
	return s.setFlag(c, s.admin.SetActive, s.admin.ToggleActive)
}

func (s *Server) handleSetShowResults(c echo.Context) error {
	return s.setFlag(c, s.admin.SetShowResults, s.admin.ToggleShowResults)
}

func (s *Server) setFlag(
	c echo.Context,
	set func(context.Context, bool) (*domain.Poll, error),
	toggle func(context.Context) (*domain.Poll, error),
) error {
	var req flagRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return apperrors.ValidationError("invalid flag request")
		}
	}

	var (
		poll *domain.Poll
		err  error
	)
	if req.Value != nil {
		poll, err = set(c.Request().Context(), *req.Value)
	} else {
		poll, err = toggle(c.Request().Context())
	}
	if err != nil {
		return err
	}
	return writePoll(c, http.StatusOK, poll)
}

func (s *Server) handleResetVotes(c echo.Context) error {
	poll, err := s.admin.ResetVotes(c.Request().Context())
	if err != nil {
		return err
	}
	return writePoll(c, http.StatusOK, poll)
}

func (s *Server) handleDeletePoll(c echo.Context) error {
	if err := s.admin.DeletePoll(c.Request().Context()); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleResults(c echo.Context) error {
	results, err := s.admin.Results(c.Request().Context())
	if err != nil {
		return err
	}
	if err := c.JSON(http.StatusOK, results); err != nil {
		return fmt.Errorf("failed to write results: %w", err)
	}
	return nil
}

func writePoll(c echo.Context, status int, poll *domain.Poll) error {
	if err := c.JSON(status, pollResponse{Poll: poll.Public()}); err != nil {
		return fmt.Errorf("failed to write poll response: %w", err)
	}
	return nil
}

type instancesResponse struct {
	Instances []domain.Instance `json:"instances"`
}

func (s *Server) handleInstances(c echo.Context) error {
	instances, err := s.instances.Instances(c.Request().Context())
	if err != nil {
		return apperrors.InternalError("failed to list instances", err)
	}
	return c.JSON(http.StatusOK, instancesResponse{Instances: instances})
}
