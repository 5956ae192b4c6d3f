package httpserver

import (
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/pscheid92/livepoll/internal/app"
	"github.com/pscheid92/livepoll/internal/device"
	"github.com/pscheid92/livepoll/internal/domain"
	apperrors "github.com/pscheid92/livepoll/internal/platform/errors"
)

type pollResponse struct {
	Poll *domain.Poll `json:"poll"`
}

type deviceResponse struct {
	DeviceID string `json:"deviceId"`
}

type voteRequest struct {
	OptionIndex *int `json:"optionIndex"`
}

type voteResponse struct {
	PollCreatedAt int64           `json:"pollCreatedAt"`
	OptionIndex   int             `json:"optionIndex"`
	Results       *domain.Results `json:"results,omitempty"`
}

func (s *Server) registerPollRoutes() {
	s.echo.GET("/api/poll", s.handleGetPoll)
	s.echo.GET("/api/poll/me", s.handleVoterStatus)
	s.echo.POST("/api/device", s.handleRegisterDevice)
	s.echo.DELETE("/api/device", s.handleForgetDevice)
	s.echo.POST("/api/vote", s.handleVote, newRateLimiter(s.voteLimiterStore()))
}

func (s *Server) handleGetPoll(c echo.Context) error {
	poll, err := s.polls.Get(c.Request().Context())
	if err != nil {
		return fmt.Errorf("failed to load poll: %w", err)
	}

	if err := c.JSON(http.StatusOK, pollResponse{Poll: poll.Public()}); err != nil {
		return fmt.Errorf("failed to write poll response: %w", err)
	}
	return nil
}

func (s *Server) handleVoterStatus(c echo.Context) error {
	store := s.deviceStore(c)
	deviceID, _ := device.NewIdentity(store).Current()

	view, err := s.votes.VoterStatus(c.Request().Context(), deviceID, device.NewVoteMemo(store))
	if err != nil {
		return fmt.Errorf("failed to load voter status: %w", err)
	}
	if err := store.save(c); err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, view); err != nil {
		return fmt.Errorf("failed to write voter status: %w", err)
	}
	return nil
}

// handleRegisterDevice returns the device identifier, deriving it from the
// reported signals on first contact.
func (s *Server) handleRegisterDevice(c echo.Context) error {
	var signals device.Signals
	if err := c.Bind(&signals); err != nil {
		return apperrors.ValidationError("invalid device signals")
	}
	if signals.UserAgent == "" {
		signals.UserAgent = c.Request().UserAgent()
	}

	store := s.deviceStore(c)
	id, err := device.NewIdentity(store).GetOrCreate(signals)
	if err != nil {
		return apperrors.InternalError("failed to identify device", err)
	}
	if err := store.save(c); err != nil {
		return err
	}

	if err := c.JSON(http.StatusOK, deviceResponse{DeviceID: id}); err != nil {
		return fmt.Errorf("failed to write device response: %w", err)
	}
	return nil
}

func (s *Server) handleForgetDevice(c echo.Context) error {
	store := s.deviceStore(c)
	if err := device.NewIdentity(store).Clear(); err != nil {
		return apperrors.InternalError("failed to forget device", err)
	}
	if err := device.NewVoteMemo(store).Forget(); err != nil {
		return apperrors.InternalError("failed to forget device", err)
	}
	if err := store.save(c); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleVote(c echo.Context) error {
	var req voteRequest
	if err := c.Bind(&req); err != nil {
		return apperrors.ValidationError("invalid vote request")
	}
	if req.OptionIndex == nil {
		return apperrors.ValidationError("optionIndex is required")
	}

	store := s.deviceStore(c)
	deviceID, ok := device.NewIdentity(store).Current()
	if !ok {
		return apperrors.ValidationError("device not registered")
	}

	receipt, err := s.votes.CastVote(c.Request().Context(), app.CastVoteRequest{
		OptionIndex: *req.OptionIndex,
		DeviceID:    deviceID,
		Memo:        device.NewVoteMemo(store),
	})
	if err != nil {
		return err
	}
	if err := store.save(c); err != nil {
		return err
	}

	resp := voteResponse{PollCreatedAt: receipt.PollCreatedAt, OptionIndex: receipt.OptionIndex}
	if receipt.Poll != nil && receipt.Poll.ShowResults {
		resp.Results = app.Summarize(receipt.Poll)
	}
	if err := c.JSON(http.StatusCreated, resp); err != nil {
		return fmt.Errorf("failed to write vote response: %w", err)
	}
	return nil
}
