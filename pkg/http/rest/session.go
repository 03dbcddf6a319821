package rest

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/cloudgroundcontrol/meet-recorder/pkg/session"
)

type sessionController struct {
	session.Service
}

type StartSessionRequest struct {
	MeetingURL string `json:"meeting_url"`
}

type StartSessionResponse struct {
	SessionID string `json:"session_id"`
}

type StopSessionRequest struct {
	SessionID string `json:"session_id"`
}

type StopSessionResponse struct {
	FinalState session.State `json:"final_state"`
	OutputPath string        `json:"output_path,omitempty"`
}

type SessionStatusResponse struct {
	State      session.State `json:"state"`
	Elapsed    string        `json:"elapsed"`
	OutputPath string        `json:"output_path,omitempty"`
	LastError  string        `json:"last_error,omitempty"`
}

func NewSessionController(service session.Service) sessionController {
	return sessionController{service}
}

var ErrEmptyFields = errors.New("one or more fields is empty")

func (sc *sessionController) StartSession(c echo.Context) error {
	// Bind request data
	data := new(StartSessionRequest)
	if err := c.Bind(data); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err)
	}

	// Sanitise request
	if data.MeetingURL == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrEmptyFields)
	}

	// Call service
	id, err := sc.Service.Start(c.Request().Context(), data.MeetingURL, session.Config{})
	if errors.Is(err, session.ErrAlreadyActive) {
		return echo.NewHTTPError(http.StatusConflict, err)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err)
	}

	return c.JSON(http.StatusOK, StartSessionResponse{SessionID: id})
}

func (sc *sessionController) StopSession(c echo.Context) error {
	// Bind request data
	data := new(StopSessionRequest)
	if err := c.Bind(data); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err)
	}

	// Sanitise request
	if data.SessionID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrEmptyFields)
	}

	// Call service
	snap, err := sc.Service.Stop(c.Request().Context(), data.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err)
	}
	if errors.Is(err, session.ErrNotActive) {
		return echo.NewHTTPError(http.StatusConflict, err)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err)
	}

	return c.JSON(http.StatusOK, StopSessionResponse{
		FinalState: snap.State,
		OutputPath: snap.OutputPath,
	})
}

func (sc *sessionController) GetSessionStatus(c echo.Context) error {
	id := c.Param("id")
	if id == "" {
		return echo.NewHTTPError(http.StatusBadRequest, ErrEmptyFields)
	}

	snap, err := sc.Service.Status(id)
	if errors.Is(err, session.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, err)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err)
	}

	return c.JSON(http.StatusOK, SessionStatusResponse{
		State:      snap.State,
		Elapsed:    snap.Elapsed,
		OutputPath: snap.OutputPath,
		LastError:  snap.LastError,
	})
}
