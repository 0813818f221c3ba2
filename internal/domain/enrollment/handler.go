package enrollment

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/enrollment/internal/platform/notification"
	"github.com/ehr/enrollment/internal/platform/session"
	"github.com/ehr/enrollment/pkg/pagination"
)

type Handler struct {
	svc    *Service
	issuer *session.Issuer
}

func NewHandler(svc *Service, issuer *session.Issuer) *Handler {
	return &Handler{svc: svc, issuer: issuer}
}

// RegisterRoutes mounts the wizard under /enrollment. Session listing is a
// staff view and is wrapped by the given middleware.
func (h *Handler) RegisterRoutes(api *echo.Group, staff ...echo.MiddlewareFunc) {
	g := api.Group("/enrollment")
	g.POST("/sessions", h.StartSession)
	g.GET("/sessions", h.ListSessions, staff...)

	s := g.Group("", session.Middleware(h.issuer))
	s.GET("/steps/:step", h.GetStep)
	s.POST("/steps/:step/validate", h.ValidateStep)
	s.POST("/steps/:step/submit", h.SubmitStep)
	s.POST("/steps/:step/back", h.BackStep)
	s.GET("/record", h.GetRecord)
	s.POST("/submit", h.Finalize)
	s.DELETE("/session", h.Abandon)
}

type startResponse struct {
	SessionID uuid.UUID `json:"session_id"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Navigate  string    `json:"navigate"`
}

type candidateRequest struct {
	Values SectionData `json:"values"`
}

type validateResponse struct {
	Valid       bool        `json:"valid"`
	FieldErrors FieldErrors `json:"field_errors,omitempty"`
}

type submitResponse struct {
	Result        string               `json:"result"`
	Data          SectionData          `json:"data,omitempty"`
	FieldErrors   FieldErrors          `json:"field_errors,omitempty"`
	Navigate      string               `json:"navigate,omitempty"`
	Notifications []notification.Toast `json:"notifications"`
}

type backResponse struct {
	Navigate string `json:"navigate,omitempty"`
}

// httpError maps domain errors onto status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, ErrSessionNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "enrollment session not found")
	case errors.Is(err, ErrUnknownStep):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, ErrSessionSubmitted), errors.Is(err, ErrSubmitInProgress):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrNotSubmittable), errors.Is(err, ErrUnknownField):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrStoreUnavailable):
		return echo.NewHTTPError(http.StatusServiceUnavailable, ErrStoreUnavailable.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}

func sessionID(c echo.Context) (uuid.UUID, error) {
	id, ok := session.IDFromContext(c.Request().Context())
	if !ok {
		return uuid.Nil, echo.NewHTTPError(http.StatusUnauthorized, "missing session token")
	}
	return id, nil
}

func (h *Handler) StartSession(c echo.Context) error {
	sess, err := h.svc.StartSession(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	token, exp, err := h.issuer.Issue(sess.ID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusCreated, startResponse{
		SessionID: sess.ID,
		Token:     token,
		ExpiresAt: exp,
		Navigate:  h.svc.Flow().First().Route,
	})
}

func (h *Handler) ListSessions(c echo.Context) error {
	pg := pagination.FromContext(c)
	items, total, err := h.svc.ListSessions(c.Request().Context(), pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) GetStep(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	view, err := h.svc.View(c.Request().Context(), id, c.Param("step"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, view)
}

func (h *Handler) ValidateStep(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req candidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	errs, err := h.svc.Validate(c.Request().Context(), id, c.Param("step"), req.Values)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, validateResponse{Valid: len(errs) == 0, FieldErrors: errs})
}

func (h *Handler) SubmitStep(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	var req candidateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	res, err := h.svc.Submit(c.Request().Context(), id, c.Param("step"), req.Values)
	if res == nil {
		return httpError(err)
	}
	body := submitResponse{
		Result:        res.Outcome.Result,
		Data:          res.Outcome.Data,
		FieldErrors:   res.Outcome.Errors,
		Navigate:      res.Navigate,
		Notifications: res.Notifications,
	}
	if body.Notifications == nil {
		body.Notifications = []notification.Toast{}
	}
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, body)
	case errors.As(err, new(*ValidationError)):
		body.Result = ResultInvalid
		return c.JSON(http.StatusUnprocessableEntity, body)
	case errors.Is(err, ErrStoreUnavailable):
		body.Result = "failed"
		return c.JSON(http.StatusServiceUnavailable, body)
	}
	return httpError(err)
}

func (h *Handler) BackStep(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	route, err := h.svc.Back(c.Request().Context(), id, c.Param("step"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, backResponse{Navigate: route})
}

func (h *Handler) GetRecord(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	snap, err := h.svc.Record(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, snap)
}

func (h *Handler) Finalize(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	res, err := h.svc.Finalize(c.Request().Context(), id)
	if res == nil {
		return httpError(err)
	}
	switch {
	case err == nil:
		return c.JSON(http.StatusOK, res)
	case errors.Is(err, ErrIncomplete):
		return c.JSON(http.StatusConflict, res)
	case errors.Is(err, ErrStoreUnavailable):
		return c.JSON(http.StatusServiceUnavailable, res)
	}
	return httpError(err)
}

func (h *Handler) Abandon(c echo.Context) error {
	id, err := sessionID(c)
	if err != nil {
		return err
	}
	if err := h.svc.Abandon(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}
