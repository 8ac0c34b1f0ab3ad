package echoapi

import (
	"net/http"
	"time"

	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	"github.com/tabaruka/mahudhurio/core"
	"github.com/tabaruka/mahudhurio/core/attendance"
)

type attendanceApi struct {
	conf       *core.Config
	registry   *attendance.Registry
	validator  *attendance.Validator
	ledger     attendance.Ledger
	codec      *attendance.Codec
	validate   *validator.Validate
	translator ut.Translator
}

func registerAttendanceAPI(
	g *echo.Group,
	jwt echo.MiddlewareFunc,
	opts *Options,
	validate *validator.Validate,
	translator ut.Translator,
) {
	api := attendanceApi{
		conf:       opts.Conf,
		registry:   opts.Registry,
		validator:  opts.Validator,
		ledger:     opts.Ledger,
		codec:      opts.Codec,
		validate:   validate,
		translator: translator,
	}

	ag := g.Group("/attendance", jwt)

	// teacher endpoints
	ag.POST("/sessions", api.createSession, teacherMiddleware())
	ag.GET("/sessions/:id", api.sessionSnapshot, teacherMiddleware())
	ag.DELETE("/sessions/:id", api.endSession, teacherMiddleware())
	ag.GET("/sessions/:id/token", api.sessionToken, teacherMiddleware())
	ag.GET("/sessions/:id/scans", api.listScans, teacherMiddleware())

	// student endpoints
	ag.POST("/scans", api.submitScan, studentMiddleware())
}

// Handlers

func (api *attendanceApi) createSession(ctx echo.Context) error {
	var data CreateSessionRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to CreateSessionRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	interval := api.conf.Attendance.RotationInterval
	if data.RotationIntervalSeconds != 0 {
		interval = time.Duration(data.RotationIntervalSeconds) * time.Second
	}

	sess, err := api.registry.Create(data.SubjectID, data.ClassID, claims.Subject, interval)
	if err != nil {
		if errors.Cause(err) == attendance.ErrInvalidInterval {
			return core.NewValidationError(err, core.FieldError{
				Field: "rotation_interval_seconds", Error: err.Error(),
			})
		}
		return errors.Wrap(err, "creating session")
	}

	return ctx.JSON(http.StatusCreated, newSessionResponse(sess))
}

func (api *attendanceApi) sessionSnapshot(ctx echo.Context) error {
	snap, err := api.registry.Snapshot(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		if errors.Cause(err) == attendance.ErrSessionNotFound {
			return err
		}
		return errLedgerDown
	}
	return ctx.JSON(http.StatusOK, snap)
}

func (api *attendanceApi) endSession(ctx echo.Context) error {
	if err := api.registry.End(ctx.Param("id")); err != nil {
		return err
	}
	return ctx.NoContent(http.StatusNoContent)
}

func (api *attendanceApi) sessionToken(ctx echo.Context) error {
	tok, gen, err := api.registry.ActiveToken(ctx.Param("id"))
	if err != nil {
		return err
	}
	payload, err := api.codec.Encode(tok)
	if err != nil {
		return errors.Wrap(err, "encoding token")
	}

	expiresIn := int(time.Until(tok.ValidUntil) / time.Second)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return ctx.JSON(http.StatusOK, TokenResponse{
		Payload:          payload,
		Generation:       gen,
		ExpiresInSeconds: expiresIn,
	})
}

func (api *attendanceApi) listScans(ctx echo.Context) error {
	scans, err := api.ledger.ListScans(ctx.Request().Context(), ctx.Param("id"))
	if err != nil {
		return errLedgerDown
	}
	if scans == nil {
		scans = []attendance.ScanAttempt{}
	}
	return ctx.JSON(http.StatusOK, scans)
}

func (api *attendanceApi) submitScan(ctx echo.Context) error {
	var data ScanRequest
	if err := ctx.Bind(&data); err != nil {
		return errors.Wrap(err, "binding to ScanRequest")
	}
	if err := data.Validate(api.validate); err != nil {
		return err
	}

	claims, err := getContextClaims(ctx)
	if err != nil {
		return errors.Wrap(err, "getting context claims")
	}

	att, err := api.validator.Submit(ctx.Request().Context(), claims.Subject, data.Payload)
	if err != nil {
		// infrastructure failure carries no judgment about the scan;
		// tell the client to retry instead of marking them absent
		ctx.Logger().Errorf("%+v", errors.Wrap(err, "submitting scan"))
		return errLedgerDown
	}

	return ctx.JSON(http.StatusOK, ScanResponse{Outcome: att.Outcome, Reasons: att.Reasons})
}

// Requests & Responses

type (
	CreateSessionRequest struct {
		SubjectID               string `json:"subject_id" validate:"required,refid"`
		ClassID                 string `json:"class_id" validate:"required,refid"`
		RotationIntervalSeconds int    `json:"rotation_interval_seconds"`
	}

	SessionResponse struct {
		ID                      string    `json:"id"`
		SubjectID               string    `json:"subject_id"`
		ClassID                 string    `json:"class_id"`
		TeacherID               string    `json:"teacher_id"`
		State                   string    `json:"state"`
		Generation              int       `json:"generation"`
		RotationIntervalSeconds int       `json:"rotation_interval_seconds"`
		CreatedAt               time.Time `json:"created_at"`
	}

	TokenResponse struct {
		Payload          string `json:"payload"`
		Generation       int    `json:"generation"`
		ExpiresInSeconds int    `json:"expires_in_seconds"`
	}

	ScanRequest struct {
		Payload string `json:"payload" validate:"required"`
	}

	ScanResponse struct {
		Outcome string   `json:"outcome"`
		Reasons []string `json:"reasons"`
	}
)

func newSessionResponse(sess attendance.Session) SessionResponse {
	return SessionResponse{
		ID:                      sess.ID,
		SubjectID:               sess.SubjectID,
		ClassID:                 sess.ClassID,
		TeacherID:               sess.TeacherID,
		State:                   sess.State,
		Generation:              sess.Generation,
		RotationIntervalSeconds: int(sess.RotationInterval / time.Second),
		CreatedAt:               sess.CreatedAt,
	}
}

func (r *CreateSessionRequest) Validate(validate *validator.Validate) error {
	r.SubjectID = core.CleanString(r.SubjectID)
	r.ClassID = core.CleanString(r.ClassID)
	return validate.Struct(r)
}

func (r *ScanRequest) Validate(validate *validator.Validate) error {
	r.Payload = core.CleanString(r.Payload)
	return validate.Struct(r)
}
