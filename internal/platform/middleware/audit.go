package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/medrecords/prontuario/internal/platform/auth"
)

// AccessEntry records who touched which patient's record, and how.
type AccessEntry struct {
	UserID     string
	UserName   string
	Resource   string
	PatientID  string
	Action     string
	Method     string
	Path       string
	IPAddress  string
	RequestID  string
	StatusCode int
	Timestamp  time.Time
}

// AccessLog emits an access entry for every request under prefix (usually
// "/api/v1/"). It runs after routing, so route parameters are available.
func AccessLog(logger zerolog.Logger, prefix string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !strings.HasPrefix(req.URL.Path, prefix) {
				return next(c)
			}

			err := next(c)

			entry := buildAccessEntry(c, prefix)
			logger.Info().
				Str("type", "phi_access").
				Str("request_id", entry.RequestID).
				Str("user_id", entry.UserID).
				Str("user_name", entry.UserName).
				Str("resource", entry.Resource).
				Str("patient_id", entry.PatientID).
				Str("action", entry.Action).
				Str("method", entry.Method).
				Str("path", entry.Path).
				Str("remote_ip", entry.IPAddress).
				Int("status", entry.StatusCode).
				Msg("record_access")

			return err
		}
	}
}

func buildAccessEntry(c echo.Context, prefix string) AccessEntry {
	req := c.Request()
	entry := AccessEntry{
		UserID:     auth.UserIDFromContext(req.Context()),
		UserName:   auth.UserNameFromContext(req.Context()),
		Method:     req.Method,
		Path:       req.URL.Path,
		IPAddress:  c.RealIP(),
		StatusCode: c.Response().Status,
		Timestamp:  time.Now().UTC(),
		Action:     methodToAction(req.Method),
	}
	entry.RequestID, _ = c.Get("request_id").(string)

	segments := strings.Split(strings.TrimPrefix(req.URL.Path, prefix), "/")
	entry.Resource = "unknown"
	if len(segments) > 0 && segments[0] != "" {
		entry.Resource = segments[0]
	}
	entry.PatientID = patientIDOf(c, segments)
	return entry
}

func methodToAction(method string) string {
	switch method {
	case http.MethodPost:
		return "create"
	case http.MethodPut, http.MethodPatch:
		return "update"
	case http.MethodDelete:
		return "delete"
	default:
		return "read"
	}
}

// patientIDOf looks for the patient in the :patientId route parameter, in
// /pacientes/:id paths and in the patient_id query parameter.
func patientIDOf(c echo.Context, segments []string) string {
	for i, name := range c.ParamNames() {
		if name == "patientId" && i < len(c.ParamValues()) {
			return c.ParamValues()[i]
		}
	}
	if len(segments) > 1 && segments[0] == "pacientes" && segments[1] != "" {
		return segments[1]
	}
	return c.QueryParam("patient_id")
}
