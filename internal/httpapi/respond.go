package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator"

	"neurobank.org/internal/auth"
	"neurobank.org/internal/obs"
	"neurobank.org/internal/rbac"
)

var errBodyTooLarge = errors.New("request body too large")

func writeJSON(w http.ResponseWriter, r *http.Request, code int, v any) {
	render.Status(r, code)
	render.JSON(w, r, v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorPayload(w, r, code, map[string]any{"error": msg})
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, r, code, payload)
}

// authStatus maps a denial reason onto HTTP semantics.
func authStatus(reason auth.Reason) int {
	switch reason {
	case auth.ReasonUnauthorized, auth.ReasonWrongCredential:
		return http.StatusForbidden
	default:
		return http.StatusUnauthorized
	}
}

func authMessage(reason auth.Reason) string {
	switch reason {
	case auth.ReasonUnauthorized:
		return "insufficient permissions"
	case auth.ReasonWrongCredential:
		return "invalid credentials"
	case auth.ReasonExpired:
		return "token expired"
	case auth.ReasonMalformed:
		return "invalid token"
	default:
		return "not authenticated"
	}
}

func writeAuthError(w http.ResponseWriter, r *http.Request, reason auth.Reason) {
	code := authStatus(reason)
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", "Bearer")
	}
	writeErrorPayload(w, r, code, map[string]any{
		"error":  authMessage(reason),
		"reason": string(reason),
	})
}

// writeServiceError classifies directory and session errors.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var ae *auth.AuthError
	if errors.As(err, &ae) {
		a.log.Info("request denied", obs.Err(err))
		writeAuthError(w, r, ae.Reason)
		return
	}

	switch rbac.KindOf(err) {
	case rbac.KindBadRequest:
		payload := map[string]any{"error": err.Error()}
		var ve *rbac.ValidationError
		if errors.As(err, &ve) {
			payload["field"] = ve.Field
			payload["missing"] = ve.Missing
		}
		writeErrorPayload(w, r, http.StatusBadRequest, payload)
	case rbac.KindConflict:
		writeError(w, r, http.StatusConflict, err.Error())
	case rbac.KindNotFound:
		writeError(w, r, http.StatusNotFound, err.Error())
	case rbac.KindRejected:
		writeError(w, r, http.StatusBadRequest, err.Error())
	case rbac.KindUnauthorized:
		w.Header().Set("WWW-Authenticate", "Bearer")
		writeError(w, r, http.StatusUnauthorized, err.Error())
	default:
		a.log.Error("request failed",
			obs.Err(err),
			"request_id", middleware.GetReqID(r.Context()),
			"route", obs.RoutePattern(r),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

// decode reads a strict JSON body into dst and validates its tags.
func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeJSON(r, dst); err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			code = http.StatusRequestEntityTooLarge
		}
		writeError(w, r, code, err.Error())
		return false
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, r, http.StatusBadRequest, validationMessage(verrs))
			return false
		}
		writeError(w, r, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errBodyTooLarge
		}
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// jsonFieldName reports fields by their wire name in validation messages.
func jsonFieldName(fld reflect.StructField) string {
	name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	if name == "" {
		return fld.Name
	}
	return name
}

func validationMessage(errs validator.ValidationErrors) string {
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		field := err.Field()
		switch err.ActualTag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field %s is required", field))
		case "email":
			msgs = append(msgs, fmt.Sprintf("field %s must be a valid email", field))
		case "min":
			msgs = append(msgs, fmt.Sprintf("field %s must be at least %s characters", field, err.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("field %s must be at most %s characters", field, err.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("field %s is not valid", field))
		}
	}
	return strings.Join(msgs, ", ")
}
