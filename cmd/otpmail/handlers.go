package main

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/otpmail/internal/otp"
	"github.com/knadh/otpmail/pkg/models"
)

type ctxKey string

const (
	ctxApp  ctxKey = "app"
	ctxUser ctxKey = "user"
)

type httpResp struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type issueReq struct {
	Email string `validate:"required,email,max=254"`
}

type verifyReq struct {
	Email string `validate:"required,email,max=254"`
	OTP   string `validate:"required,numeric,min=4,max=10"`
}

type issueResp struct {
	Issued bool `json:"issued"`
}

type verifyResp struct {
	Verified bool `json:"verified"`
}

func handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxApp).(*App)

	if err := app.store.Ping(r.Context()); err != nil {
		app.lo.Error("error pinging store", "error", err)
		sendErrorResponse(w, "Unable to reach store.", http.StatusServiceUnavailable, nil)
		return
	}

	sendResponse(w, "OK")
}

// handleIssueOTP issues a new OTP for an e-mail and a purpose and
// dispatches it. The code itself is never part of the response.
func handleIssueOTP(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxApp).(*App)

	purpose, err := models.ParsePurpose(chi.URLParam(r, "purpose"))
	if err != nil {
		sendErrorResponse(w, "Unknown purpose.", http.StatusBadRequest, nil)
		return
	}

	req := issueReq{Email: normalizeEmail(r.FormValue("email"))}
	if err := app.validate.Struct(req); err != nil {
		sendErrorResponse(w, validationMessage(err), http.StatusBadRequest, nil)
		return
	}

	if _, _, err := app.issuer.Issue(r.Context(), req.Email, purpose); err != nil {
		app.lo.Error("error issuing OTP", "error", err, "purpose", purpose)
		sendErrorResponse(w, "Error issuing OTP.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, issueResp{Issued: true})
}

// handleVerifyOTP checks a submitted code and consumes the OTP on
// success.
func handleVerifyOTP(w http.ResponseWriter, r *http.Request) {
	app := r.Context().Value(ctxApp).(*App)

	purpose, err := models.ParsePurpose(chi.URLParam(r, "purpose"))
	if err != nil {
		sendErrorResponse(w, "Unknown purpose.", http.StatusBadRequest, nil)
		return
	}

	req := verifyReq{
		Email: normalizeEmail(r.FormValue("email")),
		OTP:   strings.TrimSpace(r.FormValue("otp")),
	}
	if err := app.validate.Struct(req); err != nil {
		sendErrorResponse(w, validationMessage(err), http.StatusBadRequest, nil)
		return
	}

	// A wrong code and a missing, expired or used OTP get the same response.
	err = app.verifier.Verify(r.Context(), req.Email, purpose, req.OTP)
	switch {
	case err == nil:
	case errors.Is(err, otp.ErrNoPendingCode), errors.Is(err, otp.ErrCodeMismatch):
		app.lo.Debug("OTP verification failed", "error", err, "purpose", purpose)
		sendErrorResponse(w, "Invalid or expired OTP.", http.StatusBadRequest, nil)
		return
	default:
		app.lo.Error("error verifying OTP", "error", err, "purpose", purpose)
		sendErrorResponse(w, "Error verifying OTP.", http.StatusInternalServerError, nil)
		return
	}

	sendResponse(w, verifyResp{Verified: true})
}

// wrap is a middleware that injects the App into the request context.
func wrap(app *App, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), ctxApp, app)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sendResponse sends a JSON envelope to the HTTP response.
func sendResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	out, err := json.Marshal(httpResp{Status: "success", Data: data})
	if err != nil {
		sendErrorResponse(w, "Internal Server Error.", http.StatusInternalServerError, nil)
		return
	}

	w.Write(out)
}

// sendErrorResponse sends a JSON error envelope to the HTTP response.
func sendErrorResponse(w http.ResponseWriter, message string, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)

	resp := httpResp{Status: "error",
		Message: message,
		Data:    data}
	out, _ := json.Marshal(resp)
	w.Write(out)
}

// validationMessage turns the first validation error into a message.
func validationMessage(err error) string {
	var vErr validator.ValidationErrors
	if !errors.As(err, &vErr) || len(vErr) == 0 {
		return "Invalid request."
	}

	switch f := vErr[0]; f.Field() {
	case "Email":
		return "Invalid `email`."
	case "OTP":
		return "Invalid `otp`."
	default:
		return "Invalid `" + strings.ToLower(f.Field()) + "`."
	}
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// auth is a simple authentication middleware.
func auth(authMap map[string]string, next http.HandlerFunc) http.HandlerFunc {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		const authBasic = "Basic"
		var (
			pair  [][]byte
			delim = []byte(":")

			h = r.Header.Get("Authorization")
		)

		// Basic auth scheme.
		if strings.HasPrefix(h, authBasic) {
			payload, err := base64.StdEncoding.DecodeString(strings.Trim(h[len(authBasic):], " "))
			if err != nil {
				sendErrorResponse(w, "Invalid Base64 value in Basic Authorization header.",
					http.StatusUnauthorized, nil)
				return
			}

			pair = bytes.SplitN(payload, delim, 2)
		} else {
			sendErrorResponse(w, "Missing Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		if len(pair) != 2 {
			sendErrorResponse(w, "Invalid value in Basic Authorization header.",
				http.StatusUnauthorized, nil)
			return
		}

		var (
			user   = string(pair[0])
			secret = pair[1]
		)
		s, ok := authMap[user]
		if !ok || subtle.ConstantTimeCompare([]byte(s), secret) != 1 {
			sendErrorResponse(w, "Invalid API credentials.",
				http.StatusUnauthorized, nil)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUser, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
