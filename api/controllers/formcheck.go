package controllers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/vitaflow/vitaflow-backend/api/middleware"
	"github.com/vitaflow/vitaflow-backend/api/responses"
	"github.com/vitaflow/vitaflow-backend/api/validators"
	"github.com/vitaflow/vitaflow-backend/internal/formcheck"
	"github.com/vitaflow/vitaflow-backend/pkg/db/models"
	pkgerrors "github.com/vitaflow/vitaflow-backend/pkg/errors"
	"github.com/vitaflow/vitaflow-backend/pkg/logger"
)

type formCheckSubmitRequest struct {
	Exercise string `json:"exercise" validate:"required,max=80"`
	MediaRef string `json:"media_ref" validate:"required"`
}

type formCheckJobResponse struct {
	ID              uuid.UUID       `json:"id"`
	Exercise        string          `json:"exercise"`
	MediaRef        string          `json:"media_ref"`
	Status          string          `json:"status"`
	Attempts        int             `json:"attempts"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	LastError       *string         `json:"last_error,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func formCheckJobView(job *models.FormCheckJob) formCheckJobResponse {
	return formCheckJobResponse{
		ID:              job.ID,
		Exercise:        job.Exercise,
		MediaRef:        job.MediaRef,
		Status:          job.Status.String(),
		Attempts:        job.Attempts,
		CancelRequested: job.CancelRequested,
		Result:          job.Result,
		LastError:       job.LastError,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
	}
}

// FormCheckSubmit accepts a new analysis job and answers 202 with the queued
// job; callers poll it to completion.
func FormCheckSubmit(svc *formcheck.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "form-check service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		var body formCheckSubmitRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		job, err := svc.Submit(r.Context(), formcheck.SubmitParams{
			UserID:   userID,
			Exercise: body.Exercise,
			MediaRef: body.MediaRef,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, formCheckJobView(job))
	}
}

// FormCheckPoll returns the caller's job by id.
func FormCheckPoll(svc *formcheck.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "form-check service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		jobID, err := jobIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		job, err := svc.Poll(r.Context(), userID, jobID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, formCheckJobView(job))
	}
}

// FormCheckCancel cancels a queued job or flags a processing one.
func FormCheckCancel(svc *formcheck.Service, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "form-check service unavailable"))
			return
		}

		userID, err := callerID(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		jobID, err := jobIDParam(r)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		job, err := svc.Cancel(r.Context(), userID, jobID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, formCheckJobView(job))
	}
}

func callerID(r *http.Request) (uuid.UUID, error) {
	raw := middleware.UserIDFromContext(r.Context())
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeUnauthorized, "user context missing")
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeUnauthorized, err, "invalid user context")
	}
	return userID, nil
}

func jobIDParam(r *http.Request) (uuid.UUID, error) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobId"))
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid job id")
	}
	return jobID, nil
}
