package transport

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/parapheur/internal/idempotency"
	"github.com/pitabwire/parapheur/internal/observability"
	"github.com/pitabwire/parapheur/model"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
)

// WorkflowEngine is the workflow engine as seen by the HTTP layer.
type WorkflowEngine interface {
	Start(ctx context.Context, in model.StartInput) (model.WorkflowInstance, error)
	ProcessAction(ctx context.Context, instanceID string, actor model.Actor, in model.ActionInput) (model.ActionResult, error)
	Get(ctx context.Context, instanceID string) (model.InstanceDetail, error)
	List(ctx context.Context, filters model.InstanceFilters) (model.InstancePage, error)
	SweepOverdue(ctx context.Context) (int, error)
}

func handleInstanceStart(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in model.StartInput
		if !decodeBody(w, r, &in) {
			return
		}
		in.CreatedBy = rctx.SubjectID

		inst, err := engine.Start(r.Context(), in)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/instances/"+inst.ID)
		WriteJSON(w, http.StatusCreated, inst)
	}
}

func handleInstanceAction(engine WorkflowEngine, idem idempotency.Store, ttl time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var in model.ActionInput
		if !decodeBody(w, r, &in) {
			return
		}
		instanceID := chi.URLParam(r, "instanceId")

		var key, hash string
		if clientKey := r.Header.Get(headerIdempotencyKey); clientKey != "" && idem != nil {
			key = idempotency.Key(instanceID, rctx.SubjectID, clientKey)
			hash = idempotency.HashInput(in)
			cached, found, err := idem.Check(r.Context(), key, hash)
			if err != nil {
				writeRequestError(w, r, err)
				return
			}
			if found {
				w.Header().Set(headerReplayed, "true")
				WriteJSON(w, http.StatusOK, cached)
				return
			}
		}

		result, err := engine.ProcessAction(r.Context(), instanceID, rctx.Actor(), in)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}

		if key != "" {
			if err := idem.Save(r.Context(), key, hash, result, ttl); err != nil {
				// The action is already committed.
				observability.RequestLogger(r.Context(), zap.NewNop()).Warn("idempotency record not saved",
					zap.String("instance_id", instanceID),
					zap.Error(err),
				)
			}
		}
		WriteJSON(w, http.StatusOK, result)
	}
}

func handleInstanceGet(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		detail, err := engine.Get(r.Context(), chi.URLParam(r, "instanceId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, detail)
	}
}

func handleInstanceList(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var fieldErrs []model.FieldError
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			fieldErrs = append(fieldErrs, *err)
		}
		offset, err := queryInt(r, "offset", 0)
		if err != nil {
			fieldErrs = append(fieldErrs, *err)
		}
		if len(fieldErrs) > 0 {
			WriteValidationError(w, fieldErrs)
			return
		}

		page, listErr := engine.List(r.Context(), model.InstanceFilters{
			Status:      model.Status(q.Get("status")),
			DossierType: q.Get("dossier_type"),
			Priority:    model.Priority(q.Get("priority")),
			Role:        q.Get("role"),
			CreatedBy:   q.Get("created_by"),
			Limit:       limit,
			Offset:      offset,
		})
		if listErr != nil {
			writeRequestError(w, r, listErr)
			return
		}
		WriteJSON(w, http.StatusOK, page)
	}
}

func handleEscalationSweep(engine WorkflowEngine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := engine.SweepOverdue(r.Context())
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]int{"escalated": n})
	}
}

// queryInt reads an optional integer query parameter.
func queryInt(r *http.Request, key string, fallback int) (int, *model.FieldError) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, &model.FieldError{
			Field:   key,
			Code:    "INVALID_VALUE",
			Message: fmt.Sprintf("%s must be an integer", key),
		}
	}
	return n, nil
}
