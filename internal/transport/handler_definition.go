package transport

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/parapheur/internal/observability"
	"github.com/pitabwire/parapheur/model"
)

// DefinitionCatalog is the definition catalog as seen by the HTTP layer.
type DefinitionCatalog interface {
	Register(ctx context.Context, def model.WorkflowDefinition) (string, error)
	Lookup(id string) (model.WorkflowDefinition, error)
	List(defType string) []model.WorkflowDefinition
	Len() int
}

const maxBodyBytes = 1 << 20

func handleDefinitionRegister(catalog DefinitionCatalog, metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := model.RequestContextFrom(r.Context())
		if rctx == nil {
			WriteError(w, model.NewUnauthorizedError("missing request context"))
			return
		}

		var def model.WorkflowDefinition
		if !decodeBody(w, r, &def) {
			return
		}
		def.CreatedBy = rctx.SubjectID

		id, err := catalog.Register(r.Context(), def)
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		metrics.RecordDefinitionRegistered()
		metrics.SetDefinitionsLoaded(catalog.Len())

		observability.RequestLogger(r.Context(), zap.NewNop()).Info("definition registered",
			zap.String("definition_id", id),
			zap.String("type", def.Type),
		)
		WriteJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

func handleDefinitionList(catalog DefinitionCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defs := catalog.List(r.URL.Query().Get("type"))
		WriteJSON(w, http.StatusOK, map[string]any{
			"items": defs,
			"total": len(defs),
		})
	}
}

func handleDefinitionGet(catalog DefinitionCatalog) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		def, err := catalog.Lookup(chi.URLParam(r, "definitionId"))
		if err != nil {
			writeRequestError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// decodeBody decodes a size-limited JSON body into v. It writes a
// BAD_REQUEST response and returns false when the body is not valid JSON.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteError(w, model.NewBadRequestError("invalid JSON body"))
		return false
	}
	return true
}
