package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/definition"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

func handleDefinitionList(defs definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}

		list, err := defs.List(r.Context(), rctx.TenantID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if list == nil {
			list = []*model.ProcessDefinition{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": list})
	}
}

func handleDefinitionGet(defs definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}

		def, err := defs.Get(r.Context(), rctx.TenantID, chi.URLParam(r, "definitionId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, def)
	}
}

// handleDefinitionSave stores a tenant-scoped definition. Shared
// definitions are only loaded from the definition directories.
func handleDefinitionSave(defs definition.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}
		id := chi.URLParam(r, "definitionId")

		var def model.ProcessDefinition
		if err := decodeBody(r, &def); err != nil {
			WriteError(w, err)
			return
		}
		if def.ID == "" {
			def.ID = id
		}
		if def.ID != id {
			WriteError(w, model.NewBadRequestError("body id does not match the path"))
			return
		}
		def.TenantID = rctx.TenantID
		def.Checksum = ""
		def.SourceFile = ""

		if err := defs.Save(r.Context(), &def); err != nil {
			WriteError(w, err)
			return
		}
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("definition saved",
			zap.String("actor", rctx.Actor()),
			zap.String("definition_id", def.ID),
			zap.String("checksum", def.Checksum),
		)
		WriteJSON(w, http.StatusOK, &def)
	}
}

func handleDefinitionMode(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}

		var body struct {
			Mode model.SerializationMode `json:"mode"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		def, err := engine.SetSerializationMode(r.Context(), rctx.TenantID, chi.URLParam(r, "definitionId"), body.Mode)
		if err != nil {
			WriteError(w, err)
			return
		}
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("operator set serialization mode",
			zap.String("actor", rctx.Actor()),
			zap.String("definition_id", def.ID),
			zap.String("mode", string(def.Mode)),
		)
		WriteJSON(w, http.StatusOK, def)
	}
}
