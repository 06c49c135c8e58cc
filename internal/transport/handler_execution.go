package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/stepflow/internal/idempotency"
	"github.com/pitabwire/stepflow/internal/observability"
	"github.com/pitabwire/stepflow/internal/workflow"
	"github.com/pitabwire/stepflow/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxStartBody     = 1 << 20
)

// IdempotencyHeader carries a client-chosen key that makes a start request
// safe to retry. A replayed response sets IdempotentReplayedHeader.
const (
	IdempotencyHeader        = "Idempotency-Key"
	IdempotentReplayedHeader = "Idempotent-Replayed"
)

// executionRef builds the row identity from the path and the caller's tenant.
func executionRef(r *http.Request, rctx *model.RequestContext) (model.ExecutionRef, error) {
	target, err := pathParam(r, "targetRef")
	if err != nil {
		return model.ExecutionRef{}, err
	}
	return model.ExecutionRef{
		TenantID:     rctx.TenantID,
		DefinitionID: chi.URLParam(r, "definitionId"),
		TargetRef:    target,
	}, nil
}

// pathParam returns the unescaped value of a path parameter; target refs
// may carry reserved characters.
func pathParam(r *http.Request, name string) (string, error) {
	v, err := url.PathUnescape(chi.URLParam(r, name))
	if err != nil || v == "" {
		return "", model.NewBadRequestError("invalid path parameter " + name)
	}
	return v, nil
}

// decodeBody decodes an optional JSON body into v. An empty body leaves v
// untouched.
func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return model.NewBadRequestError("invalid JSON body")
	}
	return nil
}

func requestContext(w http.ResponseWriter, r *http.Request) *model.RequestContext {
	rctx := model.RequestContextFrom(r.Context())
	if rctx == nil {
		WriteError(w, model.NewUnauthorizedError("missing request context"))
	}
	return rctx
}

func handleExecutionStart(engine *workflow.Engine, replay idempotency.Store, replayTTL time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}
		ref, err := executionRef(r, rctx)
		if err != nil {
			WriteError(w, err)
			return
		}
		logger := observability.LoggerFrom(r.Context(), zap.NewNop())

		raw, err := io.ReadAll(io.LimitReader(r.Body, maxStartBody))
		if err != nil {
			WriteError(w, model.NewBadRequestError("unreadable request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(raw))

		var replayKey, bodyHash string
		if k := r.Header.Get(IdempotencyHeader); k != "" && replay != nil {
			replayKey = idempotency.Key(ref, k)
			bodyHash = idempotency.HashBody(raw)
			cached, found, err := replay.Check(r.Context(), replayKey, bodyHash)
			if err != nil {
				WriteError(w, err)
				return
			}
			if found {
				w.Header().Set(IdempotentReplayedHeader, "true")
				WriteJSON(w, http.StatusOK, cached)
				return
			}
		}

		var body struct {
			IfExists           workflow.IfExists  `json:"if_exists"`
			IfMissing          workflow.IfMissing `json:"if_missing"`
			RestartAtBeginning bool               `json:"restart_at_beginning"`
			AtStep             string             `json:"at_step"`
			Parameters         map[string]any     `json:"parameters"`
			Delay              string             `json:"delay"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if err := validStartPolicies(body.IfExists, body.IfMissing); err != nil {
			WriteError(w, err)
			return
		}
		var delay time.Duration
		if body.Delay != "" {
			delay, err = time.ParseDuration(body.Delay)
			if err != nil || delay < 0 {
				WriteError(w, model.NewBadRequestError("delay must be a non-negative duration such as 30s"))
				return
			}
		}

		res, err := engine.Start(r.Context(), workflow.StartRequest{
			Ref:                ref,
			IfExists:           body.IfExists,
			IfMissing:          body.IfMissing,
			RestartAtBeginning: body.RestartAtBeginning,
			AtStep:             body.AtStep,
			Parameters:         body.Parameters,
			Delay:              delay,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		logger.Info("execution started",
			zap.String("actor", rctx.Actor()),
			zap.Stringer("execution", ref),
			zap.String("outcome", string(res.Outcome)),
		)
		if replayKey != "" {
			if err := replay.Store(r.Context(), replayKey, bodyHash, res, replayTTL); err != nil {
				logger.Warn("idempotency store failed", zap.Stringer("execution", ref), zap.Error(err))
			}
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

func validStartPolicies(exists workflow.IfExists, missing workflow.IfMissing) error {
	switch exists {
	case "", workflow.ExistsRun, workflow.ExistsNoActivity, workflow.ExistsError:
	default:
		return model.NewBadRequestError("if_exists must be one of run, no_activity, error")
	}
	switch missing {
	case "", workflow.MissingRun, workflow.MissingNoActivity, workflow.MissingError:
	default:
		return model.NewBadRequestError("if_missing must be one of run, no_activity, error")
	}
	return nil
}

func handleExecutionRun(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}
		ref, err := executionRef(r, rctx)
		if err != nil {
			WriteError(w, err)
			return
		}

		res, err := engine.Run(r.Context(), ref)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// writeAdminResult maps an admin result to a response. Only an applied
// change is a success.
func writeAdminResult(w http.ResponseWriter, ref model.ExecutionRef, res model.AdminResult) {
	switch res {
	case model.AdminApplied:
		WriteJSON(w, http.StatusOK, map[string]any{"result": res, "execution": ref})
	case model.AdminNotFound:
		WriteNotFound(w, "execution "+ref.String()+" not found")
	case model.AdminNotParked:
		WriteError(w, model.NewConflictError("execution is not pending or parked"))
	default:
		WriteError(w, model.NewConflictError("execution is already complete"))
	}
}

func handleExecutionWake(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}
		ref, err := executionRef(r, rctx)
		if err != nil {
			WriteError(w, err)
			return
		}

		var body struct {
			Until *time.Time `json:"until"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		res, err := engine.ForceWake(r.Context(), ref, body.Until)
		if err != nil {
			WriteError(w, err)
			return
		}
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("operator force wake",
			zap.String("actor", rctx.Actor()),
			zap.Stringer("execution", ref),
			zap.String("result", string(res)),
		)
		writeAdminResult(w, ref, res)
	}
}

func handleExecutionError(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}
		ref, err := executionRef(r, rctx)
		if err != nil {
			WriteError(w, err)
			return
		}

		var body struct {
			ReturnCode *int   `json:"return_code"`
			Details    string `json:"details"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		code := model.ReturnCodeForcedByOperator
		if body.ReturnCode != nil {
			code = *body.ReturnCode
		}
		if code == model.ReturnCodeOK {
			WriteError(w, model.NewBadRequestError("return_code must not be 0"))
			return
		}

		res, err := engine.ForceError(r.Context(), ref, code, body.Details)
		if err != nil {
			WriteError(w, err)
			return
		}
		observability.LoggerFrom(r.Context(), zap.NewNop()).Info("operator force error",
			zap.String("actor", rctx.Actor()),
			zap.Stringer("execution", ref),
			zap.Int("return_code", code),
			zap.String("result", string(res)),
		)
		writeAdminResult(w, ref, res)
	}
}

func handleExecutionGet(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}
		ref, err := executionRef(r, rctx)
		if err != nil {
			WriteError(w, err)
			return
		}

		st, err := engine.Get(r.Context(), ref)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, st)
	}
}

func handleExecutionList(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}

		q := r.URL.Query()
		filters := model.ExecutionFilters{
			DefinitionID: q.Get("definition_id"),
			State:        model.ExecutionState(q.Get("state")),
			Limit:        queryInt(r, "limit", defaultListLimit),
			Offset:       queryInt(r, "offset", 0),
		}
		if filters.Limit < 1 || filters.Limit > maxListLimit {
			filters.Limit = defaultListLimit
		}
		if filters.Offset < 0 {
			filters.Offset = 0
		}

		rows, err := engine.List(r.Context(), rctx.TenantID, filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		if rows == nil {
			rows = []model.ExecutionStatus{}
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   rows,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleStepDryRun(engine *workflow.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rctx := requestContext(w, r)
		if rctx == nil {
			return
		}
		label, err := pathParam(r, "label")
		if err != nil {
			WriteError(w, err)
			return
		}

		var body struct {
			TargetRef  string         `json:"target_ref"`
			Parameters map[string]any `json:"parameters"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.TargetRef == "" {
			WriteValidationError(w, []model.FieldError{
				{Field: "target_ref", Code: "REQUIRED", Message: "target_ref is required"},
			})
			return
		}

		res, err := engine.RunSingleStep(r.Context(), workflow.SingleStepRequest{
			TenantID:     rctx.TenantID,
			DefinitionID: chi.URLParam(r, "definitionId"),
			TargetRef:    body.TargetRef,
			Label:        label,
			Parameters:   body.Parameters,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, res)
	}
}

// queryInt reads an integer query parameter, returning def when it is
// missing or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
