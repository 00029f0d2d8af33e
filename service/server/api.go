package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/itiky/listsync/model"
	"github.com/itiky/listsync/storage"
)

const maxRequestBodyBytes = 8 << 20

// errBadRequest marks request decoding failures.
var errBadRequest = errors.New("bad request")

type accountCtxKey struct{}

// API serves the lists REST endpoints and the realtime handshake.
// Every durable write is broadcast to the account room after it succeeded.
type API struct {
	storage    *storage.Storage
	dispatcher *Dispatcher
	auth       *Authenticator
	logger     *slog.Logger
	handler    http.Handler
}

// Handler returns the root HTTP handler.
func (a *API) Handler() http.Handler {
	return a.handler
}

func (a *API) listLists(w http.ResponseWriter, r *http.Request) {
	lists, err := a.storage.Lists(r.Context(), accountFromContext(r.Context()))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}

	writeJSON(w, a.logger, http.StatusOK, lists)
}

func (a *API) getList(w http.ResponseWriter, r *http.Request) {
	list, err := a.storage.Get(r.Context(), accountFromContext(r.Context()), listKeyVar(r))
	if err != nil {
		writeError(w, a.logger, err)
		return
	}

	writeJSON(w, a.logger, http.StatusOK, list)
}

func (a *API) createList(w http.ResponseWriter, r *http.Request) {
	req := model.CreateListRequest{}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}

	opStart := time.Now()
	accountId := accountFromContext(r.Context())
	list, err := a.storage.Create(r.Context(), accountId, req)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	monitor.WriteHandled(time.Since(opStart))

	a.emit(r, model.ListCreatedEventType, accountId, model.ListEventPayload(list.Key, map[string]interface{}{
		"name":   list.Name,
		"isMain": list.IsMain,
	}))
	writeJSON(w, a.logger, http.StatusCreated, list)
}

// saveItems handles both save modes: PUT carries {full}, PATCH carries {diff}.
func (a *API) saveItems(w http.ResponseWriter, r *http.Request) {
	payload := model.SavePayload{}
	if err := decodeBody(w, r, &payload); err != nil {
		writeError(w, a.logger, err)
		return
	}
	if err := payload.Validate(); err != nil {
		writeError(w, a.logger, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	if wantDiff := r.Method == http.MethodPatch; payload.IsDiff() != wantDiff {
		writeError(w, a.logger, fmt.Errorf("%w: %s: payload mode mismatch", errBadRequest, r.Method))
		return
	}

	opStart := time.Now()
	accountId, listKey := accountFromContext(r.Context()), listKeyVar(r)
	list, err := a.storage.Save(r.Context(), accountId, listKey, payload)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	monitor.WriteHandled(time.Since(opStart))

	a.emit(r, model.ListUpdatedEventType, accountId, model.ListEventPayload(listKey, map[string]interface{}{
		"itemCount": len(list.Items),
	}))
	writeJSON(w, a.logger, http.StatusOK, model.SaveResponse{List: list})
}

func (a *API) updateMeta(w http.ResponseWriter, r *http.Request) {
	patch := model.ListPatch{}
	if err := decodeBody(w, r, &patch); err != nil {
		writeError(w, a.logger, err)
		return
	}

	opStart := time.Now()
	accountId, listKey := accountFromContext(r.Context()), listKeyVar(r)
	list, err := a.storage.UpdateMeta(r.Context(), accountId, listKey, patch)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	monitor.WriteHandled(time.Since(opStart))

	// Year / group only changes are generic list updates
	if patch.Name != nil {
		a.emit(r, model.ListRenamedEventType, accountId, model.ListEventPayload(listKey, map[string]interface{}{
			"name": list.Name,
		}))
	} else {
		a.emit(r, model.ListUpdatedEventType, accountId, model.ListEventPayload(listKey, nil))
	}
	writeJSON(w, a.logger, http.StatusOK, list)
}

func (a *API) setMain(w http.ResponseWriter, r *http.Request) {
	opStart := time.Now()
	accountId, listKey := accountFromContext(r.Context()), listKeyVar(r)
	list, err := a.storage.SetMain(r.Context(), accountId, listKey)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	monitor.WriteHandled(time.Since(opStart))

	a.emit(r, model.MainListChangedEventType, accountId, model.ListEventPayload(listKey, nil))
	writeJSON(w, a.logger, http.StatusOK, list)
}

func (a *API) reorder(w http.ResponseWriter, r *http.Request) {
	req := model.ReorderListsRequest{}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, a.logger, err)
		return
	}

	opStart := time.Now()
	accountId := accountFromContext(r.Context())
	lists, err := a.storage.Reorder(r.Context(), accountId, req.Order)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	monitor.WriteHandled(time.Since(opStart))

	order := make([]string, 0, len(lists))
	for _, list := range lists {
		order = append(order, string(list.Key))
	}
	a.emit(r, model.ListReorderedEventType, accountId, map[string]interface{}{
		"order": order,
	})
	writeJSON(w, a.logger, http.StatusOK, lists)
}

func (a *API) updateItem(w http.ResponseWriter, r *http.Request) {
	fields := make(map[string]interface{})
	if err := decodeBody(w, r, &fields); err != nil {
		writeError(w, a.logger, err)
		return
	}

	opStart := time.Now()
	accountId, listKey, itemId := accountFromContext(r.Context()), listKeyVar(r), mux.Vars(r)["itemId"]
	item, err := a.storage.UpdateItem(r.Context(), accountId, listKey, itemId, fields)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	monitor.WriteHandled(time.Since(opStart))

	a.emit(r, model.ItemMetadataUpdatedEventType, accountId, model.ListEventPayload(listKey, map[string]interface{}{
		"itemId": itemId,
	}))
	writeJSON(w, a.logger, http.StatusOK, item)
}

func (a *API) deleteList(w http.ResponseWriter, r *http.Request) {
	opStart := time.Now()
	accountId, listKey := accountFromContext(r.Context()), listKeyVar(r)
	promoted, err := a.storage.Delete(r.Context(), accountId, listKey)
	if err != nil {
		writeError(w, a.logger, err)
		return
	}
	monitor.WriteHandled(time.Since(opStart))

	a.emit(r, model.ListDeletedEventType, accountId, model.ListEventPayload(listKey, nil))
	if promoted != nil {
		a.emit(r, model.MainListChangedEventType, accountId, model.ListEventPayload(promoted.Key, nil))
	}
	w.WriteHeader(http.StatusNoContent)
}

// emit broadcasts the change excluding the writer own realtime connection.
func (a *API) emit(r *http.Request, eventType model.EventType, accountId model.AccountId, payload map[string]interface{}) {
	var opts []EmitOption
	if connId := r.Header.Get(model.ConnectionIdHeader); connId != "" {
		opts = append(opts, WithExcludeConnection(model.ConnectionId(connId)))
	}

	a.dispatcher.Emit(eventType, accountId, payload, opts...)
}

// authMiddleware puts the authenticated account into the request context.
func (a *API) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountId, err := a.auth.AccountFromRequest(r)
		if err != nil {
			writeError(w, a.logger, err)
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), accountCtxKey{}, accountId)))
	})
}

// logMiddleware logs every handled request with its status and duration.
func (a *API) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m := httpsnoop.CaptureMetrics(next, w, r)
		a.logger.Info("handled", "method", r.Method, "url", r.URL.Path, "duration", m.Duration, "status", m.Code)
	})
}

func accountFromContext(ctx context.Context) model.AccountId {
	accountId, _ := ctx.Value(accountCtxKey{}).(model.AccountId)
	return accountId
}

func listKeyVar(r *http.Request) model.ListKey {
	return model.ListKey(mux.Vars(r)["key"])
}

// decodeBody decodes a size limited JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: body decode: %v", errBadRequest, err)
	}

	return nil
}

// writeJSON writes the response body.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		logger.Error("response marshal", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(data); err != nil {
		logger.Debug("response write", "err", err)
	}
}

// writeError maps the error to the HTTP status and writes a JSON error body.
func writeError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrUnauthorized):
		status = http.StatusUnauthorized
	case errors.Is(err, errBadRequest), errors.Is(err, storage.ErrInvalid):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, storage.ErrAlreadyExists), errors.Is(err, storage.ErrConflict):
		status = http.StatusConflict
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.Error("request failed", "err", err)
		msg = "internal error"
	}

	writeJSON(w, logger, status, model.ErrorResponse{Error: msg})
}

// NewAPI creates a new API object.
func NewAPI(s *storage.Storage, dispatcher *Dispatcher, auth *Authenticator, logger *slog.Logger) (*API, error) {
	if s == nil {
		return nil, fmt.Errorf("%s: nil", "storage")
	}
	if auth == nil {
		return nil, fmt.Errorf("%s: nil", "auth")
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &API{
		storage:    s,
		dispatcher: dispatcher,
		auth:       auth,
		logger:     logger.With("component", "api"),
	}

	r := mux.NewRouter()
	r.Use(a.logMiddleware)

	if dispatcher != nil {
		r.Methods(http.MethodGet).Path("/ws").HandlerFunc(dispatcher.ServeWS)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(a.authMiddleware)
	api.Methods(http.MethodGet).Path("/lists").HandlerFunc(a.listLists)
	api.Methods(http.MethodPost).Path("/lists").HandlerFunc(a.createList)
	api.Methods(http.MethodPut).Path("/lists/order").HandlerFunc(a.reorder)
	api.Methods(http.MethodGet).Path("/lists/{key}").HandlerFunc(a.getList)
	api.Methods(http.MethodPatch).Path("/lists/{key}").HandlerFunc(a.updateMeta)
	api.Methods(http.MethodDelete).Path("/lists/{key}").HandlerFunc(a.deleteList)
	api.Methods(http.MethodPost).Path("/lists/{key}/main").HandlerFunc(a.setMain)
	api.Methods(http.MethodPut, http.MethodPatch).Path("/lists/{key}/items").HandlerFunc(a.saveItems)
	api.Methods(http.MethodPatch).Path("/lists/{key}/items/{itemId}").HandlerFunc(a.updateItem)

	a.handler = cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodPatch,
			http.MethodDelete,
		},
		AllowOriginFunc: func(origin string) bool {
			return true
		},
		AllowedHeaders: []string{"Authorization", "Content-Type", model.ConnectionIdHeader},
	}).Handler(r)

	return a, nil
}
