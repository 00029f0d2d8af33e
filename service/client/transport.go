package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/itiky/listsync/model"
)

var (
	// ErrConflict is returned when the server rejects a diff that does not match its contents.
	ErrConflict = errors.New("save conflict")
	ErrNotFound = errors.New("not found")
)

type (
	// Transport is the REST collaborator used by a Session.
	Transport interface {
		Save(ctx context.Context, listKey model.ListKey, payload model.SavePayload) (model.List, error)
		FetchLists(ctx context.Context) ([]model.List, error)
		FetchList(ctx context.Context, listKey model.ListKey) (model.List, error)
		UpdateItem(ctx context.Context, listKey model.ListKey, itemId string, fields map[string]interface{}) (model.Item, error)
		DeleteList(ctx context.Context, listKey model.ListKey) error
		// SetConnectionId sets the realtime connection id sent with writes so that the
		// server does not echo the change back to this session connection.
		SetConnectionId(connId model.ConnectionId)
	}

	// connectionTransport is a Transport sending the realtime connection id with writes.
	connectionTransport interface {
		ConnectionId() model.ConnectionId
	}

	// HTTPTransport implements Transport over the server REST API.
	HTTPTransport struct {
		baseUrl    *url.URL
		token      string
		httpClient *http.Client
		//
		connIdMu sync.RWMutex
		connId   model.ConnectionId
	}

	// APIError is a non-2xx server response.
	APIError struct {
		StatusCode int
		Message    string
	}
)

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("server: %d %s: %s", e.StatusCode, http.StatusText(e.StatusCode), e.Message)
}

// Unwrap maps status codes to sentinel errors.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusConflict:
		return ErrConflict
	case http.StatusNotFound:
		return ErrNotFound
	}

	return nil
}

// Save implements Transport interface: PATCH for a diff, PUT for a full replace.
func (t *HTTPTransport) Save(ctx context.Context, listKey model.ListKey, payload model.SavePayload) (model.List, error) {
	method := http.MethodPut
	if payload.IsDiff() {
		method = http.MethodPatch
	}

	res := model.SaveResponse{}
	if err := t.do(ctx, method, t.listPath(listKey, "items"), payload, &res); err != nil {
		return model.List{}, err
	}

	return res.List, nil
}

// FetchLists implements Transport interface.
func (t *HTTPTransport) FetchLists(ctx context.Context) ([]model.List, error) {
	lists := make([]model.List, 0)
	if err := t.do(ctx, http.MethodGet, "api/lists", nil, &lists); err != nil {
		return nil, err
	}

	return lists, nil
}

// FetchList implements Transport interface.
func (t *HTTPTransport) FetchList(ctx context.Context, listKey model.ListKey) (model.List, error) {
	list := model.List{}
	if err := t.do(ctx, http.MethodGet, t.listPath(listKey), nil, &list); err != nil {
		return model.List{}, err
	}

	return list, nil
}

// UpdateItem implements Transport interface.
func (t *HTTPTransport) UpdateItem(ctx context.Context, listKey model.ListKey, itemId string, fields map[string]interface{}) (model.Item, error) {
	item := model.Item{}
	if err := t.do(ctx, http.MethodPatch, t.listPath(listKey, "items", itemId), fields, &item); err != nil {
		return model.Item{}, err
	}

	return item, nil
}

// DeleteList implements Transport interface.
func (t *HTTPTransport) DeleteList(ctx context.Context, listKey model.ListKey) error {
	return t.do(ctx, http.MethodDelete, t.listPath(listKey), nil, nil)
}

// SetConnectionId implements Transport interface.
func (t *HTTPTransport) SetConnectionId(connId model.ConnectionId) {
	t.connIdMu.Lock()
	defer t.connIdMu.Unlock()

	t.connId = connId
}

// ConnectionId returns the current realtime connection id.
func (t *HTTPTransport) ConnectionId() model.ConnectionId {
	t.connIdMu.RLock()
	defer t.connIdMu.RUnlock()

	return t.connId
}

// listPath builds an escaped list resource path.
func (t *HTTPTransport) listPath(listKey model.ListKey, elems ...string) string {
	parts := []string{"api", "lists", url.PathEscape(string(listKey))}
	for _, elem := range elems {
		parts = append(parts, url.PathEscape(elem))
	}

	return strings.Join(parts, "/")
}

// do sends a JSON request and decodes a JSON response (if resBody is not nil).
func (t *HTTPTransport) do(ctx context.Context, method, path string, reqBody, resBody interface{}) error {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("request marshal: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	reqUrl := t.baseUrl.String() + "/" + path
	req, err := http.NewRequestWithContext(ctx, method, reqUrl, body)
	if err != nil {
		return fmt.Errorf("request build: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if connId := t.ConnectionId(); connId != "" {
		req.Header.Set(model.ConnectionIdHeader, string(connId))
	}

	res, err := t.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		errRes := model.ErrorResponse{}
		raw, _ := io.ReadAll(io.LimitReader(res.Body, 64*1024))
		if err := json.Unmarshal(raw, &errRes); err != nil || errRes.Error == "" {
			errRes.Error = strings.TrimSpace(string(raw))
		}
		return fmt.Errorf("%s %s: %w", method, path, &APIError{StatusCode: res.StatusCode, Message: errRes.Error})
	}

	if resBody == nil {
		return nil
	}
	if err := json.NewDecoder(res.Body).Decode(resBody); err != nil {
		return fmt.Errorf("%s %s: response unmarshal: %w", method, path, err)
	}

	return nil
}

// NewHTTPTransport creates a new HTTPTransport object.
func NewHTTPTransport(serverUrl, token string, timeout time.Duration) (*HTTPTransport, error) {
	baseUrl, err := url.Parse(strings.TrimRight(serverUrl, "/"))
	if err != nil {
		return nil, fmt.Errorf("%s: invalid: %w", "serverUrl", err)
	}
	if baseUrl.Scheme != "http" && baseUrl.Scheme != "https" {
		return nil, fmt.Errorf("%s: unsupported scheme %q", "serverUrl", baseUrl.Scheme)
	}
	if token == "" {
		return nil, fmt.Errorf("%s: empty", "token")
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%s: must be GT 0", "timeout")
	}

	return &HTTPTransport{
		baseUrl:    baseUrl,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}
