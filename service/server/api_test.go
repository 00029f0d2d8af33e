package server

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/itiky/listsync/model"
	"github.com/itiky/listsync/storage"
)

type testAPI struct {
	*testDispatcher
	storage *storage.Storage
	token   string
}

func newTestAPI(t *testing.T) *testAPI {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	d, err := NewDispatcher(auth, 8, nil)
	require.NoError(t, err)
	d.Start()

	s := storage.NewMemoryStorage(nil)
	api, err := NewAPI(s, d, auth, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(func() {
		d.Stop()
		srv.Close()
	})

	token, err := auth.IssueToken("acc-1", time.Hour)
	require.NoError(t, err)

	return &testAPI{
		testDispatcher: &testDispatcher{
			auth:       auth,
			dispatcher: d,
			server:     srv,
			wsPath:     "/ws",
		},
		storage: s,
		token:   token,
	}
}

// do sends an authenticated JSON request optionally decoding the response.
func (ta *testAPI) do(t *testing.T, method, path string, connId model.ConnectionId, reqBody, resBody interface{}) int {
	var body io.Reader
	if reqBody != nil {
		raw, err := json.Marshal(reqBody)
		require.NoError(t, err)
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, ta.server.URL+path, body)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+ta.token)
	if connId != "" {
		req.Header.Set(model.ConnectionIdHeader, string(connId))
	}

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()

	raw, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	if resBody != nil && res.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(raw, resBody), string(raw))
	}
	if res.StatusCode >= 400 {
		errRes := model.ErrorResponse{}
		require.NoError(t, json.Unmarshal(raw, &errRes), string(raw))
		require.NotEmpty(t, errRes.Error)
	}

	return res.StatusCode
}

func newTestItems(ids ...string) model.Items {
	items := make(model.Items, 0, len(ids))
	for _, id := range ids {
		items = append(items, model.NewItem(id, map[string]interface{}{"title": "title " + id}))
	}

	return items
}

func Test_API_Unauthorized(t *testing.T) {
	ta := newTestAPI(t)

	res, err := http.Get(ta.server.URL + "/api/lists")
	require.NoError(t, err)
	res.Body.Close()
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
}

func Test_API_Lists(t *testing.T) {
	ta := newTestAPI(t)

	writerConn, writerConnId := ta.connect(t, "acc-1")
	peerConn, _ := ta.connect(t, "acc-1")

	// Create
	created := model.List{}
	status := ta.do(t, http.MethodPost, "/api/lists", writerConnId, model.CreateListRequest{
		Key:   "L1",
		Name:  "Favourites",
		Items: newTestItems("a", "b", "c"),
	}, &created)
	require.Equal(t, http.StatusCreated, status)
	require.True(t, created.IsMain)
	require.Equal(t, []string{"a", "b", "c"}, created.Items.Ids())

	event := readEvent(t, peerConn)
	require.Equal(t, model.ListCreatedEventType, event.Type)
	require.Equal(t, model.ListKey("L1"), event.ListKey())
	requireNoEvent(t, writerConn)

	require.Equal(t, http.StatusConflict, ta.do(t, http.MethodPost, "/api/lists", "", model.CreateListRequest{Key: "L1", Name: "Dup"}, nil))
	require.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodPost, "/api/lists", "", model.CreateListRequest{Key: "L2"}, nil))

	// Get
	lists := make([]model.List, 0)
	require.Equal(t, http.StatusOK, ta.do(t, http.MethodGet, "/api/lists", "", nil, &lists))
	require.Len(t, lists, 1)

	list := model.List{}
	require.Equal(t, http.StatusOK, ta.do(t, http.MethodGet, "/api/lists/L1", "", nil, &list))
	require.Equal(t, "Favourites", list.Name)
	require.Equal(t, http.StatusNotFound, ta.do(t, http.MethodGet, "/api/lists/unknown", "", nil, nil))

	// Diff save
	newItems := newTestItems("a", "c", "d")
	diff := model.ComputeDiff([]string{"a", "b", "c"}, newItems)
	require.NotNil(t, diff)

	saveRes := model.SaveResponse{}
	status = ta.do(t, http.MethodPatch, "/api/lists/L1/items", writerConnId, model.NewDiffSavePayload(*diff), &saveRes)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"a", "c", "d"}, saveRes.List.Items.Ids())

	event = readEvent(t, peerConn)
	require.Equal(t, model.ListUpdatedEventType, event.Type)
	require.Equal(t, model.ListKey("L1"), event.ListKey())
	requireNoEvent(t, writerConn)

	// Stale diff
	status = ta.do(t, http.MethodPatch, "/api/lists/L1/items", writerConnId, model.NewDiffSavePayload(*diff), nil)
	require.Equal(t, http.StatusConflict, status)
	requireNoEvent(t, peerConn)

	// Payload mode mismatch
	status = ta.do(t, http.MethodPut, "/api/lists/L1/items", writerConnId, model.NewDiffSavePayload(*diff), nil)
	require.Equal(t, http.StatusBadRequest, status)

	// Full save
	status = ta.do(t, http.MethodPut, "/api/lists/L1/items", writerConnId, model.NewFullSavePayload(newTestItems("x", "y")), &saveRes)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, []string{"x", "y"}, saveRes.List.Items.Ids())
	require.Equal(t, model.ListUpdatedEventType, readEvent(t, peerConn).Type)

	// Rename
	name := "Top"
	status = ta.do(t, http.MethodPatch, "/api/lists/L1", writerConnId, model.ListPatch{Name: &name}, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "Top", list.Name)
	require.Equal(t, model.ListRenamedEventType, readEvent(t, peerConn).Type)

	year := 1999
	status = ta.do(t, http.MethodPatch, "/api/lists/L1", writerConnId, model.ListPatch{Year: &year}, &list)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, 1999, *list.Year)
	require.Equal(t, model.ListUpdatedEventType, readEvent(t, peerConn).Type)

	// Item metadata
	item := model.Item{}
	status = ta.do(t, http.MethodPatch, "/api/lists/L1/items/x", writerConnId, map[string]interface{}{"notes": "nice"}, &item)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "nice", item.Fields["notes"])
	event = readEvent(t, peerConn)
	require.Equal(t, model.ItemMetadataUpdatedEventType, event.Type)
	require.Equal(t, "x", event.Payload["itemId"])

	require.Equal(t, http.StatusNotFound, ta.do(t, http.MethodPatch, "/api/lists/L1/items/zzz", "", map[string]interface{}{"notes": "-"}, nil))
	requireNoEvent(t, peerConn)

	// Second list, main and order
	require.Equal(t, http.StatusCreated, ta.do(t, http.MethodPost, "/api/lists", writerConnId, model.CreateListRequest{Key: "L2", Name: "Second"}, nil))
	require.Equal(t, model.ListCreatedEventType, readEvent(t, peerConn).Type)

	require.Equal(t, http.StatusOK, ta.do(t, http.MethodPost, "/api/lists/L2/main", writerConnId, nil, &list))
	require.True(t, list.IsMain)
	require.Equal(t, model.MainListChangedEventType, readEvent(t, peerConn).Type)

	status = ta.do(t, http.MethodPut, "/api/lists/order", writerConnId, model.ReorderListsRequest{Order: []model.ListKey{"L2", "L1"}}, &lists)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, model.ListKey("L2"), lists[0].Key)
	require.Equal(t, model.ListReorderedEventType, readEvent(t, peerConn).Type)

	require.Equal(t, http.StatusBadRequest, ta.do(t, http.MethodPut, "/api/lists/order", "", model.ReorderListsRequest{}, nil))

	// Delete
	require.Equal(t, http.StatusNoContent, ta.do(t, http.MethodDelete, "/api/lists/L1", writerConnId, nil, nil))
	event = readEvent(t, peerConn)
	require.Equal(t, model.ListDeletedEventType, event.Type)
	require.Equal(t, model.ListKey("L1"), event.ListKey())
	require.Equal(t, http.StatusNotFound, ta.do(t, http.MethodDelete, "/api/lists/L1", "", nil, nil))

	// Deleting the main list promotes the remaining one
	require.Equal(t, http.StatusCreated, ta.do(t, http.MethodPost, "/api/lists", writerConnId, model.CreateListRequest{Key: "L3", Name: "Third"}, nil))
	require.Equal(t, model.ListCreatedEventType, readEvent(t, peerConn).Type)

	require.Equal(t, http.StatusNoContent, ta.do(t, http.MethodDelete, "/api/lists/L2", writerConnId, nil, nil))
	require.Equal(t, model.ListDeletedEventType, readEvent(t, peerConn).Type)
	event = readEvent(t, peerConn)
	require.Equal(t, model.MainListChangedEventType, event.Type)
	require.Equal(t, model.ListKey("L3"), event.ListKey())

	list = model.List{}
	require.Equal(t, http.StatusOK, ta.do(t, http.MethodGet, "/api/lists/L3", "", nil, &list))
	require.True(t, list.IsMain)

	requireNoEvent(t, writerConn)
}

func Test_API_NoDispatcher(t *testing.T) {
	auth, err := NewAuthenticator(testSecret)
	require.NoError(t, err)

	api, err := NewAPI(storage.NewMemoryStorage(nil), nil, auth, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	ta := &testAPI{testDispatcher: &testDispatcher{auth: auth, server: srv}}
	ta.token, err = auth.IssueToken("acc-1", time.Hour)
	require.NoError(t, err)

	// Writes succeed without realtime delivery
	require.Equal(t, http.StatusCreated, ta.do(t, http.MethodPost, "/api/lists", "", model.CreateListRequest{Name: "Solo"}, nil))

	// No realtime endpoint
	_, _, err = websocket.DefaultDialer.Dial(wsUrl(srv.URL)+"?token="+ta.token, nil)
	require.Error(t, err)
}
