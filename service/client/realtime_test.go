package client

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/itiky/listsync/model"
	"github.com/itiky/listsync/service/server"
	"github.com/itiky/listsync/storage"
)

// fakeRefresher records the cache calls issued by Realtime.
type fakeRefresher struct {
	sync.Mutex
	echo      *EchoSuppressor
	refreshed []model.ListKey
	all       int
	forgotten []model.ListKey
	refreshFn func(listKey model.ListKey) error
}

func (f *fakeRefresher) Echo() *EchoSuppressor { return f.echo }

func (f *fakeRefresher) Forget(listKey model.ListKey) {
	f.Lock()
	defer f.Unlock()

	f.forgotten = append(f.forgotten, listKey)
}

func (f *fakeRefresher) RefreshList(ctx context.Context, listKey model.ListKey) error {
	f.Lock()
	defer f.Unlock()

	f.refreshed = append(f.refreshed, listKey)
	if f.refreshFn != nil {
		return f.refreshFn(listKey)
	}

	return nil
}

func (f *fakeRefresher) RefreshAll(ctx context.Context) error {
	f.Lock()
	defer f.Unlock()

	f.all++

	return nil
}

func newTestRealtime(t *testing.T, session cacheRefresher, transport Transport) *Realtime {
	r, err := NewRealtime("http://127.0.0.1:1", "token", session, transport, nil)
	require.NoError(t, err)

	return r
}

func newTestEvent(eventType model.EventType, listKey model.ListKey) model.Event {
	payload := map[string]interface{}{}
	if listKey != "" {
		payload = model.ListEventPayload(listKey, nil)
	}

	return model.NewEvent(eventType, payload, time.Now())
}

func Test_Realtime_HandleEvent(t *testing.T) {
	ctx := context.Background()
	refresher := &fakeRefresher{echo: NewEchoSuppressor(time.Minute)}
	defer refresher.echo.Close()
	transport := newFakeTransport()
	r := newTestRealtime(t, refresher, transport)

	// Hello
	r.HandleEvent(ctx, model.NewHelloEvent("conn-1", time.Now()))
	require.Equal(t, model.ConnectionId("conn-1"), transport.connId)

	// Foreign change
	r.HandleEvent(ctx, newTestEvent(model.ListUpdatedEventType, "L1"))
	require.Equal(t, []model.ListKey{"L1"}, refresher.refreshed)

	// Own echo: dropped once
	refresher.echo.MarkSaved("L1")
	r.HandleEvent(ctx, newTestEvent(model.ListUpdatedEventType, "L1"))
	require.Len(t, refresher.refreshed, 1)
	r.HandleEvent(ctx, newTestEvent(model.ListUpdatedEventType, "L1"))
	require.Len(t, refresher.refreshed, 2)

	// Item metadata is list scoped
	r.HandleEvent(ctx, newTestEvent(model.ItemMetadataUpdatedEventType, "L2"))
	require.Equal(t, model.ListKey("L2"), refresher.refreshed[2])

	// Account wide
	r.HandleEvent(ctx, newTestEvent(model.ListReorderedEventType, ""))
	r.HandleEvent(ctx, newTestEvent(model.ListCreatedEventType, "L3"))
	r.HandleEvent(ctx, newTestEvent(model.MainListChangedEventType, "L3"))
	require.Equal(t, 3, refresher.all)
	require.Empty(t, refresher.forgotten)

	r.HandleEvent(ctx, newTestEvent(model.ListDeletedEventType, "L3"))
	require.Equal(t, 4, refresher.all)
	require.Equal(t, []model.ListKey{"L3"}, refresher.forgotten)
}

func Test_Realtime_HandleEvent_RemovedList(t *testing.T) {
	refresher := &fakeRefresher{
		echo: NewEchoSuppressor(time.Minute),
		refreshFn: func(listKey model.ListKey) error {
			return &APIError{StatusCode: 404, Message: "list not found"}
		},
	}
	defer refresher.echo.Close()
	r := newTestRealtime(t, refresher, nil)

	r.HandleEvent(context.Background(), newTestEvent(model.ListRenamedEventType, "L1"))
	require.Equal(t, []model.ListKey{"L1"}, refresher.forgotten)
}

func Test_WebsocketUrl(t *testing.T) {
	u, err := websocketUrl("http://127.0.0.1:2412/")
	require.NoError(t, err)
	require.Equal(t, "ws://127.0.0.1:2412/ws", u)

	u, err = websocketUrl("https://lists.example.com/sync")
	require.NoError(t, err)
	require.Equal(t, "wss://lists.example.com/sync/ws", u)

	_, err = websocketUrl("ftp://host")
	require.Error(t, err)
}

// Test_Realtime_Sessions syncs two sessions of one account through a real server.
func Test_Realtime_Sessions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Server
	auth, err := server.NewAuthenticator("test-secret-0123456789")
	require.NoError(t, err)
	dispatcher, err := server.NewDispatcher(auth, 16, nil)
	require.NoError(t, err)
	dispatcher.Start()
	defer dispatcher.Stop()

	s := storage.NewMemoryStorage(nil)
	_, err = s.Create(ctx, "acc-1", model.CreateListRequest{Key: "L1", Name: "Favourites", Items: newTestItems("a", "b", "c")})
	require.NoError(t, err)

	api, err := server.NewAPI(s, dispatcher, auth, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	token, err := auth.IssueToken("acc-1", time.Hour)
	require.NoError(t, err)

	// Sessions
	newSession := func() (*Session, *HTTPTransport) {
		transport, err := NewHTTPTransport(srv.URL, token, 5*time.Second)
		require.NoError(t, err)

		session, err := NewSession(SessionConfig{
			Transport:     transport,
			DebounceDelay: 20 * time.Millisecond,
			EchoGrace:     5 * time.Second,
		})
		require.NoError(t, err)
		t.Cleanup(func() { _ = session.Close(context.Background()) })

		realtime, err := NewRealtime(srv.URL, token, session, transport, nil)
		require.NoError(t, err)
		go realtime.Run(ctx)

		return session, transport
	}

	writer, writerTransport := newSession()
	reader, _ := newSession()

	// Both are connected and announced
	require.Eventually(t, func() bool {
		return dispatcher.Connections("acc-1") == 2 && writerTransport.ConnectionId() != ""
	}, 5*time.Second, 10*time.Millisecond)

	_, err = writer.List(ctx, "L1")
	require.NoError(t, err)
	_, err = reader.List(ctx, "L1")
	require.NoError(t, err)

	// Writer edit reaches the reader cache
	require.NoError(t, writer.Edit("L1", newTestItems("c", "a", "d")))
	require.Eventually(t, func() bool {
		list, err := reader.List(ctx, "L1")
		return err == nil && equalIds(list.Items.Ids(), []string{"c", "a", "d"})
	}, 5*time.Second, 10*time.Millisecond)

	stored, err := s.Get(ctx, "acc-1", "L1")
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a", "d"}, stored.Items.Ids())
	require.Eventually(t, func() bool {
		return equalIds(writer.Snapshots().Get("L1"), []string{"c", "a", "d"})
	}, 5*time.Second, 10*time.Millisecond)

	// Account wide change reaches the reader collection
	lists, err := reader.Lists(ctx)
	require.NoError(t, err)
	require.Len(t, lists, 1)

	_, err = s.Create(ctx, "acc-1", model.CreateListRequest{Key: "L2", Name: "Second"})
	require.NoError(t, err)
	dispatcher.Emit(model.ListCreatedEventType, "acc-1", model.ListEventPayload("L2", nil))
	require.Eventually(t, func() bool {
		lists, err := reader.Lists(ctx)
		return err == nil && len(lists) == 2
	}, 5*time.Second, 10*time.Millisecond)
}

// countingTransport counts the collection fetches of a real HTTPTransport.
type countingTransport struct {
	*HTTPTransport
	mu          sync.Mutex
	listFetches int
}

func (t *countingTransport) FetchLists(ctx context.Context) ([]model.List, error) {
	t.mu.Lock()
	t.listFetches++
	t.mu.Unlock()

	return t.HTTPTransport.FetchLists(ctx)
}

func (t *countingTransport) ListFetches() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.listFetches
}

// Test_Realtime_Reconnect drops the server connections and checks that the session reconnects and refreshes.
func Test_Realtime_Reconnect(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Server
	auth, err := server.NewAuthenticator("test-secret-0123456789")
	require.NoError(t, err)
	dispatcher, err := server.NewDispatcher(auth, 16, nil)
	require.NoError(t, err)
	dispatcher.Start()
	defer dispatcher.Stop()

	s := storage.NewMemoryStorage(nil)
	_, err = s.Create(ctx, "acc-1", model.CreateListRequest{Key: "L1", Name: "Favourites", Items: newTestItems("a", "b")})
	require.NoError(t, err)

	api, err := server.NewAPI(s, dispatcher, auth, nil)
	require.NoError(t, err)
	srv := httptest.NewServer(api.Handler())
	defer srv.Close()

	token, err := auth.IssueToken("acc-1", time.Hour)
	require.NoError(t, err)

	// Session
	httpTransport, err := NewHTTPTransport(srv.URL, token, 5*time.Second)
	require.NoError(t, err)
	transport := &countingTransport{HTTPTransport: httpTransport}

	session, err := NewSession(SessionConfig{
		Transport:     transport,
		DebounceDelay: 20 * time.Millisecond,
		EchoGrace:     5 * time.Second,
	})
	require.NoError(t, err)
	defer session.Close(context.Background())

	realtime, err := NewRealtime(srv.URL, token, session, transport, nil)
	require.NoError(t, err)
	realtime.minBackoff = 10 * time.Millisecond
	realtime.maxBackoff = 50 * time.Millisecond

	runErr := make(chan error, 1)
	go func() {
		runErr <- realtime.Run(ctx)
	}()

	// Connected and refreshed
	require.Eventually(t, func() bool {
		return dispatcher.Connections("acc-1") == 1 && transport.ConnectionId() != "" && transport.ListFetches() >= 1
	}, 5*time.Second, 10*time.Millisecond)

	lists, err := session.Lists(ctx)
	require.NoError(t, err)
	require.Len(t, lists, 1)
	fetches := transport.ListFetches()

	// Drop
	dispatcher.Stop()
	require.Eventually(t, func() bool {
		return transport.ConnectionId() == ""
	}, 5*time.Second, 10*time.Millisecond)

	// Changes while disconnected are not broadcast
	_, err = s.Create(ctx, "acc-1", model.CreateListRequest{Key: "L2", Name: "Second"})
	require.NoError(t, err)
	_, err = s.ReplaceItems(ctx, "acc-1", "L1", newTestItems("b", "a", "c"))
	require.NoError(t, err)

	lists, err = session.Lists(ctx)
	require.NoError(t, err)
	require.Len(t, lists, 1, "cached view is kept while disconnected")

	// Reconnect refreshes the collection
	dispatcher.Start()
	require.Eventually(t, func() bool {
		return dispatcher.Connections("acc-1") == 1 && transport.ConnectionId() != ""
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		lists, err := session.Lists(ctx)
		return err == nil && len(lists) == 2 && transport.ListFetches() > fetches
	}, 5*time.Second, 10*time.Millisecond)

	list, err := session.List(ctx, "L1")
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a", "c"}, list.Items.Ids())
	require.Equal(t, []string{"b", "a", "c"}, session.Snapshots().Get("L1"))

	cancel()
	require.NoError(t, <-runErr)
}

func equalIds(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
