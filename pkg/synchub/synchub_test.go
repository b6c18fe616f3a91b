package synchub

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/rebac-core/pkg/types"
)

type fakeLog struct {
	oldest  uint64
	entries []types.MutationEntry
}

func (f *fakeLog) Range(tenant string, from, to uint64) ([]types.MutationEntry, error) {
	out := make([]types.MutationEntry, 0)
	for _, e := range f.entries {
		if e.Version > from && e.Version <= to {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeLog) OldestVersion(tenant string) (uint64, error) { return f.oldest, nil }

func newTestServer(t *testing.T, h *Hub) (*httptest.Server, string) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		h.Register(ws)
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + srv.URL[len("http"):]
	return srv, wsURL
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func TestVersionFrameTriggersCatchUp(t *testing.T) {
	log := &fakeLog{oldest: 1, entries: []types.MutationEntry{
		{Version: 2, Kind: types.MutationGrant},
		{Version: 3, Kind: types.MutationGrant},
	}}
	current := uint64(3)
	h := New("acme", log, nil, func() uint64 { return current })
	h.Start()
	defer h.Stop()

	_, url := newTestServer(t, h)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameVersion, Version: 1}))

	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, FrameCatchUp, frame.Type)
	require.Len(t, frame.Mutations, 2)
}

func TestVersionFrameTriggersFullResyncWhenLagTooLarge(t *testing.T) {
	log := &fakeLog{oldest: 1}
	current := uint64(500)
	h := New("acme", log, nil, func() uint64 { return current })
	h.Start()
	defer h.Stop()

	_, url := newTestServer(t, h)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameVersion, Version: 1}))

	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, FrameFullResync, frame.Type)
}

func TestMutateFrameAcksOnSuccess(t *testing.T) {
	log := &fakeLog{oldest: 1}
	apply := func(kind types.MutationKind, payload map[string]interface{}) (uint64, error) {
		return 7, nil
	}
	h := New("acme", log, apply, func() uint64 { return 6 })
	h.Start()
	defer h.Stop()

	_, url := newTestServer(t, h)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameMutate, ClientID: "c1", Kind: types.MutationGrant}))

	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, FrameAck, frame.Type)
	require.Equal(t, "c1", frame.ClientID)
	require.Equal(t, uint64(7), frame.Version)
}

func TestBroadcastReachesStreamingConnection(t *testing.T) {
	log := &fakeLog{oldest: 1}
	h := New("acme", log, nil, func() uint64 { return 0 })
	h.Start()
	defer h.Stop()

	_, url := newTestServer(t, h)
	ws := dial(t, url)

	require.NoError(t, ws.WriteJSON(Frame{Type: FrameVersion, Version: 0}))
	time.Sleep(50 * time.Millisecond)

	h.Broadcast(types.MutationEntry{Version: 1, Kind: types.MutationGrant})

	var frame Frame
	require.NoError(t, ws.ReadJSON(&frame))
	require.Equal(t, FrameMutation, frame.Type)
	require.Equal(t, uint64(1), frame.Version)
}

func TestConnectionCountTracksRegistrations(t *testing.T) {
	log := &fakeLog{oldest: 1}
	h := New("acme", log, nil, func() uint64 { return 0 })
	h.Start()
	defer h.Stop()

	_, url := newTestServer(t, h)
	dial(t, url)

	deadline := time.Now().Add(time.Second)
	for h.ConnectionCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	require.Equal(t, 1, h.ConnectionCount())
}
