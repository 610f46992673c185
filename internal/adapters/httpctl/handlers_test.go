package httpctl

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Pulse/internal/adapters/memstore"
	"github.com/dkeye/Pulse/internal/app"
	"github.com/dkeye/Pulse/internal/config"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type stubTrack struct {
	kind  core.TrackKind
	muted atomic.Bool
}

func (t *stubTrack) Kind() core.TrackKind { return t.kind }
func (t *stubTrack) SetMuted(m bool)      { t.muted.Store(m) }
func (t *stubTrack) Muted() bool          { return t.muted.Load() }
func (t *stubTrack) Close() error         { return nil }

type stubConn struct {
	events chan core.MediaEvent
	left   atomic.Bool
}

func (c *stubConn) Publish(ctx context.Context, tracks ...core.LocalTrack) error   { return nil }
func (c *stubConn) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error { return nil }
func (c *stubConn) Events() <-chan core.MediaEvent                                 { return c.events }

func (c *stubConn) Leave() error {
	if !c.left.Swap(true) {
		close(c.events)
	}
	return nil
}

type stubTransport struct{}

func (stubTransport) Join(ctx context.Context, channel, token string, identity domain.UserID) (core.MediaConn, error) {
	return &stubConn{events: make(chan core.MediaEvent, 4)}, nil
}

type stubDevices struct{}

func (stubDevices) AcquireAudio(ctx context.Context) (core.LocalTrack, error) {
	return &stubTrack{kind: core.TrackAudio}, nil
}

func (stubDevices) AcquireVideo(ctx context.Context) (core.LocalTrack, error) {
	return &stubTrack{kind: core.TrackVideo}, nil
}

type stubTokens struct{}

func (stubTokens) Token(ctx context.Context, channel string, identity domain.UserID) (string, error) {
	return "tok", nil
}

func newTestServer(t *testing.T) (*httptest.Server, *memstore.Store) {
	t.Helper()
	ctx := context.Background()
	store := memstore.New(memstore.Config{RingTimeout: 5 * time.Second})
	self := domain.User{ID: "uid-self", Name: "self"}
	deps := app.Deps{Store: store, Media: stubTransport{}, Devices: stubDevices{}, Tokens: stubTokens{}}
	coord := app.NewCoordinator(deps, app.Tunables{TickInterval: 50 * time.Millisecond}, self)
	require.NoError(t, coord.Start(ctx))
	t.Cleanup(coord.Stop)

	cfg := &config.Config{Mode: "release", Secret: "test-secret"}
	srv := httptest.NewServer(SetupRouter(ctx, cfg, coord, store))
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	return resp
}

func TestPlaceCallEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/calls",
		`{"callee":{"id":"uid-bob","name":"bob"},"chat_id":"chat-1","kind":"audio"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var view core.CallView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, domain.CallDialing, view.Status)
	assert.Equal(t, domain.UserID("uid-bob"), view.Peer.ID)

	// one active call at a time
	resp2 := postJSON(t, srv.URL+"/api/calls",
		`{"callee":{"id":"uid-bob","name":"bob"},"chat_id":"chat-2","kind":"audio"}`)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusConflict, resp2.StatusCode)
}

func TestPlaceCallValidation(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/calls", `{"chat_id":"chat-1","kind":"carrier-pigeon"}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCallCommandWithoutActiveCall(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/calls/hangup", `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRoomLifecycleEndpoints(t *testing.T) {
	srv, store := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/rooms",
		`{"topic":"evening jazz","kind":"audio","privacy":"public"}`)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var view core.RoomView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	assert.Equal(t, domain.RoleHost, view.SelfRole)
	assert.Equal(t, "evening jazz", view.Topic)

	listResp, err := http.Get(srv.URL + "/api/rooms")
	require.NoError(t, err)
	defer listResp.Body.Close()
	require.Equal(t, http.StatusOK, listResp.StatusCode)
	var list struct {
		Rooms []domain.RoomSession `json:"rooms"`
	}
	require.NoError(t, json.NewDecoder(listResp.Body).Decode(&list))
	require.Len(t, list.Rooms, 1)

	// the initial media join may still be in flight, which bounces commands
	// with a conflict until it settles
	require.Eventually(t, func() bool {
		endResp := postJSON(t, srv.URL+"/api/rooms/end", `{}`)
		defer endResp.Body.Close()
		return endResp.StatusCode == http.StatusOK
	}, 2*time.Second, 20*time.Millisecond)

	rooms, err := store.ListRooms(context.Background())
	require.NoError(t, err)
	assert.Len(t, rooms, 0)
}

func TestJoinMissingRoom(t *testing.T) {
	srv, _ := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/rooms/nope/join", `{}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		kind core.FailureKind
		want int
	}{
		{core.FailAuthorizationDenied, http.StatusForbidden},
		{core.FailRoomNotFound, http.StatusNotFound},
		{core.FailSessionNotFound, http.StatusNotFound},
		{core.FailRoomFull, http.StatusConflict},
		{core.FailTransitionInProgress, http.StatusConflict},
		{core.FailInvalidState, http.StatusConflict},
		{core.FailCanceled, http.StatusConflict},
		{core.FailSignaling, http.StatusBadGateway},
		{core.FailMediaAcquisition, http.StatusBadGateway},
		{core.FailTransportJoin, http.StatusBadGateway},
		{core.FailUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := core.Fail(tc.kind, "op", nil)
		assert.Equal(t, tc.want, statusOf(err), tc.kind.String())
	}
}
