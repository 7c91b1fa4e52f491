package http

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telsiz/telsiz/directory"
)

func newTestServer(t *testing.T) (*httptest.Server, *directory.Directory) {
	t.Helper()

	logger := zerolog.Nop()
	dir := directory.New(directory.Config{ImplicitCreate: true})
	registry := prometheus.NewRegistry()

	srv := NewServer(Config{
		Logger:     &logger,
		Rooms:      dir,
		Registry:   registry,
		STUNURLs:   []string{"stun:stun.example.org:19302"},
		ListenAddr: ":0",
	})

	ts := httptest.NewServer(srv.Server.Handler)
	t.Cleanup(ts.Close)
	return ts, dir
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if v != nil {
		require.NoError(t, json.Unmarshal(body, v))
	}
	return resp.StatusCode
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t)

	var body map[string]string
	code := getJSON(t, ts.URL+"/health", &body)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "OK", body["status"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestICEServers(t *testing.T) {
	ts, _ := newTestServer(t)

	var body struct {
		ICEServers []ICEServer `json:"iceServers"`
	}
	code := getJSON(t, ts.URL+"/api/ice-servers", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.ICEServers, 1)
	assert.Equal(t, []string{"stun:stun.example.org:19302"}, body.ICEServers[0].URLs)
}

func TestCreateRoom(t *testing.T) {
	ts, dir := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/room", CreateRoomRequest{RoomID: "ops", Secret: "x123"})
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	_, err := dir.Join("ops", "a", "Alice", "wrong")
	assert.ErrorIs(t, err, directory.ErrAccessDenied)

	// duplicate creation conflicts
	resp = postJSON(t, ts.URL+"/api/room", CreateRoomRequest{RoomID: "ops"})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestCreateRoomBadRequest(t *testing.T) {
	ts, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/room", CreateRoomRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(ts.URL+"/api/room", "application/json", bytes.NewReader([]byte("{broken")))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestListRooms(t *testing.T) {
	ts, dir := newTestServer(t)

	_, err := dir.Join("ops", "a", "Alice", "")
	require.NoError(t, err)
	_, err = dir.Join("ops", "b", "Bob", "")
	require.NoError(t, err)

	var body struct {
		Data []directory.RoomView `json:"data"`
	}
	code := getJSON(t, ts.URL+"/api/rooms", &body)
	assert.Equal(t, http.StatusOK, code)
	require.Len(t, body.Data, 1)
	assert.Equal(t, "ops", body.Data[0].ID)
	assert.Equal(t, 2, body.Data[0].MemberCount)
}

func TestMetricsEndpoint(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t)

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/rooms", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}
