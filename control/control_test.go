package control

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newControl(t *testing.T) *Control {
	t.Helper()
	c, err := New(1, 0.8, 30)
	require.NoError(t, err)
	return c
}

func TestJsonRoundTrip(t *testing.T) {
	jsonString := `
	{"Vars":{"brightness":500,"saturation":1000,"speed":12500}}
	`

	c := newControl(t)
	require.NoError(t, c.Load(jsonString))
	assert.JSONEq(t, jsonString, c.State())
	assert.Equal(t, Values{Brightness: 0.5, Saturation: 1, Speed: 12.5}, c.Values())
}

func TestLoadRejectsBadState(t *testing.T) {
	c := newControl(t)
	before := c.State()

	assert.ErrorIs(t, c.Load(`{"Vars":{"brightness":500,"varA":1}}`), ErrUnknownVar)
	assert.Error(t, c.Load(`{"Vars":{"brightness":1500}}`))
	assert.Error(t, c.Load(`{"Vars":{"speed":0}}`))
	assert.Error(t, c.Load(`not json`))
	assert.JSONEq(t, before, c.State())
}

func TestSetVarValidates(t *testing.T) {
	c := newControl(t)

	assert.Error(t, c.SetVar(VarBrightness, 1.2))
	assert.Error(t, c.SetVar(VarSaturation, -0.1))
	assert.Error(t, c.SetVar(VarSpeed, 0))
	// below one thousandth would be stored as zero
	assert.Error(t, c.SetVar(VarSpeed, 0.0004))
	assert.Equal(t, 30.0, c.Values().Speed)
	require.NoError(t, c.SetVar(VarSpeed, 0.0006))
	assert.Equal(t, 0.001, c.Values().Speed)
	assert.ErrorIs(t, c.SetVar("hue", 1), ErrUnknownVar)

	require.NoError(t, c.SetVar(VarBrightness, 0.25))
	assert.Equal(t, 0.25, c.GetVar(VarBrightness))

	_, err := New(2, 1, 30)
	assert.Error(t, err)
	_, err = New(1, 1, 0.0004)
	assert.Error(t, err)
}

func serve(t *testing.T, s *Server, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServerGetAndSetVar(t *testing.T) {
	c := newControl(t)
	s := NewServer(c, nil, nil)

	rec := serve(t, s, http.MethodGet, "/saturation")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state": "800"}`, rec.Body.String())
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	rec = serve(t, s, http.MethodPut, "/brightness?state=300")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"state": "300"}`, rec.Body.String())
	assert.Equal(t, 0.3, c.Values().Brightness)

	// GET with a state sets too
	rec = serve(t, s, http.MethodGet, "/speed?state=45000")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 45.0, c.Values().Speed)
}

func TestServerRejectsBadValues(t *testing.T) {
	c := newControl(t)
	s := NewServer(c, nil, nil)

	rec := serve(t, s, http.MethodPut, "/brightness?state=bright")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodPut, "/brightness?state=2000")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 1.0, c.Values().Brightness)

	rec = serve(t, s, http.MethodGet, "/varA")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServerStateAndStatus(t *testing.T) {
	c := newControl(t)

	rec := serve(t, NewServer(c, nil, nil), http.MethodGet, "/status")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s := NewServer(c, func() any {
		return map[string]any{"frames": 12, "leds": []string{"#ff0000"}}
	}, nil)
	rec = serve(t, s, http.MethodGet, "/status")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"frames": 12, "leds": ["#ff0000"]}`, rec.Body.String())

	rec = serve(t, s, http.MethodGet, "/state")
	assert.JSONEq(t, c.State(), rec.Body.String())
}

func TestServerRunStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	s := NewServer(newControl(t), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx, addr) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/speed")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not stop")
	}
}
