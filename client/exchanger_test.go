package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mnehpets/scaffoldauth/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPExchanger(t *testing.T) {
	var gotReq auth.ExchangeRequest
	var gotCookie string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/auth/github/exchange-code", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		if c, err := r.Cookie("SAS"); err == nil {
			gotCookie = c.Value
		}
		_ = json.NewDecoder(r.Body).Decode(&gotReq)

		http.SetCookie(w, &http.Cookie{Name: "SAS", Value: "", MaxAge: -1})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"token":"tok-1","user":{"id":"1","login":"alice"}}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExchanger(srv.URL, WithHTTPClient(srv.Client()),
		WithCookies([]*http.Cookie{{Name: "SAS", Value: "sealed"}}))
	require.NoError(t, err)

	res, err := ex.Exchange(context.Background(), "abc", "xyz")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "tok-1", res.AccessToken)
	require.NotNil(t, res.User)
	assert.Equal(t, "alice", res.User.Login)

	assert.Equal(t, auth.ExchangeRequest{Code: "abc", State: "xyz"}, gotReq)
	assert.Equal(t, "sealed", gotCookie)

	cookies := ex.ResponseCookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, "SAS", cookies[0].Name)
	assert.Negative(t, cookies[0].MaxAge)
}

func TestHTTPExchanger_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"success":false,"message":"Invalid session, please try again."}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExchanger(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	res, err := ex.Exchange(context.Background(), "abc", "xyz")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "Invalid session, please try again.", res.ErrorMessage)
}

func TestHTTPExchanger_NonJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream unavailable", http.StatusBadGateway)
	}))
	defer srv.Close()

	ex, err := NewHTTPExchanger(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = ex.Exchange(context.Background(), "abc", "xyz")
	assert.ErrorContains(t, err, "status 502")
}

func TestHTTPExchanger_BaseURLWithPath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExchanger(srv.URL+"/backend/", WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	_, err = ex.Exchange(context.Background(), "abc", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "/backend/api/auth/github/exchange-code", path)
}

func TestHTTPExchanger_WithBasePath(t *testing.T) {
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"success":false}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExchanger(srv.URL, WithHTTPClient(srv.Client()), WithBasePath("/auth/login"))
	require.NoError(t, err)
	_, err = ex.Exchange(context.Background(), "abc", "xyz")
	require.NoError(t, err)
	assert.Equal(t, "/auth/login/exchange-code", path)
}

func TestNewHTTPExchanger_RelativeURL(t *testing.T) {
	_, err := NewHTTPExchanger("/api")
	assert.Error(t, err)
}

func TestCallback_WithHTTPExchanger(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"success":true,"token":"tok-1","user":{"id":"1","login":"alice","avatar_url":"http://x/a.png"}}`))
	}))
	defer srv.Close()

	ex, err := NewHTTPExchanger(srv.URL, WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	h, st := newCallback(t, ex)

	out := h.Handle(context.Background(), query("abc", "xyz"))
	require.Equal(t, PhaseSucceeded, out.Phase, out.Error)
	sess, ok := st.Current()
	require.True(t, ok)
	assert.Equal(t, "http://x/a.png", sess.User.AvatarURL)
}
