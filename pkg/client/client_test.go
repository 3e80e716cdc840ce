package client

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pcrdb/pcrdb/pkg/codec"
	"github.com/pcrdb/pcrdb/pkg/log"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel, Output: io.Discard})
}

// encryptedReply frames a response the way the upstream server does.
func encryptedReply(t *testing.T, headers, data map[string]interface{}) []byte {
	t.Helper()
	key := codec.NewKey()
	body, err := codec.PackRequest(map[string]interface{}{
		"data_headers": headers,
		"data":         data,
	}, key)
	require.NoError(t, err)
	return []byte(base64.StdEncoding.EncodeToString(body))
}

func newTestFactory(t *testing.T, srv *httptest.Server) *Factory {
	t.Helper()
	vs, err := NewVersionStore(filepath.Join(t.TempDir(), "version.txt"), "10.7.1")
	require.NoError(t, err)
	return &Factory{BaseURL: srv.URL, Versions: vs, HTTPClient: srv.Client()}
}

func TestLoginHandshake(t *testing.T) {
	var calls []string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.URL.Path)
		switch r.URL.Path {
		case "/source_ini/get_maintenance_status":
			w.Write([]byte(`{"data_headers":{},"data":{"required_manifest_ver":"1008"}}`))
		case "/tool/sdk_login":
			w.Write(encryptedReply(t,
				map[string]interface{}{"sid": "server-sid", "request_id": "req-7", "viewer_id": int64(1000000000042)},
				map[string]interface{}{}))
		case "/check/game_start":
			w.Write(encryptedReply(t,
				map[string]interface{}{"store_url": "https://store.example/priconne_10.8.0.apk"},
				map[string]interface{}{}))
		case "/load/index":
			assert.Equal(t, "1008", r.Header.Get("MANIFEST-VER"))
			w.Write(encryptedReply(t, map[string]interface{}{}, map[string]interface{}{
				"user_jewel": map[string]interface{}{"free_jewel": int64(1500)},
			}))
		default: // home/index
			assert.Equal(t, "1008", r.Header.Get("MANIFEST-VER"))
			w.Write(encryptedReply(t, map[string]interface{}{}, map[string]interface{}{
				"user_clan": map[string]interface{}{"clan_id": int64(1476)},
			}))
		}
	}))
	defer srv.Close()

	f := newTestFactory(t, srv)
	c := f.New(1, "uid-1", "key-1")

	load, home, err := c.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1500), codec.AsInt64(codec.AsMap(load["user_jewel"])["free_jewel"]))
	assert.Equal(t, int64(1476), codec.AsInt64(codec.AsMap(home["user_clan"])["clan_id"]))

	assert.Equal(t, []string{
		"/source_ini/get_maintenance_status",
		"/tool/sdk_login",
		"/check/game_start",
		"/load/index",
		"/home/index",
	}, calls)

	sum := md5.Sum([]byte("server-sid" + sidSuffix))
	assert.Equal(t, hex.EncodeToString(sum[:]), c.sessionID)
	assert.Equal(t, "req-7", c.requestID)
	assert.Equal(t, int64(1000000000042), c.ViewerID())
	assert.Equal(t, "10.8.0", f.Versions.Get(), "version observed in game_start must persist")
}

func TestLoginRetriesOnHomeServerError(t *testing.T) {
	counts := map[string]int{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		counts[r.URL.Path]++
		switch r.URL.Path {
		case "/source_ini/get_maintenance_status":
			w.Write([]byte(`{"data_headers":{},"data":{"required_manifest_ver":"1008"}}`))
		case "/home/index":
			w.Write(encryptedReply(t, map[string]interface{}{}, map[string]interface{}{
				"server_error": map[string]interface{}{"message": "session invalid"},
			}))
		default:
			w.Write(encryptedReply(t, map[string]interface{}{}, map[string]interface{}{}))
		}
	}))
	defer srv.Close()

	c := newTestFactory(t, srv).New(1, "uid-1", "key-1")
	_, _, err := c.Login(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, counts["/tool/sdk_login"])
	assert.Equal(t, 2, counts["/check/game_start"])
	assert.Equal(t, 1, counts["/home/index"])
}

func TestWaitMaintenance(t *testing.T) {
	down := true
	var slept []time.Duration

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if down {
			down = false
			w.Write([]byte(`{"data_headers":{},"data":{"maintenance_message":"维护中","required_manifest_ver":"1"}}`))
			return
		}
		w.Write([]byte(`{"data_headers":{},"data":{"required_manifest_ver":"1"}}`))
	}))
	defer srv.Close()

	c := newTestFactory(t, srv).New(1, "uid-1", "key-1")
	c.sleep = func(_ context.Context, d time.Duration) { slept = append(slept, d) }

	manifest, err := c.waitMaintenance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "1", codec.AsString(manifest["required_manifest_ver"]))
	// Unparsable banner falls back to a single 60s wait.
	assert.Equal(t, []time.Duration{maintenanceWait}, slept)
}

func TestParseMaintenanceEnd(t *testing.T) {
	end, ok := parseMaintenanceEnd("维护将于 2026-08-24 18:30:00 结束")
	require.True(t, ok)
	assert.Equal(t, time.Date(2026, 8, 24, 18, 30, 0, 0, time.Local), end)

	_, ok = parseMaintenanceEnd("维护中，请稍后再试")
	assert.False(t, ok)
}

func TestVersionFromStoreURL(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://store.example/priconne_10.8.0.apk", "10.8.0"},
		{"no-underscore", ""},
		{"x_.apk", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, versionFromStoreURL(tt.url), tt.url)
	}
}

func TestVersionStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "version.txt")

	vs, err := NewVersionStore(path, "10.7.1")
	require.NoError(t, err)
	assert.Equal(t, "10.7.1", vs.Get())

	assert.False(t, vs.CompareAndSet("9.0.0", "10.8.0"), "stale old value must not swap")
	assert.True(t, vs.CompareAndSet("10.7.1", "10.8.0"))
	assert.Equal(t, "10.8.0", vs.Get())

	// A second store on the same path sees the persisted value.
	vs2, err := NewVersionStore(path, "10.7.1")
	require.NoError(t, err)
	assert.Equal(t, "10.8.0", vs2.Get())
}
