// Package client implements the stateful upstream RPC client: the
// maintenance/login handshake, rolling session headers, and wrappers for
// the endpoints the crawl pipelines use.
//
// A Client is owned by exactly one worker and is not safe for concurrent
// use.
package client

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	cleanhttp "github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"

	"github.com/pcrdb/pcrdb/pkg/codec"
	"github.com/pcrdb/pcrdb/pkg/log"
	"github.com/pcrdb/pcrdb/pkg/metrics"
)

const (
	// sidSuffix is mixed into the server-issued sid before hashing.
	sidSuffix = "c!SID!n"

	// requestTimeout is the per-call transport deadline.
	requestTimeout = 600 * time.Second

	// maintenanceWait is the fallback sleep when the maintenance
	// message carries no parsable end time.
	maintenanceWait = 60 * time.Second
)

var maintenanceEndRe = regexp.MustCompile(`\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}`)

// fixedHeaders is the device fingerprint presented on every request.
var fixedHeaders = map[string]string{
	"EXCEL-VER":            "1.0.0",
	"SHORT-UDID":           "1001341751",
	"BATTLE-LOGIC-VERSION": "4",
	"IP-ADDRESS":           "10.0.2.15",
	"DEVICE-ID":            "febf37270db0254b8d1f76af92f0419f",
	"DEVICE-NAME":          "Google PIXEL 2 XL",
	"GRAPHICS-DEVICE-NAME": "Adreno (TM) 540",
	"RES-KEY":              "d145b29050641dac2f8b19df0afe0e59",
	"RES-VER":              "10002200",
	"KEYCHAIN":             "",
	"CHANNEL-ID":           "4",
	"PLATFORM-ID":          "4",
	"REGION-CODE":          "",
	"PLATFORM":             "2",
	"PLATFORM-OS-VERSION":  "Android OS 7.1.2 / API-25 (NOF26V/4565141)",
	"LOCALE":               "Jpn",
	"X-Unity-Version":      "2018.4.30f1",
	"BUNDLE_VER":           "",
	"DEVICE":               "2",
	"User-Agent":           "Dalvik/2.1.0 (Linux; U; Android 7.1.2; PIXEL 2 XL Build/NOF26V)",
	"Accept-Encoding":      "gzip, deflate",
	"Connection":           "close",
}

// Factory builds clients bound to one upstream server and one shared
// version store.
type Factory struct {
	BaseURL  string
	Versions *VersionStore

	// HTTPClient overrides the default pooled transport, mainly for
	// tests.
	HTTPClient *http.Client
}

// New returns a client bound to one crawler account.
func (f *Factory) New(viewerID int64, uid, accessKey string) *Client {
	hc := f.HTTPClient
	if hc == nil {
		hc = cleanhttp.DefaultPooledClient()
		hc.Timeout = requestTimeout
	}
	return &Client{
		http:      hc,
		baseURL:   strings.TrimSuffix(f.BaseURL, "/") + "/",
		versions:  f.Versions,
		viewerID:  viewerID,
		uid:       uid,
		accessKey: accessKey,
		sleep:     sleepCtx,
		log:       log.WithComponent("client").With().Str("uid", uid).Logger(),
	}
}

// Client is a stateful RPC client bound to one viewer id. Session id,
// request id and manifest version roll forward from response headers.
type Client struct {
	http      *http.Client
	baseURL   string
	versions  *VersionStore
	uid       string
	accessKey string

	viewerID    int64
	sessionID   string
	requestID   string
	manifestVer string

	sleep func(context.Context, time.Duration)
	log   zerolog.Logger
}

// ViewerID returns the currently bound viewer id. It may change after a
// login when the server reports the account's real binding.
func (c *Client) ViewerID() int64 { return c.viewerID }

// CallAPI posts one payload to endpoint and returns the decoded data
// section. Decode oddities come back as an empty map; only transport
// failures return an error.
func (c *Client) CallAPI(ctx context.Context, endpoint string, payload map[string]interface{}, encrypted bool) (map[string]interface{}, error) {
	metrics.IncRPCRequest(endpoint)
	key := codec.NewKey()

	if encrypted {
		vid, err := codec.EncryptString(strconv.FormatInt(c.viewerID, 10), key)
		if err != nil {
			return nil, fmt.Errorf("encrypt viewer_id: %w", err)
		}
		payload["viewer_id"] = vid
	} else {
		payload["viewer_id"] = strconv.FormatInt(c.viewerID, 10)
	}

	body, err := codec.PackRequest(payload, key)
	if err != nil {
		return nil, fmt.Errorf("pack request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+strings.TrimPrefix(endpoint, "/"), strings.NewReader(string(body)))
	if err != nil {
		return nil, err
	}
	for k, v := range fixedHeaders {
		req.Header.Set(k, v)
	}
	req.Header.Set("APP-VER", c.versions.Get())
	if c.manifestVer != "" {
		req.Header.Set("MANIFEST-VER", c.manifestVer)
	}
	if c.requestID != "" {
		req.Header.Set("REQUEST-ID", c.requestID)
	}
	if c.sessionID != "" {
		req.Header.Set("SID", c.sessionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}

	var result map[string]interface{}
	if encrypted {
		result = codec.DecodeResponse(raw)
	} else {
		if err := json.Unmarshal(raw, &result); err != nil {
			c.log.Debug().Str("endpoint", endpoint).Msg("non-json plaintext response")
			return map[string]interface{}{}, nil
		}
	}

	headers := codec.AsMap(result["data_headers"])
	c.updateSession(endpoint, headers)

	return codec.AsMap(result["data"]), nil
}

// updateSession rolls the session state forward from response headers,
// and records a version change observed in check/game_start.
func (c *Client) updateSession(endpoint string, headers map[string]interface{}) {
	if endpoint == "check/game_start" {
		if u := codec.AsString(headers["store_url"]); u != "" {
			if v := versionFromStoreURL(u); v != "" {
				if c.versions.CompareAndSet(c.versions.Get(), v) {
					c.log.Info().Str("version", v).Msg("app version updated")
				}
			}
		}
	}

	if sid := codec.AsString(headers["sid"]); sid != "" {
		sum := md5.Sum([]byte(sid + sidSuffix))
		c.sessionID = hex.EncodeToString(sum[:])
	}
	if rid := codec.AsString(headers["request_id"]); rid != "" && rid != c.requestID {
		c.requestID = rid
	}
	if vid := codec.AsInt64(headers["viewer_id"]); vid != 0 && vid != c.viewerID {
		c.viewerID = vid
	}
}

// versionFromStoreURL extracts the app version from a store_url like
// ".../priconne_10.7.1.apk": the second underscore-separated segment,
// minus the 4-character file extension.
func versionFromStoreURL(u string) string {
	parts := strings.Split(u, "_")
	if len(parts) < 2 || len(parts[1]) <= 4 {
		return ""
	}
	return parts[1][:len(parts[1])-4]
}

// Login runs the full handshake: poll maintenance status, then
// tool/sdk_login, check/game_start, load/index, home/index. A
// server_error on home/index retries the first two calls once. The
// load/index and home/index payloads come back for callers that want
// the account's own state.
func (c *Client) Login(ctx context.Context) (load, home map[string]interface{}, err error) {
	manifest, err := c.waitMaintenance(ctx)
	if err != nil {
		return nil, nil, err
	}
	if mv := codec.AsString(manifest["required_manifest_ver"]); mv != "" {
		c.manifestVer = mv
	}

	if err := c.sdkLogin(ctx); err != nil {
		return nil, nil, err
	}

	load, err = c.CallAPI(ctx, "load/index", map[string]interface{}{"carrier": "google"}, true)
	if err != nil {
		return nil, nil, fmt.Errorf("load/index: %w", err)
	}
	home, err = c.CallAPI(ctx, "home/index", map[string]interface{}{
		"message_id":   rand.Intn(5000) + 1,
		"tips_id_list": []interface{}{},
		"is_first":     1,
		"gold_history": 0,
	}, true)
	if err != nil {
		return nil, nil, fmt.Errorf("home/index: %w", err)
	}

	if _, bad := home["server_error"]; bad {
		if err := c.sdkLogin(ctx); err != nil {
			return nil, nil, err
		}
	}
	return load, home, nil
}

// sdkLogin posts the tool/sdk_login + check/game_start pair.
func (c *Client) sdkLogin(ctx context.Context) error {
	if _, err := c.CallAPI(ctx, "tool/sdk_login", map[string]interface{}{
		"uid":        c.uid,
		"access_key": c.accessKey,
		"platform":   fixedHeaders["PLATFORM-ID"],
		"channel_id": fixedHeaders["CHANNEL-ID"],
	}, true); err != nil {
		return fmt.Errorf("tool/sdk_login: %w", err)
	}
	if _, err := c.CallAPI(ctx, "check/game_start", map[string]interface{}{
		"app_type":      0,
		"campaign_data": "",
		"campaign_user": rand.Intn(1000000) + 1,
	}, true); err != nil {
		return fmt.Errorf("check/game_start: %w", err)
	}
	return nil
}

// waitMaintenance polls source_ini/get_maintenance_status until the
// server reports no maintenance, sleeping until the advertised end time
// (60 s when unparsable).
func (c *Client) waitMaintenance(ctx context.Context) (map[string]interface{}, error) {
	for {
		manifest, err := c.CallAPI(ctx, "source_ini/get_maintenance_status", map[string]interface{}{}, false)
		if err != nil {
			return nil, fmt.Errorf("maintenance status: %w", err)
		}
		msg, down := manifest["maintenance_message"]
		if !down {
			return manifest, nil
		}

		if end, ok := parseMaintenanceEnd(codec.AsString(msg)); ok {
			c.log.Info().Time("until", end).Msg("server under maintenance")
			for time.Now().Before(end) {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				c.sleep(ctx, maintenanceWait)
			}
		} else {
			c.log.Info().Msg("server under maintenance, retrying in 60s")
			c.sleep(ctx, maintenanceWait)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
}

// parseMaintenanceEnd pulls the wall-clock end time out of the
// maintenance banner.
func parseMaintenanceEnd(msg string) (time.Time, bool) {
	m := maintenanceEndRe.FindString(msg)
	if m == "" {
		return time.Time{}, false
	}
	end, err := time.ParseInLocation("2006-01-02 15:04:05", m, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return end, true
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
