package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/redact"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func huaweiServer(t *testing.T, failCode int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/thirdData/login":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "api-user", body["userName"])
			if body["systemCode"] != "code-1" {
				writeJSON(w, `{"success":false,"failCode":20001,"message":"USER_MUST_RELOGIN"}`)
				return
			}
			w.Header().Set("xsrf-token", "x-1")
			writeJSON(w, `{"success":true,"failCode":0}`)
		case "/thirdData/getStationList":
			assert.Equal(t, "x-1", r.Header.Get("xsrf-token"))
			if failCode != 0 {
				w.Write([]byte(`{"success":false,"failCode":` + jsonInt(failCode) + `}`))
				return
			}
			writeJSON(w, `{"success":true,"data":[{"stationCode":"NE=1","stationName":"Farm","capacity":0.01,"stationAddr":"Field"},{"stationCode":"NE=2","stationName":"Shed"}]}`)
		case "/thirdData/getStationRealKpi":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "NE=1,NE=2", body["stationCodes"])
			writeJSON(w, `{"success":true,"data":[{"stationCode":"NE=1","dataItemMap":{"day_power":12.3,"total_power":456.7,"real_health_state":3}}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
}

func jsonInt(n int) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestHuaweiLegacy(t *testing.T) {
	creds := types.Credentials{"username": "api-user", "password": "code-1"}

	t.Run("Connect", func(t *testing.T) {
		ts := huaweiServer(t, 0)
		defer ts.Close()

		l := NewHuaweiLegacy(testConfig(ts))
		assert.True(t, l.Info.Legacy)
		assert.True(t, l.Info.RetainsReauthSecret)

		res, err := l.Connect(context.Background(), creds)
		require.NoError(t, err)
		assert.Equal(t, types.Credentials{"username": "api-user"}, res.Credentials)
		assert.Equal(t, "code-1", res.Tokens[redact.ReauthSecretKey])
	})

	t.Run("Connect Rejected", func(t *testing.T) {
		ts := huaweiServer(t, 0)
		defer ts.Close()

		_, err := NewHuaweiLegacy(testConfig(ts)).Connect(context.Background(), types.Credentials{"username": "api-user", "password": "wrong"})
		assert.Equal(t, perr.CategoryAuth, perr.CategoryOf(err))
	})

	t.Run("Sync Full", func(t *testing.T) {
		ts := huaweiServer(t, 0)
		defer ts.Close()

		auth := types.AuthResult{
			Credentials: types.Credentials{"username": "api-user"},
			Tokens:      types.Tokens{redact.ReauthSecretKey: "code-1"},
		}
		batch, err := NewHuaweiLegacy(testConfig(ts)).Sync(context.Background(), auth, types.SyncModeFull, []string{"NE=1", "NE=2"})
		require.NoError(t, err)
		require.Len(t, batch.Plants, 2)
		assert.Equal(t, "NE=1", batch.Plants[0].ExternalID)
		assert.InDelta(t, 10.0, *batch.Plants[0].CapacityKW, 1e-9)

		require.Contains(t, batch.Metrics, "NE=1")
		assert.InDelta(t, 12.3, *batch.Metrics["NE=1"].EnergyKWh, 1e-9)
		assert.Equal(t, types.MetricsReasonNoData, batch.Metrics["NE=2"].Reason())
		assert.Empty(t, batch.Errors)
	})

	t.Run("Sync Discover Skips Metrics", func(t *testing.T) {
		ts := huaweiServer(t, 0)
		defer ts.Close()

		auth := types.AuthResult{Credentials: types.Credentials{"username": "api-user"}, Tokens: types.Tokens{redact.ReauthSecretKey: "code-1"}}
		batch, err := NewHuaweiLegacy(testConfig(ts)).Sync(context.Background(), auth, types.SyncModeDiscover, []string{"NE=1"})
		require.NoError(t, err)
		assert.Len(t, batch.Plants, 2)
		assert.Nil(t, batch.Metrics)
	})

	t.Run("Fail Codes", func(t *testing.T) {
		auth := types.AuthResult{Credentials: types.Credentials{"username": "api-user"}, Tokens: types.Tokens{redact.ReauthSecretKey: "code-1"}}
		for code, want := range map[int]perr.Category{305: perr.CategoryAuth, 407: perr.CategoryRateLimit} {
			ts := huaweiServer(t, code)
			_, err := NewHuaweiLegacy(testConfig(ts)).Sync(context.Background(), auth, types.SyncModePlants, nil)
			ts.Close()
			assert.Equal(t, want, perr.CategoryOf(err), "failCode %d", code)
		}
	})

	t.Run("Missing Secret", func(t *testing.T) {
		_, err := NewHuaweiLegacy(Config{}).Sync(context.Background(), types.AuthResult{}, types.SyncModeFull, nil)
		assert.Equal(t, perr.CategoryAuth, perr.CategoryOf(err))
	})
}
