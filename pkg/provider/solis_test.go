package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/signing"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSolis(t *testing.T) {
	creds := types.Credentials{"keyId": "1300", "keySecret": "secret"}
	auth := types.AuthResult{Credentials: creds}

	t.Run("Signs Every Request", func(t *testing.T) {
		var calls int
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			body, err := io.ReadAll(r.Body)
			require.NoError(t, err)
			want, contentMD5, date := signing.SolisAuthorization("1300", "secret", body, testNow, r.URL.Path)
			assert.Equal(t, want, r.Header.Get("Authorization"))
			assert.Equal(t, contentMD5, r.Header.Get("Content-MD5"))
			assert.Equal(t, date, r.Header.Get("Date"))
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			writeJSON(w, `{"success":true,"code":"0","data":{"page":{"total":1,"records":[{"id":"1001","stationName":"Roof","capacity":6.6,"capacityStr":"kWp","state":1}]}}}`)
		}))
		defer ts.Close()

		s := NewSolis(testConfig(ts), time.Millisecond)
		res, err := s.Authenticate(context.Background(), creds)
		require.NoError(t, err)
		assert.Equal(t, "1300", res.Credentials["keyId"])

		plants, err := s.FetchPlants(context.Background(), res)
		require.NoError(t, err)
		require.Len(t, plants, 1)
		assert.Equal(t, "1001", plants[0].ExternalID)
		assert.Equal(t, types.PlantStatusNormal, plants[0].Status)
		assert.Equal(t, 6.6, *plants[0].CapacityKW)
		assert.Equal(t, 2, calls)
		assert.True(t, s.Info().Sessionless)
	})

	t.Run("Waits Between Calls", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, `{"success":true,"data":{"power":1,"powerStr":"kW"}}`)
		}))
		defer ts.Close()

		s := NewSolis(testConfig(ts), 40*time.Millisecond)
		start := time.Now()
		for i := 0; i < 3; i++ {
			_, err := s.FetchMetrics(context.Background(), auth, "1001")
			require.NoError(t, err)
		}
		assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
	})

	t.Run("Retries Wait Between Calls", func(t *testing.T) {
		var hits []time.Time
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits = append(hits, time.Now())
			if len(hits) == 1 {
				w.WriteHeader(http.StatusTooManyRequests)
				return
			}
			writeJSON(w, `{"success":true,"data":{"power":1,"powerStr":"kW"}}`)
		}))
		defer ts.Close()

		retries := 1
		cfg := testConfig(ts)
		cfg.MaxRetries = &retries
		interval := 150 * time.Millisecond
		s := NewSolis(cfg, interval)

		m, err := s.FetchMetrics(context.Background(), auth, "1001")
		require.NoError(t, err)
		assert.Equal(t, 1.0, *m.PowerKW)
		require.Len(t, hits, 2)
		// the backoff sleep is a no-op here so only the limiter spaces the calls
		assert.GreaterOrEqual(t, hits[1].Sub(hits[0]), interval-10*time.Millisecond)
	})

	t.Run("Rejected Signature", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, `{"success":false,"code":"Z0001","msg":"wrong sign"}`)
		}))
		defer ts.Close()

		_, err := NewSolis(testConfig(ts), time.Millisecond).Authenticate(context.Background(), creds)
		require.Error(t, err)
		assert.Equal(t, perr.CategoryAuth, perr.CategoryOf(err))
	})

	t.Run("FetchMetrics Units", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/api/stationDetail", r.URL.Path)
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "1001", body["id"])
			writeJSON(w, `{"success":true,"code":"0","data":{"power":3200,"powerStr":"W","dayEnergy":14.2,"dayEnergyStr":"kWh","allEnergy":1.5,"allEnergyStr":"MWh"}}`)
		}))
		defer ts.Close()

		m, err := NewSolis(testConfig(ts), time.Millisecond).FetchMetrics(context.Background(), auth, "1001")
		require.NoError(t, err)
		assert.InDelta(t, 3.2, *m.PowerKW, 1e-9)
		assert.InDelta(t, 14.2, *m.EnergyKWh, 1e-9)
		assert.InDelta(t, 1500, *m.TotalEnergyKWh, 1e-9)
	})

	t.Run("FetchMetrics Empty", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, `{"success":true,"code":"0","data":null}`)
		}))
		defer ts.Close()

		m, err := NewSolis(testConfig(ts), time.Millisecond).FetchMetrics(context.Background(), auth, "1001")
		require.NoError(t, err)
		assert.False(t, m.HasData())
		assert.Equal(t, types.MetricsReasonNoData, m.Reason())
	})

	t.Run("FetchDevices Groups By Station", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/api/inverterList", r.URL.Path)
			writeJSON(w, `{"success":true,"data":{"page":{"total":3,"records":[
				{"id":"i1","sn":"SN1","stationId":"A","state":1},
				{"id":"i2","sn":"SN2","stationId":"B","state":2},
				{"id":"i3","sn":"SN3","stationId":"A","state":3}]}}}`)
		}))
		defer ts.Close()

		groups, err := NewSolis(testConfig(ts), time.Millisecond).FetchDevices(context.Background(), auth)
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, "A", groups[0].StationID)
		require.Len(t, groups[0].Devices, 2)
		assert.Equal(t, types.DeviceStatusOnline, groups[0].Devices[0].Status)
		assert.Equal(t, types.DeviceStatusAlarm, groups[0].Devices[1].Status)
		assert.Equal(t, "B", groups[1].StationID)
		assert.Equal(t, types.DeviceStatusOffline, groups[1].Devices[0].Status)
	})

	t.Run("FetchAlarms", func(t *testing.T) {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/v1/api/alarmList", r.URL.Path)
			writeJSON(w, `{"success":true,"data":{"total":2,"records":[
				{"id":"a1","stationId":"A","alarmDeviceSn":"SN1","alarmLevel":"3","alarmCode":"1010","alarmMsg":"Grid over voltage","alarmBeginTime":1700000000000},
				{"id":"a2","stationId":"A","alarmLevel":"1","alarmMsg":"Info","alarmBeginTime":1700000000000,"alarmEndTime":1700000600000}]}}`)
		}))
		defer ts.Close()

		alarms, err := NewSolis(testConfig(ts), time.Millisecond).FetchAlarms(context.Background(), auth)
		require.NoError(t, err)
		require.Len(t, alarms, 2)
		assert.Equal(t, types.SeverityCritical, alarms[0].Severity)
		assert.True(t, alarms[0].IsOpen)
		assert.Nil(t, alarms[0].EndsAt)
		assert.Equal(t, int64(1700000000), alarms[0].StartsAt.Unix())
		assert.Equal(t, types.SeverityInfo, alarms[1].Severity)
		assert.False(t, alarms[1].IsOpen)
		require.NotNil(t, alarms[1].EndsAt)
	})
}
