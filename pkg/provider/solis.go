package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/signing"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"
)

const (
	SolisID          = "solis"
	solisDefaultURL  = "https://www.soliscloud.com:13333"
	solisMinInterval = 2 * time.Second
	solisPageSize    = 100
)

// Solis talks to the SolisCloud platform API. Every request is signed with
// HMAC-SHA1 over the body digest, date and path, so there is no session to
// expire. The platform rejects calls closer together than two seconds.
type Solis struct {
	cfg     Config
	client  *httpclient.Client
	limiter *rate.Limiter
}

// NewSolis returns a Solis adapter that waits at least interval between calls.
func NewSolis(cfg Config, interval time.Duration) *Solis {
	if interval <= 0 {
		interval = solisMinInterval
	}
	return &Solis{
		cfg:     cfg,
		client:  cfg.client(SolisID, solisDefaultURL),
		limiter: rate.NewLimiter(rate.Every(interval), 1),
	}
}

func (s *Solis) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:   SolisID,
		Name: "SolisCloud",
		Credentials: []types.CredentialField{
			{Field: "keyId", Name: "API Key ID", Type: "string", Required: true},
			{Field: "keySecret", Name: "API Key Secret", Type: "password", Required: true},
		},
		Sessionless: true,
	}
}

func (s *Solis) ValidateCredentials(creds types.Credentials) error {
	return validateFields(s.Info(), creds)
}

func (s *Solis) post(ctx context.Context, creds types.Credentials, path string, body any) (gjson.Result, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return gjson.Result{}, perr.Newf(perr.CategoryUnknown, SolisID, "failed to encode body: %v", err)
	}
	resp, err := s.client.Do(ctx, http.MethodPost, path, httpclient.Options{
		Body:        payload,
		ContentType: "application/json",
		// every attempt, retries included, waits for the limiter
		Sign: func(req *http.Request, body []byte) error {
			if err := s.limiter.Wait(ctx); err != nil {
				return perr.Normalize(err, SolisID)
			}
			auth, contentMD5, date := signing.SolisAuthorization(creds["keyId"], creds["keySecret"], body, s.cfg.now(), req.URL.Path)
			req.Header.Set("Authorization", auth)
			req.Header.Set("Content-MD5", contentMD5)
			req.Header.Set("Date", date)
			return nil
		},
	})
	if err != nil {
		return gjson.Result{}, err
	}
	r, err := parseBody(SolisID, resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if !r.Get("success").Bool() && r.Get("code").String() != "0" {
		return r, perr.Normalize(resp.Body, SolisID)
	}
	return r, nil
}

func (s *Solis) Authenticate(ctx context.Context, creds types.Credentials) (types.AuthResult, error) {
	if err := s.ValidateCredentials(creds); err != nil {
		return types.AuthResult{}, err
	}
	if _, err := s.post(ctx, creds, "/v1/api/userStationList", map[string]int{"pageNo": 1, "pageSize": 1}); err != nil {
		return types.AuthResult{}, authRejected(SolisID, err)
	}
	return types.AuthResult{
		Credentials: types.Credentials{"keyId": creds["keyId"], "keySecret": creds["keySecret"]},
		Tokens:      types.Tokens{},
	}, nil
}

func (s *Solis) FetchPlants(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	return paginate(ctx, solisPageSize, func(ctx context.Context, page int) ([]types.NormalizedPlant, int, error) {
		r, err := s.post(ctx, auth.Credentials, "/v1/api/userStationList", map[string]int{"pageNo": page, "pageSize": solisPageSize})
		if err != nil {
			return nil, 0, err
		}
		var plants []types.NormalizedPlant
		for _, st := range r.Get("data.page.records").Array() {
			plants = append(plants, solisPlant(st))
		}
		return plants, int(r.Get("data.page.total").Int()), nil
	})
}

func solisPlant(st gjson.Result) types.NormalizedPlant {
	status := types.PlantStatusUnknown
	switch st.Get("state").Int() {
	case 1:
		status = types.PlantStatusNormal
	case 2:
		status = types.PlantStatusOffline
	case 3:
		status = types.PlantStatusAlarm
	}
	return types.NormalizedPlant{
		ExternalID: st.Get("id").String(),
		Name:       st.Get("stationName").String(),
		CapacityKW: toKW(number(st.Get("capacity")), trimPeak(st.Get("capacityStr").String())),
		Address:    st.Get("addr").String(),
		Latitude:   number(st.Get("latitude")),
		Longitude:  number(st.Get("longitude")),
		Status:     status,
		Metadata:   object(st),
	}
}

// trimPeak turns "kWp" into "kW".
func trimPeak(unit string) string {
	if n := len(unit); n > 0 && (unit[n-1] == 'p' || unit[n-1] == 'P') {
		return unit[:n-1]
	}
	return unit
}

func (s *Solis) FetchMetrics(ctx context.Context, auth types.AuthResult, externalPlantID string) (types.DailyMetrics, error) {
	r, err := s.post(ctx, auth.Credentials, "/v1/api/stationDetail", map[string]string{"id": externalPlantID})
	if err != nil {
		if isNoData(err) {
			return types.EmptyMetrics(types.MetricsReasonNoData, perr.Normalize(err, SolisID).Message), nil
		}
		return types.DailyMetrics{}, err
	}
	data := r.Get("data")
	if !data.IsObject() {
		return types.EmptyMetrics(types.MetricsReasonNoData, "station detail returned no data"), nil
	}
	m := types.DailyMetrics{
		PowerKW:        toKW(number(data.Get("power")), data.Get("powerStr").String()),
		EnergyKWh:      toKWh(number(data.Get("dayEnergy")), data.Get("dayEnergyStr").String()),
		TotalEnergyKWh: toKWh(number(data.Get("allEnergy")), data.Get("allEnergyStr").String()),
		Raw:            json.RawMessage(data.Raw),
	}
	if !m.HasData() {
		empty := types.EmptyMetrics(types.MetricsReasonNoData, "")
		empty.Raw = m.Raw
		return empty, nil
	}
	if ts := data.Get("dataTimestamp"); ts.Exists() {
		m.Metadata = map[string]any{"dataTimestamp": ts.Value()}
	}
	return m, nil
}

func (s *Solis) FetchDevices(ctx context.Context, auth types.AuthResult) ([]types.NormalizedDeviceGroup, error) {
	var order []string
	byStation := map[string][]types.NormalizedDevice{}
	_, err := paginate(ctx, solisPageSize, func(ctx context.Context, page int) ([]struct{}, int, error) {
		r, err := s.post(ctx, auth.Credentials, "/v1/api/inverterList", map[string]int{"pageNo": page, "pageSize": solisPageSize})
		if err != nil {
			return nil, 0, err
		}
		records := r.Get("data.page.records").Array()
		for _, d := range records {
			station := d.Get("stationId").String()
			if _, ok := byStation[station]; !ok {
				order = append(order, station)
			}
			byStation[station] = append(byStation[station], solisDevice(d))
		}
		return make([]struct{}, len(records)), int(r.Get("data.page.total").Int()), nil
	})
	if err != nil {
		return nil, err
	}
	return groupDevices(order, byStation), nil
}

func solisDevice(d gjson.Result) types.NormalizedDevice {
	status := types.DeviceStatusUnknown
	switch d.Get("state").Int() {
	case 1:
		status = types.DeviceStatusOnline
	case 2:
		status = types.DeviceStatusOffline
	case 3:
		status = types.DeviceStatusAlarm
	}
	return types.NormalizedDevice{
		ProviderDeviceID: d.Get("id").String(),
		Type:             "inverter",
		Model:            d.Get("productModel").String(),
		Serial:           d.Get("sn").String(),
		Status:           status,
		Metadata:         object(d),
	}
}

func (s *Solis) FetchAlarms(ctx context.Context, auth types.AuthResult) ([]types.NormalizedAlarm, error) {
	return paginate(ctx, solisPageSize, func(ctx context.Context, page int) ([]types.NormalizedAlarm, int, error) {
		r, err := s.post(ctx, auth.Credentials, "/v1/api/alarmList", map[string]int{"pageNo": page, "pageSize": solisPageSize})
		if err != nil {
			return nil, 0, err
		}
		var alarms []types.NormalizedAlarm
		for _, a := range r.Get("data.records").Array() {
			alarms = append(alarms, solisAlarm(a))
		}
		return alarms, int(r.Get("data.total").Int()), nil
	})
}

func solisAlarm(a gjson.Result) types.NormalizedAlarm {
	severity := types.SeverityWarn
	switch a.Get("alarmLevel").String() {
	case "1":
		severity = types.SeverityInfo
	case "3":
		severity = types.SeverityCritical
	}
	var starts time.Time
	if t := millis(a.Get("alarmBeginTime")); t != nil {
		starts = *t
	}
	ends := millis(a.Get("alarmEndTime"))
	return types.NormalizedAlarm{
		ProviderEventID:  a.Get("id").String(),
		ProviderPlantID:  a.Get("stationId").String(),
		ProviderDeviceID: a.Get("alarmDeviceSn").String(),
		Severity:         severity,
		Type:             a.Get("alarmCode").String(),
		Title:            a.Get("alarmMsg").String(),
		Message:          a.Get("advice").String(),
		StartsAt:         starts,
		EndsAt:           ends,
		IsOpen:           ends == nil,
		Metadata:         object(a),
	}
}
