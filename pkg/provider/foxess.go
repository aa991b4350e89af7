package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/signing"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/tidwall/gjson"
)

const (
	FoxESSID         = "foxess"
	foxessDefaultURL = "https://www.foxesscloud.com"
	foxessPageSize   = 100
)

// foxessVariables are summed across every inverter of a plant.
var foxessVariables = []string{"pvPower", "todayYield", "generation"}

// FoxESS talks to the FoxESS OpenAPI. A static API key signs every request
// together with the path and a timestamp; success is errno 0.
type FoxESS struct {
	cfg    Config
	client *httpclient.Client
}

// NewFoxESS returns a FoxESS adapter.
func NewFoxESS(cfg Config) *FoxESS {
	return &FoxESS{
		cfg:    cfg,
		client: cfg.client(FoxESSID, foxessDefaultURL),
	}
}

func (f *FoxESS) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:   FoxESSID,
		Name: "FoxESS Cloud",
		Credentials: []types.CredentialField{
			{Field: "apiKey", Name: "API Key", Type: "password", Required: true},
		},
		Sessionless: true,
	}
}

func (f *FoxESS) ValidateCredentials(creds types.Credentials) error {
	return validateFields(f.Info(), creds)
}

func (f *FoxESS) call(ctx context.Context, method, path string, creds types.Credentials, body any) (gjson.Result, error) {
	token := creds["apiKey"]
	resp, err := f.client.Do(ctx, method, path, httpclient.Options{
		Body: body,
		Sign: func(req *http.Request, _ []byte) error {
			sig, ts := signing.FoxESSSignature(req.URL.Path, token, f.cfg.now())
			req.Header.Set("token", token)
			req.Header.Set("timestamp", ts)
			req.Header.Set("signature", sig)
			req.Header.Set("lang", "en")
			return nil
		},
	})
	if err != nil {
		return gjson.Result{}, err
	}
	r, err := parseBody(FoxESSID, resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if errno := r.Get("errno"); !errno.Exists() || errno.Int() != 0 {
		msg := r.Get("msg").String()
		if msg == "" {
			msg = "request failed with errno " + errno.String()
		}
		return r, perr.Normalize(msg, FoxESSID, perr.WithProviderCode(errno.String()))
	}
	return r, nil
}

func (f *FoxESS) Authenticate(ctx context.Context, creds types.Credentials) (types.AuthResult, error) {
	if err := f.ValidateCredentials(creds); err != nil {
		return types.AuthResult{}, err
	}
	_, err := f.call(ctx, http.MethodPost, "/op/v0/plant/list", creds, map[string]int{"currentPage": 1, "pageSize": 1})
	if err != nil {
		return types.AuthResult{}, authRejected(FoxESSID, err)
	}
	return types.AuthResult{
		Credentials: types.Credentials{"apiKey": creds["apiKey"]},
		Tokens:      types.Tokens{},
	}, nil
}

func (f *FoxESS) FetchPlants(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	return paginate(ctx, foxessPageSize, func(ctx context.Context, page int) ([]types.NormalizedPlant, int, error) {
		r, err := f.call(ctx, http.MethodPost, "/op/v0/plant/list", auth.Credentials, map[string]int{"currentPage": page, "pageSize": foxessPageSize})
		if err != nil {
			return nil, 0, err
		}
		var plants []types.NormalizedPlant
		for _, st := range r.Get("result.data").Array() {
			plants = append(plants, types.NormalizedPlant{
				ExternalID: st.Get("stationID").String(),
				Name:       st.Get("name").String(),
				CapacityKW: number(st.Get("capacity")),
				Address:    st.Get("address").String(),
				Status:     types.PlantStatusUnknown,
				Metadata:   object(st),
			})
		}
		return plants, int(r.Get("result.total").Int()), nil
	})
}

func (f *FoxESS) listDevices(ctx context.Context, creds types.Credentials) ([]gjson.Result, error) {
	return paginate(ctx, foxessPageSize, func(ctx context.Context, page int) ([]gjson.Result, int, error) {
		r, err := f.call(ctx, http.MethodPost, "/op/v0/device/list", creds, map[string]int{"currentPage": page, "pageSize": foxessPageSize})
		if err != nil {
			return nil, 0, err
		}
		return r.Get("result.data").Array(), int(r.Get("result.total").Int()), nil
	})
}

func (f *FoxESS) FetchDevices(ctx context.Context, auth types.AuthResult) ([]types.NormalizedDeviceGroup, error) {
	devices, err := f.listDevices(ctx, auth.Credentials)
	if err != nil {
		return nil, err
	}
	var order []string
	byStation := map[string][]types.NormalizedDevice{}
	for _, d := range devices {
		station := d.Get("stationID").String()
		if _, ok := byStation[station]; !ok {
			order = append(order, station)
		}
		byStation[station] = append(byStation[station], foxessDevice(d))
	}
	return groupDevices(order, byStation), nil
}

func foxessDevice(d gjson.Result) types.NormalizedDevice {
	status := types.DeviceStatusUnknown
	switch d.Get("status").Int() {
	case 1:
		status = types.DeviceStatusOnline
	case 2:
		status = types.DeviceStatusAlarm
	case 3:
		status = types.DeviceStatusOffline
	}
	typ := strings.ToLower(d.Get("deviceType").String())
	if typ == "" {
		typ = "inverter"
	}
	return types.NormalizedDevice{
		ProviderDeviceID: d.Get("deviceSN").String(),
		Type:             typ,
		Model:            d.Get("productType").String(),
		Serial:           d.Get("deviceSN").String(),
		Status:           status,
		Metadata:         object(d),
	}
}

// FetchMetrics sums the real-time variables of every inverter in the plant.
func (f *FoxESS) FetchMetrics(ctx context.Context, auth types.AuthResult, externalPlantID string) (types.DailyMetrics, error) {
	devices, err := f.listDevices(ctx, auth.Credentials)
	if err != nil {
		return types.DailyMetrics{}, err
	}
	var sns []string
	for _, d := range devices {
		if d.Get("stationID").String() == externalPlantID {
			sns = append(sns, d.Get("deviceSN").String())
		}
	}
	if len(sns) == 0 {
		return types.EmptyMetrics(types.MetricsReasonNoData, "plant has no devices"), nil
	}

	r, err := f.call(ctx, http.MethodPost, "/op/v1/device/real/query", auth.Credentials, map[string]any{
		"sns":       sns,
		"variables": foxessVariables,
	})
	if err != nil {
		if isNoData(err) {
			return types.EmptyMetrics(types.MetricsReasonNoData, perr.Normalize(err, FoxESSID).Message), nil
		}
		return types.DailyMetrics{}, err
	}

	var m types.DailyMetrics
	add := func(dst **float64, v *float64) {
		if v == nil {
			return
		}
		if *dst == nil {
			*dst = types.Float(0)
		}
		**dst += *v
	}
	for _, dev := range r.Get("result").Array() {
		for _, d := range dev.Get("datas").Array() {
			v := number(d.Get("value"))
			switch d.Get("variable").String() {
			case "pvPower":
				add(&m.PowerKW, toKW(v, d.Get("unit").String()))
			case "todayYield":
				add(&m.EnergyKWh, toKWh(v, d.Get("unit").String()))
			case "generation":
				add(&m.TotalEnergyKWh, toKWh(v, d.Get("unit").String()))
			}
		}
	}
	m.Raw = json.RawMessage(r.Get("result").Raw)
	if !m.HasData() {
		empty := types.EmptyMetrics(types.MetricsReasonNoData, "")
		empty.Raw = m.Raw
		return empty, nil
	}
	m.Metadata = map[string]any{"devices": len(sns)}
	return m, nil
}
