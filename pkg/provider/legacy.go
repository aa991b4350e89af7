package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/redact"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/tidwall/gjson"
)

// LegacyBatch is everything a legacy sync produced. Metrics and Errors are
// keyed by external plant id.
type LegacyBatch struct {
	Plants  []types.NormalizedPlant
	Metrics map[string]types.DailyMetrics
	Errors  map[string]error
}

// Legacy is a vendor that has not been moved to the Adapter interface. Sync
// follows the same four modes as canonical adapters: plants are returned for
// discover, plants and full; metrics for the known plant ids for metrics and
// full.
type Legacy struct {
	Info    types.ProviderInfo
	Connect func(ctx context.Context, creds types.Credentials) (types.AuthResult, error)
	Sync    func(ctx context.Context, auth types.AuthResult, mode types.SyncMode, knownPlantIDs []string) (LegacyBatch, error)
}

const (
	HuaweiID         = "huawei"
	huaweiDefaultURL = "https://eu5.fusionsolar.huawei.com"
	huaweiKpiBatch   = 100
)

// NewHuaweiLegacy returns the FusionSolar northbound integration. Its
// xsrf-token sessions last half an hour, so every sync logs in again with the
// retained system code.
func NewHuaweiLegacy(cfg Config) Legacy {
	info := types.ProviderInfo{
		ID:   HuaweiID,
		Name: "Huawei FusionSolar",
		Credentials: []types.CredentialField{
			{Field: "username", Name: "API Username", Type: "string", Required: true},
			{Field: "password", Name: "System Code", Type: "password", Required: true},
		},
		RetainsReauthSecret: true,
		Legacy:              true,
	}
	return Legacy{
		Info: info,
		Connect: func(ctx context.Context, creds types.Credentials) (types.AuthResult, error) {
			if err := validateFields(info, creds); err != nil {
				return types.AuthResult{}, err
			}
			h := &huawei{client: cfg.client(HuaweiID, huaweiDefaultURL)}
			if err := h.login(ctx, creds["username"], creds["password"]); err != nil {
				return types.AuthResult{}, authRejected(HuaweiID, err)
			}
			return types.AuthResult{
				Credentials: types.Credentials{"username": creds["username"]},
				Tokens:      types.Tokens{redact.ReauthSecretKey: creds["password"]},
			}, nil
		},
		Sync: func(ctx context.Context, auth types.AuthResult, mode types.SyncMode, knownPlantIDs []string) (LegacyBatch, error) {
			h := &huawei{client: cfg.client(HuaweiID, huaweiDefaultURL)}
			secret := auth.Tokens[redact.ReauthSecretKey]
			if secret == "" {
				return LegacyBatch{}, perr.New(perr.CategoryAuth, HuaweiID, "no stored system code, reconnect required")
			}
			if err := h.login(ctx, auth.Credentials["username"], secret); err != nil {
				return LegacyBatch{}, authRejected(HuaweiID, err)
			}
			return h.sync(ctx, mode, knownPlantIDs)
		},
	}
}

type huawei struct {
	client *httpclient.Client
	xsrf   string
}

func (h *huawei) login(ctx context.Context, username, systemCode string) error {
	resp, err := h.client.Do(ctx, http.MethodPost, "/thirdData/login", httpclient.Options{
		Body: map[string]string{"userName": username, "systemCode": systemCode},
	})
	if err != nil {
		return err
	}
	if _, err := h.check(resp.Body); err != nil {
		return err
	}
	h.xsrf = resp.Header.Get("xsrf-token")
	if h.xsrf == "" {
		for _, c := range resp.Cookies {
			if strings.EqualFold(c.Name, "xsrf-token") {
				h.xsrf = c.Value
			}
		}
	}
	if h.xsrf == "" {
		return perr.New(perr.CategoryAuth, HuaweiID, "login response did not include an xsrf-token")
	}
	return nil
}

func (h *huawei) check(body []byte) (gjson.Result, error) {
	r, err := parseBody(HuaweiID, body)
	if err != nil {
		return gjson.Result{}, err
	}
	if r.Get("success").Bool() {
		return r, nil
	}
	code := r.Get("failCode").String()
	msg := r.Get("message").String()
	if msg == "" {
		msg = "request failed with failCode " + code
	}
	switch code {
	case "305":
		return r, perr.New(perr.CategoryAuth, HuaweiID, msg)
	case "407":
		return r, perr.New(perr.CategoryRateLimit, HuaweiID, msg)
	}
	return r, perr.Normalize(msg, HuaweiID, perr.WithProviderCode(code))
}

func (h *huawei) post(ctx context.Context, path string, body any) (gjson.Result, error) {
	resp, err := h.client.Do(ctx, http.MethodPost, path, httpclient.Options{
		Body:    body,
		Headers: map[string]string{"xsrf-token": h.xsrf},
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return h.check(resp.Body)
}

func (h *huawei) sync(ctx context.Context, mode types.SyncMode, knownPlantIDs []string) (LegacyBatch, error) {
	var batch LegacyBatch
	if mode != types.SyncModeMetrics {
		r, err := h.post(ctx, "/thirdData/getStationList", map[string]any{})
		if err != nil {
			return LegacyBatch{}, fmt.Errorf("listing stations: %w", err)
		}
		for _, st := range r.Get("data").Array() {
			batch.Plants = append(batch.Plants, huaweiPlant(st))
		}
	}
	if mode != types.SyncModeMetrics && mode != types.SyncModeFull {
		return batch, nil
	}

	batch.Metrics = make(map[string]types.DailyMetrics)
	batch.Errors = make(map[string]error)
	for start := 0; start < len(knownPlantIDs); start += huaweiKpiBatch {
		end := min(start+huaweiKpiBatch, len(knownPlantIDs))
		ids := knownPlantIDs[start:end]
		r, err := h.post(ctx, "/thirdData/getStationRealKpi", map[string]string{"stationCodes": strings.Join(ids, ",")})
		if err != nil {
			for _, id := range ids {
				batch.Errors[id] = err
			}
			continue
		}
		byCode := map[string]gjson.Result{}
		for _, kpi := range r.Get("data").Array() {
			byCode[kpi.Get("stationCode").String()] = kpi
		}
		for _, id := range ids {
			kpi, ok := byCode[id]
			if !ok {
				batch.Metrics[id] = types.EmptyMetrics(types.MetricsReasonNoData, "station not in kpi response")
				continue
			}
			batch.Metrics[id] = huaweiMetrics(kpi)
		}
	}
	return batch, nil
}

func huaweiPlant(st gjson.Result) types.NormalizedPlant {
	return types.NormalizedPlant{
		ExternalID: st.Get("stationCode").String(),
		Name:       st.Get("stationName").String(),
		CapacityKW: scale(number(st.Get("capacity")), 1000),
		Address:    st.Get("stationAddr").String(),
		Status:     types.PlantStatusUnknown,
		Metadata:   object(st),
	}
}

func huaweiMetrics(kpi gjson.Result) types.DailyMetrics {
	items := kpi.Get("dataItemMap")
	m := types.DailyMetrics{
		EnergyKWh:      number(items.Get("day_power")),
		TotalEnergyKWh: number(items.Get("total_power")),
		Raw:            json.RawMessage(kpi.Raw),
	}
	if !m.HasData() {
		empty := types.EmptyMetrics(types.MetricsReasonNoData, "")
		empty.Raw = m.Raw
		return empty
	}
	if hs := items.Get("real_health_state"); hs.Exists() {
		m.Metadata = map[string]any{"realHealthState": hs.Value()}
	}
	return m
}
