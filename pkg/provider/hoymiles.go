package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/signing"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/tidwall/gjson"
)

const (
	HoymilesID         = "hoymiles"
	hoymilesDefaultURL = "https://neapi.hoymiles.com"
	hoymilesPageSize   = 50
)

// Hoymiles talks to the S-Miles cloud. Its tokens carry no expiry and there is
// no refresh call, so a rejected token means the user has to reconnect.
type Hoymiles struct {
	cfg    Config
	client *httpclient.Client
}

// NewHoymiles returns a Hoymiles adapter.
func NewHoymiles(cfg Config) *Hoymiles {
	return &Hoymiles{
		cfg:    cfg,
		client: cfg.client(HoymilesID, hoymilesDefaultURL),
	}
}

func (h *Hoymiles) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:   HoymilesID,
		Name: "Hoymiles S-Miles",
		Credentials: []types.CredentialField{
			{Field: "username", Name: "Username", Type: "string", Required: true},
			{Field: "password", Name: "Password", Type: "password", Required: true},
		},
	}
}

func (h *Hoymiles) ValidateCredentials(creds types.Credentials) error {
	return validateFields(h.Info(), creds)
}

func (h *Hoymiles) post(ctx context.Context, path, token string, body any) (gjson.Result, error) {
	opts := httpclient.Options{Body: body}
	if token != "" {
		opts.Headers = map[string]string{"Authorization": token}
	}
	resp, err := h.client.Do(ctx, http.MethodPost, path, opts)
	if err != nil {
		return gjson.Result{}, err
	}
	r, err := parseBody(HoymilesID, resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	switch status := r.Get("status").String(); status {
	case "0":
		return r, nil
	case "100", "101":
		msg := r.Get("message").String()
		if msg == "" {
			msg = "token rejected"
		}
		return r, perr.New(perr.CategoryAuth, HoymilesID, msg)
	default:
		msg := r.Get("message").String()
		if msg == "" {
			msg = "request failed with status " + status
		}
		return r, perr.Normalize(msg, HoymilesID, perr.WithProviderCode(status))
	}
}

func (h *Hoymiles) Authenticate(ctx context.Context, creds types.Credentials) (types.AuthResult, error) {
	if err := h.ValidateCredentials(creds); err != nil {
		return types.AuthResult{}, err
	}
	r, err := h.post(ctx, "/iam/pub/0/auth/login", "", map[string]string{
		"user_name": creds["username"],
		"password":  signing.HoymilesPassword(creds["password"]),
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "hoymiles login failed", slog.Any("error", err))
		return types.AuthResult{}, authRejected(HoymilesID, err)
	}
	token := r.Get("data.token").String()
	if token == "" {
		return types.AuthResult{}, perr.New(perr.CategoryAuth, HoymilesID, "login response did not include a token")
	}
	return types.AuthResult{
		Credentials: types.Credentials{"username": creds["username"]},
		Tokens:      types.Tokens{"token": token},
	}, nil
}

func (h *Hoymiles) FetchPlants(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	token := auth.Tokens["token"]
	return paginate(ctx, hoymilesPageSize, func(ctx context.Context, page int) ([]types.NormalizedPlant, int, error) {
		r, err := h.post(ctx, "/pvm/api/0/station/select_by_page", token, map[string]int{"page": page, "page_size": hoymilesPageSize})
		if err != nil {
			return nil, 0, err
		}
		var plants []types.NormalizedPlant
		for _, st := range r.Get("data.list").Array() {
			plants = append(plants, hoymilesPlant(st))
		}
		return plants, int(r.Get("data.total").Int()), nil
	})
}

func hoymilesPlant(st gjson.Result) types.NormalizedPlant {
	status := types.PlantStatusUnknown
	switch st.Get("status").Int() {
	case 40:
		status = types.PlantStatusNormal
	case 50:
		status = types.PlantStatusAlarm
	case 20, 30:
		status = types.PlantStatusNoCommunication
	}
	return types.NormalizedPlant{
		ExternalID: st.Get("id").String(),
		Name:       st.Get("name").String(),
		CapacityKW: number(st.Get("capacitor")),
		Address:    st.Get("address").String(),
		Status:     status,
		Metadata:   object(st),
	}
}

func (h *Hoymiles) FetchMetrics(ctx context.Context, auth types.AuthResult, externalPlantID string) (types.DailyMetrics, error) {
	r, err := h.post(ctx, "/pvm-data/api/0/station/data/count_station_real_data", auth.Tokens["token"], map[string]any{
		"sid": numericID(externalPlantID),
	})
	if err != nil {
		if isNoData(err) {
			return types.EmptyMetrics(types.MetricsReasonNoData, perr.Normalize(err, HoymilesID).Message), nil
		}
		return types.DailyMetrics{}, err
	}
	data := r.Get("data")
	m := types.DailyMetrics{
		PowerKW:        toKW(number(data.Get("real_power")), "W"),
		EnergyKWh:      toKWh(number(data.Get("today_eq")), "Wh"),
		TotalEnergyKWh: toKWh(number(data.Get("total_eq")), "Wh"),
		Raw:            json.RawMessage(data.Raw),
	}
	if !m.HasData() {
		empty := types.EmptyMetrics(types.MetricsReasonNoData, "")
		empty.Raw = m.Raw
		return empty, nil
	}
	if ts := data.Get("data_time"); ts.Exists() {
		m.Metadata = map[string]any{"dataTime": ts.String()}
	}
	return m, nil
}
