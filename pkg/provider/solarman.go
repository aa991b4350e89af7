package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/redact"
	"github.com/raterudder/solarsync/pkg/signing"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/tidwall/gjson"
)

const (
	SolarmanID         = "solarman"
	solarmanDefaultURL = "https://globalapi.solarmanpv.com"
	solarmanDefaultTTL = 7200 * time.Second
	solarmanPageSize   = 100
)

// Solarman talks to the Solarman OpenAPI. The login exchanges a SHA-256
// password hash for a bearer token with a reported lifetime; there is no
// refresh endpoint, so refreshing logs in again with the stored hash.
type Solarman struct {
	cfg    Config
	client *httpclient.Client
}

// NewSolarman returns a Solarman adapter.
func NewSolarman(cfg Config) *Solarman {
	return &Solarman{
		cfg:    cfg,
		client: cfg.client(SolarmanID, solarmanDefaultURL),
	}
}

func (s *Solarman) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:   SolarmanID,
		Name: "Solarman",
		Credentials: []types.CredentialField{
			{Field: "appId", Name: "App ID", Type: "string", Required: true},
			{Field: "appSecret", Name: "App Secret", Type: "password", Required: true},
			{Field: "email", Name: "Email", Type: "string", Required: true},
			{
				Field:       "password",
				Name:        "Password",
				Type:        "password",
				Required:    true,
				Description: "Only a SHA-256 hash of the password is kept.",
			},
		},
		RetainsReauthSecret: true,
	}
}

func (s *Solarman) ValidateCredentials(creds types.Credentials) error {
	return validateFields(s.Info(), creds)
}

func (s *Solarman) post(ctx context.Context, path string, body any, token string) (gjson.Result, error) {
	opts := httpclient.Options{
		Body:  body,
		Query: url.Values{"language": {"en"}},
	}
	if token != "" {
		opts.Headers = map[string]string{"Authorization": "bearer " + token}
	}
	return s.do(ctx, path, opts)
}

func (s *Solarman) do(ctx context.Context, path string, opts httpclient.Options) (gjson.Result, error) {
	resp, err := s.client.Do(ctx, http.MethodPost, path, opts)
	if err != nil {
		return gjson.Result{}, err
	}
	r, err := parseBody(SolarmanID, resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if !r.Get("success").Bool() {
		return r, perr.Normalize(resp.Body, SolarmanID)
	}
	return r, nil
}

func (s *Solarman) Authenticate(ctx context.Context, creds types.Credentials) (types.AuthResult, error) {
	if err := s.ValidateCredentials(creds); err != nil {
		return types.AuthResult{}, err
	}
	return s.login(ctx, creds, signing.SHA256Hex(creds["password"]))
}

// RefreshToken logs in again with the retained hash; Solarman has no refresh
// grant.
func (s *Solarman) RefreshToken(ctx context.Context, tokens types.Tokens, creds types.Credentials) (types.AuthResult, error) {
	hash := tokens[redact.ReauthSecretKey]
	if hash == "" {
		return types.AuthResult{}, perr.New(perr.CategoryAuth, SolarmanID, "no stored secret to log in again, reconnect required")
	}
	return s.login(ctx, creds, hash)
}

func (s *Solarman) login(ctx context.Context, creds types.Credentials, hash string) (types.AuthResult, error) {
	r, err := s.do(ctx, "/account/v1.0/token", httpclient.Options{
		Query: url.Values{"appId": {creds["appId"]}, "language": {"en"}},
		Body: map[string]string{
			"appSecret": creds["appSecret"],
			"email":     creds["email"],
			"password":  hash,
		},
	})
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "solarman login failed", slog.Any("error", err))
		return types.AuthResult{}, authRejected(SolarmanID, err)
	}
	token := r.Get("access_token").String()
	if token == "" {
		return types.AuthResult{}, perr.New(perr.CategoryAuth, SolarmanID, "login response did not include an access token")
	}

	ttl := solarmanDefaultTTL
	if n := r.Get("expires_in").Int(); n > 0 {
		ttl = time.Duration(n) * time.Second
	}
	tokens := types.Tokens{
		"access_token":         token,
		"token_type":           r.Get("token_type").String(),
		redact.ReauthSecretKey: hash,
	}
	tokens.SetExpiry(s.cfg.now(), ttl)
	log.Ctx(ctx).DebugContext(ctx, "solarman login success", slog.String("email", creds["email"]), slog.Duration("ttl", ttl))

	return types.AuthResult{
		Credentials: types.Credentials{
			"appId":     creds["appId"],
			"appSecret": creds["appSecret"],
			"email":     creds["email"],
		},
		Tokens: tokens,
	}, nil
}

func (s *Solarman) FetchPlants(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	token := auth.Tokens["access_token"]
	return paginate(ctx, solarmanPageSize, func(ctx context.Context, page int) ([]types.NormalizedPlant, int, error) {
		r, err := s.post(ctx, "/station/v1.0/list", map[string]int{"page": page, "size": solarmanPageSize}, token)
		if err != nil {
			return nil, 0, err
		}
		var plants []types.NormalizedPlant
		for _, st := range r.Get("stationList").Array() {
			plants = append(plants, solarmanPlant(st))
		}
		return plants, int(r.Get("total").Int()), nil
	})
}

func solarmanPlant(st gjson.Result) types.NormalizedPlant {
	status := types.PlantStatusUnknown
	switch strings.ToUpper(st.Get("networkStatus").String()) {
	case "NORMAL":
		status = types.PlantStatusNormal
	case "ALL_OFFLINE":
		status = types.PlantStatusOffline
	case "PARTIAL_OFFLINE":
		status = types.PlantStatusNoCommunication
	}
	if st.Get("warningStatus").Bool() && status == types.PlantStatusNormal {
		status = types.PlantStatusAlarm
	}
	return types.NormalizedPlant{
		ExternalID: st.Get("id").String(),
		Name:       st.Get("name").String(),
		CapacityKW: number(st.Get("installedCapacity")),
		Address:    st.Get("locationAddress").String(),
		Latitude:   number(st.Get("locationLat")),
		Longitude:  number(st.Get("locationLng")),
		Status:     status,
		Metadata:   object(st),
	}
}

func (s *Solarman) FetchMetrics(ctx context.Context, auth types.AuthResult, externalPlantID string) (types.DailyMetrics, error) {
	r, err := s.post(ctx, "/station/v1.0/realTime", map[string]any{"stationId": numericID(externalPlantID)}, auth.Tokens["access_token"])
	if err != nil {
		if isNoData(err) {
			return types.EmptyMetrics(types.MetricsReasonNoData, perr.Normalize(err, SolarmanID).Message), nil
		}
		return types.DailyMetrics{}, err
	}
	m := types.DailyMetrics{
		PowerKW:        toKW(number(r.Get("generationPower")), "W"),
		EnergyKWh:      number(r.Get("generationValue")),
		TotalEnergyKWh: number(r.Get("generationTotal")),
		Raw:            json.RawMessage(r.Raw),
	}
	if !m.HasData() {
		empty := types.EmptyMetrics(types.MetricsReasonNoData, "")
		empty.Raw = m.Raw
		return empty, nil
	}
	if ts := r.Get("lastUpdateTime"); ts.Exists() {
		m.Metadata = map[string]any{"lastUpdateTime": ts.Value()}
	}
	return m, nil
}

func (s *Solarman) FetchDevices(ctx context.Context, auth types.AuthResult) ([]types.NormalizedDeviceGroup, error) {
	plants, err := s.FetchPlants(ctx, auth)
	if err != nil {
		return nil, err
	}
	token := auth.Tokens["access_token"]
	groups := make([]types.NormalizedDeviceGroup, 0, len(plants))
	for _, p := range plants {
		devices, err := paginate(ctx, solarmanPageSize, func(ctx context.Context, page int) ([]types.NormalizedDevice, int, error) {
			r, err := s.post(ctx, "/station/v1.0/device", map[string]any{
				"stationId": numericID(p.ExternalID),
				"page":      page,
				"size":      solarmanPageSize,
			}, token)
			if err != nil {
				return nil, 0, err
			}
			var out []types.NormalizedDevice
			for _, d := range r.Get("deviceListItems").Array() {
				out = append(out, solarmanDevice(d))
			}
			return out, int(r.Get("total").Int()), nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing devices of station %s: %w", p.ExternalID, err)
		}
		groups = append(groups, types.NormalizedDeviceGroup{StationID: p.ExternalID, Devices: devices})
	}
	return groups, nil
}

func solarmanDevice(d gjson.Result) types.NormalizedDevice {
	status := types.DeviceStatusUnknown
	switch cs := d.Get("connectStatus"); {
	case !cs.Exists():
	case cs.Int() == 1:
		status = types.DeviceStatusOnline
	case cs.Int() == 0:
		status = types.DeviceStatusOffline
	case cs.Int() == 2:
		status = types.DeviceStatusAlarm
	}
	return types.NormalizedDevice{
		ProviderDeviceID: d.Get("deviceId").String(),
		Type:             strings.ToLower(d.Get("deviceType").String()),
		Serial:           d.Get("deviceSn").String(),
		Status:           status,
		Metadata:         object(d),
	}
}
