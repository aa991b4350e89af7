package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/log"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/raterudder/solarsync/pkg/redact"
	"github.com/raterudder/solarsync/pkg/signing"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/tidwall/gjson"
)

const (
	GrowattID         = "growatt"
	growattDefaultURL = "https://server.growatt.com"
	growattLoginPath  = "/login"
)

// Growatt talks to the ShineServer web API, which only knows browser cookie
// sessions. The session is dropped without notice, so the hashed password is
// kept as the reauth_secret token and used to log in again.
type Growatt struct {
	cfg    Config
	client *httpclient.Client

	mu      sync.Mutex
	cookie  string
	renewed types.Tokens
}

// NewGrowatt returns a Growatt adapter.
func NewGrowatt(cfg Config) *Growatt {
	return &Growatt{
		cfg:    cfg,
		client: cfg.client(GrowattID, growattDefaultURL),
	}
}

func (g *Growatt) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:   GrowattID,
		Name: "Growatt ShineServer",
		Credentials: []types.CredentialField{
			{Field: "username", Name: "Username", Type: "string", Required: true},
			{Field: "password", Name: "Password", Type: "password", Required: true},
		},
		RetainsReauthSecret: true,
	}
}

func (g *Growatt) ValidateCredentials(creds types.Credentials) error {
	return validateFields(g.Info(), creds)
}

// login posts the hashed password and returns the session cookie header.
func (g *Growatt) login(ctx context.Context, username, hash string) (string, error) {
	resp, err := g.client.Do(ctx, http.MethodPost, growattLoginPath, httpclient.Options{
		Form: url.Values{
			"account":      {username},
			"password":     {hash},
			"validateCode": {""},
			"isReadPact":   {"0"},
		},
	})
	if err != nil {
		return "", err
	}
	r, err := parseBody(GrowattID, resp.Body)
	if err != nil {
		return "", err
	}
	if r.Get("result").Int() != 1 {
		msg := r.Get("msg").String()
		if msg == "" {
			msg = "login rejected with result " + r.Get("result").String()
		}
		return "", perr.Normalize(msg, GrowattID, perr.WithProviderCode(r.Get("result").String()))
	}
	pairs := make([]string, 0, len(resp.Cookies))
	for _, c := range resp.Cookies {
		if c.Value != "" {
			pairs = append(pairs, c.Name+"="+c.Value)
		}
	}
	if len(pairs) == 0 {
		return "", perr.New(perr.CategoryAuth, GrowattID, "login succeeded but no cookies were set")
	}
	log.Ctx(ctx).DebugContext(ctx, "growatt login success", slog.String("username", username))
	return strings.Join(pairs, "; "), nil
}

func (g *Growatt) Authenticate(ctx context.Context, creds types.Credentials) (types.AuthResult, error) {
	if err := g.ValidateCredentials(creds); err != nil {
		return types.AuthResult{}, err
	}
	hash := signing.GrowattPassword(creds["password"])
	cookie, err := g.login(ctx, creds["username"], hash)
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "growatt login failed", slog.Any("error", err))
		return types.AuthResult{}, authRejected(GrowattID, err)
	}
	return g.session(creds["username"], cookie, hash), nil
}

func (g *Growatt) session(username, cookie, hash string) types.AuthResult {
	g.mu.Lock()
	g.cookie = cookie
	g.mu.Unlock()
	return types.AuthResult{
		Credentials: types.Credentials{"username": username},
		Tokens:      types.Tokens{"cookie": cookie, redact.ReauthSecretKey: hash},
	}
}

// RefreshToken logs in again with the retained password hash.
func (g *Growatt) RefreshToken(ctx context.Context, tokens types.Tokens, creds types.Credentials) (types.AuthResult, error) {
	hash := tokens[redact.ReauthSecretKey]
	if hash == "" {
		return types.AuthResult{}, perr.New(perr.CategoryAuth, GrowattID, "no stored secret to log in again, reconnect required")
	}
	cookie, err := g.login(ctx, creds["username"], hash)
	if err != nil {
		return types.AuthResult{}, authRejected(GrowattID, err)
	}
	return g.session(creds["username"], cookie, hash), nil
}

// RenewedTokens returns the session established by a mid-sync login.
func (g *Growatt) RenewedTokens() (types.Tokens, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.renewed, g.renewed != nil
}

func (g *Growatt) currentCookie(auth types.AuthResult) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cookie == "" {
		g.cookie = auth.Tokens["cookie"]
	}
	return g.cookie
}

// post sends a form request with the session cookie. We try up to 2 times
// because the session may have been dropped, which shows up as a login page
// or an explicit auth failure.
func (g *Growatt) post(ctx context.Context, auth types.AuthResult, path string, query, form url.Values) (gjson.Result, error) {
	var lastErr error
	for i := 0; i < 2; i++ {
		cookie := g.currentCookie(auth)
		if cookie == "" {
			return gjson.Result{}, perr.New(perr.CategoryAuth, GrowattID, "no cookies in stored session")
		}
		r, err := g.postOnce(ctx, path, query, form, cookie)
		if err == nil {
			return r, nil
		}
		lastErr = err
		cat := perr.CategoryOf(err)
		if i > 0 || (cat != perr.CategoryParse && cat != perr.CategoryAuth) {
			break
		}
		hash := auth.Tokens[redact.ReauthSecretKey]
		if hash == "" {
			break
		}
		log.Ctx(ctx).DebugContext(ctx, "growatt session expired", slog.String("path", path), slog.Any("error", err))
		cookie, err = g.login(ctx, auth.Credentials["username"], hash)
		if err != nil {
			return gjson.Result{}, authRejected(GrowattID, err)
		}
		renewed := g.session(auth.Credentials["username"], cookie, hash)
		g.mu.Lock()
		g.renewed = renewed.Tokens
		g.mu.Unlock()
	}
	return gjson.Result{}, lastErr
}

func (g *Growatt) postOnce(ctx context.Context, path string, query, form url.Values, cookie string) (gjson.Result, error) {
	if form == nil {
		form = url.Values{}
	}
	resp, err := g.client.Do(ctx, http.MethodPost, path, httpclient.Options{
		Form:    form,
		Query:   query,
		Headers: map[string]string{"Cookie": cookie},
	})
	if err != nil {
		return gjson.Result{}, err
	}
	r, err := parseBody(GrowattID, resp.Body)
	if err != nil {
		return gjson.Result{}, err
	}
	if res := r.Get("result"); res.Exists() && res.Int() != 1 {
		msg := r.Get("msg").String()
		if msg == "" {
			msg = "request failed with result " + res.String()
		}
		return r, perr.Normalize(msg, GrowattID, perr.WithProviderCode(res.String()))
	}
	return r, nil
}

func (g *Growatt) FetchPlants(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	return paginate(ctx, 0, func(ctx context.Context, page int) ([]types.NormalizedPlant, int, error) {
		r, err := g.post(ctx, auth, "/selectPlant/getPlantList", nil, url.Values{
			"currPage":  {strconv.Itoa(page)},
			"plantType": {"-1"},
			"orderType": {"1"},
		})
		if err != nil {
			return nil, 0, err
		}
		var plants []types.NormalizedPlant
		for _, p := range r.Get("datas").Array() {
			plants = append(plants, growattPlant(p))
		}
		return plants, int(r.Get("count").Int()), nil
	})
}

func growattPlant(p gjson.Result) types.NormalizedPlant {
	status := types.PlantStatusUnknown
	switch p.Get("status").String() {
	case "1":
		status = types.PlantStatusNormal
	case "2":
		status = types.PlantStatusAlarm
	case "3", "0":
		status = types.PlantStatusOffline
	}
	return types.NormalizedPlant{
		ExternalID: p.Get("id").String(),
		Name:       p.Get("plantName").String(),
		CapacityKW: toKW(number(p.Get("nominalPower")), "W"),
		Address:    p.Get("plantAddress").String(),
		Latitude:   number(p.Get("lat")),
		Longitude:  number(p.Get("lng")),
		Status:     status,
		Metadata:   object(p),
	}
}

func (g *Growatt) FetchMetrics(ctx context.Context, auth types.AuthResult, externalPlantID string) (types.DailyMetrics, error) {
	r, err := g.post(ctx, auth, "/panel/getPlantData", url.Values{"plantId": {externalPlantID}}, nil)
	if err != nil {
		if isNoData(err) {
			return types.EmptyMetrics(types.MetricsReasonNoData, perr.Normalize(err, GrowattID).Message), nil
		}
		return types.DailyMetrics{}, err
	}
	obj := r.Get("obj")
	if !obj.IsObject() {
		return types.EmptyMetrics(types.MetricsReasonNoData, "plant data returned no object"), nil
	}
	m := types.DailyMetrics{
		PowerKW:        toKW(number(obj.Get("pac")), "W"),
		EnergyKWh:      number(obj.Get("eToday")),
		TotalEnergyKWh: number(obj.Get("eTotal")),
		Raw:            json.RawMessage(obj.Raw),
	}
	if !m.HasData() {
		empty := types.EmptyMetrics(types.MetricsReasonNoData, "")
		empty.Raw = m.Raw
		return empty, nil
	}
	return m, nil
}

func (g *Growatt) FetchDevices(ctx context.Context, auth types.AuthResult) ([]types.NormalizedDeviceGroup, error) {
	plants, err := g.FetchPlants(ctx, auth)
	if err != nil {
		return nil, err
	}
	groups := make([]types.NormalizedDeviceGroup, 0, len(plants))
	for _, p := range plants {
		var done bool
		devices, err := paginate(ctx, 0, func(ctx context.Context, page int) ([]types.NormalizedDevice, int, error) {
			if done {
				return nil, 0, nil
			}
			r, err := g.post(ctx, auth, "/panel/getDevicesByPlantList", nil, url.Values{
				"plantId":  {p.ExternalID},
				"currPage": {strconv.Itoa(page)},
			})
			if err != nil {
				return nil, 0, err
			}
			var out []types.NormalizedDevice
			for _, d := range r.Get("obj.datas").Array() {
				out = append(out, growattDevice(d))
			}
			// the vendor reports a page count rather than an item total
			pages := int(r.Get("obj.pages").Int())
			done = pages <= page
			return out, 0, nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing devices of plant %s: %w", p.ExternalID, err)
		}
		groups = append(groups, types.NormalizedDeviceGroup{StationID: p.ExternalID, Devices: devices})
	}
	return groups, nil
}

func growattDevice(d gjson.Result) types.NormalizedDevice {
	status := types.DeviceStatusUnknown
	switch {
	case d.Get("lost").Bool():
		status = types.DeviceStatusOffline
	case d.Get("status").String() == "1":
		status = types.DeviceStatusOnline
	case d.Get("status").String() == "3":
		status = types.DeviceStatusAlarm
	}
	typ := strings.ToLower(d.Get("deviceTypeName").String())
	if typ == "" {
		typ = "inverter"
	}
	return types.NormalizedDevice{
		ProviderDeviceID: d.Get("sn").String(),
		Type:             typ,
		Model:            d.Get("deviceModel").String(),
		Serial:           d.Get("sn").String(),
		Status:           status,
		Metadata:         object(d),
	}
}
