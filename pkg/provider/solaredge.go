package provider

import (
	"context"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/types"
	"github.com/tidwall/gjson"
)

const (
	SolarEdgeID         = "solaredge"
	solaredgeDefaultURL = "https://monitoringapi.solaredge.com"
	solaredgePageSize   = 100
)

// SolarEdge talks to the monitoring API with an account API key. The keys
// issued to installers only cover site listings, so metrics are reported as
// blocked instead of being requested.
type SolarEdge struct {
	cfg    Config
	client *httpclient.Client
}

// NewSolarEdge returns a SolarEdge adapter.
func NewSolarEdge(cfg Config) *SolarEdge {
	return &SolarEdge{
		cfg:    cfg,
		client: cfg.client(SolarEdgeID, solaredgeDefaultURL),
	}
}

func (s *SolarEdge) Info() types.ProviderInfo {
	return types.ProviderInfo{
		ID:   SolarEdgeID,
		Name: "SolarEdge",
		Credentials: []types.CredentialField{
			{Field: "apiKey", Name: "API Key", Type: "password", Required: true},
		},
		Sessionless: true,
	}
}

func (s *SolarEdge) ValidateCredentials(creds types.Credentials) error {
	return validateFields(s.Info(), creds)
}

func (s *SolarEdge) listSites(ctx context.Context, apiKey string, startIndex, size int) (gjson.Result, error) {
	resp, err := s.client.Do(ctx, http.MethodGet, "/sites/list", httpclient.Options{
		Query: url.Values{
			"api_key":    {apiKey},
			"size":       {strconv.Itoa(size)},
			"startIndex": {strconv.Itoa(startIndex)},
		},
	})
	if err != nil {
		return gjson.Result{}, err
	}
	return parseBody(SolarEdgeID, resp.Body)
}

func (s *SolarEdge) Authenticate(ctx context.Context, creds types.Credentials) (types.AuthResult, error) {
	if err := s.ValidateCredentials(creds); err != nil {
		return types.AuthResult{}, err
	}
	if _, err := s.listSites(ctx, creds["apiKey"], 0, 1); err != nil {
		return types.AuthResult{}, authRejected(SolarEdgeID, err)
	}
	return types.AuthResult{
		Credentials: types.Credentials{"apiKey": creds["apiKey"]},
		Tokens:      types.Tokens{},
	}, nil
}

func (s *SolarEdge) FetchPlants(ctx context.Context, auth types.AuthResult) ([]types.NormalizedPlant, error) {
	return paginate(ctx, solaredgePageSize, func(ctx context.Context, page int) ([]types.NormalizedPlant, int, error) {
		r, err := s.listSites(ctx, auth.Credentials["apiKey"], (page-1)*solaredgePageSize, solaredgePageSize)
		if err != nil {
			return nil, 0, err
		}
		var plants []types.NormalizedPlant
		for _, site := range r.Get("sites.site").Array() {
			plants = append(plants, solaredgePlant(site))
		}
		return plants, int(r.Get("sites.count").Int()), nil
	})
}

func solaredgePlant(site gjson.Result) types.NormalizedPlant {
	status := types.PlantStatusUnknown
	switch strings.ToLower(site.Get("status").String()) {
	case "active":
		status = types.PlantStatusNormal
	case "pending", "disabled":
		status = types.PlantStatusOffline
	}
	var addr []string
	for _, k := range []string{"location.address", "location.city", "location.country"} {
		if v := site.Get(k).String(); v != "" {
			addr = append(addr, v)
		}
	}
	return types.NormalizedPlant{
		ExternalID: site.Get("id").String(),
		Name:       site.Get("name").String(),
		CapacityKW: number(site.Get("peakPower")),
		Address:    strings.Join(addr, ", "),
		Status:     status,
		Metadata:   object(site),
	}
}

// FetchMetrics never calls the vendor: the account key is not entitled to
// energy data.
func (s *SolarEdge) FetchMetrics(_ context.Context, _ types.AuthResult, _ string) (types.DailyMetrics, error) {
	return types.EmptyMetrics(types.MetricsReasonBlocked, "SolarEdge API key is limited to site listings"), nil
}
