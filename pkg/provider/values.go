package provider

import (
	"bytes"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/solarsync/pkg/httpclient"
	"github.com/raterudder/solarsync/pkg/perr"
	"github.com/tidwall/gjson"
)

// number reads a numeric field that vendors send either as a JSON number or as
// a string. Missing, empty and non-numeric values are nil.
func number(r gjson.Result) *float64 {
	switch r.Type {
	case gjson.Number:
		v := r.Float()
		return &v
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		if s == "" {
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		return &v
	}
	return nil
}

func scale(v *float64, factor float64) *float64 {
	if v == nil {
		return nil
	}
	out := *v * factor
	return &out
}

// toKW converts a power value in unit to kW. Unknown units are assumed kW.
func toKW(v *float64, unit string) *float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "w":
		return scale(v, 0.001)
	case "mw":
		return scale(v, 1000)
	case "gw":
		return scale(v, 1e6)
	}
	return v
}

// toKWh converts an energy value in unit to kWh. Unknown units are assumed kWh.
func toKWh(v *float64, unit string) *float64 {
	switch strings.ToLower(strings.TrimSpace(unit)) {
	case "wh":
		return scale(v, 0.001)
	case "mwh":
		return scale(v, 1000)
	case "gwh":
		return scale(v, 1e6)
	}
	return v
}

// object returns r as a generic map for metadata.
func object(r gjson.Result) map[string]any {
	if m, ok := r.Value().(map[string]any); ok {
		return m
	}
	return nil
}

// millis parses a unix-milliseconds timestamp; zero and missing are nil.
func millis(r gjson.Result) *time.Time {
	n := r.Int()
	if n <= 0 {
		return nil
	}
	t := time.UnixMilli(n).UTC()
	return &t
}

var noDataPattern = regexp.MustCompile(`(?i)no (data|record)|data (is )?empty|not yet generated`)

// isNoData reports whether a vendor error only says there is nothing to
// report yet.
func isNoData(err error) bool {
	var pe *perr.Error
	return errors.As(err, &pe) && noDataPattern.MatchString(pe.Message)
}

// parseBody validates a vendor response with the HTTP client's rules and
// returns it for field access. An empty body reads as {}.
func parseBody(provider string, body []byte) (gjson.Result, error) {
	if err := httpclient.Decode(provider, body, nil); err != nil {
		return gjson.Result{}, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return gjson.Parse("{}"), nil
	}
	return gjson.ParseBytes(body), nil
}

// numericID sends numeric ids as JSON numbers, which some vendors insist on.
func numericID(id string) any {
	if n, err := strconv.ParseInt(id, 10, 64); err == nil {
		return n
	}
	return id
}
