package types

import (
	"encoding/json"
	"time"
)

// PlantStatus is the normalized state of a plant.
type PlantStatus string

const (
	PlantStatusNormal          PlantStatus = "normal"
	PlantStatusOffline         PlantStatus = "offline"
	PlantStatusAlarm           PlantStatus = "alarm"
	PlantStatusNoCommunication PlantStatus = "no_communication"
	PlantStatusUnknown         PlantStatus = "unknown"
)

// NormalizedPlant is one physical installation as reported by a vendor.
type NormalizedPlant struct {
	ExternalID string         `json:"external_id"`
	Name       string         `json:"name"`
	CapacityKW *float64       `json:"capacity_kw,omitempty"`
	Address    string         `json:"address,omitempty"`
	Latitude   *float64       `json:"latitude,omitempty"`
	Longitude  *float64       `json:"longitude,omitempty"`
	Status     PlantStatus    `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// DeviceStatus is the normalized state of a device.
type DeviceStatus string

const (
	DeviceStatusOnline  DeviceStatus = "online"
	DeviceStatusOffline DeviceStatus = "offline"
	DeviceStatusAlarm   DeviceStatus = "alarm"
	DeviceStatusUnknown DeviceStatus = "unknown"
)

// NormalizedDevice is an inverter, logger, gateway or meter.
type NormalizedDevice struct {
	ProviderDeviceID string         `json:"provider_device_id"`
	Type             string         `json:"type"`
	Model            string         `json:"model,omitempty"`
	Serial           string         `json:"serial,omitempty"`
	Status           DeviceStatus   `json:"status"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// NormalizedDeviceGroup holds the devices of one vendor station.
type NormalizedDeviceGroup struct {
	StationID string             `json:"station_id"`
	Devices   []NormalizedDevice `json:"devices"`
}

// Severity is the canonical alarm severity.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityCritical Severity = "critical"
)

// NormalizedAlarm is a vendor alarm event. IsOpen is true iff EndsAt is nil.
type NormalizedAlarm struct {
	ProviderEventID  string         `json:"provider_event_id"`
	ProviderPlantID  string         `json:"provider_plant_id"`
	ProviderDeviceID string         `json:"provider_device_id,omitempty"`
	Severity         Severity       `json:"severity"`
	Type             string         `json:"type"`
	Title            string         `json:"title"`
	Message          string         `json:"message,omitempty"`
	StartsAt         time.Time      `json:"starts_at"`
	EndsAt           *time.Time     `json:"ends_at,omitempty"`
	IsOpen           bool           `json:"is_open"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Metadata keys set on DailyMetrics.
const (
	MetricsReasonKey     = "reason"
	MetricsReasonNoData  = "no_data"
	MetricsReasonBlocked = "blocked"
)

// DailyMetrics is the production summary of one plant for one day.
type DailyMetrics struct {
	PowerKW        *float64       `json:"power_kw"`
	EnergyKWh      *float64       `json:"energy_kwh"`
	TotalEnergyKWh *float64       `json:"total_energy_kwh"`
	Metadata       map[string]any `json:"metadata,omitempty"`

	// Raw is the vendor payload the values were read from, kept for the
	// append-only audit trail. It is never part of the upserted record.
	Raw json.RawMessage `json:"-"`
}

// EmptyMetrics returns all-null metrics tagged with reason.
func EmptyMetrics(reason string, detail string) DailyMetrics {
	md := map[string]any{MetricsReasonKey: reason}
	if detail != "" {
		md["detail"] = detail
	}
	return DailyMetrics{Metadata: md}
}

// Reason returns the reason marker, empty when the metrics carry data.
func (m DailyMetrics) Reason() string {
	r, _ := m.Metadata[MetricsReasonKey].(string)
	return r
}

// Blocked reports whether the vendor refused metrics for this account.
func (m DailyMetrics) Blocked() bool {
	return m.Reason() == MetricsReasonBlocked
}

// HasData reports whether any value is present.
func (m DailyMetrics) HasData() bool {
	return m.PowerKW != nil || m.EnergyKWh != nil || m.TotalEnergyKWh != nil
}

// Float returns a pointer to v, for optional numeric fields.
func Float(v float64) *float64 {
	return &v
}
