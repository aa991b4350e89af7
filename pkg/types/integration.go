package types

import (
	"fmt"
	"time"

	"github.com/raterudder/solarsync/pkg/perr"
)

// IntegrationStatus is derived by the orchestrator after every sync.
type IntegrationStatus string

const (
	StatusConnected         IntegrationStatus = "connected"
	StatusError             IntegrationStatus = "error"
	StatusBlocked           IntegrationStatus = "blocked"
	StatusReconnectRequired IntegrationStatus = "reconnect_required"
)

// Integration links a tenant to a vendor account. Credentials and tokens are
// stored sanitized and sealed.
type Integration struct {
	ID                   string            `json:"id"`
	TenantID             string            `json:"tenantID"`
	Provider             string            `json:"provider"`
	Status               IntegrationStatus `json:"status"`
	EncryptedCredentials []byte            `json:"encryptedCredentials,omitempty"`
	EncryptedTokens      []byte            `json:"encryptedTokens,omitempty"`
	SelectedPlantIDs     []string          `json:"selectedPlantIDs,omitempty"`
	SyncError            string            `json:"syncError,omitempty"`
	LastSyncAt           time.Time         `json:"lastSyncAt,omitzero"`
	CreatedAt            time.Time         `json:"createdAt"`
	UpdatedAt            time.Time         `json:"updatedAt"`
}

// SyncMode selects what a sync fetches.
type SyncMode string

const (
	SyncModeDiscover SyncMode = "discover"
	SyncModePlants   SyncMode = "plants"
	SyncModeMetrics  SyncMode = "metrics"
	SyncModeFull     SyncMode = "full"
)

// ParseSyncMode validates s, defaulting to full when empty.
func ParseSyncMode(s string) (SyncMode, error) {
	switch m := SyncMode(s); m {
	case "":
		return SyncModeFull, nil
	case SyncModeDiscover, SyncModePlants, SyncModeMetrics, SyncModeFull:
		return m, nil
	}
	return "", fmt.Errorf("unknown sync mode: %q", s)
}

// SyncRequest is the input of one sync.
type SyncRequest struct {
	Provider         string   `json:"provider"`
	Mode             SyncMode `json:"mode"`
	SelectedPlantIDs []string `json:"selected_plant_ids,omitempty"`
}

// SyncIssue is a single failed entity operation.
type SyncIssue struct {
	Entity     string        `json:"entity"`
	ExternalID string        `json:"externalID,omitempty"`
	Category   perr.Category `json:"category"`
	Message    string        `json:"message"`
}

func (i SyncIssue) String() string {
	if i.ExternalID == "" {
		return fmt.Sprintf("%s: %s", i.Entity, i.Message)
	}
	return fmt.Sprintf("%s %s: %s", i.Entity, i.ExternalID, i.Message)
}

// SyncResult is returned by every sync.
type SyncResult struct {
	Provider         string            `json:"provider"`
	Mode             SyncMode          `json:"mode"`
	Status           IntegrationStatus `json:"status,omitempty"`
	PlantsUpserted   int               `json:"plantsUpserted"`
	MetricsUpserted  int               `json:"metricsUpserted"`
	DevicesUpserted  int               `json:"devicesUpserted"`
	AlarmsUpserted   int               `json:"alarmsUpserted"`
	Errors           []string          `json:"errors"`
	ErrorCategories  []perr.Category   `json:"errorCategories"`
	DiscoveredPlants []NormalizedPlant `json:"discoveredPlants,omitempty"`
	// StaleToken is set when the sync stopped because the stored token had
	// expired and could not be refreshed.
	StaleToken bool `json:"-"`
}

// ConnectRequest is the input of a connect attempt.
type ConnectRequest struct {
	Provider         string      `json:"provider"`
	Credentials      Credentials `json:"credentials"`
	SelectedPlantIDs []string    `json:"selected_plant_ids,omitempty"`
}

// ConnectResult is returned by a connect attempt.
type ConnectResult struct {
	Success       bool               `json:"success"`
	IntegrationID string             `json:"integration_id,omitempty"`
	Status        IntegrationStatus  `json:"status,omitempty"`
	Health        *HealthCheckResult `json:"health,omitempty"`
	Error         string             `json:"error,omitempty"`
	Category      perr.Category      `json:"category,omitempty"`
}

// BatchEntry is the outcome of one integration in a batch sync.
type BatchEntry struct {
	TenantID string            `json:"tenant"`
	Provider string            `json:"provider"`
	Status   IntegrationStatus `json:"status,omitempty"`
	Errors   []string          `json:"errors"`
}

// BatchResult is returned by the scheduled sync of every active integration.
type BatchResult struct {
	Processed int          `json:"processed"`
	Results   []BatchEntry `json:"results"`
}

// RawPayload is an append-only copy of a vendor response.
type RawPayload struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantID"`
	Provider        string    `json:"provider"`
	PlantExternalID string    `json:"plantExternalID"`
	Kind            string    `json:"kind"`
	Date            string    `json:"date"`
	Payload         []byte    `json:"payload"`
	CapturedAt      time.Time `json:"capturedAt"`
}

// RealtimeReading is a write-once snapshot of a plant's metrics.
type RealtimeReading struct {
	ID              string    `json:"id"`
	TenantID        string    `json:"tenantID"`
	Provider        string    `json:"provider"`
	PlantExternalID string    `json:"plantExternalID"`
	PowerKW         *float64  `json:"powerKW,omitempty"`
	EnergyKWh       *float64  `json:"energyKWh,omitempty"`
	TotalEnergyKWh  *float64  `json:"totalEnergyKWh,omitempty"`
	ReadAt          time.Time `json:"readAt"`
}

// AuditAction names what an audit event records.
type AuditAction string

const (
	AuditConnect AuditAction = "connect"
	AuditSync    AuditAction = "sync"
)

// AuditEvent is written once per connect and once per sync.
type AuditEvent struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenantID"`
	Provider        string            `json:"provider"`
	Action          AuditAction       `json:"action"`
	Mode            SyncMode          `json:"mode,omitempty"`
	Status          IntegrationStatus `json:"status,omitempty"`
	ErrorCount      int               `json:"errorCount"`
	ErrorCategories []perr.Category   `json:"errorCategories,omitempty"`
	Message         string            `json:"message,omitempty"`
	At              time.Time         `json:"at"`
}

// PlantRecord is a persisted plant.
type PlantRecord struct {
	TenantID  string          `json:"tenantID"`
	Provider  string          `json:"provider"`
	Plant     NormalizedPlant `json:"plant"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// DeviceRecord is a persisted device.
type DeviceRecord struct {
	TenantID        string           `json:"tenantID"`
	Provider        string           `json:"provider"`
	PlantExternalID string           `json:"plantExternalID"`
	Device          NormalizedDevice `json:"device"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// AlarmRecord is a persisted alarm.
type AlarmRecord struct {
	TenantID  string          `json:"tenantID"`
	Provider  string          `json:"provider"`
	Alarm     NormalizedAlarm `json:"alarm"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// MetricsRecord is the persisted daily metrics of a plant.
type MetricsRecord struct {
	TenantID        string       `json:"tenantID"`
	Provider        string       `json:"provider"`
	PlantExternalID string       `json:"plantExternalID"`
	Date            string       `json:"date"`
	Metrics         DailyMetrics `json:"metrics"`
	UpdatedAt       time.Time    `json:"updatedAt"`
}
