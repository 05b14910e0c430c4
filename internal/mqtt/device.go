package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/nugget/ampere/internal/buildinfo"
)

// instanceIDFile holds the device identifier under the data directory.
const instanceIDFile = "instance_id"

// DeviceInfo holds the Home Assistant device registry fields shared by
// every discovery payload this instance publishes.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the JSON payload of an MQTT sensor discovery message.
type SensorConfig struct {
	Name                   string     `json:"name"`
	UniqueID               string     `json:"unique_id"`
	StateTopic             string     `json:"state_topic"`
	AvailabilityTopic      string     `json:"availability_topic"`
	JSONAttributesTopic    string     `json:"json_attributes_topic,omitempty"`
	JSONAttributesTemplate string     `json:"json_attributes_template,omitempty"`
	Device                 DeviceInfo `json:"device"`
	Icon                   string     `json:"icon,omitempty"`
	ValueTemplate          string     `json:"value_template,omitempty"`
}

// NewDeviceInfo creates a DeviceInfo keyed by the persistent instance
// id, so renaming the device keeps its entity history.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "Ampere",
		Model:        "Energy agent",
		SWVersion:    buildinfo.Version,
	}
}

// LoadOrCreateInstanceID returns the device identifier stored in
// dataDir. A missing or unparseable file is replaced with a fresh
// UUIDv7, since Home Assistant keys the device registry on it.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id, err := uuid.Parse(strings.TrimSpace(string(data))); err == nil {
			return id.String(), nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance id: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return "", fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return id.String(), nil
}
