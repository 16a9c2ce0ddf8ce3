package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration to marshal as a Go duration string
// (e.g. "5m0s", "30s") in JSON views.
type Duration time.Duration

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("Duration must be a string: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

const maskedSecret = "********"

// View is the redacted, JSON-serializable form of the effective config,
// served by the local API. Secrets never appear in it.
type View struct {
	TenantID int64 `json:"tenant_id"`

	LocalDBPath      string `json:"local_db_path"`
	RemoteDBHost     string `json:"remote_db_host"`
	RemoteDBPort     int    `json:"remote_db_port"`
	RemoteDBName     string `json:"remote_db_name"`
	RemoteDBUser     string `json:"remote_db_user"`
	RemoteDBPassword string `json:"remote_db_password"`
	RemoteDBSSLMode  string `json:"remote_db_sslmode"`

	ClientAPIURL     string   `json:"client_api_url"`
	ClientAPITimeout Duration `json:"client_api_timeout"`

	BACnetInterface      string   `json:"bacnet_interface"`
	BACnetPort           int      `json:"bacnet_port"`
	BACnetBroadcast      string   `json:"bacnet_broadcast"`
	BACnetConnectTimeout Duration `json:"bacnet_connect_timeout"`
	BACnetReadTimeout    Duration `json:"bacnet_read_timeout"`

	CollectionInterval  Duration `json:"collection_interval"`
	CollectionAutoStart bool     `json:"collection_auto_start"`
	CollectionFields    []string `json:"collection_fields,omitempty"`
	MeterConcurrency    int      `json:"meter_concurrency"`

	DownstreamSyncInterval  Duration `json:"downstream_sync_interval"`
	DownstreamSyncAutoStart bool     `json:"downstream_sync_auto_start"`

	UploadInterval   Duration `json:"upload_interval"`
	UploadBatchSize  int      `json:"upload_batch_size"`
	UploadMaxRetries int      `json:"upload_max_retries"`

	ConnectivityCheckInterval Duration `json:"connectivity_check_interval"`
	HeartbeatInterval         Duration `json:"heartbeat_interval"`

	LocalAPIPort int `json:"local_api_port"`

	LogLevel         string `json:"log_level"`
	LogRetentionDays int    `json:"log_retention_days"`
}

// View returns the redacted snapshot of the config.
func (c *Config) View() View {
	v := View{
		TenantID:                  c.TenantID,
		LocalDBPath:               c.LocalDBPath,
		RemoteDBHost:              c.RemoteDB.Host,
		RemoteDBPort:              c.RemoteDB.Port,
		RemoteDBName:              c.RemoteDB.Name,
		RemoteDBUser:              c.RemoteDB.User,
		RemoteDBSSLMode:           c.RemoteDB.SSLMode,
		ClientAPIURL:              c.ClientAPIURL,
		ClientAPITimeout:          Duration(c.ClientAPITimeout),
		BACnetInterface:           c.BACnetInterface,
		BACnetPort:                c.BACnetPort,
		BACnetBroadcast:           c.BACnetBroadcast,
		BACnetConnectTimeout:      Duration(c.BACnetConnectTimeout),
		BACnetReadTimeout:         Duration(c.BACnetReadTimeout),
		CollectionInterval:        Duration(c.CollectionInterval),
		CollectionAutoStart:       c.CollectionAutoStart,
		CollectionFields:          append([]string(nil), c.CollectionFields...),
		MeterConcurrency:          c.MeterConcurrency,
		DownstreamSyncInterval:    Duration(c.DownstreamSyncInterval),
		DownstreamSyncAutoStart:   c.DownstreamSyncAutoStart,
		UploadInterval:            Duration(c.UploadInterval),
		UploadBatchSize:           c.UploadBatchSize,
		UploadMaxRetries:          c.UploadMaxRetries,
		ConnectivityCheckInterval: Duration(c.ConnectivityCheckInterval),
		HeartbeatInterval:         Duration(c.HeartbeatInterval),
		LocalAPIPort:              c.LocalAPIPort,
		LogLevel:                  c.LogLevel,
		LogRetentionDays:          c.LogRetentionDays,
	}
	if c.RemoteDB.Password != "" {
		v.RemoteDBPassword = maskedSecret
	}
	return v
}
