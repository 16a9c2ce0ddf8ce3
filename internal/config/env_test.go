package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// setEnvs sets multiple env vars with automatic cleanup.
func setEnvs(t *testing.T, envs map[string]string) {
	t.Helper()
	for k, v := range envs {
		t.Setenv(k, v)
	}
}

// requiredEnvs returns the minimum env vars needed for Load to succeed.
func requiredEnvs() map[string]string {
	return map[string]string{
		"SYNCAGENT_TENANT_ID":      "7",
		"SYNCAGENT_REMOTE_DB_HOST": "db.example.com",
		"SYNCAGENT_REMOTE_DB_NAME": "clientsys",
		"SYNCAGENT_REMOTE_DB_USER": "agent",
		"SYNCAGENT_CLIENT_API_URL": "https://api.example.com",
		"SYNCAGENT_CONFIG_FILE":    "",
	}
}

func TestLoad_Defaults(t *testing.T) {
	setEnvs(t, requiredEnvs())

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "TenantID", cfg.TenantID, 7)
	assertEqual(t, "LocalDBPath", cfg.LocalDBPath, "/var/lib/syncagent/agent.db")
	assertEqual(t, "RemoteDB.Port", cfg.RemoteDB.Port, 5432)
	assertEqual(t, "RemoteDB.SSLMode", cfg.RemoteDB.SSLMode, "require")
	assertEqual(t, "ClientAPITimeout", cfg.ClientAPITimeout, 30*time.Second)
	assertEqual(t, "BACnetInterface", cfg.BACnetInterface, "0.0.0.0")
	assertEqual(t, "BACnetPort", cfg.BACnetPort, 47808)
	assertEqual(t, "BACnetBroadcast", cfg.BACnetBroadcast, "255.255.255.255")
	assertEqual(t, "BACnetConnectTimeout", cfg.BACnetConnectTimeout, 5*time.Second)
	assertEqual(t, "BACnetReadTimeout", cfg.BACnetReadTimeout, 5*time.Second)
	assertEqual(t, "CollectionInterval", cfg.CollectionInterval, 60*time.Second)
	assertEqual(t, "CollectionAutoStart", cfg.CollectionAutoStart, true)
	assertEqual(t, "CollectionFieldsLength", len(cfg.CollectionFields), 0)
	assertEqual(t, "MeterConcurrency", cfg.MeterConcurrency, 4)
	assertEqual(t, "DownstreamSyncInterval", cfg.DownstreamSyncInterval, time.Hour)
	assertEqual(t, "DownstreamSyncAutoStart", cfg.DownstreamSyncAutoStart, true)
	assertEqual(t, "UploadInterval", cfg.UploadInterval, 5*time.Minute)
	assertEqual(t, "UploadBatchSize", cfg.UploadBatchSize, 1000)
	assertEqual(t, "UploadMaxRetries", cfg.UploadMaxRetries, 5)
	assertEqual(t, "ConnectivityCheckInterval", cfg.ConnectivityCheckInterval, time.Minute)
	assertEqual(t, "HeartbeatInterval", cfg.HeartbeatInterval, 15*time.Minute)
	assertEqual(t, "LocalAPIPort", cfg.LocalAPIPort, 3002)
	assertEqual(t, "RequestLogQueueSize", cfg.RequestLogQueueSize, 4096)
	assertEqual(t, "RequestLogFlushBatchSize", cfg.RequestLogFlushBatchSize, 256)
	assertEqual(t, "RequestLogFlushInterval", cfg.RequestLogFlushInterval, 10*time.Second)
	assertEqual(t, "LogLevel", cfg.LogLevel, "info")
	assertEqual(t, "LogRetentionDays", cfg.LogRetentionDays, 14)
}

func TestLoad_EnvOverrides(t *testing.T) {
	envs := requiredEnvs()
	envs["SYNCAGENT_LOCAL_DB_PATH"] = "/tmp/agent.db"
	envs["SYNCAGENT_REMOTE_DB_PORT"] = "6432"
	envs["SYNCAGENT_REMOTE_DB_SSLMODE"] = "disable"
	envs["SYNCAGENT_CLIENT_API_URL"] = "http://cloud.local:8080/"
	envs["SYNCAGENT_CLIENT_API_TIMEOUT_MS"] = "5000"
	envs["SYNCAGENT_BACNET_PORT"] = "47809"
	envs["SYNCAGENT_COLLECTION_INTERVAL_SECONDS"] = "30"
	envs["SYNCAGENT_COLLECTION_AUTO_START"] = "false"
	envs["SYNCAGENT_COLLECTION_FIELDS"] = "flowRate, temperature"
	envs["SYNCAGENT_METER_CONCURRENCY"] = "8"
	envs["SYNCAGENT_DOWNSTREAM_SYNC_INTERVAL_MINUTES"] = "15"
	envs["SYNCAGENT_UPLOAD_INTERVAL_MINUTES"] = "1"
	envs["SYNCAGENT_UPLOAD_BATCH_SIZE"] = "50"
	envs["SYNCAGENT_UPLOAD_MAX_RETRIES"] = "2"
	envs["SYNCAGENT_CONNECTIVITY_CHECK_INTERVAL_MS"] = "15000"
	envs["SYNCAGENT_HEARTBEAT_INTERVAL_MINUTES"] = "0"
	envs["SYNCAGENT_LOCAL_API_PORT"] = "3010"
	envs["SYNCAGENT_LOG_LEVEL"] = "debug"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "LocalDBPath", cfg.LocalDBPath, "/tmp/agent.db")
	assertEqual(t, "RemoteDB.Port", cfg.RemoteDB.Port, 6432)
	assertEqual(t, "RemoteDB.SSLMode", cfg.RemoteDB.SSLMode, "disable")
	assertEqual(t, "ClientAPIURL", cfg.ClientAPIURL, "http://cloud.local:8080")
	assertEqual(t, "ClientAPITimeout", cfg.ClientAPITimeout, 5*time.Second)
	assertEqual(t, "BACnetPort", cfg.BACnetPort, 47809)
	assertEqual(t, "CollectionInterval", cfg.CollectionInterval, 30*time.Second)
	assertEqual(t, "CollectionAutoStart", cfg.CollectionAutoStart, false)
	assertEqual(t, "CollectionFieldsLength", len(cfg.CollectionFields), 2)
	assertEqual(t, "CollectionFields[0]", cfg.CollectionFields[0], "flowRate")
	assertEqual(t, "CollectionFields[1]", cfg.CollectionFields[1], "temperature")
	assertEqual(t, "MeterConcurrency", cfg.MeterConcurrency, 8)
	assertEqual(t, "DownstreamSyncInterval", cfg.DownstreamSyncInterval, 15*time.Minute)
	assertEqual(t, "UploadInterval", cfg.UploadInterval, time.Minute)
	assertEqual(t, "UploadBatchSize", cfg.UploadBatchSize, 50)
	assertEqual(t, "UploadMaxRetries", cfg.UploadMaxRetries, 2)
	assertEqual(t, "ConnectivityCheckInterval", cfg.ConnectivityCheckInterval, 15*time.Second)
	assertEqual(t, "HeartbeatInterval", cfg.HeartbeatInterval, time.Duration(0))
	assertEqual(t, "LocalAPIPort", cfg.LocalAPIPort, 3010)
	assertEqual(t, "LogLevel", cfg.LogLevel, "debug")
}

func TestLoad_MissingTenantID(t *testing.T) {
	envs := requiredEnvs()
	delete(envs, "SYNCAGENT_TENANT_ID")
	os.Unsetenv("SYNCAGENT_TENANT_ID")
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for missing SYNCAGENT_TENANT_ID")
	}
	assertContains(t, err.Error(), "SYNCAGENT_TENANT_ID is required")
}

func TestLoad_RejectsZeroCollectionInterval(t *testing.T) {
	envs := requiredEnvs()
	envs["SYNCAGENT_COLLECTION_INTERVAL_SECONDS"] = "0"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for zero collection interval")
	}
	assertContains(t, err.Error(), "SYNCAGENT_COLLECTION_INTERVAL_SECONDS: must be positive")
}

func TestLoad_AggregatesViolations(t *testing.T) {
	envs := requiredEnvs()
	envs["SYNCAGENT_LOCAL_API_PORT"] = "70000"
	envs["SYNCAGENT_UPLOAD_BATCH_SIZE"] = "0"
	envs["SYNCAGENT_LOG_LEVEL"] = "shouting"
	envs["SYNCAGENT_COLLECTION_FIELDS"] = "kWh,drop table"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Fatal("expected aggregated validation error")
	}
	for _, want := range []string{
		"SYNCAGENT_LOCAL_API_PORT",
		"SYNCAGENT_UPLOAD_BATCH_SIZE",
		"SYNCAGENT_LOG_LEVEL",
		`invalid field name "drop table"`,
	} {
		assertContains(t, err.Error(), want)
	}
}

func TestLoad_InvalidInteger(t *testing.T) {
	envs := requiredEnvs()
	envs["SYNCAGENT_UPLOAD_BATCH_SIZE"] = "many"
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for non-integer batch size")
	}
	assertContains(t, err.Error(), `SYNCAGENT_UPLOAD_BATCH_SIZE: invalid integer "many"`)
}

func TestLoad_ConfigFileOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	body := `
tenant_id: 9
client_api_url: http://file.example.com
upload_batch_size: 250
collection_fields:
  - kWh
  - kW
collection_auto_start: false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	envs := requiredEnvs()
	delete(envs, "SYNCAGENT_TENANT_ID")
	os.Unsetenv("SYNCAGENT_TENANT_ID")
	envs["SYNCAGENT_CONFIG_FILE"] = path
	// Env still wins over the file for the API URL.
	envs["SYNCAGENT_CLIENT_API_URL"] = "https://env.example.com"
	setEnvs(t, envs)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	assertEqual(t, "TenantID", cfg.TenantID, 9)
	assertEqual(t, "ClientAPIURL", cfg.ClientAPIURL, "https://env.example.com")
	assertEqual(t, "UploadBatchSize", cfg.UploadBatchSize, 250)
	assertEqual(t, "CollectionAutoStart", cfg.CollectionAutoStart, false)
	assertEqual(t, "CollectionFieldsLength", len(cfg.CollectionFields), 2)
	assertEqual(t, "CollectionFields[0]", cfg.CollectionFields[0], "kWh")
}

func TestLoad_ConfigFileUnknownKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte("tenant_idd: 9\n"), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	envs := requiredEnvs()
	envs["SYNCAGENT_CONFIG_FILE"] = path
	setEnvs(t, envs)

	_, err := Load()
	if err == nil {
		t.Fatal("expected error for unknown config file key")
	}
	assertContains(t, err.Error(), "unknown keys: tenant_idd")
}

func TestRemoteDB_DSN(t *testing.T) {
	r := RemoteDB{Host: "h", Port: 5433, Name: "d", User: "u", Password: "p", SSLMode: "disable"}
	want := "host=h port=5433 dbname=d user=u password=p sslmode=disable"
	assertEqual(t, "DSN", r.DSN(), want)
}

func assertEqual[T comparable](t *testing.T, name string, got, want T) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %v, want %v", name, got, want)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
