package config

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// knownFileKeys lists every config-file key, in the lower_snake_case form
// mirroring the SYNCAGENT_* environment variables (same units, same
// semantics). Anything else in the file is rejected as a typo.
var knownFileKeys = []string{
	"tenant_id",
	"local_db_path",
	"remote_db_host",
	"remote_db_port",
	"remote_db_name",
	"remote_db_user",
	"remote_db_password",
	"remote_db_sslmode",
	"client_api_url",
	"client_api_timeout_ms",
	"bacnet_interface",
	"bacnet_port",
	"bacnet_broadcast",
	"bacnet_connect_timeout_ms",
	"bacnet_read_timeout_ms",
	"collection_interval_seconds",
	"collection_auto_start",
	"collection_fields",
	"meter_concurrency",
	"downstream_sync_interval_minutes",
	"downstream_sync_auto_start",
	"upload_interval_minutes",
	"upload_batch_size",
	"upload_max_retries",
	"connectivity_check_interval_ms",
	"heartbeat_interval_minutes",
	"local_api_port",
	"request_log_queue_size",
	"request_log_flush_batch_size",
	"request_log_flush_interval_ms",
	"log_level",
	"log_retention_days",
}

// loadConfigFile parses a YAML config file into env-keyed string values.
// Scalars are stringified; string lists are joined with commas (for
// collection_fields).
func loadConfigFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	known := make(map[string]bool, len(knownFileKeys))
	for _, k := range knownFileKeys {
		known[k] = true
	}

	var unknown []string
	out := make(map[string]string, len(doc))
	for key, val := range doc {
		if !known[key] {
			unknown = append(unknown, key)
			continue
		}
		s, err := stringifyFileValue(val)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", key, err)
		}
		out["SYNCAGENT_"+strings.ToUpper(key)] = s
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown keys: %s", strings.Join(unknown, ", "))
	}
	return out, nil
}

func stringifyFileValue(val any) (string, error) {
	switch v := val.(type) {
	case nil:
		return "", nil
	case string, int, int64, float64, bool:
		return fmt.Sprint(v), nil
	case []any:
		parts := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return "", fmt.Errorf("list values must be strings, got %T", item)
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return "", fmt.Errorf("unsupported value type %T", val)
	}
}
