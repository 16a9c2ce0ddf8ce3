package config

import (
	"encoding/json"
	"testing"
	"time"
)

func TestView_MasksRemoteDBPassword(t *testing.T) {
	cfg := &Config{RemoteDB: RemoteDB{Password: "hunter2"}}
	v := cfg.View()
	assertEqual(t, "RemoteDBPassword", v.RemoteDBPassword, maskedSecret)

	cfg.RemoteDB.Password = ""
	assertEqual(t, "RemoteDBPassword(empty)", cfg.View().RemoteDBPassword, "")
}

func TestView_JSONDurations(t *testing.T) {
	cfg := &Config{
		CollectionInterval: 90 * time.Second,
		UploadInterval:     5 * time.Minute,
	}
	raw, err := json.Marshal(cfg.View())
	if err != nil {
		t.Fatalf("marshal view: %v", err)
	}
	assertContains(t, string(raw), `"collection_interval":"1m30s"`)
	assertContains(t, string(raw), `"upload_interval":"5m0s"`)
}

func TestDuration_RoundTrip(t *testing.T) {
	var d Duration
	if err := json.Unmarshal([]byte(`"2m30s"`), &d); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	assertEqual(t, "Std", d.Std(), 150*time.Second)

	if err := json.Unmarshal([]byte(`"soon"`), &d); err == nil {
		t.Fatal("expected error for invalid duration string")
	}
	if err := json.Unmarshal([]byte(`42`), &d); err == nil {
		t.Fatal("expected error for non-string duration")
	}
}
