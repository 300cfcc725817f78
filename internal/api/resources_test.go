package api

import (
	"math"
	"net/http"
	"testing"

	"github.com/rescuegrid/movement-simulator/internal/movement"
	"github.com/rescuegrid/movement-simulator/internal/resource"
)

func TestResourceCRUDOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	code, env := ts.doJSON(t, http.MethodPut, "/api/v1/resources/vehicle/r-1", map[string]any{
		"max_speed_kmh": 80,
		"callsign":      "Rescue 7",
		"crew":          3,
		"capabilities":  []string{"winch", "thermal_camera"},
	})
	if code != http.StatusOK || !env.Success {
		t.Fatalf("put = %d %+v, want 200 success", code, env)
	}
	var record resource.Record
	decodeData(t, env, &record)
	if record.EntityType != "vehicle" || record.ResourceID != "r-1" {
		t.Fatalf("record identity = %+v", record)
	}
	if record.MaxSpeedKmh != 80 || record.Callsign != "Rescue 7" || len(record.Capabilities) != 2 {
		t.Fatalf("record attributes = %+v", record)
	}
	if record.UpdatedAt.IsZero() {
		t.Fatalf("record UpdatedAt not set")
	}

	code, env = ts.doJSON(t, http.MethodGet, "/api/v1/resources/vehicle/r-1", nil)
	if code != http.StatusOK {
		t.Fatalf("get = %d, want 200", code)
	}
	decodeData(t, env, &record)
	if record.Callsign != "Rescue 7" {
		t.Fatalf("fetched record = %+v", record)
	}

	// List filters by entity type.
	if code, _ := ts.doJSON(t, http.MethodPut, "/api/v1/resources/uav/u-1", map[string]any{"max_speed_kmh": 40}); code != http.StatusOK {
		t.Fatalf("put uav = %d, want 200", code)
	}
	code, env = ts.doJSON(t, http.MethodGet, "/api/v1/resources?entity_type=vehicle", nil)
	if code != http.StatusOK {
		t.Fatalf("list = %d, want 200", code)
	}
	var records []resource.Record
	decodeData(t, env, &records)
	if len(records) != 1 || records[0].ResourceID != "r-1" {
		t.Fatalf("filtered list = %+v, want only r-1", records)
	}
	code, env = ts.doJSON(t, http.MethodGet, "/api/v1/resources", nil)
	if code != http.StatusOK {
		t.Fatalf("list all = %d, want 200", code)
	}
	decodeData(t, env, &records)
	if len(records) != 2 {
		t.Fatalf("full list = %+v, want 2 records", records)
	}

	code, env = ts.doJSON(t, http.MethodDelete, "/api/v1/resources/vehicle/r-1", nil)
	if code != http.StatusOK || !env.Success {
		t.Fatalf("delete = %d %+v, want 200 success", code, env)
	}
	if code, _ := ts.doJSON(t, http.MethodGet, "/api/v1/resources/vehicle/r-1", nil); code != http.StatusNotFound {
		t.Fatalf("get deleted = %d, want 404", code)
	}
	if code, _ := ts.doJSON(t, http.MethodDelete, "/api/v1/resources/vehicle/r-1", nil); code != http.StatusNotFound {
		t.Fatalf("delete missing = %d, want 404", code)
	}
}

func TestResourceValidationOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	code, env := ts.doJSON(t, http.MethodPut, "/api/v1/resources/vehicle/r-bad", map[string]any{
		"max_speed_kmh": -5,
	})
	if code != http.StatusBadRequest || env.Success {
		t.Fatalf("negative speed = %d %+v, want 400", code, env)
	}
}

func TestRegisteredResourceDrivesMovementSpeed(t *testing.T) {
	ts := newTestServer(t)

	if code, _ := ts.doJSON(t, http.MethodPut, "/api/v1/resources/vehicle/r-fast", map[string]any{
		"max_speed_kmh": 120,
	}); code != http.StatusOK {
		t.Fatalf("put resource, want 200")
	}

	code, env := ts.doJSON(t, http.MethodPost, "/api/v1/movements", map[string]any{
		"entity_id":   "veh-res",
		"entity_type": "vehicle",
		"resource_id": "r-fast",
		"route":       routePoints(0, 0.01),
	})
	if code != http.StatusCreated {
		t.Fatalf("start = %d, want 201", code)
	}
	var got movement.Status
	decodeData(t, env, &got)
	want := 120.0 / 3.6
	if math.Abs(got.Session.Speed-want) > 1e-9 {
		t.Fatalf("speed = %v, want %v from the attribute record", got.Session.Speed, want)
	}
}
