package updatechannel

import (
	"encoding/json"
	"testing"
)

func TestStateUpdated_RoundTripsThroughJSON(t *testing.T) {
	original := StateUpdated{Type: "state_updated", ID: 42, LastAppliedOffset: 100, RulesHash: "abc123"}

	body, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var decoded StateUpdated
	if err := json.Unmarshal(body, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded != original {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, original)
	}
}

func TestStateUpdated_IgnoresExtraFields(t *testing.T) {
	raw := []byte(`{"type":"state_updated","id":1,"last_applied_offset":2,"rules_hash":"h","future_field":"ignored"}`)

	var decoded StateUpdated
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.ID != 1 || decoded.RulesHash != "h" {
		t.Fatalf("unexpected decode: %+v", decoded)
	}
}
