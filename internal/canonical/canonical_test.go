package canonical

import (
	"encoding/json"
	"testing"
)

func TestMarshalSortsKeys(t *testing.T) {
	got, err := Marshal(map[string]interface{}{"b": 1, "a": 2, "c": map[string]interface{}{"z": true, "y": false}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	want := `{"a":2,"b":1,"c":{"y":false,"z":true}}`
	if string(got) != want {
		t.Errorf("Marshal() = %s, want %s", got, want)
	}
}

func TestMarshalDeterministicAfterRoundtrip(t *testing.T) {
	type payload struct {
		Name   string   `json:"name"`
		Amount float64  `json:"amount"`
		Tags   []string `json:"tags"`
	}

	orig := payload{Name: "red high-top basketball shoes", Amount: 8068, Tags: []string{"shoes", "限定"}}

	first, err := Marshal(orig)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}

	var roundtrip map[string]interface{}
	if err := json.Unmarshal(first, &roundtrip); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	second, err := Marshal(roundtrip)
	if err != nil {
		t.Fatalf("Marshal() roundtrip error = %v", err)
	}

	if string(first) != string(second) {
		t.Errorf("canonical form not stable: %s vs %s", first, second)
	}
}

func TestHashHexChangesOnMutation(t *testing.T) {
	base := map[string]interface{}{"id": "cart_1", "value": 1980}
	mutated := map[string]interface{}{"id": "cart_1", "value": 1000}

	h1, err := HashHex(base)
	if err != nil {
		t.Fatalf("HashHex() error = %v", err)
	}
	h2, err := HashHex(mutated)
	if err != nil {
		t.Fatalf("HashHex() error = %v", err)
	}

	if h1 == h2 {
		t.Error("distinct values must hash differently")
	}
	if len(h1) != 64 {
		t.Errorf("HashHex() length = %d, want 64", len(h1))
	}
}
