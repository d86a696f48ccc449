package patient

import (
	"testing"
)

func TestApplyTypedArrayDedupByID(t *testing.T) {
	agg := NewAggregator()

	payload := []byte(`[{"resourceType":"Condition","id":"c1","code":{"text":"hypertension"}}]`)
	if err := agg.Apply(payload); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := agg.Apply(payload); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	rec := agg.Snapshot()
	if len(rec.Conditions) != 1 {
		t.Fatalf("conditions = %d, want 1", len(rec.Conditions))
	}
	if rec.Conditions[0].ID() != "c1" {
		t.Fatalf("condition id = %q, want c1", rec.Conditions[0].ID())
	}
}

func TestApplyConvergesRegardlessOfOrder(t *testing.T) {
	first := []byte(`[{"resourceType":"Observation","id":"o1"},{"resourceType":"Observation","id":"o2"}]`)
	second := []byte(`[{"resourceType":"Observation","id":"o2"},{"resourceType":"Observation","id":"o3"}]`)

	forward := NewAggregator()
	for _, payload := range [][]byte{first, second} {
		if err := forward.Apply(payload); err != nil {
			t.Fatalf("forward apply: %v", err)
		}
	}
	reverse := NewAggregator()
	for _, payload := range [][]byte{second, first} {
		if err := reverse.Apply(payload); err != nil {
			t.Fatalf("reverse apply: %v", err)
		}
	}

	a, b := forward.Snapshot(), reverse.Snapshot()
	if len(a.Observations) != 3 || len(b.Observations) != 3 {
		t.Fatalf("observations = %d/%d, want 3/3", len(a.Observations), len(b.Observations))
	}
	seenA, seenB := map[string]bool{}, map[string]bool{}
	for i := range a.Observations {
		seenA[a.Observations[i].ID()] = true
		seenB[b.Observations[i].ID()] = true
	}
	for _, id := range []string{"o1", "o2", "o3"} {
		if !seenA[id] || !seenB[id] {
			t.Fatalf("id %s missing: forward=%v reverse=%v", id, seenA, seenB)
		}
	}
}

func TestApplyDemographicsLastWriteWins(t *testing.T) {
	agg := NewAggregator()

	if err := agg.Apply([]byte(`{"resourceType":"Patient","id":"p1","gender":"female","birthDate":"1947-01-01"}`)); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	if err := agg.Apply([]byte(`{"resourceType":"Patient","id":"p1","gender":"female"}`)); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	rec := agg.Snapshot()
	if _, stale := rec.Demographics["birthDate"]; stale {
		t.Fatal("demographics kept a field from the overwritten payload; want whole-object replace")
	}
	if rec.Demographics.ID() != "p1" {
		t.Fatalf("demographics id = %q, want p1", rec.Demographics.ID())
	}
}

func TestApplyBundleRoutesEntriesByKind(t *testing.T) {
	agg := NewAggregator()

	bundle := []byte(`{"resourceType":"Bundle","type":"searchset","entry":[
		{"resource":{"resourceType":"Condition","id":"c1"}},
		{"resource":{"resourceType":"Observation","id":"o1"}},
		{"resource":{"resourceType":"MedicationRequest","id":"m1"}},
		{"resource":{"resourceType":"Patient","id":"p1","gender":"male"}}
	]}`)
	if err := agg.Apply(bundle); err != nil {
		t.Fatalf("apply bundle: %v", err)
	}

	rec := agg.Snapshot()
	if len(rec.Conditions) != 1 {
		t.Fatalf("conditions = %d, want 1", len(rec.Conditions))
	}
	if len(rec.Observations) != 1 {
		t.Fatalf("observations = %d, want 1", len(rec.Observations))
	}
	if len(rec.Medications) != 1 {
		t.Fatalf("medications = %d, want 1", len(rec.Medications))
	}
	if len(rec.Encounters) != 0 {
		t.Fatalf("encounters = %d, want 0", len(rec.Encounters))
	}
	if rec.Demographics.ID() != "p1" {
		t.Fatalf("demographics id = %q, want p1", rec.Demographics.ID())
	}
}

func TestApplyToolEnvelope(t *testing.T) {
	agg := NewAggregator()

	payload := []byte(`{"result":[{"resourceType":"Encounter","id":"e1"}],
		"patientData":{"demographics":{"id":"p1","name":"Smith"},"conditions":[{"id":"c9"}]}}`)
	if err := agg.Apply(payload); err != nil {
		t.Fatalf("apply envelope: %v", err)
	}

	rec := agg.Snapshot()
	if len(rec.Encounters) != 1 || rec.Encounters[0].ID() != "e1" {
		t.Fatalf("encounters = %+v, want one entry e1", rec.Encounters)
	}
	if len(rec.Conditions) != 1 || rec.Conditions[0].ID() != "c9" {
		t.Fatalf("conditions = %+v, want one entry c9", rec.Conditions)
	}
	if rec.Demographics["name"] != "Smith" {
		t.Fatalf("demographics = %+v, want name Smith", rec.Demographics)
	}
}

func TestApplyUnidentifiedItemsAlwaysAppend(t *testing.T) {
	agg := NewAggregator()

	payload := []byte(`[{"resourceType":"Observation","code":{"text":"heart rate"}}]`)
	for i := 0; i < 2; i++ {
		if err := agg.Apply(payload); err != nil {
			t.Fatalf("apply %d: %v", i, err)
		}
	}

	// No id field means no dedup is possible; both copies stay.
	if got := len(agg.Snapshot().Observations); got != 2 {
		t.Fatalf("observations = %d, want 2", got)
	}
}

func TestApplyMalformedPayloads(t *testing.T) {
	agg := NewAggregator()
	if err := agg.Apply([]byte(`{"resourceType":"Condition","id":"c1"}`)); err != nil {
		t.Fatalf("seed apply: %v", err)
	}

	cases := []struct {
		name    string
		payload string
	}{
		{name: "invalid json", payload: `{"resourceType":`},
		{name: "scalar", payload: `42`},
		{name: "unknown kind", payload: `{"resourceType":"Device","id":"d1"}`},
		{name: "empty object", payload: `{}`},
	}
	for _, tc := range cases {
		if err := agg.Apply([]byte(tc.payload)); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}

	// Prior state must survive every bad payload untouched.
	rec := agg.Snapshot()
	if len(rec.Conditions) != 1 || rec.Conditions[0].ID() != "c1" {
		t.Fatalf("conditions after bad payloads = %+v, want the seeded c1", rec.Conditions)
	}
}

func TestSnapshotIsDetached(t *testing.T) {
	agg := NewAggregator()
	if err := agg.Apply([]byte(`[{"resourceType":"Condition","id":"c1","code":{"text":"asthma"}}]`)); err != nil {
		t.Fatalf("apply: %v", err)
	}

	snap := agg.Snapshot()
	snap.Conditions[0]["code"].(map[string]any)["text"] = "mutated"

	if got := agg.Snapshot().Conditions[0]["code"].(map[string]any)["text"]; got != "asthma" {
		t.Fatalf("record leaked through snapshot: code.text = %v", got)
	}
}

func TestResetClearsRecord(t *testing.T) {
	agg := NewAggregator()
	if err := agg.Apply([]byte(`[{"resourceType":"Condition","id":"c1"}]`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	agg.Reset()
	if got := len(agg.Snapshot().Conditions); got != 0 {
		t.Fatalf("conditions after reset = %d, want 0", got)
	}
}
