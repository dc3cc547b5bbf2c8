package state

import (
	"encoding/json"
	"testing"

	"guildbot/pkg/logx"
)

func TestDecodeEmptyAndCorrupt(t *testing.T) {
	for _, blob := range [][]byte{nil, {}, []byte("not json"), []byte("[1,2,3]")} {
		doc := Decode(blob, logx.Nop())
		if doc == nil || doc.Pending == nil || doc.LastSeen == nil {
			t.Fatalf("decode %q should yield an empty document", blob)
		}
		if doc.Pending.Len() != 0 || len(doc.LastSeen) != 0 {
			t.Fatalf("decode %q should be empty, got %+v", blob, doc)
		}
	}
}

func TestDecodeCanonicalLayout(t *testing.T) {
	blob := []byte(`{
		"pending": {
			"555:9": {"subjectId": "9", "matchId": "555", "messageId": "m1", "webhookBase": "https://h/x", "postedAt": "2026-01-02T03:04:05Z"}
		},
		"lastSeen": {"9": "554", "10": 444}
	}`)
	doc := Decode(blob, logx.Nop())

	if doc.Pending.Len() != 1 {
		t.Fatalf("pending len = %d", doc.Pending.Len())
	}
	if e, _ := doc.Pending.Get("555", "9"); e == nil || e.MessageID != "m1" {
		t.Fatalf("pending entry wrong: %+v", e)
	}
	if v, _ := doc.LastSeenMatch("9"); v != "554" {
		t.Fatalf("lastSeen[9] = %q", v)
	}
	if v, _ := doc.LastSeenMatch("10"); v != "444" {
		t.Fatalf("numeric marker should coerce, got %q", v)
	}
}

func TestDecodeMigratesFlatLayout(t *testing.T) {
	blob := []byte(`{
		"9": "554",
		"10": 444,
		"partyPosted": {"whatever": true},
		"pending": {}
	}`)
	doc := Decode(blob, logx.Nop())

	if v, ok := doc.LastSeenMatch("9"); !ok || v != "554" {
		t.Fatalf("flat marker not migrated: %q %v", v, ok)
	}
	if v, ok := doc.LastSeenMatch("10"); !ok || v != "444" {
		t.Fatalf("flat numeric marker not migrated: %q %v", v, ok)
	}
	if _, ok := doc.LastSeen["partyPosted"]; ok {
		t.Fatal("non-id key must not become a marker")
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	doc := EmptyDocument()
	doc.SetLastSeen("9", "554")

	b, err := doc.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var shape struct {
		Pending  map[string]json.RawMessage `json:"pending"`
		LastSeen map[string]string          `json:"lastSeen"`
	}
	if err := json.Unmarshal(b, &shape); err != nil {
		t.Fatalf("encoded document not valid JSON: %v", err)
	}
	if shape.Pending == nil || shape.LastSeen["9"] != "554" {
		t.Fatalf("encoded shape wrong: %s", b)
	}

	again := Decode(b, logx.Nop())
	if v, _ := again.LastSeenMatch("9"); v != "554" {
		t.Fatalf("round trip lost marker: %q", v)
	}
}

func TestDecodeSkipsBlankMarkers(t *testing.T) {
	doc := Decode([]byte(`{"lastSeen": {"9": "", "10": null, "11": "777"}}`), logx.Nop())
	if len(doc.LastSeen) != 1 {
		t.Fatalf("lastSeen = %+v", doc.LastSeen)
	}
	if v, _ := doc.LastSeenMatch("11"); v != "777" {
		t.Fatalf("lastSeen[11] = %q", v)
	}
}
