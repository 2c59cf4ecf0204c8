package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteSchemaDescribesArtifactFields(t *testing.T) {
	out := filepath.Join(t.TempDir(), "schema", "export.json")
	if err := writeSchema(out, buildSchema()); err != nil {
		t.Fatalf("writeSchema: %v", err)
	}
	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read schema: %v", err)
	}
	var doc struct {
		Title      string                     `json:"title"`
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("decode schema: %v", err)
	}
	if doc.Title != "Episode Export" {
		t.Fatalf("unexpected title %q", doc.Title)
	}
	for _, field := range []string{"gameId", "playerId", "exportTimestamp", "summary", "confirmedHashes", "verifiedActions", "desyncEvents", "latency"} {
		if _, ok := doc.Properties[field]; !ok {
			t.Fatalf("schema missing property %q", field)
		}
	}
	if _, err := os.Stat(out + ".tmp"); !os.IsNotExist(err) {
		t.Fatalf("temporary schema file left behind")
	}
}
