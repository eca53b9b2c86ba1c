package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestParseCenters(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantIDs []string
		wantErr bool
	}{
		{
			name: "valid file keeps order",
			yaml: `
centers:
  - id: SFO
    name: San Francisco Enrollment Center
    location_code: "5446"
    timezone: America/Los_Angeles
  - id: NY
    name: New York JFK
    location_code: "5140"
    address: JFK Terminal 4
`,
			wantIDs: []string{"SFO", "NY"},
		},
		{
			name:    "empty list",
			yaml:    "centers: []\n",
			wantErr: true,
		},
		{
			name: "duplicate id",
			yaml: `
centers:
  - {id: NY, name: A, location_code: "1"}
  - {id: NY, name: B, location_code: "2"}
`,
			wantErr: true,
		},
		{
			name: "missing location code",
			yaml: `
centers:
  - {id: NY, name: New York}
`,
			wantErr: true,
		},
		{
			name: "id with spaces",
			yaml: `
centers:
  - {id: "New York", name: New York, location_code: "5140"}
`,
			wantErr: true,
		},
		{
			name: "unknown timezone",
			yaml: `
centers:
  - {id: NY, name: New York, location_code: "5140", timezone: Mars/Olympus}
`,
			wantErr: true,
		},
		{
			name:    "not yaml",
			yaml:    "centers: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCenters([]byte(tt.yaml))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var ids []string
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			if diff := cmp.Diff(tt.wantIDs, ids); diff != "" {
				t.Errorf("ParseCenters() ids mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestParseCentersTimezone(t *testing.T) {
	got, err := ParseCenters([]byte(`
centers:
  - {id: SFO, name: San Francisco, location_code: "5446", timezone: America/Los_Angeles}
  - {id: NY, name: New York, location_code: "5140"}
`))
	if err != nil {
		t.Fatalf("ParseCenters: %v", err)
	}
	if diff := cmp.Diff("America/Los_Angeles", got[0].Loc().String()); diff != "" {
		t.Errorf("timezone mismatch (-want +got):\n%s", diff)
	}
	if got[1].Location != nil {
		t.Errorf("expected no location for NY, got %v", got[1].Location)
	}
}

func TestLoadCenters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "centers.yaml")
	data := "centers:\n  - {id: NY, name: New York JFK, location_code: \"5140\"}\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	got, err := LoadCenters(path)
	if err != nil {
		t.Fatalf("LoadCenters: %v", err)
	}
	if diff := cmp.Diff("5140", got[0].LocationCode); diff != "" {
		t.Errorf("location code mismatch (-want +got):\n%s", diff)
	}

	if _, err := LoadCenters(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
