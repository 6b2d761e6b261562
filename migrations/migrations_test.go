package migrations

import (
	"io/fs"
	"strings"
	"testing"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	names, err := fs.Glob(FS, "*.sql")
	if err != nil {
		t.Fatalf("Glob() failed: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("no migrations embedded")
	}

	ups, downs := map[string]bool{}, map[string]bool{}
	for _, name := range names {
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		default:
			t.Errorf("migration %s is neither up nor down", name)
		}
	}
	for version := range ups {
		if !downs[version] {
			t.Errorf("migration %s has no down file", version)
		}
	}
}

func TestSchemaDeclaresIdentityConstraint(t *testing.T) {
	up, err := FS.ReadFile("000001_metadata_entries.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() failed: %v", err)
	}
	// The ON CONFLICT target of description upserts relies on this constraint.
	for _, want := range []string{"metadata_entries_identity", "markings_key", "row_type"} {
		if !strings.Contains(string(up), want) {
			t.Errorf("schema is missing %q", want)
		}
	}
}
