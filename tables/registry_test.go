package tables

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/go-cmp/cmp"
	"github.com/liamcoop/datadictionary/dictionary"
)

func TestRegistryProvidesRepositories(t *testing.T) {
	var _ dictionary.RepositoryProvider = (*Registry)(nil)

	seed := map[string][]dictionary.MetadataEntry{
		"DatawaveMetadata": {{DataType: "fooType", FieldName: "fooField"}},
	}
	reg := NewRegistry(MemoryFactory(seed, nil))

	if err := reg.Create("DatawaveMetadata"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}
	repo, err := reg.Repository("DatawaveMetadata")
	if err != nil {
		t.Fatalf("Repository() failed: %v", err)
	}
	entries, err := repo.Scan(context.Background(), dictionary.Scope{Kind: dictionary.KindData})
	if err != nil {
		t.Fatalf("Scan() failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("seeded table has %d entries, want 1", len(entries))
	}

	if _, err := reg.Repository("Missing"); !errors.Is(err, dictionary.ErrNotFound) {
		t.Errorf("Repository(Missing) error = %v, want ErrNotFound", err)
	}
}

func TestRegistryCreateIsIdempotent(t *testing.T) {
	calls := 0
	reg := NewRegistry(func(table string) (dictionary.Repository, error) {
		calls++
		return dictionary.NewInMemoryRepository(), nil
	})

	for i := 0; i < 3; i++ {
		if err := reg.Create("T"); err != nil {
			t.Fatalf("Create() failed: %v", err)
		}
	}
	if calls != 1 {
		t.Errorf("factory called %d times, want 1", calls)
	}
}

func TestRegistryCreateValidatesName(t *testing.T) {
	reg := NewRegistry(MemoryFactory(nil, nil))

	if err := reg.Create("bad-name"); !errors.Is(err, dictionary.ErrInvalidInput) {
		t.Errorf("Create(bad-name) error = %v, want ErrInvalidInput", err)
	}
	if len(reg.List()) != 0 {
		t.Errorf("invalid table was registered: %v", reg.List())
	}
}

func TestRegistryFactoryError(t *testing.T) {
	reg := NewRegistry(func(string) (dictionary.Repository, error) {
		return nil, errors.New("no backend")
	})
	if err := reg.Create("T"); err == nil {
		t.Error("Create() should report factory errors")
	}
	if reg.Has("T") {
		t.Error("failed table should not be registered")
	}
}

func TestRegistryListAndRemove(t *testing.T) {
	reg := NewRegistry(MemoryFactory(nil, dictionary.NewInMemoryScanCache(dictionary.DefaultCacheConfig())))
	for _, name := range []string{"Zeta", "Alpha", "Mid"} {
		if err := reg.Create(name); err != nil {
			t.Fatalf("Create(%s) failed: %v", name, err)
		}
	}

	if diff := cmp.Diff([]string{"Alpha", "Mid", "Zeta"}, reg.List()); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}

	repo, _ := reg.Repository("Alpha")
	if _, ok := repo.(*dictionary.CachingRepository); !ok {
		t.Errorf("repository should be cached when a scan cache is given, got %T", repo)
	}

	if err := reg.Remove("Mid"); err != nil {
		t.Fatalf("Remove() failed: %v", err)
	}
	if reg.Has("Mid") {
		t.Error("removed table is still registered")
	}
	if err := reg.Remove("Mid"); !errors.Is(err, dictionary.ErrNotFound) {
		t.Errorf("second Remove() error = %v, want ErrNotFound", err)
	}
}

func TestRegistryLoadAll(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() failed: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT table_name FROM metadata_entries`).
		WillReturnRows(sqlmock.NewRows([]string{"table_name"}).
			AddRow("DatawaveMetadata").
			AddRow("Existing").
			AddRow("bad-name"))

	reg := NewRegistry(PostgresFactory(db, nil))
	if err := reg.Create("Existing"); err != nil {
		t.Fatalf("Create() failed: %v", err)
	}

	loaded, err := reg.LoadAll(context.Background(), db)
	if err != nil {
		t.Fatalf("LoadAll() failed: %v", err)
	}
	if loaded != 1 {
		t.Errorf("LoadAll() loaded %d tables, want 1", loaded)
	}
	if diff := cmp.Diff([]string{"DatawaveMetadata", "Existing"}, reg.List()); diff != "" {
		t.Errorf("List() mismatch (-want +got):\n%s", diff)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestRegistryLoadAllStorageError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() failed: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT DISTINCT table_name`).WillReturnError(fmt.Errorf("dial tcp: %w", context.DeadlineExceeded))

	reg := NewRegistry(PostgresFactory(db, nil))
	if _, err := reg.LoadAll(context.Background(), db); !errors.Is(err, dictionary.ErrStorageUnavailable) {
		t.Errorf("LoadAll() error = %v, want ErrStorageUnavailable", err)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	reg := NewRegistry(MemoryFactory(nil, nil))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = reg.Create(fmt.Sprintf("T%d", i%5))
		}(i)
		go func(i int) {
			defer wg.Done()
			_, _ = reg.Repository(fmt.Sprintf("T%d", i%5))
			_ = reg.List()
		}(i)
	}
	wg.Wait()

	if got := len(reg.List()); got != 5 {
		t.Errorf("registry holds %d tables, want 5", got)
	}
}
