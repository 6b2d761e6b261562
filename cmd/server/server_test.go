//go:build integration

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/liamcoop/datadictionary/dictionary"
	"github.com/liamcoop/datadictionary/internal/auth"
	"github.com/liamcoop/datadictionary/internal/metrics"
	"github.com/liamcoop/datadictionary/migrations"
	"github.com/liamcoop/datadictionary/tables"
	"github.com/liamcoop/datadictionary/visibility"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB starts a PostgreSQL container and applies the embedded
// migrations.
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	if _, err := migrations.Up(connStr); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}
	return db, cleanup
}

// TestEndToEndPostgres seeds a metadata table, then reads and edits it over
// HTTP:
// 1. Discover tables
// 2. Read the filtered dictionary
// 3. Set and delete a description as an administrator
func TestEndToEndPostgres(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	ctx := context.Background()
	pub := visibility.NewMarkings("PUBLIC")
	seedRepo := dictionary.NewPostgresRepository(db, "DatawaveMetadata")
	err := seedRepo.Insert(ctx,
		dictionary.MetadataEntry{DataType: "fooType", FieldName: "fooField", Markings: pub},
		dictionary.MetadataEntry{DataType: "fooType", FieldName: "fooField", Description: "my foo field", Markings: pub},
		dictionary.MetadataEntry{DataType: "barType", FieldName: "barField", Markings: visibility.NewMarkings("PRIVATE")},
		dictionary.MetadataEntry{
			DataType: "fooType",
			Edge:     &dictionary.EdgeRelationship{SourceField: "fooField", TargetField: "barField", Relationship: "REFERENCES"},
			Markings: pub,
		},
	)
	if err != nil {
		t.Fatalf("Insert() failed: %v", err)
	}

	t.Log("Step 1: Discovering tables...")
	registry := tables.NewRegistry(tables.PostgresFactory(db, dictionary.NewInMemoryScanCache(dictionary.DefaultCacheConfig())))
	loaded, err := registry.LoadAll(ctx, db)
	if err != nil {
		t.Fatalf("LoadAll() failed: %v", err)
	}
	if loaded != 1 {
		t.Fatalf("LoadAll() loaded %d tables, want 1", loaded)
	}

	engine, err := visibility.NewEngine(visibility.DefaultEngineConfig())
	if err != nil {
		t.Fatalf("NewEngine() failed: %v", err)
	}
	m := metrics.New()
	authn, err := auth.NewAuthenticator("integration-secret", time.Hour)
	if err != nil {
		t.Fatalf("NewAuthenticator() failed: %v", err)
	}
	server, err := NewServer(Options{
		Service:       dictionary.NewService(registry, dictionary.NewRolePolicy(), engine, dictionary.DefaultServiceConfig(), m),
		Tables:        registry,
		Authenticator: authn,
		Metrics:       m,
		Health:        db.PingContext,
	})
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	ts := httptest.NewServer(server)
	defer ts.Close()

	userToken, _ := authn.GenerateToken("user", nil, []string{"PUBLIC"})
	adminToken, _ := authn.GenerateToken("admin", []string{"Administrator"}, []string{"PUBLIC", "PRIVATE"})

	call := func(method, path, token string) *http.Response {
		req, err := http.NewRequest(method, ts.URL+path, nil)
		if err != nil {
			t.Fatalf("Failed to build request: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s %s failed: %v", method, path, err)
		}
		return resp
	}
	decode := func(resp *http.Response) DictionaryResponse {
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", resp.StatusCode)
		}
		var out DictionaryResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			t.Fatalf("Failed to decode response: %v", err)
		}
		return out
	}

	t.Log("Step 2: Reading the dictionary...")
	dict := decode(call(http.MethodGet, "/dictionary/data/v1/", userToken))
	if dict.TotalResults != 2 || len(dict.Fields) != 1 {
		t.Fatalf("user dictionary = %d of %d fields, want 1 of 2", len(dict.Fields), dict.TotalResults)
	}
	if got := dict.Fields[0].Descriptions; len(got) != 1 || got[0].Text != "my foo field" {
		t.Errorf("descriptions = %+v, want [my foo field]", got)
	}

	edges := decode(call(http.MethodGet, "/dictionary/edge/v1/", userToken))
	if len(edges.Fields) != 1 || edges.Fields[0].Relationship != "REFERENCES" {
		t.Errorf("edges = %+v, want one REFERENCES edge", edges.Fields)
	}

	t.Log("Step 3: Editing descriptions...")
	resp := call(http.MethodPut, "/dictionary/data/v1/Descriptions/barType/barField/secret%20bar?columnVisibility=PRIVATE", userToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("user PUT status = %d, want 403", resp.StatusCode)
	}

	resp = call(http.MethodPut, "/dictionary/data/v1/Descriptions/barType/barField/secret%20bar?columnVisibility=PRIVATE", adminToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin PUT status = %d, want 200", resp.StatusCode)
	}

	described := decode(call(http.MethodGet, "/dictionary/data/v1/Descriptions/barType", adminToken))
	if len(described.Fields) != 1 || described.Fields[0].Descriptions[0].Text != "secret bar" {
		t.Errorf("barType descriptions = %+v, want [secret bar]", described.Fields)
	}
	hidden := decode(call(http.MethodGet, "/dictionary/data/v1/Descriptions/barType", userToken))
	if len(hidden.Fields) != 0 {
		t.Errorf("user sees %d PRIVATE descriptions, want 0", len(hidden.Fields))
	}

	resp = call(http.MethodDelete, "/dictionary/data/v1/Descriptions/barType/barField?columnVisibility=PRIVATE", adminToken)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("admin DELETE status = %d, want 200", resp.StatusCode)
	}
	described = decode(call(http.MethodGet, "/dictionary/data/v1/Descriptions/barType", adminToken))
	if len(described.Fields) != 0 {
		t.Errorf("descriptions after delete = %+v, want none", described.Fields)
	}
}
