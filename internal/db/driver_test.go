package db

import "testing"

func TestChooseDefaultsToSQLite(t *testing.T) {
	t.Parallel()

	got, err := Choose("", "", "")
	if err != nil {
		t.Fatalf("Choose: %v", err)
	}
	if got.Backend != BackendSQLite || got.Name != "sqlite" {
		t.Errorf("got %+v, want sqlite backend", got)
	}
	if got.DSN != DefaultSQLitePath {
		t.Errorf("DSN = %q, want %q", got.DSN, DefaultSQLitePath)
	}
}

func TestChooseAliases(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		driver      string
		path        string
		dsn         string
		wantBackend Backend
		wantName    string
		wantDSN     string
	}{
		{name: "sqlite3", driver: "sqlite3", path: "/data/hp.db", wantBackend: BackendSQLite, wantName: "sqlite", wantDSN: "/data/hp.db"},
		{name: "modernc", driver: "modernc", wantBackend: BackendSQLite, wantName: "sqlite", wantDSN: DefaultSQLitePath},
		{name: "memory", driver: "SQLite", path: ":memory:", wantBackend: BackendSQLite, wantName: "sqlite", wantDSN: ":memory:"},
		{name: "postgres", driver: "postgres", dsn: "postgres://u:p@localhost/hp", wantBackend: BackendPostgres, wantName: "pgx", wantDSN: "postgres://u:p@localhost/hp"},
		{name: "pgx alias", driver: "pgx", dsn: "postgres://localhost/hp", wantBackend: BackendPostgres, wantName: "pgx", wantDSN: "postgres://localhost/hp"},
		{name: "postgres ignores path", driver: "postgresql", path: "/x.db", dsn: "postgres://h/db", wantBackend: BackendPostgres, wantName: "pgx", wantDSN: "postgres://h/db"},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Choose(tc.driver, tc.path, tc.dsn)
			if err != nil {
				t.Fatalf("Choose: %v", err)
			}
			if got.Backend != tc.wantBackend || got.Name != tc.wantName || got.DSN != tc.wantDSN {
				t.Errorf("got %+v, want backend=%s name=%s dsn=%s", got, tc.wantBackend, tc.wantName, tc.wantDSN)
			}
		})
	}
}

func TestChooseErrors(t *testing.T) {
	t.Parallel()

	if _, err := Choose("postgres", "", ""); err == nil {
		t.Error("expected error for postgres without dsn")
	}
	if _, err := Choose("mysql", "", "user@tcp(localhost)/db"); err == nil {
		t.Error("expected error for unsupported driver")
	}
}
