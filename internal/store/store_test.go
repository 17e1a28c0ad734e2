package store

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	"github.com/lib/pq"

	"github.com/joao-fontenele/shopflow/internal/domain"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		unavailable bool
	}{
		{"nil", nil, false},
		{"bad conn", fmt.Errorf("query: %w", driver.ErrBadConn), true},
		{"conn done", sql.ErrConnDone, true},
		{"dial failure", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, true},
		{"connection failure class", &pq.Error{Code: "08006"}, true},
		{"admin shutdown", &pq.Error{Code: "57P01"}, true},
		{"query cancelled", &pq.Error{Code: "57014"}, false},
		{"unique violation", &pq.Error{Code: "23505"}, false},
		{"no rows", sql.ErrNoRows, false},
		{"plain", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Classify(tt.err)
			if tt.err == nil {
				if got != nil {
					t.Fatalf("expected nil, got %v", got)
				}
				return
			}
			if errors.Is(got, domain.ErrStoreUnavailable) != tt.unavailable {
				t.Errorf("Classify(%v) unavailable = %v, want %v", tt.err, !tt.unavailable, tt.unavailable)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("expected original error to stay in the chain")
			}
		})
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	once := Classify(driver.ErrBadConn)
	twice := Classify(once)
	if once != twice {
		t.Errorf("expected classified error to be returned as is")
	}
}

func TestWithSearchPath(t *testing.T) {
	t.Run("url", func(t *testing.T) {
		got := WithSearchPath("postgres://u:p@localhost:5432/shop?sslmode=disable", "shop")
		if !strings.Contains(got, "search_path=shop") || !strings.Contains(got, "sslmode=disable") {
			t.Errorf("unexpected dsn: %s", got)
		}
	})

	t.Run("key value", func(t *testing.T) {
		got := WithSearchPath("host=localhost dbname=shop ", "shop")
		if got != "host=localhost dbname=shop search_path=shop" {
			t.Errorf("unexpected dsn: %s", got)
		}
	})

	t.Run("no schema", func(t *testing.T) {
		if got := WithSearchPath("host=localhost", ""); got != "host=localhost" {
			t.Errorf("unexpected dsn: %s", got)
		}
	})
}

func TestUniqueViolation(t *testing.T) {
	if !UniqueViolation(fmt.Errorf("insert: %w", &pq.Error{Code: "23505"})) {
		t.Error("expected unique violation")
	}
	if UniqueViolation(errors.New("boom")) {
		t.Error("expected plain error not to match")
	}
}
