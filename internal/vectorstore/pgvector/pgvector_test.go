package pgvector

import (
	"strings"
	"testing"
)

func TestValidCollection(t *testing.T) {
	t.Parallel()
	valid := []string{"vectors", "product_catalog", "_internal", "c0"}
	for _, name := range valid {
		if err := validCollection(name); err != nil {
			t.Errorf("expected %q to be valid: %v", name, err)
		}
	}

	invalid := []string{
		"",
		"Products",                   // upper case
		"0start",                     // leading digit
		"drop table; --",             // injection attempt
		"a-b",                        // dash
		strings.Repeat("x", 64),      // too long
		`vectors"; DROP TABLE users`, // quoting attempt
	}
	for _, name := range invalid {
		if err := validCollection(name); err == nil {
			t.Errorf("expected %q to be rejected", name)
		}
	}
}

func TestDDL_EmbedsDimension(t *testing.T) {
	t.Parallel()
	got := ddl("product_catalog", 768)
	if !strings.Contains(got, "vector(768)") {
		t.Errorf("expected vector(768) in DDL, got:\n%s", got)
	}
	if !strings.Contains(got, "CREATE TABLE IF NOT EXISTS product_catalog") {
		t.Errorf("expected table name in DDL, got:\n%s", got)
	}
	if !strings.Contains(got, "hnsw (embedding vector_cosine_ops)") {
		t.Errorf("expected hnsw cosine index in DDL, got:\n%s", got)
	}
}
