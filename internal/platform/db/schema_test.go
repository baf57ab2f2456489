package db

import (
	"context"
	"testing"
)

func TestValidateSchema(t *testing.T) {
	tests := []struct {
		schema string
		valid  bool
	}{
		{"episodesync", true},
		{"episode_sync_2", true},
		{"_staging", true},
		{"", false},
		{"2fast", false},
		{"public; DROP TABLE x", false},
		{"with-dash", false},
	}
	for _, tt := range tests {
		err := ValidateSchema(tt.schema)
		if (err == nil) != tt.valid {
			t.Errorf("ValidateSchema(%q) error = %v, want valid=%v", tt.schema, err, tt.valid)
		}
	}
}

func TestTxFromContext_Empty(t *testing.T) {
	if tx := TxFromContext(context.Background()); tx != nil {
		t.Error("expected nil transaction on a bare context")
	}
}
