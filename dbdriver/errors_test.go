package dbdriver

import (
	"testing"

	"github.com/jackc/pgconn"

	"github.com/whisthq/whist/backend/webserver/utils"
)

func TestIsLockTimeout(t *testing.T) {
	var tests = []struct {
		name string
		err  error
		want bool
	}{
		{"lock timeout", &pgconn.PgError{Code: "55P03"}, true},
		{"wrapped lock timeout", utils.MakeError("claim failed: %w", &pgconn.PgError{Code: "55P03"}), true},
		{"other pg error", &pgconn.PgError{Code: "23505"}, false},
		{"plain error", utils.MakeError("something broke"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLockTimeout(tt.err); got != tt.want {
				t.Errorf("isLockTimeout(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
