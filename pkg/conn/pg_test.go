package conn

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOptionDSN(t *testing.T) {
	tests := map[string]struct {
		opt  Option
		want string
	}{
		"defaults": {
			opt:  Option{},
			want: "postgres://localhost:5432?sslmode=disable",
		},
		"explicit dsn": {
			opt:  Option{DSN: "postgres://u@db/x", Host: "ignored"},
			want: "postgres://u@db/x",
		},
		"full": {
			opt: Option{
				Host:     "db",
				Port:     6432,
				User:     "gateway",
				Password: "p@ss",
				Database: "journal",
				SSLMode:  "require",
				Params:   map[string]string{"application_name": "gateway", "": "skip"},
			},
			want: "postgres://gateway:p%40ss@db:6432/journal?application_name=gateway&sslmode=require",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.opt.dsn())
		})
	}
}
