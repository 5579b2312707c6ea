package types

import (
	"testing"

	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionTargetDSN(t *testing.T) {
	base := ConnectionTarget{Host: "db", Port: 5432, User: "etl", Database: "prices"}

	tests := []struct {
		name     string
		password string
		want     string
	}{
		{
			name:     "plain",
			password: "secret",
			want:     `host='db' port=5432 user='etl' password='secret' dbname='prices' sslmode='disable'`,
		},
		{
			name:     "space",
			password: "has space",
			want:     `host='db' port=5432 user='etl' password='has space' dbname='prices' sslmode='disable'`,
		},
		{
			name:     "single quote",
			password: "it's",
			want:     `host='db' port=5432 user='etl' password='it\'s' dbname='prices' sslmode='disable'`,
		},
		{
			name:     "backslash",
			password: `back\slash`,
			want:     `host='db' port=5432 user='etl' password='back\\slash' dbname='prices' sslmode='disable'`,
		},
		{
			name:     "embedded key",
			password: "x sslmode=require",
			want:     `host='db' port=5432 user='etl' password='x sslmode=require' dbname='prices' sslmode='disable'`,
		},
		{
			name:     "empty",
			password: "",
			want:     `host='db' port=5432 user='etl' password='' dbname='prices' sslmode='disable'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target := base
			target.Password = tt.password

			dsn := target.DSN()
			assert.Equal(t, tt.want, dsn)

			_, err := pq.NewConnector(dsn)
			require.NoError(t, err)
		})
	}
}

func TestConnectionTargetDSNKeepsSSLMode(t *testing.T) {
	target := ConnectionTarget{Host: "db", Port: 5432, User: "etl", Password: "p", Database: "prices", SSLMode: "require"}
	assert.Contains(t, target.DSN(), "sslmode='require'")
}

func TestConnectionTargetStringHidesPassword(t *testing.T) {
	target := ConnectionTarget{Host: "db", Port: 5432, User: "etl", Password: "has space", Database: "prices"}
	assert.Equal(t, "etl@db:5432/prices", target.String())
	assert.NotContains(t, target.URL(), "has space")
}
