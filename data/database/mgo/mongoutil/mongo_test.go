package mongoutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateBuildsURI(t *testing.T) {
	cfg := &Config{
		Address:  []string{"m1:27017", "m2:27017"},
		Database: "psync",
		Username: "root",
		Password: "secret",
	}
	require.NoError(t, cfg.ValidateAndSetDefaults())
	assert.Equal(t, "mongodb://root:secret@m1:27017,m2:27017/psync?authSource=psync&maxPoolSize=100", cfg.Uri)
	assert.Equal(t, defaultMaxRetry, cfg.MaxRetry)
}

func TestValidateRequiresTarget(t *testing.T) {
	assert.Error(t, (&Config{Database: "x"}).ValidateAndSetDefaults())
	assert.Error(t, (&Config{Uri: "mongodb://localhost"}).ValidateAndSetDefaults())
}
