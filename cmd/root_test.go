package cmd

import (
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestPortComesFromEnvironment(t *testing.T) {
	t.Cleanup(viper.Reset)

	t.Setenv("PORT", "4567")
	t.Setenv("API_PORT", "9090")
	initConfig()

	assert.Equal(t, 4567, viper.GetInt("relay.port"))
	assert.Equal(t, 9090, viper.GetInt("api.port"))
}

func TestPortDefaultsWithoutEnvironment(t *testing.T) {
	t.Cleanup(viper.Reset)

	initConfig()

	assert.Equal(t, 3000, viper.GetInt("relay.port"))
	assert.Equal(t, 8080, viper.GetInt("api.port"))
}
