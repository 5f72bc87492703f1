package common

import (
	"bytes"
	"testing"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

func TestViperConfigParsing(t *testing.T) {
	assert := assert.New(t)
	log.SetLevel(log.DebugLevel)

	validate := validator.New()

	// Case 0: parse config with no defaults in place
	{
		viper.Reset()
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.Nil(cfg.Tracker)
		assert.Nil(cfg.Watch)
	}

	// Case 1: load the default configs
	{
		var cfg SystemConfig
		InstallDefaultConfigValues()
		assert.Nil(viper.Unmarshal(&cfg))
		assert.Nil(validate.Struct(&cfg))
		assert.NotNil(cfg.Tracker)
		assert.Equal(5000, cfg.Tracker.Generator.TickIntervalMS)
		assert.Len(cfg.Tracker.Generator.Entities, 4)
		assert.Equal(64, cfg.Tracker.Session.BufferSize)
		assert.NotNil(cfg.Watch)
		assert.Equal(512, cfg.Watch.TrailCap)
		assert.Equal(100, cfg.Watch.NotificationCap)
		assert.Equal(-1, cfg.Watch.Reconnect.MaxAttempts)
	}

	// Case 2: inverted bounding box
	{
		config := []byte(`---
tracker:
  generator:
    bounds:
      max_lat: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 3: invalid tick interval
	{
		config := []byte(`---
tracker:
  generator:
    tick_interval_ms: 10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 4: trail cap too small to hold a route
	{
		config := []byte(`---
watch:
  trail_cap: 1`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}

	// Case 5: invalid HTTP server timeout
	{
		config := []byte(`---
tracker:
  api_server:
    server_config:
      write_timeout_sec: -10`)
		viper.SetConfigType("yaml")
		assert.Nil(viper.ReadConfig(bytes.NewBuffer(config)))
		var cfg SystemConfig
		assert.Nil(viper.Unmarshal(&cfg))
		assert.NotNil(validate.Struct(&cfg))
	}
}
