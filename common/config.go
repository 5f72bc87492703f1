package common

import "github.com/spf13/viper"

// ===============================================================================
// Position Generator Related Config

// EntityConfig defines one tracked entity in the fixed pool
type EntityConfig struct {
	// ID is the stable key identifying this entity
	ID string `mapstructure:"id" json:"id" validate:"required"`
	// DisplayName is the human readable name attached to emitted events
	DisplayName string `mapstructure:"display_name" json:"display_name" validate:"required"`
	// StartLat is the entity's starting latitude in degrees
	StartLat float64 `mapstructure:"start_lat" json:"start_lat" validate:"gte=-90,lte=90"`
	// StartLon is the entity's starting longitude in degrees
	StartLon float64 `mapstructure:"start_lon" json:"start_lon" validate:"gte=-180,lte=180"`
}

// GeoBoundsConfig defines the bounding box all generated positions are clamped into
type GeoBoundsConfig struct {
	// MinLat is the southern edge of the box in degrees
	MinLat float64 `mapstructure:"min_lat" json:"min_lat" validate:"gte=-90,lte=90"`
	// MaxLat is the northern edge of the box in degrees
	MaxLat float64 `mapstructure:"max_lat" json:"max_lat" validate:"gte=-90,lte=90,gtefield=MinLat"`
	// MinLon is the western edge of the box in degrees
	MinLon float64 `mapstructure:"min_lon" json:"min_lon" validate:"gte=-180,lte=180"`
	// MaxLon is the eastern edge of the box in degrees
	MaxLon float64 `mapstructure:"max_lon" json:"max_lon" validate:"gte=-180,lte=180,gtefield=MinLon"`
}

// GeneratorConfig defines parameters for the position generator
type GeneratorConfig struct {
	// TickIntervalMS is the duration between generator ticks in ms
	TickIntervalMS int `mapstructure:"tick_interval_ms" json:"tick_interval_ms" validate:"gte=100"`
	// JitterDeg is the max per-axis perturbation applied on each tick in degrees
	JitterDeg float64 `mapstructure:"jitter_deg" json:"jitter_deg" validate:"gt=0"`
	// Bounds is the bounding box positions are clamped into
	Bounds GeoBoundsConfig `mapstructure:"bounds" json:"bounds" validate:"required"`
	// Entities is the fixed pool of tracked entities. Must not be empty.
	Entities []EntityConfig `mapstructure:"entities" json:"entities" validate:"required,min=1,dive"`
}

// ===============================================================================
// Subscription Session Related Config

// SessionConfig defines per subscription session parameters
type SessionConfig struct {
	// BufferSize is the capacity of a session's outbound event buffer.
	//
	// When a consumer reads slower than events arrive, the oldest
	// buffered events are dropped first once this capacity is reached.
	BufferSize int `mapstructure:"buffer_size" json:"buffer_size" validate:"gte=1"`
}

// ===============================================================================
// HTTP Related Config

// HTTPServerConfig defines the HTTP server parameters
type HTTPServerConfig struct {
	// ListenOn is the interface the HTTP server will listen on
	ListenOn string `mapstructure:"listen_on" json:"listen_on" validate:"required,ip"`
	// Port is the port the HTTP server will listen on
	Port uint16 `mapstructure:"listen_port" json:"listen_port" validate:"required,gt=0,lt=65536"`
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body in seconds. A zero or negative
	// value means there will be no timeout.
	ReadTimeout int `mapstructure:"read_timeout_sec" json:"read_timeout_sec" validate:"gte=0"`
	// WriteTimeout is the maximum duration before timing out
	// writes of the response in seconds. A zero or negative value
	// means there will be no timeout. The live feed endpoint requires
	// this to be zero.
	WriteTimeout int `mapstructure:"write_timeout_sec" json:"write_timeout_sec" validate:"gte=0"`
	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled in seconds. If
	// IdleTimeout is zero, the value of ReadTimeout is used. If
	// both are zero, there is no timeout.
	IdleTimeout int `mapstructure:"idle_timeout_sec" json:"idle_timeout_sec" validate:"gte=0"`
}

// HTTPRequestLogging defines HTTP request logging parameters
type HTTPRequestLogging struct {
	// RequestIDHeader is the HTTP header containing the API request ID
	RequestIDHeader string `mapstructure:"request_id_header" json:"request_id_header"`
	// DoNotLogHeaders is the list of headers to not include in logging metadata
	DoNotLogHeaders []string `mapstructure:"do_not_log_headers" json:"do_not_log_headers"`
}

// HTTPConfig defines HTTP API / server parameters
type HTTPConfig struct {
	// Server defines HTTP server parameters
	Server HTTPServerConfig `mapstructure:"server_config" json:"server_config" validate:"required,dive"`
	// Logging defines operation logging parameters
	Logging HTTPRequestLogging `mapstructure:"logging_config" json:"logging_config" validate:"required,dive"`
}

// ===============================================================================
// Tracker Server Related Config

// TrackerEndpointConfig defines tracker API endpoint config
type TrackerEndpointConfig struct {
	// PathPrefix is the end-point path prefix for the tracker APIs
	PathPrefix string `mapstructure:"path_prefix" json:"path_prefix" validate:"required"`
}

// TrackerServerConfig defines configuration for the tracker API server
type TrackerServerConfig struct {
	// Generator defines position generator parameters
	Generator GeneratorConfig `mapstructure:"generator" json:"generator" validate:"required,dive"`
	// Session defines per subscription session parameters
	Session SessionConfig `mapstructure:"session" json:"session" validate:"required,dive"`
	// HTTPSetting is the HTTP API / server parameters for the tracker API server
	HTTPSetting HTTPConfig `mapstructure:"api_server" json:"api_server" validate:"required,dive"`
	// Endpoints is the API endpoint config parameters for the tracker API server
	Endpoints TrackerEndpointConfig `mapstructure:"endpoint_config" json:"endpoint_config" validate:"required,dive"`
}

// ===============================================================================
// Watch Client Related Config

// RetryConfig defines stream reconnect parameters
type RetryConfig struct {
	// MaxAttempts sets the max number of reconnect attempts (-1 is unlimited)
	MaxAttempts int `mapstructure:"max_attempts" json:"max_attempts" validate:"gte=-1"`
	// InitWaitInterval is the wait before the first reconnect attempt in seconds.
	// The wait doubles on each further attempt.
	InitWaitInterval int `mapstructure:"init_wait_interval_sec" json:"init_wait_interval_sec" validate:"gte=1"`
	// MaxWaitInterval is the ceiling on the reconnect wait in seconds
	MaxWaitInterval int `mapstructure:"max_wait_interval_sec" json:"max_wait_interval_sec" validate:"gte=1"`
}

// WatchClientConfig defines configuration for the watch client
type WatchClientConfig struct {
	// ServerURI points at the tracker API server
	ServerURI string `mapstructure:"server_uri" json:"server_uri" validate:"required,uri"`
	// TrailCap is the max number of retained trail points per entity
	TrailCap int `mapstructure:"trail_cap" json:"trail_cap" validate:"gte=2"`
	// RecentCap is the max size of the recent events window
	RecentCap int `mapstructure:"recent_cap" json:"recent_cap" validate:"gte=1"`
	// NotificationCap is the max size of the pending notification queue
	NotificationCap int `mapstructure:"notification_cap" json:"notification_cap" validate:"gte=1"`
	// Reconnect defines stream reconnect parameters
	Reconnect RetryConfig `mapstructure:"reconnect" json:"reconnect" validate:"required,dive"`
}

// ===============================================================================
// Complete Config

// SystemConfig defines the complete system config used by either the tracker
// server or the watch client
type SystemConfig struct {
	// Tracker are the tracker API server configs
	Tracker *TrackerServerConfig `mapstructure:"tracker,omitempty" json:"tracker,omitempty" validate:"omitempty,dive"`
	// Watch are the watch client configs
	Watch *WatchClientConfig `mapstructure:"watch,omitempty" json:"watch,omitempty" validate:"omitempty,dive"`
}

// ===============================================================================

// InstallDefaultConfigValues installs default config parameters in viper
func InstallDefaultConfigValues() {
	// Default generator settings
	viper.SetDefault("tracker.generator.tick_interval_ms", 5000)
	viper.SetDefault("tracker.generator.jitter_deg", 0.15)
	viper.SetDefault("tracker.generator.bounds.min_lat", 35.0)
	viper.SetDefault("tracker.generator.bounds.max_lat", 72.0)
	viper.SetDefault("tracker.generator.bounds.min_lon", -25.0)
	viper.SetDefault("tracker.generator.bounds.max_lon", 45.0)
	viper.SetDefault("tracker.generator.entities", []map[string]interface{}{
		{"id": "unit-001", "display_name": "Unit 001", "start_lat": 52.520008, "start_lon": 13.404954},
		{"id": "unit-002", "display_name": "Unit 002", "start_lat": 48.856613, "start_lon": 2.352222},
		{"id": "unit-003", "display_name": "Unit 003", "start_lat": 51.507351, "start_lon": -0.127758},
		{"id": "unit-004", "display_name": "Unit 004", "start_lat": 41.902782, "start_lon": 12.496366},
	})

	// Default session settings
	viper.SetDefault("tracker.session.buffer_size", 64)

	// Default tracker API server settings
	viper.SetDefault("tracker.endpoint_config.path_prefix", "/")
	viper.SetDefault("tracker.api_server.server_config.listen_on", "0.0.0.0")
	viper.SetDefault("tracker.api_server.server_config.listen_port", 3000)
	viper.SetDefault("tracker.api_server.server_config.read_timeout_sec", 60)
	// The live feed is a long lived response stream, so no write timeout
	viper.SetDefault("tracker.api_server.server_config.write_timeout_sec", 0)
	viper.SetDefault("tracker.api_server.server_config.idle_timeout_sec", 600)
	viper.SetDefault(
		"tracker.api_server.logging_config.request_id_header", "Livetrack-Request-ID",
	)
	viper.SetDefault(
		"tracker.api_server.logging_config.do_not_log_headers", []string{
			"WWW-Authenticate", "Authorization", "Proxy-Authenticate", "Proxy-Authorization",
		},
	)

	// Default watch client settings
	viper.SetDefault("watch.server_uri", "http://127.0.0.1:3000")
	viper.SetDefault("watch.trail_cap", 512)
	viper.SetDefault("watch.recent_cap", 50)
	viper.SetDefault("watch.notification_cap", 100)
	viper.SetDefault("watch.reconnect.max_attempts", -1)
	viper.SetDefault("watch.reconnect.init_wait_interval_sec", 1)
	viper.SetDefault("watch.reconnect.max_wait_interval_sec", 30)
}
