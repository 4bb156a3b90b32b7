// Package config loads the configuration of a draftsync process.
//
// Configuration comes from three layers, later ones winning: the built-in
// defaults, an optional YAML file and DRAFTSYNC_* environment variables.
// DRAFTSYNC_ENV=development or production swaps the telemetry defaults for
// that environment's profile before the file is read.
//
//	api:
//	  base_url: https://api.example.com/v5
//	  timeout: 30s
//	  requests_per_second: 10
//	sync:
//	  quiet_interval: 3s
//	  tick_interval: 500ms
//	catalog:
//	  paths: [./catalog]
//	  watch: true
//	policy:
//	  enabled: true
//	  paths: [./policies]
//	store:
//	  path: /var/lib/draftsync/draftsync.db
//	server:
//	  listen_address: :8090
//	telemetry:
//	  logging:
//	    level: info
//	    format: json
//
// # Environment
//
//	DRAFTSYNC_API_BASE_URL, DRAFTSYNC_API_TOKEN, DRAFTSYNC_API_TIMEOUT,
//	DRAFTSYNC_API_RPS, DRAFTSYNC_API_BURST, DRAFTSYNC_QUIET_INTERVAL,
//	DRAFTSYNC_TICK_INTERVAL, DRAFTSYNC_EVENT_RETENTION, DRAFTSYNC_CATALOG_PATHS,
//	DRAFTSYNC_CATALOG_WATCH, DRAFTSYNC_POLICY_ENABLED, DRAFTSYNC_POLICY_PATHS,
//	DRAFTSYNC_STORE_PATH, DRAFTSYNC_LISTEN_ADDR, DRAFTSYNC_ALLOWED_ORIGINS,
//	DRAFTSYNC_LOG_LEVEL, DRAFTSYNC_LOG_FORMAT, DRAFTSYNC_EVENTS_MIN_LEVEL,
//	DRAFTSYNC_METRICS_ENABLED,
//	DRAFTSYNC_METRICS_ADDR, DRAFTSYNC_TRACING_ENABLED, DRAFTSYNC_TRACING_EXPORTER,
//	DRAFTSYNC_TRACING_ENDPOINT
//
// List values are comma separated. Validation uses go-playground/validator
// struct tags and reports every failing field at once.
package config
