// =============================================================================
// 📦 ServiceFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		Registry:  DefaultRegistryConfig(),
		Discovery: DefaultDiscoveryConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
		AnnouncementTTL: 90 * time.Second,
	}
}

// DefaultRegistryConfig 返回默认注册表配置
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		Endpoints:       nil,
		RemoteHost:      "",
		RemotePort:      0,
		DiscoverTimeout: 10 * time.Second,
		HealthTimeout:   5 * time.Second,
	}
}

// DefaultDiscoveryConfig 返回默认发现轮询配置
func DefaultDiscoveryConfig() DiscoveryConfig {
	return DiscoveryConfig{
		AutoRefresh:     false,
		RefreshInterval: 30 * time.Second,
		RequestTimeout:  10 * time.Second,
		RetryAttempts:   3,
		RetryDelay:      1 * time.Second,
		SnapshotKey:     "default",
	}
}

// DefaultRedisConfig 返回默认 Redis 快照配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Enabled:     false,
		Addr:        "localhost:6379",
		Password:    "",
		DB:          0,
		SnapshotTTL: 2 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "serviceflow",
		Namespace:    "serviceflow",
		SampleRate:   0.1,
	}
}
