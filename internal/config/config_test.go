package config

import "testing"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("ADMIN_API_KEY", "admin-secret")
	t.Setenv("DATABASE_URL", "postgres://localhost/gateway")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
}

func TestFromEnvDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.Env != Development {
		t.Errorf("env = %s, want development", cfg.Env)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %s, want info", cfg.LogLevel)
	}
	if !cfg.MetricsEnabled {
		t.Error("metrics should default enabled")
	}
	if cfg.TracingEnabled {
		t.Error("tracing should default disabled")
	}
}

func TestFromEnvMissingRequired(t *testing.T) {
	cases := []string{"ADMIN_API_KEY", "DATABASE_URL", "REDIS_URL"}
	for _, missing := range cases {
		t.Run(missing, func(t *testing.T) {
			setRequired(t)
			t.Setenv(missing, "")
			if _, err := FromEnv(); err == nil {
				t.Errorf("no error with %s unset", missing)
			}
		})
	}
}

func TestFromEnvPort(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9999")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9999 || cfg.Addr() != ":9999" {
		t.Errorf("port = %d addr = %s", cfg.Port, cfg.Addr())
	}

	t.Setenv("PORT", "notaport")
	if _, err := FromEnv(); err == nil {
		t.Error("invalid PORT accepted")
	}

	t.Setenv("PORT", "70000")
	if _, err := FromEnv(); err == nil {
		t.Error("out-of-range PORT accepted")
	}
}

func TestFromEnvNodeEnvFallback(t *testing.T) {
	setRequired(t)
	t.Setenv("NODE_ENV", "production")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Env != Production {
		t.Errorf("env = %s, want production via NODE_ENV", cfg.Env)
	}

	// ENV wins over NODE_ENV.
	t.Setenv("ENV", "test")
	cfg, err = FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Env != Test {
		t.Errorf("env = %s, want test", cfg.Env)
	}
}

func TestFromEnvInvalidEnv(t *testing.T) {
	setRequired(t)
	t.Setenv("ENV", "staging")
	if _, err := FromEnv(); err == nil {
		t.Error("invalid ENV accepted")
	}
}

func TestFromEnvLogLevels(t *testing.T) {
	setRequired(t)
	for _, level := range []string{"fatal", "error", "warn", "info", "debug", "trace"} {
		t.Setenv("LOG_LEVEL", level)
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("%s: %v", level, err)
		}
		if cfg.LogLevel != level {
			t.Errorf("log level = %s, want %s", cfg.LogLevel, level)
		}
	}

	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := FromEnv(); err == nil {
		t.Error("invalid LOG_LEVEL accepted")
	}
}

func TestFromEnvBools(t *testing.T) {
	setRequired(t)
	t.Setenv("METRICS_ENABLED", "false")
	t.Setenv("TRACING_ENABLED", "true")
	cfg, err := FromEnv()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MetricsEnabled {
		t.Error("METRICS_ENABLED=false ignored")
	}
	if !cfg.TracingEnabled {
		t.Error("TRACING_ENABLED=true ignored")
	}

	t.Setenv("METRICS_ENABLED", "maybe")
	if _, err := FromEnv(); err == nil {
		t.Error("invalid METRICS_ENABLED accepted")
	}
}
