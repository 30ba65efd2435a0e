package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/wtsi-hgi/forumstore/engine"
	"github.com/wtsi-hgi/forumstore/metrics"
)

var dotEnvFiles = []string{".env", ".env.local"} //nolint:gochecknoglobals

// loadDotEnv sets any of the engine's environment variables found in .env
// files, unless they are already set in the real environment. Later files
// override earlier ones.
func loadDotEnv() {
	orig := originalEnvKeys(engine.EnvKeys)

	for _, path := range dotEnvFiles {
		loadDotEnvFile(path, orig)
	}
}

func originalEnvKeys(keys []string) map[string]struct{} {
	orig := map[string]struct{}{}

	for _, key := range keys {
		if _, ok := os.LookupEnv(key); ok {
			orig[key] = struct{}{}
		}
	}

	return orig
}

func loadDotEnvFile(path string, orig map[string]struct{}) {
	env, err := godotenv.Read(path)
	if err != nil {
		return
	}

	for _, key := range engine.EnvKeys {
		val, ok := env[key]
		if !ok {
			continue
		}

		if _, ok := orig[key]; ok {
			continue
		}

		_ = os.Setenv(key, val)
	}
}

// openEngine loads the config from --config and the environment and opens an
// Engine with it, dying on failure.
func openEngine(m *metrics.Metrics) *engine.Engine {
	loadDotEnv()

	cfg, err := engine.LoadConfig(configPath)
	if err != nil {
		die("%s", err)
	}

	opts := []engine.Option{engine.WithLogger(appLogger)}
	if m != nil {
		opts = append(opts, engine.WithMetrics(m))
	}

	e, err := engine.Open(*cfg, opts...)
	if err != nil {
		die("failed to open engine: %s", err)
	}

	return e
}

// closeEngine closes e, warning about any error.
func closeEngine(e *engine.Engine) {
	if err := e.Close(); err != nil {
		warn("failed to close engine: %s", err)
	}
}
