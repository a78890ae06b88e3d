package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	"github.com/nuts-foundation/zorgadresboek/cmd/core"
	"github.com/nuts-foundation/zorgadresboek/component/addressing"
	"github.com/nuts-foundation/zorgadresboek/component/http"
	"github.com/nuts-foundation/zorgadresboek/component/mcsd"
	"github.com/nuts-foundation/zorgadresboek/component/notify"
	"github.com/nuts-foundation/zorgadresboek/component/registry"
	"github.com/nuts-foundation/zorgadresboek/component/tracing"
)

type StorageConfig struct {
	// DSN is the PostgreSQL connection string. Empty means in-memory storage,
	// for development only.
	DSN string `koanf:"dsn"`
}

type Config struct {
	core.Config `koanf:",squash"`
	Storage     StorageConfig     `koanf:"storage"`
	MCSD        mcsd.Config       `koanf:"mcsd"`
	Registry    registry.Config   `koanf:"registry"`
	Addressing  addressing.Config `koanf:"addressing"`
	Notify      notify.Config     `koanf:"notify"`
	HTTP        http.Config       `koanf:"http"`
	Tracing     tracing.Config    `koanf:"tracing"`
}

func DefaultConfig() Config {
	return Config{
		Config:     core.DefaultConfig(),
		MCSD:       mcsd.DefaultConfig(),
		Registry:   registry.DefaultConfig(),
		Addressing: addressing.DefaultConfig(),
		Notify:     notify.DefaultConfig(),
		HTTP:       http.DefaultConfig(),
		Tracing:    tracing.DefaultConfig(),
	}
}

// LoadConfig loads configuration from YAML file and environment variables.
// Explicit config files take precedence over the default location.
func LoadConfig(configFiles ...string) (Config, error) {
	k := koanf.New(".")

	defaultConfig := DefaultConfig()
	if err := k.Load(structs.Provider(defaultConfig, "koanf"), nil); err != nil {
		return Config{}, err
	}

	if len(configFiles) == 0 {
		configFiles = []string{"config/zorgadresboek.yml"}
	}
	for _, cf := range configFiles {
		if _, err := os.Stat(cf); err == nil {
			if err := k.Load(file.Provider(cf), yaml.Parser()); err != nil {
				return Config{}, fmt.Errorf("failed to load config file %s: %w", cf, err)
			}
			break
		}
	}

	// Load environment variables with ZAB_ prefix
	if err := k.Load(env.Provider("ZAB_", ".", func(s string) string {
		// Convert ZAB_MCSD_QUERYDIRECTORY_FHIRBASEURL to mcsd.querydirectory.fhirbaseurl
		key := strings.TrimPrefix(s, "ZAB_")
		parts := strings.Split(key, "_")
		result := make([]string, len(parts))
		for i, part := range parts {
			result[i] = strings.ToLower(part)
		}
		return strings.Join(result, ".")
	}), nil); err != nil {
		return Config{}, err
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}
