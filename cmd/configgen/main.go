package main

import (
	"flag"
	"fmt"

	"github.com/danmuck/wsmine/internal/config"
	"github.com/danmuck/wsmine/internal/observability"
)

func defaultPath(kind string) (string, error) {
	switch kind {
	case "server":
		return "cmd/wsmined/config.toml", nil
	case "client":
		return "cmd/wsminectl/profile.toml", nil
	default:
		return "", fmt.Errorf("unknown kind: %s", kind)
	}
}

func main() {
	logger := observability.InitLogger("configgen")

	kind := flag.String("kind", "server", "config kind: server|client")
	output := flag.String("output", "", "output path for config template")
	validate := flag.Bool("validate", false, "validate an existing server config file")
	input := flag.String("input", "", "config path for validation (defaults to per-kind cmd path)")
	force := flag.Bool("force", false, "overwrite existing config file")
	flag.Parse()

	if *validate {
		if *kind != "server" {
			logger.Fatal().Str("kind", *kind).Msg("validation supports server configs only")
		}
		path := *input
		if path == "" {
			var err error
			if path, err = defaultPath(*kind); err != nil {
				logger.Fatal().Err(err).Send()
			}
		}
		cfg, err := config.LoadServerConfig(path)
		if err != nil {
			logger.Fatal().Err(err).Send()
		}
		if _, err := cfg.ToServerConfig(); err != nil {
			logger.Fatal().Err(err).Send()
		}
		logger.Info().Str("kind", *kind).Str("path", path).Msg("validated config")
		return
	}

	target := *output
	if target == "" {
		var err error
		if target, err = defaultPath(*kind); err != nil {
			logger.Fatal().Err(err).Send()
		}
	}
	if err := config.WriteTemplate(target, *kind, *force); err != nil {
		logger.Fatal().Err(err).Send()
	}
	logger.Info().Str("kind", *kind).Str("path", target).Msg("wrote config template")
}
