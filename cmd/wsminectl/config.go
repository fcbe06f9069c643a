package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/wsmine/internal/client"
)

type fileConfig struct {
	Address     string `toml:"address"`
	DialTimeout string `toml:"dial_timeout"`
	Verify      bool   `toml:"verify"`
	Shards      int    `toml:"shards"`
}

type profile struct {
	Client client.Config
	Shards int
}

func defaultProfile() profile {
	return profile{Client: client.DefaultConfig(), Shards: 1}
}

// loadProfile overlays the keys present in path onto the defaults.
func loadProfile(path string) (profile, error) {
	p := defaultProfile()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return profile{}, fmt.Errorf("load client profile: %w", err)
	}

	if meta.IsDefined("address") {
		addr := strings.TrimSpace(raw.Address)
		if addr != "" {
			p.Client.Address = addr
		}
	}

	if meta.IsDefined("dial_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.DialTimeout))
		if err != nil {
			return profile{}, fmt.Errorf("parse dial_timeout: %w", err)
		}
		p.Client.DialTimeout = d
	}

	if meta.IsDefined("verify") {
		p.Client.Verify = raw.Verify
	}

	if meta.IsDefined("shards") {
		if raw.Shards < 1 {
			return profile{}, fmt.Errorf("shards must be >= 1, got %d", raw.Shards)
		}
		p.Shards = raw.Shards
	}

	return p, nil
}
