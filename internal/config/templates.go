package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "server":
		return serverTemplate, nil
	case "client":
		return clientTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const serverTemplate = `listen_addr = ":8000"
admin_addr = "127.0.0.1:8001"
max_concurrent = 64
read_timeout = "30s"
write_timeout = "30s"
watch_disconnect = true
check_interval = 1024
max_line_bytes = 8192
max_headers = 100
max_body_bytes = 8388608
max_buffer_bytes = 67108864
cors_origins = ["http://localhost:3000"]
`

const clientTemplate = `address = "localhost:8000"
dial_timeout = "5s"
verify = true
shards = 1
`
