package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "meshctl":
		return meshctlTemplate, nil
	case "profiles":
		return profilesTemplate, nil
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

const meshctlTemplate = `device = "base"
listen_addr = "127.0.0.1:8088"
cors_origins = ["http://localhost:5173"]
profiles_path = "profiles.toml"
auto_connect = true
message_history = 500

[auth]
token = "change-me"
jwt_secret = ""

[log]
level = "info"
file = ""

[storage]
backend = "badger"
path = "data/meshlink"
dsn = ""

[nats]
url = ""
max_reconnects = 60
reconnect_interval = "2s"

[session]
configure_timeout = "30s"
ack_timeout = "60s"
reconnect_kinds = ["ble", "serial", "tcp"]
max_attempts = 5

[transport]
tcp_connect_timeout = "10s"
tls_ca_file = ""
tls_server_name = ""
tls_insecure_skip_verify = false
serial_baud = 115200
ble_scan_timeout = "5s"
`

const profilesTemplate = `default = "desk"

[[profiles]]
name = "desk"
kind = "serial"
address = ""
auto_connect = true

[[profiles]]
name = "roof"
kind = "tcp"
address = "meshtastic.local"
`
