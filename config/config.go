package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the application configuration, loaded from a yaml file over
// the defaults. It is passed explicitly into stack and connection creation
// rather than read from package globals.
type Config struct {
	TunName    string `yaml:"tunName"`    // TUN interface name
	TunAddress string `yaml:"tunAddress"` // CIDR assigned to the interface, e.g. 10.0.0.1/24
	PacketInfo bool   `yaml:"packetInfo"` // keep the 4-byte TUN packet-info prefix
	MTU        int    `yaml:"mtu"`

	ListenIP   string `yaml:"listenIP"`   // local address to accept SYNs on; empty means any
	ListenPort uint16 `yaml:"listenPort"` // local port to accept SYNs on

	InitialSeqNumber uint32 `yaml:"initialSeqNumber"` // 0 draws a random ISN per connection
	WindowSize       uint16 `yaml:"windowSize"`
	TTL              uint8  `yaml:"ttl"`
	IdleTimeoutSecs  int    `yaml:"idleTimeoutSecs"` // 0 disables the idle timeout
	MslSecs          int    `yaml:"mslSecs"`

	FramePoolSize        int  `yaml:"framePoolSize"`
	VerifyChecksums      bool `yaml:"verifyChecksums"`
	ProcessTimeThreshold int  `yaml:"processTimeThreshold"`
	ClientPortLower      int  `yaml:"clientPortLower"`
	ClientPortUpper      int  `yaml:"clientPortUpper"`

	Debug     bool `yaml:"debug"`
	PoolDebug bool `yaml:"poolDebug"`
}

// AppConfig is the process-wide configuration instance, set at startup.
var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		TunName:              "tcp0",
		TunAddress:           "10.0.0.1/24",
		PacketInfo:           true,
		MTU:                  1500,
		ListenPort:           80,
		WindowSize:           4096,
		TTL:                  64,
		MslSecs:              60,
		FramePoolSize:        2000,
		VerifyChecksums:      true,
		ProcessTimeThreshold: 10,
		ClientPortLower:      32768,
		ClientPortUpper:      60999,
	}
}

// ReadConfig loads path over the defaults. A missing file is not an error;
// the defaults are returned so the stack can run unconfigured.
func ReadConfig(path string) (*Config, error) {
	config := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return config, nil
}
