package cluster

import (
	"fmt"
	"net"
	"os"

	"gopkg.in/yaml.v3"
)

// HAConfig is the pairing configuration shared with the external failover
// daemon through a YAML file in the data directory.
type HAConfig struct {
	Enabled   bool   `yaml:"enabled" json:"enabled"`
	Role      string `yaml:"role" json:"role"`
	VirtualIP string `yaml:"virtual_ip,omitempty" json:"virtualIp,omitempty"`
	Interface string `yaml:"interface,omitempty" json:"interface,omitempty"`
	PeerURL   string `yaml:"peer_url,omitempty" json:"peerUrl,omitempty"`
	Priority  int    `yaml:"priority,omitempty" json:"priority,omitempty"`
}

// LoadHAConfig reads the HA pairing file. A missing file returns a disabled
// config.
func LoadHAConfig(path string) (HAConfig, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return HAConfig{Role: string(RoleStandalone)}, nil
	}
	if err != nil {
		return HAConfig{}, fmt.Errorf("reading HA config: %w", err)
	}

	var cfg HAConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return HAConfig{}, fmt.Errorf("parsing HA config: %w", err)
	}
	if cfg.Role == "" {
		cfg.Role = string(RoleStandalone)
	}
	return cfg, nil
}

// SaveHAConfig writes the HA pairing file atomically.
func SaveHAConfig(path string, cfg HAConfig) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding HA config: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing HA config: %w", err)
	}
	return os.Rename(tmp, path)
}

// NetInterface is one interface with its addresses.
type NetInterface struct {
	Name      string   `yaml:"name" json:"name"`
	Addresses []string `yaml:"addresses" json:"addresses"`
}

// NetInfo describes the node's network identity, published so the peer setup
// UI can suggest bind addresses.
type NetInfo struct {
	Hostname   string         `yaml:"hostname" json:"hostname"`
	Interfaces []NetInterface `yaml:"interfaces" json:"interfaces"`
}

// CollectNetInfo snapshots the host's non-loopback interface addresses.
func CollectNetInfo() (NetInfo, error) {
	info := NetInfo{}
	if name, err := os.Hostname(); err == nil {
		info.Hostname = name
	}

	ifaces, err := net.Interfaces()
	if err != nil {
		return info, fmt.Errorf("listing interfaces: %w", err)
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil || len(addrs) == 0 {
			continue
		}
		ni := NetInterface{Name: iface.Name}
		for _, addr := range addrs {
			ni.Addresses = append(ni.Addresses, addr.String())
		}
		info.Interfaces = append(info.Interfaces, ni)
	}
	return info, nil
}

// LoadNetInfo reads the netinfo file written by the failover daemon, falling
// back to a live collection when the file is absent.
func LoadNetInfo(path string) (NetInfo, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return CollectNetInfo()
	}
	if err != nil {
		return NetInfo{}, fmt.Errorf("reading netinfo: %w", err)
	}

	var info NetInfo
	if err := yaml.Unmarshal(data, &info); err != nil {
		return NetInfo{}, fmt.Errorf("parsing netinfo: %w", err)
	}
	return info, nil
}
