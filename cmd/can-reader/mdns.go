package main

import (
	"fmt"
	"os"

	"github.com/grandcat/zeroconf"
)

const mdnsServiceType = "_cannelloni._tcp"

// startMDNS advertises the bridge and returns the shutdown function.
func startMDNS(cfg *appConfig, port int) (func(), error) {
	instance := cfg.mdnsName
	if instance == "" {
		host, _ := os.Hostname()
		instance = "can-reader-" + host
	}
	txt := []string{
		"backend=" + cfg.backend,
		fmt.Sprintf("bitrate=%d", cfg.bitrate),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	return svc.Shutdown, nil
}
