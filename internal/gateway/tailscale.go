// ABOUTME: Optional tsnet node exposing the API and WebSocket listeners on a tailnet
// ABOUTME: Replaces the TCP listeners when tailscale.enabled is set

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"
)

// Tailnet ports for the two listeners.
const (
	tailnetHTTPPort = ":80"
	tailnetWSPort   = ":8081"
)

// tailnetStateDir returns the node state directory. Unless configured it lives
// under $XDG_DATA_HOME (or ~/.local/share)/harbor-gateway/tailscale.
func tailnetStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("no home directory for tailscale state, set tailscale.state_dir: %w", err)
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "harbor-gateway", "tailscale"), nil
}

// tailnetAuthKey prefers tailscale.auth_key and falls back to TS_AUTHKEY.
func tailnetAuthKey(configured string) (string, error) {
	for _, key := range []string{configured, os.Getenv("TS_AUTHKEY")} {
		if key != "" {
			return key, nil
		}
	}
	return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
}

// setupTailscaleListeners joins the tailnet and listens for HTTP and WebSocket traffic.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (httpLn, wsLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := tailnetStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := tailnetAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	httpLn, err = g.tsnetServer.Listen("tcp", tailnetHTTPPort)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}

	wsLn, err = g.tsnetServer.Listen("tcp", tailnetWSPort)
	if err != nil {
		_ = httpLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale WebSocket port: %w", err)
	}

	return httpLn, wsLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}
