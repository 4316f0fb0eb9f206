package outbound

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/sagernet/sing-box/adapter"
)

// proxyOptions is the subset of sing-box outbound options a proxy URL maps to.
type proxyOptions struct {
	Type       string `json:"type"`
	Tag        string `json:"tag"`
	Server     string `json:"server,omitempty"`
	ServerPort uint16 `json:"server_port,omitempty"`
	Username   string `json:"username,omitempty"`
	Password   string `json:"password,omitempty"`
	Version    string `json:"version,omitempty"`
}

// OptionsFromProxyURL converts an http:// or socks5:// proxy URL into raw
// sing-box outbound options. An empty URL maps to a direct outbound.
func OptionsFromProxyURL(tag, proxyURL string) (json.RawMessage, error) {
	if proxyURL == "" {
		return json.Marshal(proxyOptions{Type: "direct", Tag: tag})
	}

	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil, fmt.Errorf("parse proxy url %q: %w", proxyURL, err)
	}

	opts := proxyOptions{Tag: tag, Server: u.Hostname()}
	switch u.Scheme {
	case "http":
		opts.Type = "http"
	case "socks5":
		opts.Type = "socks"
		opts.Version = "5"
	default:
		return nil, fmt.Errorf("unsupported proxy scheme %q in %q", u.Scheme, proxyURL)
	}
	if opts.Server == "" {
		return nil, fmt.Errorf("proxy url %q has no host", proxyURL)
	}

	port := u.Port()
	if port == "" {
		return nil, fmt.Errorf("proxy url %q has no port", proxyURL)
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("proxy url %q has invalid port: %w", proxyURL, err)
	}
	opts.ServerPort = uint16(p)

	if u.User != nil {
		opts.Username = u.User.Username()
		opts.Password, _ = u.User.Password()
	}

	return json.Marshal(opts)
}

// BuildProxyOutbound builds an outbound dialer for the given proxy URL.
func BuildProxyOutbound(b Builder, tag, proxyURL string) (adapter.Outbound, error) {
	raw, err := OptionsFromProxyURL(tag, proxyURL)
	if err != nil {
		return nil, err
	}
	return b.Build(raw)
}
