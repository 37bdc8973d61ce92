package config

// SDKConfig holds the configuration fields shared with SDK embedders: the
// outbound proxy, inbound API keys, and streaming behavior. It is inlined
// into Config so the YAML document stays flat.
type SDKConfig struct {
	// ProxyURL is an optional proxy for outbound requests (http, https, or
	// socks5). Credentials may override it per-auth via their proxy_url field.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// APIKeys is the list of keys clients may authenticate to this proxy with.
	// Empty means authentication is disabled.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// PassthroughHeaders controls whether filtered upstream response headers
	// are relayed to downstream clients. Default is false.
	PassthroughHeaders bool `yaml:"passthrough-headers" json:"passthrough-headers"`

	// Streaming configures server-side SSE behavior.
	Streaming StreamingConfig `yaml:"streaming" json:"streaming"`
}

// StreamingConfig holds server streaming behavior configuration.
type StreamingConfig struct {
	// KeepAliveSeconds controls how often the server emits SSE heartbeats
	// (": keep-alive\n\n") while waiting on upstream chunks. <= 0 disables
	// keep-alives. Default is 0.
	KeepAliveSeconds int `yaml:"keepalive-seconds,omitempty" json:"keepalive-seconds,omitempty"`
}
