package config

type EdgeConfig interface {
	GetUpstreamURL() string
}

type Edge struct{}

var _ EdgeConfig = Edge{}

// GetUpstreamURL returns the application server the edge proxies to.
func (Edge) GetUpstreamURL() string {
	return GetEnv("UPSTREAM_URL", "http://localhost:3000")
}
