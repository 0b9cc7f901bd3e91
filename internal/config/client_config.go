package config

import "time"

type ClientConfig interface {
	GetAPIBaseURL() string
	GetHTTPTimeout() time.Duration
	GetWatchInterval() time.Duration
}

type Client struct{}

var _ ClientConfig = Client{}

// GetAPIBaseURL returns the backend authentication API base URL.
func (Client) GetAPIBaseURL() string {
	return GetEnv("API_BASE_URL", "http://localhost:8000")
}

func (Client) GetHTTPTimeout() time.Duration {
	return durationEnv("HTTP_TIMEOUT", 30*time.Second)
}

func (Client) GetWatchInterval() time.Duration {
	return durationEnv("WATCH_INTERVAL", 30*time.Second)
}

func durationEnv(envVar string, defaultValue time.Duration) time.Duration {
	value := GetEnv(envVar, "")
	if value == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue
	}
	return d
}
