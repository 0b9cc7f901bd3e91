package config

type Config interface {
	EnvConfig
	ClientConfig
	CookieConfig
	EdgeConfig
}

type EnvConfig interface {
	GetPort() string
	GetAppName() string
	GetLogLevel() string
	GetEnv() string
}

type mainConfig struct {
	EnvVars
	Client
	Cookie
	Edge
}

func New() Config {
	return mainConfig{}
}
