package config

type CookieConfig interface {
	GetCookieName() string
	GetCookieSecure() bool
}

type Cookie struct{}

var _ CookieConfig = Cookie{}

func (Cookie) GetCookieName() string {
	return GetEnv("COOKIE_NAME", "app_session")
}

// GetCookieSecure marks the session cookie Secure outside of DEV.
func (Cookie) GetCookieSecure() bool {
	return EnvVars{}.GetEnv() != "DEV"
}
