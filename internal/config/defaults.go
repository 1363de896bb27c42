package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Chat: ChatConfig{
			ServerURL:             "http://127.0.0.1:8080",
			ReconnectDelaySeconds: 3,
			TypingStopSeconds:     2,
			TypingExpirySeconds:   0,
			RequestTimeoutSeconds: 15,
			RosterDir:             "~/.heartline/contacts",
		},
		Server: ServerConfig{
			Host:   "127.0.0.1",
			Port:   8080,
			DBPath: "~/.heartline/relay.db",
		},
	}
}
