package config

import (
	"fmt"
)

// Validate checks runtime node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet && cfg.Network != Regtest {
		return fmt.Errorf("network must be %q, %q, or %q", Mainnet, Testnet, Regtest)
	}
	if cfg.Dispatcher.Port < 0 || cfg.Dispatcher.Port > 65535 {
		return fmt.Errorf("dispatcher.port must be in range [0, 65535]")
	}
	if cfg.Dispatcher.MaxConns < 0 {
		return fmt.Errorf("dispatcher.maxconns must be non-negative")
	}
	if cfg.Mining.Threads < 0 {
		return fmt.Errorf("mining.threads must be non-negative")
	}

	return nil
}
