package service

import "fmt"

// NewAdapter creates the adapter implementation for one service config.
func NewAdapter(cfg Config) (Adapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("service config missing name")
	}

	switch cfg.Kind {
	case KindHTTP:
		if cfg.Endpoint == "" {
			return nil, fmt.Errorf("service %s: http kind requires an endpoint", cfg.Name)
		}
		return NewHTTPAdapter(cfg), nil
	case KindProcess:
		if cfg.Command == "" {
			return nil, fmt.Errorf("service %s: process kind requires a command", cfg.Name)
		}
		return NewProcessAdapter(cfg), nil
	default:
		return nil, fmt.Errorf("service %s: unknown kind %q", cfg.Name, cfg.Kind)
	}
}
