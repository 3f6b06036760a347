package provider

import (
	"errors"
	"fmt"

	"github.com/casualjim/brook/internal/registry"
)

var ErrUnknownService = errors.New("unknown ai service")

// Factory builds a CompletionsService from its resource configuration.
type Factory func(config map[string]any) (CompletionsService, error)

var services = registry.New[Factory]("provider")

// Register makes a service type available to NewService. It panics when the
// name is taken.
func Register(kind string, factory Factory) {
	if factory == nil {
		panic("provider: Register factory is nil")
	}
	services.MustRegister(kind, factory)
}

func Services() []string {
	return services.Names()
}

// NewService builds a service of the registered kind.
func NewService(kind string, config map[string]any) (CompletionsService, error) {
	factory, ok := services.Lookup(kind)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, kind)
	}
	svc, err := factory(config)
	if err != nil {
		return nil, fmt.Errorf("creating %s service: %w", kind, err)
	}
	return svc, nil
}

func configString(config map[string]any, key string) string {
	if s, ok := config[key].(string); ok {
		return s
	}
	return ""
}

// Credentials extracts the settings every hosted service understands.
func Credentials(config map[string]any) (apiKey, baseURL string) {
	return configString(config, "api-key"), configString(config, "base-url")
}
