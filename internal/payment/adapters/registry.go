package adapters

import (
	"strings"

	"github.com/smallbiznis/wayfare/internal/payment/domain"
)

type Registry struct {
	factories map[string]domain.ProcessorFactory
}

func NewRegistry(factories ...domain.ProcessorFactory) *Registry {
	registry := &Registry{factories: map[string]domain.ProcessorFactory{}}
	for _, factory := range factories {
		if factory == nil {
			continue
		}
		method := normalize(factory.Method())
		if method == "" {
			continue
		}
		registry.factories[method] = factory
	}
	return registry
}

func (r *Registry) MethodExists(method string) bool {
	if r == nil {
		return false
	}
	_, ok := r.factories[normalize(method)]
	return ok
}

func (r *Registry) NewProcessor(method string, cfg domain.ProcessorConfig) (domain.Processor, error) {
	if r == nil {
		return nil, domain.ErrProcessorNotFound
	}
	factory, ok := r.factories[normalize(method)]
	if !ok {
		return nil, domain.ErrProcessorNotFound
	}
	return factory.NewProcessor(cfg)
}

func normalize(method string) string {
	return strings.ToLower(strings.TrimSpace(method))
}
