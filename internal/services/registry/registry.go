package registry

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Service is one deployable transformation service
type Service struct {
	Name            string `yaml:"name"`
	ID              string `yaml:"id"` // immutable container image tag
	Discovery       bool   `yaml:"discovery,omitempty"`
	GranulesPerPage int    `yaml:"granules_per_page,omitempty"`
}

// ChainStep is one stage in a service chain
type ChainStep struct {
	Service           string `yaml:"service"`
	Operation         string `yaml:"operation,omitempty"`
	Aggregated        bool   `yaml:"aggregated,omitempty"`
	BatchSize         int    `yaml:"batch_size,omitempty"`
	MaxBatchSizeBytes int64  `yaml:"max_batch_size_bytes,omitempty"`
	Sequential        bool   `yaml:"sequential,omitempty"`
}

// Chain is an ordered list of services applied to a request. Which chain
// serves a given user operation is decided upstream; the core only resolves
// chains by name.
type Chain struct {
	Name      string      `yaml:"name"`
	Operation string      `yaml:"operation,omitempty"` // default operation template
	Steps     []ChainStep `yaml:"steps"`
}

type registryFile struct {
	Services []Service `yaml:"services"`
	Chains   []Chain   `yaml:"chains"`
}

// Registry resolves service chains and service metadata from services.yaml
type Registry struct {
	services   map[string]Service // by name
	servicesID map[string]Service // by image tag
	chains     map[string]Chain
}

// Load reads and validates the registry file
func Load(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read service registry %s: %w", path, err)
	}
	return Parse(data)
}

// Parse builds a registry from YAML content
func Parse(data []byte) (*Registry, error) {
	var file registryFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse service registry: %w", err)
	}

	r := &Registry{
		services:   make(map[string]Service),
		servicesID: make(map[string]Service),
		chains:     make(map[string]Chain),
	}
	for _, svc := range file.Services {
		if svc.Name == "" || svc.ID == "" {
			return nil, fmt.Errorf("service entries need both name and id")
		}
		r.services[svc.Name] = svc
		r.servicesID[svc.ID] = svc
	}
	for _, chain := range file.Chains {
		if chain.Name == "" || len(chain.Steps) == 0 {
			return nil, fmt.Errorf("chain %q needs a name and at least one step", chain.Name)
		}
		for _, step := range chain.Steps {
			if _, ok := r.services[step.Service]; !ok {
				return nil, fmt.Errorf("chain %q references unknown service %q", chain.Name, step.Service)
			}
		}
		r.chains[chain.Name] = chain
	}
	return r, nil
}

// Chain resolves a chain by name
func (r *Registry) Chain(name string) (Chain, bool) {
	c, ok := r.chains[name]
	return c, ok
}

// ServiceByName resolves a service by registry name
func (r *Registry) ServiceByName(name string) (Service, bool) {
	s, ok := r.services[name]
	return s, ok
}

// ServiceByID resolves a service by its image tag
func (r *Registry) ServiceByID(id string) (Service, bool) {
	s, ok := r.servicesID[id]
	return s, ok
}

// IsDiscoveryService reports whether the image tag belongs to the
// granule-discovery service.
func (r *Registry) IsDiscoveryService(serviceID string) bool {
	s, ok := r.servicesID[serviceID]
	return ok && s.Discovery
}

// GranulesPerPage returns the discovery page size for a service, with a
// conventional default.
func (r *Registry) GranulesPerPage(serviceID string) int {
	if s, ok := r.servicesID[serviceID]; ok && s.GranulesPerPage > 0 {
		return s.GranulesPerPage
	}
	return 2000
}
