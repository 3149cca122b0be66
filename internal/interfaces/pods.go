package interfaces

import "context"

// PodLister reports the number of running worker pods for a service.
// The container runtime itself is an external collaborator; the default
// implementation reads static counts from configuration.
type PodLister interface {
	CountPods(ctx context.Context, serviceID string) (int, error)
}
