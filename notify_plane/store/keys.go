package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceSubscribers Resource = "subscribers"
)

// NamespaceKey constructs a fully qualified Redis key for a namespaced resource.
// Format: fanout:{namespace}:{resource}
func NamespaceKey(namespace string, resource Resource) string {
	if namespace == "" {
		namespace = "default"
	}
	return fmt.Sprintf("fanout:%s:%s", namespace, resource)
}
