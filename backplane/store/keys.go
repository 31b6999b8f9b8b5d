package store

import (
	"fmt"
)

// Resource type for Redis keys
type Resource string

const (
	ResourceService Resource = "services"
	ResourceChange  Resource = "changes"
)

// DefaultPrefix namespaces every key written by the storage providers.
const DefaultPrefix = "backplane"

// ResourceKey constructs a fully qualified Redis key for a resource document.
// Format: {prefix}:{resource}:{id}
func ResourceKey(prefix string, resource Resource, id string) string {
	return fmt.Sprintf("%s:%s:%s", prefix, resource, id)
}

// IndexKey is the set holding the ids of every document of resource.
// Format: {prefix}:{resource}
func IndexKey(prefix string, resource Resource) string {
	return fmt.Sprintf("%s:%s", prefix, resource)
}

// ChannelKey is the pub/sub channel changes are published on.
func ChannelKey(prefix string) string {
	return fmt.Sprintf("%s:%s:feed", prefix, ResourceChange)
}
