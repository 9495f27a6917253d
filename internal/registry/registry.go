// Package registry holds the authoritative table of registered services
// and the secondary indexes used for lookup and discovery.
package registry

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/helios-os/service_core/internal/service"
	"github.com/helios-os/service_core/pkg/logger"
)

// Registry is the authoritative service table. All secondary indexes
// (name, type, tag, endpoint) are maintained under the same lock as the
// table itself, so readers always observe a consistent view.
type Registry struct {
	mu sync.RWMutex

	nextID   service.ID
	services map[service.ID]*service.Handle

	byName     map[string]service.ID
	byType     map[service.Type]map[service.ID]struct{}
	byTag      map[string]map[service.ID]struct{}
	byEndpoint map[string]service.ID
	endpoints  map[service.ID]string

	log *logger.Logger
}

// New creates an empty registry. IDs start at 1 and are never reused.
func New(log *logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		nextID:     1,
		services:   make(map[service.ID]*service.Handle),
		byName:     make(map[string]service.ID),
		byType:     make(map[service.Type]map[service.ID]struct{}),
		byTag:      make(map[string]map[service.ID]struct{}),
		byEndpoint: make(map[string]service.ID),
		endpoints:  make(map[service.ID]string),
		log:        log,
	}
}

// Register validates the descriptor, assigns a fresh ID and endpoint,
// and adds the service to the table and all indexes.
func (r *Registry) Register(desc service.Descriptor) (*service.Handle, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	desc.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[desc.Name]; exists {
		return nil, service.ErrDuplicateName
	}
	for _, dep := range desc.Dependencies {
		if _, ok := r.services[dep.ID]; !ok {
			return nil, &service.DependencyError{
				Dependency: dep.ID,
				Reason:     "not registered",
			}
		}
	}

	id := r.nextID
	r.nextID++

	h := service.NewHandle(id, desc)
	endpoint := uuid.NewString()

	r.services[id] = h
	r.byName[desc.Name] = id
	r.indexType(desc.Type, id)
	for _, tag := range desc.Tags {
		r.indexTag(tag, id)
	}
	r.byEndpoint[endpoint] = id
	r.endpoints[id] = endpoint

	r.log.WithFields(map[string]any{
		"service_id": uint64(id),
		"name":       desc.Name,
		"type":       string(desc.Type),
	}).Info("service registered")

	return h, nil
}

// Update replaces a service's descriptor in place and refreshes the
// type and tag indexes. The name is the service's identity and cannot
// change; pass the existing name in the new descriptor.
func (r *Registry) Update(id service.ID, desc service.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}
	desc.Normalize()

	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.services[id]
	if !ok {
		return service.ErrServiceNotFound
	}
	if desc.Name != h.Name() {
		return &service.DescriptorError{Field: "name", Reason: "cannot change after registration"}
	}
	for _, dep := range desc.Dependencies {
		if _, ok := r.services[dep.ID]; !ok {
			return &service.DependencyError{
				Service:    id,
				Dependency: dep.ID,
				Reason:     "not registered",
			}
		}
	}

	old := h.Descriptor()
	r.unindexType(old.Type, id)
	for _, tag := range old.Tags {
		r.unindexTag(tag, id)
	}
	r.indexType(desc.Type, id)
	for _, tag := range desc.Tags {
		r.indexTag(tag, id)
	}
	h.UpdateDescriptor(desc)

	r.log.WithFields(map[string]any{
		"service_id": uint64(id),
		"name":       desc.Name,
	}).Info("service updated")
	return nil
}

// Unregister removes a service from every index and then the table.
// Services that are starting, running or stopping cannot be removed,
// and neither can services that others still depend on.
func (r *Registry) Unregister(id service.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.services[id]
	if !ok {
		return service.ErrServiceNotFound
	}
	if h.State().IsActive() {
		return service.ErrServiceActive
	}
	if deps := r.dependentsLocked(id); len(deps) > 0 {
		return &service.DependencyError{
			Service:    deps[0],
			Dependency: id,
			Reason:     "still required by registered services",
		}
	}

	// Indexes first, table last, so a concurrent reader that finds the
	// handle in the table can still resolve its indexes.
	desc := h.Descriptor()
	delete(r.byName, desc.Name)
	r.unindexType(desc.Type, id)
	for _, tag := range desc.Tags {
		r.unindexTag(tag, id)
	}
	if ep, ok := r.endpoints[id]; ok {
		delete(r.byEndpoint, ep)
		delete(r.endpoints, id)
	}
	delete(r.services, id)

	r.log.WithField("service_id", uint64(id)).Info("service unregistered")
	return nil
}

// Get returns the handle for an ID.
func (r *Registry) Get(id service.ID) (*service.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.services[id]
	if !ok {
		return nil, service.ErrServiceNotFound
	}
	return h, nil
}

// GetByName returns the handle registered under the exact name.
func (r *Registry) GetByName(name string) (*service.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byName[name]
	if !ok {
		return nil, service.ErrServiceNotFound
	}
	return r.services[id], nil
}

// GetByEndpoint resolves a registration endpoint back to its handle.
func (r *Registry) GetByEndpoint(endpoint string) (*service.Handle, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byEndpoint[endpoint]
	if !ok {
		return nil, service.ErrServiceNotFound
	}
	return r.services[id], nil
}

// Endpoint returns the endpoint assigned to a service at registration.
func (r *Registry) Endpoint(id service.ID) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ep, ok := r.endpoints[id]
	if !ok {
		return "", service.ErrServiceNotFound
	}
	return ep, nil
}

// List returns all handles in ascending ID order.
func (r *Registry) List() []*service.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.allIDsLocked())
}

// ListByType returns handles of the given type in ascending ID order.
func (r *Registry) ListByType(t service.Type) []*service.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(setToSorted(r.byType[t]))
}

// ListByTag returns handles carrying the given tag in ascending ID order.
func (r *Registry) ListByTag(tag string) []*service.Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(setToSorted(r.byTag[tag]))
}

// IDs returns all registered IDs in ascending order.
func (r *Registry) IDs() []service.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.allIDsLocked()
}

// Count returns the number of registered services.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.services)
}

// Dependencies implements the resolver graph over registered services.
func (r *Registry) Dependencies(id service.ID) ([]service.Dependency, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.services[id]
	if !ok {
		return nil, service.ErrServiceNotFound
	}
	desc := h.Descriptor()
	deps := make([]service.Dependency, len(desc.Dependencies))
	copy(deps, desc.Dependencies)
	return deps, nil
}

// Dependents returns the IDs of services that declare id as a dependency.
func (r *Registry) Dependents(id service.ID) []service.ID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dependentsLocked(id)
}

func (r *Registry) dependentsLocked(id service.ID) []service.ID {
	var out []service.ID
	for sid, h := range r.services {
		if sid == id {
			continue
		}
		for _, dep := range h.Descriptor().Dependencies {
			if dep.ID == id {
				out = append(out, sid)
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (r *Registry) allIDsLocked() []service.ID {
	ids := make([]service.ID, 0, len(r.services))
	for id := range r.services {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) collect(ids []service.ID) []*service.Handle {
	out := make([]*service.Handle, 0, len(ids))
	for _, id := range ids {
		if h, ok := r.services[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (r *Registry) indexType(t service.Type, id service.ID) {
	set, ok := r.byType[t]
	if !ok {
		set = make(map[service.ID]struct{})
		r.byType[t] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) unindexType(t service.Type, id service.ID) {
	if set, ok := r.byType[t]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byType, t)
		}
	}
}

func (r *Registry) indexTag(tag string, id service.ID) {
	set, ok := r.byTag[tag]
	if !ok {
		set = make(map[service.ID]struct{})
		r.byTag[tag] = set
	}
	set[id] = struct{}{}
}

func (r *Registry) unindexTag(tag string, id service.ID) {
	if set, ok := r.byTag[tag]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byTag, tag)
		}
	}
}

func setToSorted(set map[service.ID]struct{}) []service.ID {
	ids := make([]service.ID, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
