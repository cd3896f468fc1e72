package cert

import (
	"fmt"

	"certmesh/pkg/types"
	"certmesh/pkg/wire"

	"github.com/google/uuid"
)

const (
	TagServiceInstanceFact    = "SvIF"
	TagResourceInstanceFact   = "RsIF"
	TagResourcePermissionFact = "RsPF"
)

// ServiceInstanceFact certifies that a service instance may run on its server.
type ServiceInstanceFact struct {
	FactBase
	ServiceInstance types.ServiceInstance
}

func NewServiceInstanceFact(si types.ServiceInstance) *ServiceInstanceFact {
	return &ServiceInstanceFact{ServiceInstance: si}
}

func (f *ServiceInstanceFact) Tag() string { return TagServiceInstanceFact }

func (f *ServiceInstanceFact) ID() uuid.UUID {
	return uuid.UUID(f.ServiceInstance.InstanceID)
}

func (f *ServiceInstanceFact) Keywords() []string {
	return append([]string{f.ServiceInstance.SearchString()}, f.ServiceInstance.ServiceID.SearchStrings()...)
}

func (f *ServiceInstanceFact) WriteBody(w *wire.Writer) {
	f.ServiceInstance.Write(w)
}

func parseServiceInstanceFact(r *wire.Reader) (Fact, error) {
	si, err := types.ReadServiceInstance(r)
	if err != nil {
		return nil, err
	}
	return NewServiceInstanceFact(si), nil
}

// ResourceInstanceFact certifies that a named resource is available from a
// service instance.
type ResourceInstanceFact struct {
	FactBase
	ResourceID types.ResourceID
	Name       string
	Host       types.ServiceInstance
}

func NewResourceInstanceFact(id types.ResourceID, name string, host types.ServiceInstance) *ResourceInstanceFact {
	return &ResourceInstanceFact{ResourceID: id, Name: name, Host: host}
}

func (f *ResourceInstanceFact) Tag() string { return TagResourceInstanceFact }

func (f *ResourceInstanceFact) ID() uuid.UUID {
	return uuid.UUID(f.ResourceID)
}

// ResourceKeyword is the keyword shared by every instance of a resource.
func ResourceKeyword(id types.ResourceID) string {
	return "resource:" + id.String()
}

// ResourceNameKeyword is the keyword used to search resources by name.
func ResourceNameKeyword(name string) string {
	return "resource-name:" + name
}

func (f *ResourceInstanceFact) Keywords() []string {
	return []string{ResourceKeyword(f.ResourceID), ResourceNameKeyword(f.Name)}
}

func (f *ResourceInstanceFact) WriteBody(w *wire.Writer) {
	w.UUID(uuid.UUID(f.ResourceID))
	w.String(f.Name)
	f.Host.Write(w)
}

func parseResourceInstanceFact(r *wire.Reader) (Fact, error) {
	id, err := r.UUID()
	if err != nil {
		return nil, err
	}
	name, err := r.String()
	if err != nil {
		return nil, err
	}
	host, err := types.ReadServiceInstance(r)
	if err != nil {
		return nil, err
	}
	return NewResourceInstanceFact(types.ResourceID(id), name, host), nil
}

// ResourcePermissionFact grants a permission on a resource to a grantee.
type ResourcePermissionFact struct {
	FactBase
	ResourceID types.ResourceID
	Grantee    uuid.UUID
	Permission string
}

func NewResourcePermissionFact(resource types.ResourceID, grantee uuid.UUID, permission string) *ResourcePermissionFact {
	return &ResourcePermissionFact{ResourceID: resource, Grantee: grantee, Permission: permission}
}

func (f *ResourcePermissionFact) Tag() string { return TagResourcePermissionFact }

func (f *ResourcePermissionFact) ID() uuid.UUID {
	return uuid.UUID(f.ResourceID)
}

// PermissionKeyword is the fully qualified keyword of a grant to grantee.
func PermissionKeyword(resource types.ResourceID, grantee uuid.UUID) string {
	return fmt.Sprintf("permission:%s:%s", resource, grantee)
}

// PermissionWildcardKeyword matches every grant on resource.
func PermissionWildcardKeyword(resource types.ResourceID) string {
	return fmt.Sprintf("permission:%s:*", resource)
}

func (f *ResourcePermissionFact) Keywords() []string {
	return []string{
		PermissionKeyword(f.ResourceID, f.Grantee),
		PermissionWildcardKeyword(f.ResourceID),
	}
}

func (f *ResourcePermissionFact) WriteBody(w *wire.Writer) {
	w.UUID(uuid.UUID(f.ResourceID))
	w.UUID(f.Grantee)
	w.String(f.Permission)
}

func parseResourcePermissionFact(r *wire.Reader) (Fact, error) {
	resource, err := r.UUID()
	if err != nil {
		return nil, err
	}
	grantee, err := r.UUID()
	if err != nil {
		return nil, err
	}
	permission, err := r.String()
	if err != nil {
		return nil, err
	}
	return NewResourcePermissionFact(types.ResourceID(resource), grantee, permission), nil
}
