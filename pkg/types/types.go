// Package types holds the identifiers shared by the overlay and the
// certificate subsystem.
package types

import (
	"bytes"
	"fmt"

	"certmesh/pkg/wire"

	"github.com/google/uuid"
)

const (
	TagNodeInfo        = "NInf"
	TagServiceInstance = "SvIn"
)

// NodeID identifies an overlay node by UUID and public key.
type NodeID struct {
	ID        uuid.UUID
	PublicKey []byte
}

// NewNodeID returns a fresh node identity for publicKey.
func NewNodeID(publicKey []byte) NodeID {
	return NodeID{ID: uuid.New(), PublicKey: publicKey}
}

// IsSet reports whether both the UUID and the public key are present.
func (n NodeID) IsSet() bool {
	return n.ID != uuid.Nil && len(n.PublicKey) > 0
}

func (n NodeID) Equal(other NodeID) bool {
	return n.ID == other.ID && bytes.Equal(n.PublicKey, other.PublicKey)
}

func (n NodeID) String() string {
	return n.ID.String()
}

// SearchString is the query keyword a node answers to.
func (n NodeID) SearchString() string {
	return "node:" + n.ID.String()
}

func (n NodeID) Write(w *wire.Writer) {
	w.UUID(n.ID)
	w.Counted(n.PublicKey)
}

func ReadNodeID(r *wire.Reader) (NodeID, error) {
	var n NodeID
	var err error
	if n.ID, err = r.UUID(); err != nil {
		return n, err
	}
	if n.PublicKey, err = r.Counted(); err != nil {
		return n, err
	}
	return n, nil
}

// ServiceID identifies a kind of service, optionally narrowed to a sub-service.
type ServiceID struct {
	ID    uuid.UUID
	SubID uuid.UUID
}

func NewServiceID() ServiceID {
	return ServiceID{ID: uuid.New()}
}

// WithSub returns the sub-service sub of s.
func (s ServiceID) WithSub(sub uuid.UUID) ServiceID {
	return ServiceID{ID: s.ID, SubID: sub}
}

func (s ServiceID) HasSub() bool {
	return s.SubID != uuid.Nil
}

// SearchString returns the canonical query keyword for the service.
func (s ServiceID) SearchString() string {
	if s.HasSub() {
		return fmt.Sprintf("service:%s:%s", s.ID, s.SubID)
	}
	return "service:" + s.ID.String()
}

// SearchStrings returns the keyword of the service and, for a sub-service, of
// its parent as well.
func (s ServiceID) SearchStrings() []string {
	if s.HasSub() {
		return []string{s.SearchString(), "service:" + s.ID.String()}
	}
	return []string{s.SearchString()}
}

func (s ServiceID) String() string {
	if s.HasSub() {
		return s.ID.String() + "/" + s.SubID.String()
	}
	return s.ID.String()
}

func (s ServiceID) Write(w *wire.Writer) {
	w.UUID(s.ID)
	w.Bool(s.HasSub())
	if s.HasSub() {
		w.UUID(s.SubID)
	}
}

func ReadServiceID(r *wire.Reader) (ServiceID, error) {
	var s ServiceID
	var err error
	if s.ID, err = r.UUID(); err != nil {
		return s, err
	}
	hasSub, err := r.Bool()
	if err != nil {
		return s, err
	}
	if hasSub {
		if s.SubID, err = r.UUID(); err != nil {
			return s, err
		}
	}
	return s, nil
}

// ServiceInstanceID identifies one running instance of a service.
type ServiceInstanceID uuid.UUID

func NewServiceInstanceID() ServiceInstanceID {
	return ServiceInstanceID(uuid.New())
}

func (id ServiceInstanceID) String() string {
	return uuid.UUID(id).String()
}

// ResourceID identifies a resource published on the overlay.
type ResourceID uuid.UUID

func NewResourceID() ResourceID {
	return ResourceID(uuid.New())
}

func (id ResourceID) String() string {
	return uuid.UUID(id).String()
}

// ServiceInstance names a service running on a node.
type ServiceInstance struct {
	Server     NodeID
	ServiceID  ServiceID
	InstanceID ServiceInstanceID
}

// NewServiceInstance creates a new instance of serviceID hosted on server.
func NewServiceInstance(serviceID ServiceID, server NodeID) ServiceInstance {
	return ServiceInstance{
		Server:     server,
		ServiceID:  serviceID,
		InstanceID: NewServiceInstanceID(),
	}
}

func (si ServiceInstance) Equal(other ServiceInstance) bool {
	return si.InstanceID == other.InstanceID &&
		si.ServiceID == other.ServiceID &&
		si.Server.Equal(other.Server)
}

// SearchString is the keyword that identifies this particular instance.
func (si ServiceInstance) SearchString() string {
	return "instance:" + si.InstanceID.String()
}

func (si ServiceInstance) String() string {
	return fmt.Sprintf("%s@%s#%s", si.ServiceID, si.Server, si.InstanceID)
}

func (si ServiceInstance) Write(w *wire.Writer) {
	si.Server.Write(w)
	si.ServiceID.Write(w)
	w.UUID(uuid.UUID(si.InstanceID))
}

// Marshal encodes the instance as a standalone tagged message.
func (si ServiceInstance) Marshal() []byte {
	w := wire.NewWriter(TagServiceInstance)
	si.Write(w)
	return w.Bytes()
}

func ReadServiceInstance(r *wire.Reader) (ServiceInstance, error) {
	var si ServiceInstance
	var err error
	if si.Server, err = ReadNodeID(r); err != nil {
		return si, err
	}
	if si.ServiceID, err = ReadServiceID(r); err != nil {
		return si, err
	}
	id, err := r.UUID()
	if err != nil {
		return si, err
	}
	si.InstanceID = ServiceInstanceID(id)
	return si, nil
}

// UnmarshalServiceInstance decodes a message produced by ServiceInstance.Marshal.
func UnmarshalServiceInstance(data []byte) (ServiceInstance, error) {
	r := wire.NewReader(data)
	if err := r.ExpectTag(TagServiceInstance); err != nil {
		return ServiceInstance{}, err
	}
	return ReadServiceInstance(r)
}

// NodeInfo is what a node advertises about itself.
type NodeInfo struct {
	Node         NodeID
	Address      string
	FriendlyName string
}

func (ni NodeInfo) String() string {
	if ni.FriendlyName != "" {
		return ni.FriendlyName + "(" + ni.Node.String() + ")"
	}
	return ni.Node.String()
}

func (ni NodeInfo) Write(w *wire.Writer) {
	ni.Node.Write(w)
	w.String(ni.Address)
	w.String(ni.FriendlyName)
}

// Marshal encodes the node info as a standalone tagged message.
func (ni NodeInfo) Marshal() []byte {
	w := wire.NewWriter(TagNodeInfo)
	ni.Write(w)
	return w.Bytes()
}

func ReadNodeInfo(r *wire.Reader) (NodeInfo, error) {
	var ni NodeInfo
	var err error
	if ni.Node, err = ReadNodeID(r); err != nil {
		return ni, err
	}
	if ni.Address, err = r.String(); err != nil {
		return ni, err
	}
	if ni.FriendlyName, err = r.String(); err != nil {
		return ni, err
	}
	return ni, nil
}

// UnmarshalNodeInfo decodes a message produced by NodeInfo.Marshal.
func UnmarshalNodeInfo(data []byte) (NodeInfo, error) {
	r := wire.NewReader(data)
	if err := r.ExpectTag(TagNodeInfo); err != nil {
		return NodeInfo{}, err
	}
	return ReadNodeInfo(r)
}
