package repository

import (
	"certmesh/pkg/cert"
	"certmesh/pkg/types"
)

// GetMatchingFacts returns the facts of valid certificates that answer to
// keyword. A non-empty kind restricts the result to facts with that tag.
func (r *Repository) GetMatchingFacts(keyword, kind string) []cert.Fact {
	var facts []cert.Fact
	for _, c := range r.Certificates() {
		for _, f := range c.Facts() {
			if kind != "" && f.Tag() != kind {
				continue
			}
			if cert.HasKeyword(f, keyword) {
				facts = append(facts, f)
			}
		}
	}
	return facts
}

// GetServiceInstanceFact returns the fact certifying the given instance.
func (r *Repository) GetServiceInstanceFact(id types.ServiceInstanceID) (*cert.ServiceInstanceFact, bool) {
	keyword := types.ServiceInstance{InstanceID: id}.SearchString()
	for _, f := range r.GetMatchingFacts(keyword, cert.TagServiceInstanceFact) {
		if sf, ok := f.(*cert.ServiceInstanceFact); ok {
			return sf, true
		}
	}
	return nil, false
}

// GetServiceInstanceFacts returns every certified instance of serviceID.
func (r *Repository) GetServiceInstanceFacts(serviceID types.ServiceID) []*cert.ServiceInstanceFact {
	var facts []*cert.ServiceInstanceFact
	for _, f := range r.GetMatchingFacts(serviceID.SearchString(), cert.TagServiceInstanceFact) {
		if sf, ok := f.(*cert.ServiceInstanceFact); ok {
			facts = append(facts, sf)
		}
	}
	return facts
}

// GetResourceInstanceFacts returns the resource facts accepted by match. A nil
// match returns all of them.
func (r *Repository) GetResourceInstanceFacts(match func(*cert.ResourceInstanceFact) bool) []*cert.ResourceInstanceFact {
	var facts []*cert.ResourceInstanceFact
	for _, c := range r.Certificates() {
		for _, f := range c.Facts() {
			rf, ok := f.(*cert.ResourceInstanceFact)
			if !ok {
				continue
			}
			if match == nil || match(rf) {
				facts = append(facts, rf)
			}
		}
	}
	return facts
}

// FindLocalServiceCertificate returns a valid certificate that lets node run
// serviceID.
func (r *Repository) FindLocalServiceCertificate(node types.NodeID, serviceID types.ServiceID) (*cert.Certificate, bool) {
	for _, sf := range r.GetServiceInstanceFacts(serviceID) {
		si := sf.ServiceInstance
		if si.ServiceID != serviceID || !si.Server.Equal(node) {
			continue
		}
		if c := sf.Certificate(); c != nil && c.Valid() {
			return c, true
		}
	}
	return nil, false
}
