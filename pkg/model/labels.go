package model

import "fmt"

// Registry interns label/tag strings with reference counts shared across
// rules. A ref count of zero reclaims the interned name. Single-threaded
// per process (each worker has its own copy), so no locking is needed --
// matching the teacher pack's single-threaded-per-worker discipline.
type Registry struct {
	byName map[string]ObjID
	byID   map[ObjID]string
	refs   map[ObjID]int
	gen    IDGen
}

// NewRegistry creates an empty label/tag registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: make(map[string]ObjID),
		byID:   make(map[ObjID]string),
		refs:   make(map[ObjID]int),
	}
}

// Intern returns the id for name, minting one if it is new. It does not
// bump the reference count: callers that bind a rule to the returned id
// must call Ref explicitly, matching rule_inherit semantics.
func (r *Registry) Intern(name string) ObjID {
	if id, ok := r.byName[name]; ok {
		return id
	}
	id := r.gen.Next()
	r.byName[name] = id
	r.byID[id] = name
	return id
}

// Ref bumps the reference count for id (rule_inherit).
func (r *Registry) Ref(id ObjID) {
	r.refs[id]++
}

// Unref decrements the reference count for id (rule_free). When the count
// reaches zero the interned name is reclaimed.
func (r *Registry) Unref(id ObjID) {
	if r.refs[id] <= 0 {
		return
	}
	r.refs[id]--
	if r.refs[id] == 0 {
		name := r.byID[id]
		delete(r.byName, name)
		delete(r.byID, id)
		delete(r.refs, id)
	}
}

// RefCount returns the current outstanding reference count for id.
func (r *Registry) RefCount(id ObjID) int {
	return r.refs[id]
}

// Name returns the interned string for id, or "" if unknown.
func (r *Registry) Name(id ObjID) string {
	return r.byID[id]
}

func (r *Registry) String() string {
	return fmt.Sprintf("Registry{entries=%d}", len(r.byID))
}
