package registry

import (
	"maps"
	"sort"
	"sync"

	set "github.com/duke-git/lancet/v2/datastructure/set"
	"github.com/kychandar/pollsub/common"
	"github.com/kychandar/pollsub/ds"
)

// SubscribedObject is one (name, kind) pair the client is subscribed to.
type SubscribedObject struct {
	Name  string
	Kind  common.ObjectKind
	State ds.State
}

type MutationOp int

const (
	OpAdd MutationOp = iota
	OpRemove
)

// Mutation is one add or remove request against the registry.
type Mutation struct {
	Op      MutationOp
	Kind    common.ObjectKind
	Objects []SubscribedObject
}

func AddMutation(kind common.ObjectKind, names ...string) Mutation {
	return Mutation{Op: OpAdd, Kind: kind, Objects: objects(kind, names)}
}

func RemoveMutation(kind common.ObjectKind, names ...string) Mutation {
	return Mutation{Op: OpRemove, Kind: kind, Objects: objects(kind, names)}
}

func objects(kind common.ObjectKind, names []string) []SubscribedObject {
	out := make([]SubscribedObject, 0, len(names))
	for _, n := range names {
		out = append(out, SubscribedObject{Name: n, Kind: kind})
	}
	return out
}

// Registry holds the subscribed objects of one client, keyed by kind and
// then by name. A nil *Registry behaves as an empty one.
type Registry struct {
	lock    sync.RWMutex
	objects map[common.ObjectKind]map[string]ds.State
}

func New() *Registry {
	return &Registry{
		objects: map[common.ObjectKind]map[string]ds.State{
			common.KindChannel:         {},
			common.KindChannelGroup:    {},
			common.KindPresenceChannel: {},
		},
	}
}

// Add merges objects in. It reports whether the object set changed, which
// is false when only state was replaced.
func (r *Registry) Add(objs ...SubscribedObject) bool {
	if r == nil {
		return false
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.addLocked(objs)
}

// Remove drops the named objects of kind and returns the ones that were
// present.
func (r *Registry) Remove(kind common.ObjectKind, names ...string) []SubscribedObject {
	if r == nil {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	return r.removeLocked(kind, names)
}

// Apply runs all mutations under one lock. It returns the removed objects and
// whether the object set changed.
func (r *Registry) Apply(mutations ...Mutation) ([]SubscribedObject, bool) {
	if r == nil {
		return nil, false
	}
	r.lock.Lock()
	defer r.lock.Unlock()

	var removed []SubscribedObject
	changed := false
	for _, m := range mutations {
		switch m.Op {
		case OpAdd:
			objs := make([]SubscribedObject, len(m.Objects))
			for i, o := range m.Objects {
				o.Kind = m.Kind
				objs[i] = o
			}
			if r.addLocked(objs) {
				changed = true
			}
		case OpRemove:
			names := make([]string, 0, len(m.Objects))
			for _, o := range m.Objects {
				names = append(names, o.Name)
			}
			gone := r.removeLocked(m.Kind, names)
			if len(gone) > 0 {
				changed = true
				removed = append(removed, gone...)
			}
		}
	}
	return removed, changed
}

// SetState merges state documents onto channels and channel groups with a
// matching name. Names that are not subscribed are ignored.
func (r *Registry) SetState(states map[string]ds.State) {
	if r == nil || len(states) == 0 {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	for name, st := range states {
		for _, kind := range []common.ObjectKind{common.KindChannel, common.KindChannelGroup} {
			if _, ok := r.objects[kind][name]; ok {
				r.objects[kind][name] = maps.Clone(st)
			}
		}
	}
}

// Clear removes everything and returns what was there.
func (r *Registry) Clear() []SubscribedObject {
	if r == nil {
		return nil
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	var removed []SubscribedObject
	for _, kind := range kinds {
		removed = append(removed, r.removeLocked(kind, sortedKeys(r.objects[kind]))...)
	}
	return removed
}

func (r *Registry) Snapshot() Snapshot {
	if r == nil {
		return Snapshot{}
	}
	r.lock.RLock()
	defer r.lock.RUnlock()

	snap := Snapshot{
		Channels:         sortedKeys(r.objects[common.KindChannel]),
		ChannelGroups:    sortedKeys(r.objects[common.KindChannelGroup]),
		PresenceChannels: sortedKeys(r.objects[common.KindPresenceChannel]),
		state:            map[string]ds.State{},
	}
	for _, kind := range []common.ObjectKind{common.KindChannel, common.KindChannelGroup} {
		for name, st := range r.objects[kind] {
			if st != nil {
				snap.state[name] = maps.Clone(st)
			}
		}
	}
	return snap
}

func (r *Registry) IsEmpty() bool {
	if r == nil {
		return true
	}
	r.lock.RLock()
	defer r.lock.RUnlock()
	for _, kind := range kinds {
		if len(r.objects[kind]) > 0 {
			return false
		}
	}
	return true
}

var kinds = []common.ObjectKind{common.KindChannel, common.KindChannelGroup, common.KindPresenceChannel}

func (r *Registry) addLocked(objs []SubscribedObject) bool {
	changed := false
	for _, o := range objs {
		if o.Name == "" {
			continue
		}
		bucket, ok := r.objects[o.Kind]
		if !ok {
			continue
		}
		current, exist := bucket[o.Name]
		if !exist {
			changed = true
		}
		if o.State != nil {
			current = maps.Clone(o.State)
		}
		bucket[o.Name] = current
	}
	return changed
}

func (r *Registry) removeLocked(kind common.ObjectKind, names []string) []SubscribedObject {
	bucket, ok := r.objects[kind]
	if !ok {
		return nil
	}
	var removed []SubscribedObject
	for _, n := range names {
		st, exist := bucket[n]
		if !exist {
			continue
		}
		delete(bucket, n)
		removed = append(removed, SubscribedObject{Name: n, Kind: kind, State: st})
	}
	return removed
}

func sortedKeys(m map[string]ds.State) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Snapshot is an immutable copy of the registry taken at one instant.
type Snapshot struct {
	Channels         []string
	ChannelGroups    []string
	PresenceChannels []string
	state            map[string]ds.State
}

func (s Snapshot) IsEmpty() bool {
	return len(s.Channels) == 0 && len(s.ChannelGroups) == 0 && len(s.PresenceChannels) == 0
}

// AllObjects is the sorted union of every subscribed name.
func (s Snapshot) AllObjects() []string {
	all := set.New(s.Channels...)
	all.Add(s.ChannelGroups...)
	all.Add(s.PresenceChannels...)
	names := make([]string, 0, all.Size())
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// SubscribeChannels lists what goes into the channel segment of a long-poll
// request: channels followed by presence channels, without duplicates.
func (s Snapshot) SubscribeChannels() []string {
	seen := set.New[string]()
	out := make([]string, 0, len(s.Channels)+len(s.PresenceChannels))
	for _, n := range append(append([]string{}, s.Channels...), s.PresenceChannels...) {
		if seen.Contain(n) {
			continue
		}
		seen.Add(n)
		out = append(out, n)
	}
	return out
}

// State returns a copy of the state documents keyed by object name.
func (s Snapshot) State() map[string]ds.State {
	out := make(map[string]ds.State, len(s.state))
	for k, v := range s.state {
		out[k] = maps.Clone(v)
	}
	return out
}
