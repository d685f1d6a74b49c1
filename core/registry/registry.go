// Package registry resolves (kind, name) pairs to executable bindings:
// tool factories, agent definitions, sub-workflow blueprints and code
// snippets. The in-memory index is copy-on-write; definitions persist in
// the component store under component:{kind}:{name} keys.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/blueprint"
	"github.com/iceos-ai/iceos/core/kv"
)

// Kind is a component kind.
type Kind string

const (
	KindTool     Kind = "tool"
	KindAgent    Kind = "agent"
	KindWorkflow Kind = "workflow"
	KindCode     Kind = "code"
)

// Kinds lists the component kinds.
func Kinds() []Kind { return []Kind{KindTool, KindAgent, KindWorkflow, KindCode} }

// Tool is the uniform execute surface of a tool binding.
type Tool interface {
	Name() string
	Execute(ctx context.Context, args map[string]any) (map[string]any, error)
}

// ToolFactory instantiates a Tool from its stored definition.
type ToolFactory func(def *Definition) (Tool, error)

// Definition is the stored form of a component. Kind-specific fields:
// tool and code carry a Factory/Config or inline Code; workflow carries a
// Blueprint; agent carries an AgentSpec.
type Definition struct {
	Kind        Kind           `json:"kind"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Factory     string         `json:"factory,omitempty"`
	Config      map[string]any `json:"config,omitempty"`

	Blueprint *blueprint.Blueprint `json:"blueprint,omitempty"`
	Agent     *blueprint.AgentSpec `json:"agent,omitempty"`
	Code      *blueprint.CodeSpec  `json:"code,omitempty"`
}

func componentKey(kind Kind, name string) string {
	return "component:" + string(kind) + ":" + name
}

func componentLockKey(kind Kind, name string) string {
	return componentKey(kind, name) + ":lock"
}

// Registry is the process directory of executable bindings. Reads go
// through an atomic snapshot; writes clone the index under a mutex.
type Registry struct {
	store kv.Store
	log   *logger.Logger

	index atomic.Value // map[string]*Definition keyed kind:name

	mu        sync.Mutex // serializes index writes and tool cache updates
	factories map[string]ToolFactory
	toolCache map[string]Tool
}

// New creates an empty registry over the given component store.
func New(store kv.Store, log *logger.Logger) *Registry {
	r := &Registry{
		store:     store,
		log:       log.WithComponent("registry"),
		factories: make(map[string]ToolFactory),
		toolCache: make(map[string]Tool),
	}
	r.index.Store(map[string]*Definition{})
	return r
}

// RegisterFactory installs a named tool factory. Factories are process
// wiring, not data; they are registered at startup before manifests load.
func (r *Registry) RegisterFactory(name string, f ToolFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

// snapshot returns the current read-only index.
func (r *Registry) snapshot() map[string]*Definition {
	return r.index.Load().(map[string]*Definition)
}

// Validate checks a definition without persisting it: schema completeness
// and factory reachability.
func (r *Registry) Validate(def *Definition) error {
	if def == nil {
		return apperrors.New(apperrors.KindValidation, "component definition is required")
	}
	var offenses []string
	if def.Name == "" {
		offenses = append(offenses, "name is required")
	}
	switch def.Kind {
	case KindTool:
		if def.Factory == "" {
			offenses = append(offenses, "tool components require a factory")
		} else {
			r.mu.Lock()
			_, known := r.factories[def.Factory]
			r.mu.Unlock()
			if !known {
				offenses = append(offenses, "unknown tool factory "+def.Factory)
			}
		}
	case KindAgent:
		if def.Agent == nil {
			offenses = append(offenses, "agent components require an agent spec")
		}
	case KindWorkflow:
		if def.Blueprint == nil {
			offenses = append(offenses, "workflow components require a blueprint")
		}
	case KindCode:
		if def.Code == nil || def.Code.Source == "" {
			offenses = append(offenses, "code components require inline source")
		}
	default:
		offenses = append(offenses, "unknown component kind "+string(def.Kind))
	}
	if len(offenses) > 0 {
		return apperrors.New(apperrors.KindValidation, "invalid %s component %q", def.Kind, def.Name).
			WithDetails(offenses)
	}
	return nil
}

// Register persists a new component. Fails with VersionMismatch when the
// component already exists, unless a matching version lock is supplied
// (which turns the call into an update).
func (r *Registry) Register(ctx context.Context, def *Definition, versionLock string) (string, error) {
	if err := r.Validate(def); err != nil {
		return "", err
	}
	lock, err := r.persist(ctx, def, versionLock)
	if err != nil {
		return "", err
	}
	r.install(def)
	r.log.Info("component registered", "kind", def.Kind, "name", def.Name)
	return lock, nil
}

// Seed registers a component unconditionally, reusing any existing version
// lock so repeated startups converge. Used for manifest and built-in
// seeding only; API callers go through Register/Update.
func (r *Registry) Seed(ctx context.Context, def *Definition) error {
	if err := r.Validate(def); err != nil {
		return err
	}
	_, lock, _ := r.GetWithLock(ctx, def.Kind, def.Name)
	if _, err := r.persist(ctx, def, lock); err != nil {
		return err
	}
	r.install(def)
	return nil
}

// Update replaces an existing component under optimistic concurrency.
func (r *Registry) Update(ctx context.Context, def *Definition, versionLock string) (string, error) {
	if err := r.Validate(def); err != nil {
		return "", err
	}
	if versionLock == "" || versionLock == blueprint.NewLock {
		return "", apperrors.New(apperrors.KindValidation, "update requires a version lock")
	}
	if _, _, err := r.GetWithLock(ctx, def.Kind, def.Name); err != nil {
		return "", err
	}
	lock, err := r.persist(ctx, def, versionLock)
	if err != nil {
		return "", err
	}
	r.install(def)
	return lock, nil
}

// Get resolves a binding from the in-memory index.
func (r *Registry) Get(kind Kind, name string) (*Definition, error) {
	def, ok := r.snapshot()[string(kind)+":"+name]
	if !ok {
		return nil, apperrors.New(apperrors.KindRegistryBindingMissing, "no %s component named %q", kind, name)
	}
	return def, nil
}

// GetWithLock reads the persisted definition and its version lock.
func (r *Registry) GetWithLock(ctx context.Context, kind Kind, name string) (*Definition, string, error) {
	raw, err := r.store.Get(ctx, componentKey(kind, name))
	if err != nil {
		if err == kv.ErrNotFound {
			return nil, "", apperrors.New(apperrors.KindNotFound, "no %s component named %q", kind, name)
		}
		return nil, "", apperrors.Wrap(apperrors.KindInternal, err, "read component %s/%s", kind, name)
	}
	var def Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return nil, "", apperrors.Wrap(apperrors.KindInternal, err, "decode component %s/%s", kind, name)
	}
	lock, err := r.store.Get(ctx, componentLockKey(kind, name))
	if err != nil && err != kv.ErrNotFound {
		return nil, "", apperrors.Wrap(apperrors.KindInternal, err, "read component lock %s/%s", kind, name)
	}
	return &def, lock, nil
}

// List returns definitions, optionally filtered by kind and name prefix.
func (r *Registry) List(kind Kind, namePrefix string) []*Definition {
	var out []*Definition
	for _, def := range r.snapshot() {
		if kind != "" && def.Kind != kind {
			continue
		}
		if namePrefix != "" && !strings.HasPrefix(def.Name, namePrefix) {
			continue
		}
		out = append(out, def)
	}
	return out
}

// Delete removes a component from the store and the index.
func (r *Registry) Delete(ctx context.Context, kind Kind, name string) error {
	if _, err := r.Get(kind, name); err != nil {
		// Tolerate index misses for components only present in the store.
		if _, _, serr := r.GetWithLock(ctx, kind, name); serr != nil {
			return serr
		}
	}
	if err := r.store.Delete(ctx, componentKey(kind, name), componentLockKey(kind, name)); err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "delete component %s/%s", kind, name)
	}
	r.uninstall(kind, name)
	r.log.Info("component deleted", "kind", kind, "name", name)
	return nil
}

// ResolveTool instantiates (or reuses) the tool bound to name.
func (r *Registry) ResolveTool(name string) (Tool, error) {
	r.mu.Lock()
	if tool, ok := r.toolCache[name]; ok {
		r.mu.Unlock()
		return tool, nil
	}
	r.mu.Unlock()

	def, err := r.Get(KindTool, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	factory, ok := r.factories[def.Factory]
	if !ok {
		return nil, apperrors.New(apperrors.KindRegistryBindingMissing, "tool %q references unknown factory %q", name, def.Factory)
	}
	tool, err := factory(def)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "instantiate tool %q", name)
	}
	r.toolCache[name] = tool
	return tool, nil
}

// ResolveWorkflow returns the blueprint bound to a workflow component.
func (r *Registry) ResolveWorkflow(name string) (*blueprint.Blueprint, error) {
	def, err := r.Get(KindWorkflow, name)
	if err != nil {
		return nil, err
	}
	return def.Blueprint, nil
}

// ResolveAgent returns the agent spec bound to an agent component.
func (r *Registry) ResolveAgent(name string) (*blueprint.AgentSpec, error) {
	def, err := r.Get(KindAgent, name)
	if err != nil {
		return nil, err
	}
	return def.Agent, nil
}

// ResolveCode returns the code snippet bound to a code component.
func (r *Registry) ResolveCode(name string) (*blueprint.CodeSpec, error) {
	def, err := r.Get(KindCode, name)
	if err != nil {
		return nil, err
	}
	return def.Code, nil
}

// SnapshotDigest hashes the current index so plan fingerprints change
// whenever a binding the plan references could have changed.
func (r *Registry) SnapshotDigest() string {
	snap := r.snapshot()
	keys := make([]string, 0, len(snap))
	for k := range snap {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		raw, err := json.Marshal(snap[k])
		if err != nil {
			continue
		}
		h.Write([]byte(k))
		h.Write(raw)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// ReloadFromStore rebuilds the index from every persisted component.
// Called at startup after manifests are seeded.
func (r *Registry) ReloadFromStore(ctx context.Context) error {
	keys, err := r.store.Scan(ctx, "component:*")
	if err != nil {
		return apperrors.Wrap(apperrors.KindInternal, err, "scan components")
	}
	count := 0
	for _, key := range keys {
		if strings.HasSuffix(key, ":lock") {
			continue
		}
		raw, err := r.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var def Definition
		if err := json.Unmarshal([]byte(raw), &def); err != nil {
			r.log.Warn("skipping malformed component", "key", key, "error", err)
			continue
		}
		r.install(&def)
		count++
	}
	r.log.Info("components reloaded", "count", count)
	return nil
}

func (r *Registry) persist(ctx context.Context, def *Definition, versionLock string) (string, error) {
	raw, err := json.Marshal(def)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "encode component %s/%s", def.Kind, def.Name)
	}
	expected := versionLock
	if expected == blueprint.NewLock {
		expected = ""
	}
	fresh := uuid.NewString()
	ok, err := r.store.CheckAndSet(ctx,
		componentKey(def.Kind, def.Name),
		componentLockKey(def.Kind, def.Name),
		expected, fresh, string(raw),
	)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "write component %s/%s", def.Kind, def.Name)
	}
	if !ok {
		if expected == "" {
			return "", apperrors.New(apperrors.KindVersionMismatch, "component %s/%s already exists", def.Kind, def.Name)
		}
		return "", apperrors.New(apperrors.KindVersionMismatch, "stale version lock for component %s/%s", def.Kind, def.Name)
	}
	return fresh, nil
}

// install publishes a definition into a fresh copy of the index.
func (r *Registry) install(def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snapshot()
	next := make(map[string]*Definition, len(old)+1)
	for k, v := range old {
		next[k] = v
	}
	next[string(def.Kind)+":"+def.Name] = def
	r.index.Store(next)
	if def.Kind == KindTool {
		delete(r.toolCache, def.Name)
	}
}

func (r *Registry) uninstall(kind Kind, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := r.snapshot()
	next := make(map[string]*Definition, len(old))
	for k, v := range old {
		if k == string(kind)+":"+name {
			continue
		}
		next[k] = v
	}
	r.index.Store(next)
	if kind == KindTool {
		delete(r.toolCache, name)
	}
}
