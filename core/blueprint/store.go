package blueprint

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/google/uuid"

	"github.com/iceos-ai/iceos/common/apperrors"
	"github.com/iceos-ai/iceos/common/logger"
	"github.com/iceos-ai/iceos/core/kv"
)

// NewLock is the sentinel version lock denoting "create".
const NewLock = "__new__"

// Key layout in the backing store. All values are UTF-8 JSON.
func blueprintKey(id string) string     { return "bp:" + id }
func blueprintLockKey(id string) string { return "bp:" + id + ":lock" }
func partialKey(id string) string       { return "pbp:" + id }
func partialLockKey(id string) string   { return "pbp:" + id + ":lock" }

// Store persists blueprints and partial blueprints with optimistic
// concurrency. Every read returns an opaque version lock; every write
// requires the lock from the read it is based on.
type Store struct {
	kv  kv.Store
	log *logger.Logger
}

// NewStore creates a blueprint store over the given KV backend.
func NewStore(store kv.Store, log *logger.Logger) *Store {
	return &Store{kv: store, log: log.WithComponent("blueprint-store")}
}

// Create persists a new immutable blueprint and returns its id and the
// initial version lock. The caller must have validated the blueprint.
func (s *Store) Create(ctx context.Context, bp *Blueprint) (string, string, error) {
	if bp.ID == "" {
		bp.ID = uuid.NewString()
	}
	if bp.SchemaVersion == "" {
		bp.SchemaVersion = SchemaVersion
	}
	if bp.Metadata.CreatedAt.IsZero() {
		bp.Metadata.CreatedAt = time.Now().UTC()
	}

	lock, err := s.write(ctx, blueprintKey(bp.ID), blueprintLockKey(bp.ID), "", bp)
	if err != nil {
		return "", "", err
	}
	s.log.Info("blueprint created", "blueprint_id", bp.ID, "nodes", len(bp.Nodes))
	return bp.ID, lock, nil
}

// Get returns the blueprint and its current version lock.
func (s *Store) Get(ctx context.Context, id string) (*Blueprint, string, error) {
	var bp Blueprint
	lock, err := s.read(ctx, blueprintKey(id), blueprintLockKey(id), &bp)
	if err != nil {
		return nil, "", err
	}
	return &bp, lock, nil
}

// Put replaces a blueprint under the given version lock.
func (s *Store) Put(ctx context.Context, id string, bp *Blueprint, versionLock string) (string, error) {
	bp.ID = id
	return s.write(ctx, blueprintKey(id), blueprintLockKey(id), versionLock, bp)
}

// ApplyMergePatch merges an RFC 7386 patch into a blueprint: top-level
// fields merge, the nodes array is replaced wholesale.
func ApplyMergePatch(current *Blueprint, patch []byte) (*Blueprint, error) {
	base, err := json.Marshal(current)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "marshal blueprint %s", current.ID)
	}

	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, err, "invalid merge patch")
	}

	var next Blueprint
	if err := json.Unmarshal(merged, &next); err != nil {
		return nil, apperrors.Wrap(apperrors.KindValidation, err, "patched blueprint is not well-formed")
	}
	next.ID = current.ID
	return &next, nil
}

// Patch applies a merge patch to the stored blueprint under its version lock.
func (s *Store) Patch(ctx context.Context, id string, patch []byte, versionLock string) (*Blueprint, string, error) {
	current, _, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}

	next, err := ApplyMergePatch(current, patch)
	if err != nil {
		return nil, "", err
	}

	lock, err := s.write(ctx, blueprintKey(id), blueprintLockKey(id), versionLock, next)
	if err != nil {
		return nil, "", err
	}
	return next, lock, nil
}

// Delete removes a blueprint and its lock.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return s.kv.Delete(ctx, blueprintKey(id), blueprintLockKey(id))
}

// List returns all stored blueprints.
func (s *Store) List(ctx context.Context) ([]*Blueprint, error) {
	keys, err := s.kv.Scan(ctx, "bp:*")
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindInternal, err, "scan blueprints")
	}
	var out []*Blueprint
	for _, key := range keys {
		if len(key) > 5 && key[len(key)-5:] == ":lock" {
			continue
		}
		raw, err := s.kv.Get(ctx, key)
		if err != nil {
			continue
		}
		var bp Blueprint
		if err := json.Unmarshal([]byte(raw), &bp); err != nil {
			s.log.Warn("skipping malformed blueprint", "key", key, "error", err)
			continue
		}
		out = append(out, &bp)
	}
	return out, nil
}

// CreatePartial persists a new partial blueprint.
func (s *Store) CreatePartial(ctx context.Context, p *PartialBlueprint) (string, string, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.SchemaVersion == "" {
		p.SchemaVersion = SchemaVersion
	}
	if p.Metadata.CreatedAt.IsZero() {
		p.Metadata.CreatedAt = time.Now().UTC()
	}
	p.Version = 1
	p.IsFinalized = false

	lock, err := s.write(ctx, partialKey(p.ID), partialLockKey(p.ID), "", p)
	if err != nil {
		return "", "", err
	}
	return p.ID, lock, nil
}

// GetPartial returns the partial blueprint and its current version lock.
func (s *Store) GetPartial(ctx context.Context, id string) (*PartialBlueprint, string, error) {
	var p PartialBlueprint
	lock, err := s.read(ctx, partialKey(id), partialLockKey(id), &p)
	if err != nil {
		return nil, "", err
	}
	return &p, lock, nil
}

// PutPartial replaces a partial blueprint under the given version lock.
func (s *Store) PutPartial(ctx context.Context, id string, p *PartialBlueprint, versionLock string) (string, error) {
	current, _, err := s.GetPartial(ctx, id)
	if err != nil {
		return "", err
	}
	if current.IsFinalized {
		return "", apperrors.New(apperrors.KindValidation, "partial blueprint %s is finalized and immutable", id)
	}
	p.ID = id
	p.Version = current.Version + 1
	p.IsFinalized = false
	return s.write(ctx, partialKey(id), partialLockKey(id), versionLock, p)
}

// Mutation is one edit applied to a partial blueprint via Mutate.
type Mutation struct {
	Op   string    `json:"op"` // add_node | update_node | remove_node | set_metadata
	Node *NodeSpec `json:"node,omitempty"`
	ID   string    `json:"id,omitempty"`
	Meta *Metadata `json:"metadata,omitempty"`
}

// Mutate applies an ordered list of mutations under the version lock and
// returns the updated partial with its fresh lock.
func (s *Store) Mutate(ctx context.Context, id string, muts []Mutation, versionLock string) (*PartialBlueprint, string, error) {
	p, _, err := s.GetPartial(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if p.IsFinalized {
		return nil, "", apperrors.New(apperrors.KindValidation, "partial blueprint %s is finalized and immutable", id)
	}

	for i, m := range muts {
		switch m.Op {
		case "add_node":
			if m.Node == nil {
				return nil, "", apperrors.New(apperrors.KindValidation, "mutation %d: add_node requires a node", i)
			}
			if p.node(m.Node.ID) != nil {
				return nil, "", apperrors.New(apperrors.KindValidation, "mutation %d: node %q already exists", i, m.Node.ID)
			}
			p.Nodes = append(p.Nodes, *m.Node)
		case "update_node":
			if m.Node == nil {
				return nil, "", apperrors.New(apperrors.KindValidation, "mutation %d: update_node requires a node", i)
			}
			existing := p.node(m.Node.ID)
			if existing == nil {
				return nil, "", apperrors.New(apperrors.KindNotFound, "mutation %d: node %q not found", i, m.Node.ID)
			}
			*existing = *m.Node
		case "remove_node":
			idx := -1
			for j := range p.Nodes {
				if p.Nodes[j].ID == m.ID {
					idx = j
					break
				}
			}
			if idx < 0 {
				return nil, "", apperrors.New(apperrors.KindNotFound, "mutation %d: node %q not found", i, m.ID)
			}
			p.Nodes = append(p.Nodes[:idx], p.Nodes[idx+1:]...)
		case "set_metadata":
			if m.Meta == nil {
				return nil, "", apperrors.New(apperrors.KindValidation, "mutation %d: set_metadata requires metadata", i)
			}
			created := p.Metadata.CreatedAt
			p.Metadata = *m.Meta
			p.Metadata.CreatedAt = created
		default:
			return nil, "", apperrors.New(apperrors.KindValidation, "mutation %d: unknown op %q", i, m.Op)
		}
	}

	p.Version++
	lock, err := s.write(ctx, partialKey(id), partialLockKey(id), versionLock, p)
	if err != nil {
		return nil, "", err
	}
	return p, lock, nil
}

// SuggestNext inspects the partial and refreshes its open questions and
// suggestions: unresolved dependencies, nodes missing kind payloads,
// missing output schemas.
func (s *Store) SuggestNext(ctx context.Context, id string) (*PartialBlueprint, error) {
	p, _, err := s.GetPartial(ctx, id)
	if err != nil {
		return nil, err
	}

	ids := make(map[string]bool, len(p.Nodes))
	for i := range p.Nodes {
		ids[p.Nodes[i].ID] = true
	}

	var questions, suggestions []string
	for i := range p.Nodes {
		n := &p.Nodes[i]
		for _, dep := range n.Dependencies {
			if !ids[dep] {
				questions = append(questions, fmt.Sprintf("node %q depends on undeclared node %q", n.ID, dep))
			}
		}
		if !hasKindPayload(n) {
			suggestions = append(suggestions, fmt.Sprintf("node %q (%s) is missing its %s configuration", n.ID, n.Kind, n.Kind))
		}
		if len(n.OutputSchema) == 0 {
			suggestions = append(suggestions, fmt.Sprintf("declare an output_schema for node %q so downstream bindings can be checked", n.ID))
		}
	}
	if len(p.Nodes) == 0 {
		suggestions = append(suggestions, "add a first node to the workflow")
	}

	p.OpenQuestions = questions
	p.Suggestions = suggestions
	return p, nil
}

// Validator checks a candidate blueprint; finalize injects the compiler's
// validation so the store does not depend on the plan package.
type Validator func(ctx context.Context, bp *Blueprint) error

// Finalize validates the partial and, on success, persists a new immutable
// Blueprint with a fresh id and marks the partial finalized.
func (s *Store) Finalize(ctx context.Context, id string, versionLock string, validate Validator) (*Blueprint, string, error) {
	p, _, err := s.GetPartial(ctx, id)
	if err != nil {
		return nil, "", err
	}
	if p.IsFinalized {
		return nil, "", apperrors.New(apperrors.KindValidation, "partial blueprint %s is already finalized", id)
	}

	candidate := p.ToBlueprint()
	if err := validate(ctx, candidate); err != nil {
		return nil, "", err
	}

	bpID, bpLock, err := s.Create(ctx, candidate)
	if err != nil {
		return nil, "", err
	}

	p.IsFinalized = true
	p.Version++
	if _, err := s.write(ctx, partialKey(id), partialLockKey(id), versionLock, p); err != nil {
		// Roll back the blueprint so a lost lock race does not leave an
		// orphan behind.
		_ = s.kv.Delete(ctx, blueprintKey(bpID), blueprintLockKey(bpID))
		return nil, "", err
	}

	s.log.Info("partial blueprint finalized", "partial_id", id, "blueprint_id", bpID)
	candidate.ID = bpID
	return candidate, bpLock, nil
}

// DeletePartial removes a partial blueprint and its lock.
func (s *Store) DeletePartial(ctx context.Context, id string) error {
	if _, _, err := s.GetPartial(ctx, id); err != nil {
		return err
	}
	return s.kv.Delete(ctx, partialKey(id), partialLockKey(id))
}

func (p *PartialBlueprint) node(id string) *NodeSpec {
	for i := range p.Nodes {
		if p.Nodes[i].ID == id {
			return &p.Nodes[i]
		}
	}
	return nil
}

func hasKindPayload(n *NodeSpec) bool {
	switch n.Kind {
	case KindTool:
		return n.Tool != nil
	case KindLLM:
		return n.LLM != nil
	case KindAgent:
		return n.Agent != nil
	case KindCondition:
		return n.Condition != nil
	case KindLoop:
		return n.Loop != nil
	case KindParallel:
		return n.Parallel != nil
	case KindRecursive:
		return n.Recursive != nil
	case KindWorkflow:
		return n.Workflow != nil
	case KindCode:
		return n.Code != nil
	default:
		return false
	}
}

// read loads and unmarshals a value, returning its current lock.
func (s *Store) read(ctx context.Context, valueKey, lockKey string, out any) (string, error) {
	raw, err := s.kv.Get(ctx, valueKey)
	if err != nil {
		if err == kv.ErrNotFound {
			return "", apperrors.New(apperrors.KindNotFound, "%s not found", valueKey)
		}
		return "", apperrors.Wrap(apperrors.KindInternal, err, "read %s", valueKey)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "decode %s", valueKey)
	}
	lock, err := s.kv.Get(ctx, lockKey)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "read lock for %s", valueKey)
	}
	return lock, nil
}

// write marshals and persists a value under optimistic concurrency and
// returns the fresh lock. The NewLock sentinel (or empty) means create.
func (s *Store) write(ctx context.Context, valueKey, lockKey, versionLock string, val any) (string, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "encode %s", valueKey)
	}

	expected := versionLock
	if expected == NewLock {
		expected = ""
	}
	fresh := uuid.NewString()

	ok, err := s.kv.CheckAndSet(ctx, valueKey, lockKey, expected, fresh, string(raw))
	if err != nil {
		return "", apperrors.Wrap(apperrors.KindInternal, err, "write %s", valueKey)
	}
	if !ok {
		if expected == "" {
			return "", apperrors.New(apperrors.KindVersionMismatch, "%s already exists", valueKey)
		}
		return "", apperrors.New(apperrors.KindVersionMismatch, "stale version lock for %s", valueKey)
	}
	return fresh, nil
}
