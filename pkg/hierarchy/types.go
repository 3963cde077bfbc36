package hierarchy

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Level identifies one of the four fixed hierarchy levels.
// Levels are ordered: Global is the root and Task is the leaf.
type Level int

const (
	// LevelGlobal is the per-tenant root of the hierarchy
	LevelGlobal Level = iota + 1

	// LevelProject is a direct child of Global
	LevelProject

	// LevelBranch belongs to exactly one Project
	LevelBranch

	// LevelTask belongs to exactly one Branch
	LevelTask
)

// reservedChars separate key segments and may not appear in tenant or node ids.
const reservedChars = ":| \t\n"

// GlobalID is the id of the single Global node each tenant owns.
const GlobalID = "global"

// AllLevels lists the levels from root to leaf.
var AllLevels = []Level{LevelGlobal, LevelProject, LevelBranch, LevelTask}

// String returns the lowercase wire name of the level.
func (l Level) String() string {
	switch l {
	case LevelGlobal:
		return "global"
	case LevelProject:
		return "project"
	case LevelBranch:
		return "branch"
	case LevelTask:
		return "task"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// ParseLevel converts a wire name back to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "global":
		return LevelGlobal, nil
	case "project":
		return LevelProject, nil
	case "branch":
		return LevelBranch, nil
	case "task":
		return LevelTask, nil
	default:
		return 0, fmt.Errorf("unknown level: %q", s)
	}
}

// Validate checks if the Level is one of the four known values.
func (l Level) Validate() error {
	switch l {
	case LevelGlobal, LevelProject, LevelBranch, LevelTask:
		return nil
	default:
		return fmt.Errorf("unknown level: %d", int(l))
	}
}

// IsAncestorOf reports whether l is a strict ancestor level of other.
func (l Level) IsAncestorOf(other Level) bool {
	return l.Validate() == nil && other.Validate() == nil && l < other
}

// Parent returns the level directly above l. Global has no parent.
func (l Level) Parent() (Level, bool) {
	if l <= LevelGlobal || l > LevelTask {
		return 0, false
	}
	return l - 1, true
}

// MarshalText implements encoding.TextMarshaler so levels serialize by name.
func (l Level) MarshalText() ([]byte, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return []byte(l.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (l *Level) UnmarshalText(text []byte) error {
	parsed, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// NodeRef addresses one context node. The tenant is part of the identity:
// two refs with the same level and id but different tenants are unrelated.
type NodeRef struct {
	TenantID string `json:"tenant_id"`
	Level    Level  `json:"level"`
	ID       string `json:"id"`
}

// Global returns the reference of a tenant's Global node.
func Global(tenantID string) NodeRef {
	return NodeRef{TenantID: tenantID, Level: LevelGlobal, ID: GlobalID}
}

// String renders the ref as tenant/level/id.
func (r NodeRef) String() string {
	return fmt.Sprintf("%s/%s/%s", r.TenantID, r.Level, r.ID)
}

// Validate checks that the ref is well formed.
func (r NodeRef) Validate() error {
	if r.TenantID == "" {
		return fmt.Errorf("tenant id cannot be empty")
	}
	if strings.ContainsAny(r.TenantID, reservedChars) {
		return fmt.Errorf("tenant id %q contains a reserved character", r.TenantID)
	}
	if err := r.Level.Validate(); err != nil {
		return fmt.Errorf("invalid level: %w", err)
	}
	if r.ID == "" {
		return fmt.Errorf("node id cannot be empty")
	}
	if strings.ContainsAny(r.ID, reservedChars) {
		return fmt.Errorf("node id %q contains a reserved character", r.ID)
	}
	if r.Level == LevelGlobal && r.ID != GlobalID {
		return fmt.Errorf("global node id must be %q, got %q", GlobalID, r.ID)
	}
	return nil
}

// Lineage records the ancestor ids of a node below Global.
// Project nodes set ProjectID to their own id; Branch nodes set ProjectID;
// Task nodes set both ProjectID and BranchID.
type Lineage struct {
	ProjectID string `json:"project_id,omitempty"`
	BranchID  string `json:"branch_id,omitempty"`
}

// Validate checks the lineage against the level of the node that owns it.
func (l Lineage) Validate(ref NodeRef) error {
	switch ref.Level {
	case LevelGlobal:
		if l.ProjectID != "" || l.BranchID != "" {
			return fmt.Errorf("global node cannot have a lineage")
		}
	case LevelProject:
		if l.ProjectID != ref.ID || l.BranchID != "" {
			return fmt.Errorf("project lineage must reference only itself")
		}
	case LevelBranch:
		if l.ProjectID == "" {
			return fmt.Errorf("branch %q requires a project id", ref.ID)
		}
		if l.BranchID != "" {
			return fmt.Errorf("branch lineage cannot carry a branch id")
		}
	case LevelTask:
		if l.ProjectID == "" || l.BranchID == "" {
			return fmt.Errorf("task %q requires project and branch ids", ref.ID)
		}
	default:
		return fmt.Errorf("unknown level: %d", int(ref.Level))
	}
	return nil
}

// Chain returns the refs from Global down to ref (inclusive), length 1-4.
func (l Lineage) Chain(ref NodeRef) []NodeRef {
	chain := []NodeRef{Global(ref.TenantID)}
	if ref.Level >= LevelProject {
		chain = append(chain, NodeRef{TenantID: ref.TenantID, Level: LevelProject, ID: l.ProjectID})
	}
	if ref.Level >= LevelBranch {
		chain = append(chain, NodeRef{TenantID: ref.TenantID, Level: LevelBranch, ID: l.BranchID})
	}
	if ref.Level == LevelTask {
		chain = append(chain, NodeRef{TenantID: ref.TenantID, Level: LevelTask, ID: ref.ID})
	}
	if ref.Level >= LevelProject {
		// The leaf always carries its own id regardless of what the lineage says.
		chain[len(chain)-1] = ref
	}
	return chain
}

// AncestorAt returns the id of the ancestor at level, if it is part of the lineage.
func (l Lineage) AncestorAt(ref NodeRef, level Level) (string, bool) {
	if !level.IsAncestorOf(ref.Level) {
		return "", false
	}
	switch level {
	case LevelGlobal:
		return GlobalID, true
	case LevelProject:
		return l.ProjectID, l.ProjectID != ""
	case LevelBranch:
		return l.BranchID, l.BranchID != ""
	default:
		return "", false
	}
}

// ParentRef returns the direct parent of ref according to the lineage.
func (l Lineage) ParentRef(ref NodeRef) (NodeRef, bool) {
	parentLevel, ok := ref.Level.Parent()
	if !ok {
		return NodeRef{}, false
	}
	id, ok := l.AncestorAt(ref, parentLevel)
	if !ok {
		return NodeRef{}, false
	}
	return NodeRef{TenantID: ref.TenantID, Level: parentLevel, ID: id}, true
}

// AncestorLineage derives the lineage of the ancestor at level from a
// descendant's lineage. The ancestor must be part of the descendant's chain.
func AncestorLineage(descendant NodeRef, l Lineage, level Level) (NodeRef, Lineage, bool) {
	id, ok := l.AncestorAt(descendant, level)
	if !ok {
		return NodeRef{}, Lineage{}, false
	}
	ref := NodeRef{TenantID: descendant.TenantID, Level: level, ID: id}
	switch level {
	case LevelProject:
		return ref, Lineage{ProjectID: id}, true
	case LevelBranch:
		return ref, Lineage{ProjectID: l.ProjectID}, true
	default:
		return ref, Lineage{}, true
	}
}

// ContextNode is one stored record at one hierarchy level.
type ContextNode struct {
	Ref                NodeRef             `json:"ref"`
	Lineage            Lineage             `json:"lineage"`
	Data               map[string]any      `json:"data"`                // Payload merged during inheritance
	Version            int64               `json:"version"`             // Incremented by exactly one on every save
	UpdatedAt          time.Time           `json:"updated_at"`          // Time of the last mutation
	PendingDelegations []DelegationRequest `json:"pending_delegations"` // Awaiting review, oldest first
	DelegationHistory  []DelegationRequest `json:"delegation_history"`  // Resolved or auto-applied, newest last
}

// Validate checks that the node has valid field values.
func (n *ContextNode) Validate() error {
	if err := n.Ref.Validate(); err != nil {
		return fmt.Errorf("invalid ref: %w", err)
	}
	if err := n.Lineage.Validate(n.Ref); err != nil {
		return fmt.Errorf("invalid lineage: %w", err)
	}
	if n.Version < 1 {
		return fmt.Errorf("invalid version: must be >= 1, got %d", n.Version)
	}
	for i := range n.PendingDelegations {
		d := &n.PendingDelegations[i]
		if d.Status != DelegationStatusPending {
			return fmt.Errorf("pending delegation %s has status %q", d.ID, d.Status)
		}
		if d.Target != n.Ref {
			return fmt.Errorf("pending delegation %s targets %s, not %s", d.ID, d.Target, n.Ref)
		}
	}
	return nil
}

// Clone returns a deep copy of the node.
func (n *ContextNode) Clone() *ContextNode {
	if n == nil {
		return nil
	}
	out := *n
	out.Data = CloneData(n.Data)
	out.PendingDelegations = cloneDelegations(n.PendingDelegations)
	out.DelegationHistory = cloneDelegations(n.DelegationHistory)
	return &out
}

// FindPending returns the index of a pending delegation, or -1.
func (n *ContextNode) FindPending(delegationID string) int {
	for i := range n.PendingDelegations {
		if n.PendingDelegations[i].ID == delegationID {
			return i
		}
	}
	return -1
}

// FindResolved returns the index of a resolved delegation in the history, or -1.
func (n *ContextNode) FindResolved(delegationID string) int {
	for i := range n.DelegationHistory {
		if n.DelegationHistory[i].ID == delegationID {
			return i
		}
	}
	return -1
}

// DelegationStatus is the lifecycle state of a DelegationRequest.
type DelegationStatus string

const (
	// DelegationStatusPending awaits a reviewer decision
	DelegationStatusPending DelegationStatus = "pending"

	// DelegationStatusApproved was merged into the target by a reviewer
	DelegationStatusApproved DelegationStatus = "approved"

	// DelegationStatusRejected was discarded by a reviewer
	DelegationStatusRejected DelegationStatus = "rejected"

	// DelegationStatusAutoApplied was merged at creation time by policy
	DelegationStatusAutoApplied DelegationStatus = "auto_applied"
)

// Validate checks if the DelegationStatus is a valid enum value.
func (s DelegationStatus) Validate() error {
	switch s {
	case DelegationStatusPending, DelegationStatusApproved,
		DelegationStatusRejected, DelegationStatusAutoApplied:
		return nil
	default:
		return fmt.Errorf("unknown delegation status: %q", s)
	}
}

// IsTerminal reports whether no further transition is allowed.
func (s DelegationStatus) IsTerminal() bool {
	return s == DelegationStatusApproved || s == DelegationStatusRejected || s == DelegationStatusAutoApplied
}

// DelegationRequest escalates a fragment of a node's data to one of its ancestors.
type DelegationRequest struct {
	ID         string           `json:"id"` // UUID
	Source     NodeRef          `json:"source"`
	Target     NodeRef          `json:"target"`
	Payload    map[string]any   `json:"payload"`
	Reason     string           `json:"reason"`
	Status     DelegationStatus `json:"status"`
	CreatedAt  time.Time        `json:"created_at"`
	ResolvedAt *time.Time       `json:"resolved_at,omitempty"`
}

// Validate checks if the DelegationRequest has valid field values.
func (d *DelegationRequest) Validate() error {
	if _, err := uuid.Parse(d.ID); err != nil {
		return fmt.Errorf("invalid delegation ID: not a valid UUID")
	}
	if err := d.Source.Validate(); err != nil {
		return fmt.Errorf("invalid source: %w", err)
	}
	if err := d.Target.Validate(); err != nil {
		return fmt.Errorf("invalid target: %w", err)
	}
	if d.Source.TenantID != d.Target.TenantID {
		return fmt.Errorf("source and target belong to different tenants")
	}
	if !d.Target.Level.IsAncestorOf(d.Source.Level) {
		return fmt.Errorf("target level %s is not an ancestor of %s", d.Target.Level, d.Source.Level)
	}
	if err := d.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}
	return nil
}

// EffectiveContext is the resolved, merged view of a node. It is never stored,
// only derived and cached.
type EffectiveContext struct {
	Ref            NodeRef         `json:"ref"`
	MergedData     map[string]any  `json:"merged_data"`
	ResolvedAt     time.Time       `json:"resolved_at"`
	SourceVersions map[Level]int64 `json:"source_versions"` // 0 marks an absent ancestor
}

// Clone returns a deep copy of the effective context.
func (e *EffectiveContext) Clone() *EffectiveContext {
	if e == nil {
		return nil
	}
	out := *e
	out.MergedData = CloneData(e.MergedData)
	out.SourceVersions = make(map[Level]int64, len(e.SourceVersions))
	for k, v := range e.SourceVersions {
		out.SourceVersions[k] = v
	}
	return &out
}

func cloneDelegations(in []DelegationRequest) []DelegationRequest {
	if in == nil {
		return nil
	}
	out := make([]DelegationRequest, len(in))
	for i, d := range in {
		d.Payload = CloneData(d.Payload)
		if d.ResolvedAt != nil {
			t := *d.ResolvedAt
			d.ResolvedAt = &t
		}
		out[i] = d
	}
	return out
}
