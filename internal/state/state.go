// Package state implements the keeper's crash-safe on-disk KeeperState:
// write-temp-then-rename always, a versioned header readers must
// validate, and a set of invariants the control loop enforces around
// currentNodeId and systemIdentifier.
package state

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nodekeeper/keeper/internal/nodestate"
)

// CurrentVersion is the on-disk layout version this build writes and
// expects to read. Evolving the layout requires a migration path in
// Load, keyed on the Version field.
const CurrentVersion = 1

// MaxOtherNodes bounds the cached peer set to a small constant.
const MaxOtherNodes = 12

// NodeAddress is one entry of the cached otherNodes set.
type NodeAddress struct {
	NodeID    int64  `yaml:"node_id"`
	Name      string `yaml:"name"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	LSN       string `yaml:"lsn"`
	IsPrimary bool   `yaml:"is_primary"`
}

// KeeperState is the full persisted record. Field names and shape are
// part of the on-disk contract; see Load/Save for the atomic I/O
// discipline wrapping it.
type KeeperState struct {
	Version int `yaml:"version"`

	CurrentNodeID  int64 `yaml:"current_node_id"`
	CurrentGroupID int64 `yaml:"current_group_id"`

	CurrentRole  nodestate.State `yaml:"current_role"`
	AssignedRole nodestate.State `yaml:"assigned_role"`

	LastMonitorContact   int64 `yaml:"last_monitor_contact"`
	LastSecondaryContact int64 `yaml:"last_secondary_contact"`

	PgControlVersion uint32 `yaml:"pg_control_version"`
	CatalogVersionNo uint32 `yaml:"catalog_version_no"`
	SystemIdentifier uint64 `yaml:"system_identifier"`

	OtherNodes []NodeAddress `yaml:"other_nodes,omitempty"`
}

// New returns a fresh, not-yet-registered KeeperState: INIT/INIT, every
// identity field zero.
func New() *KeeperState {
	return &KeeperState{
		Version:      CurrentVersion,
		CurrentRole:  nodestate.Init,
		AssignedRole: nodestate.Init,
	}
}

// Load reads and validates path. A missing file is not an error: callers
// on first boot get (nil, nil) and must register from scratch; readers
// tolerate a missing file.
func Load(path string) (*KeeperState, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("state: read %s: %w", path, err)
	}

	var ks KeeperState
	if err := yaml.Unmarshal(b, &ks); err != nil {
		return nil, fmt.Errorf("state: parse %s: %w", path, err)
	}
	if ks.Version == 0 || ks.Version > CurrentVersion {
		return nil, fmt.Errorf("state: %s has unsupported version %d (this build writes version %d)", path, ks.Version, CurrentVersion)
	}
	if len(ks.OtherNodes) > MaxOtherNodes {
		return nil, fmt.Errorf("state: %s has %d cached peers, exceeding the cap of %d", path, len(ks.OtherNodes), MaxOtherNodes)
	}
	return &ks, nil
}

// Save persists ks via write-temp-then-rename, so a crash mid-write never
// leaves a partially-written state file for the next Load to trip over.
// Save is the only writer: it is called exclusively by the control loop,
// never concurrently with itself (the PID-file guard enforces this at
// the process level).
func Save(path string, ks *KeeperState) error {
	if len(ks.OtherNodes) > MaxOtherNodes {
		return fmt.Errorf("state: refusing to persist %d peers, exceeding the cap of %d", len(ks.OtherNodes), MaxOtherNodes)
	}
	ks.Version = CurrentVersion

	b, err := yaml.Marshal(ks)
	if err != nil {
		return fmt.Errorf("state: marshal: %w", err)
	}

	tmp := path + ".new"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("state: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("state: rename %s to %s: %w", tmp, path, err)
	}
	return nil
}

// ValidateNodeID enforces the invariant that currentNodeId, once set by
// the first successful registration, never changes for the life of the
// state file.
func ValidateNodeID(persisted, incoming int64) error {
	if persisted != 0 && incoming != 0 && persisted != incoming {
		return fmt.Errorf("state: currentNodeId changed from %d to %d; this is fatal, the state file no longer describes this node", persisted, incoming)
	}
	return nil
}

// ValidateSystemIdentifier enforces the invariant that a cached,
// nonzero systemIdentifier must equal what the local database reports.
// An uninitialized cache (persisted == 0) is not a mismatch: it simply
// hasn't been observed yet.
func ValidateSystemIdentifier(persisted, observed uint64) error {
	if persisted != 0 && observed != 0 && persisted != observed {
		return fmt.Errorf("state: local system identifier changed from %d to %d; this is fatal", persisted, observed)
	}
	return nil
}

// ValidatePort enforces that the postmaster this keeper is watching is
// actually listening on the configured port. A mismatch means the pgdata
// directory or the configuration was swapped out from under the keeper
// (wrong volume mounted, a stale postmaster left running, a reloaded
// config pointed at the wrong cluster); there is no safe reconciliation
// target in that state, so this is fatal rather than a reload-policy
// rejection. observed == 0 means the postmaster.pid file couldn't be
// read (database down), which is not a mismatch.
func ValidatePort(configured, observed int) error {
	if observed != 0 && configured != 0 && configured != observed {
		return fmt.Errorf("state: postmaster is listening on port %d but this keeper is configured for port %d; this is fatal", observed, configured)
	}
	return nil
}
