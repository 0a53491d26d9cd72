package state

import (
	"os"
	"path/filepath"
	"testing"

	"gopkg.in/yaml.v3"

	"github.com/nodekeeper/keeper/internal/nodestate"
)

func TestLoadMissingFileReturnsNilNil(t *testing.T) {
	dir := t.TempDir()
	ks, err := Load(filepath.Join(dir, "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if ks != nil {
		t.Errorf("expected nil state for missing file, got %+v", ks)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")

	ks := New()
	ks.CurrentNodeID = 1
	ks.CurrentGroupID = 0
	ks.AssignedRole = nodestate.Single

	if err := Save(path, ks); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.CurrentNodeID != 1 || got.AssignedRole != nodestate.Single {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Version != CurrentVersion {
		t.Errorf("expected version %d, got %d", CurrentVersion, got.Version)
	}

	if _, err := os.Stat(path + ".new"); !os.IsNotExist(err) {
		t.Errorf("expected temp file to be renamed away, stat err = %v", err)
	}
}

func TestLoadRejectsFutureVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")
	if err := os.WriteFile(path, []byte("version: 999\ncurrent_node_id: 1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected an error loading a state file from a newer version")
	}
}

func TestLoadRejectsTooManyPeers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")

	ks := New()
	for i := 0; i < MaxOtherNodes+1; i++ {
		ks.OtherNodes = append(ks.OtherNodes, NodeAddress{NodeID: int64(i + 1)})
	}
	// Bypass Save's own cap check to simulate a corrupted or hand-edited file.
	ks.Version = CurrentVersion
	b, _ := yaml.Marshal(ks)
	if err := os.WriteFile(path, b, 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected Load to reject a state file exceeding MaxOtherNodes")
	}
}

func TestSaveRejectsTooManyPeers(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keeper.yaml")

	ks := New()
	for i := 0; i < MaxOtherNodes+1; i++ {
		ks.OtherNodes = append(ks.OtherNodes, NodeAddress{NodeID: int64(i + 1)})
	}
	if err := Save(path, ks); err == nil {
		t.Error("expected Save to reject a state exceeding MaxOtherNodes")
	}
}

func TestValidateNodeIDRejectsChange(t *testing.T) {
	if err := ValidateNodeID(1, 2); err == nil {
		t.Error("expected an error when currentNodeId changes")
	}
	if err := ValidateNodeID(0, 2); err != nil {
		t.Errorf("expected no error when persisted id was never set, got %v", err)
	}
	if err := ValidateNodeID(1, 1); err != nil {
		t.Errorf("expected no error when id is unchanged, got %v", err)
	}
}

func TestValidateSystemIdentifierRejectsChange(t *testing.T) {
	if err := ValidateSystemIdentifier(100, 200); err == nil {
		t.Error("expected an error when system identifier changes")
	}
	if err := ValidateSystemIdentifier(0, 200); err != nil {
		t.Errorf("expected no error when cache was uninitialized, got %v", err)
	}
}

func TestValidatePortRejectsMismatch(t *testing.T) {
	if err := ValidatePort(5432, 5433); err == nil {
		t.Error("expected an error when the observed port differs from the configured one")
	}
	if err := ValidatePort(5432, 0); err != nil {
		t.Errorf("expected no error when the postmaster isn't running (observed 0), got %v", err)
	}
	if err := ValidatePort(5432, 5432); err != nil {
		t.Errorf("expected no error when ports match, got %v", err)
	}
}
