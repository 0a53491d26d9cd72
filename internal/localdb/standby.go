package localdb

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nodekeeper/keeper/internal/nodestate"
)

// StandbyConfig is the content of a standby's replication-source
// configuration, rewritten whenever the primary's address, the slot name,
// or SSL settings change.
type StandbyConfig struct {
	PrimaryConnInfo string
	SlotName        string
	SSLMode         string
	SSLRootCert     string
}

// render produces the exact byte content written to disk, in a fixed key
// order so byte-for-byte comparison against the previous file is stable.
func (c StandbyConfig) render() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "primary_conninfo = '%s sslmode=%s sslrootcert=%s'\n", c.PrimaryConnInfo, c.SSLMode, c.SSLRootCert)
	fmt.Fprintf(&buf, "primary_slot_name = '%s'\n", c.SlotName)
	return buf.Bytes()
}

// AppliesTo reports whether role is one where a standby configuration is
// relevant: CATCHINGUP, SECONDARY or MAINTENANCE.
func AppliesTo(role nodestate.State) bool {
	switch role {
	case nodestate.CatchingUp, nodestate.Secondary, nodestate.Maintenance:
		return true
	default:
		return false
	}
}

// RewriteStandbyConfig compares the new configuration against the file
// already on disk and, only if the content differs, checkpoints and
// restarts the database after writing it. An unreadable (e.g. missing)
// existing file is treated as empty, so first-time writes always apply.
func RewriteStandbyConfig(ctx context.Context, ctl Controller, path string, cfg StandbyConfig) (changed bool, err error) {
	next := cfg.render()

	prev, readErr := os.ReadFile(path)
	if readErr == nil && bytes.Equal(prev, next) {
		return false, nil
	}

	tmp := path + ".new"
	if err := os.WriteFile(tmp, next, 0o600); err != nil {
		return false, fmt.Errorf("localdb: writing standby config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return false, fmt.Errorf("localdb: renaming standby config: %w", err)
	}

	if err := ctl.Checkpoint(ctx); err != nil {
		return false, fmt.Errorf("localdb: checkpoint before standby restart: %w", err)
	}
	if err := ctl.Restart(ctx); err != nil {
		return false, fmt.Errorf("localdb: restarting for standby config change: %w", err)
	}
	return true, nil
}

// DefaultStandbyConfigPath returns the conventional location for the
// standby configuration file inside pgdata.
func DefaultStandbyConfigPath(pgdata string) string {
	return filepath.Join(pgdata, "standby.signal.conf")
}
