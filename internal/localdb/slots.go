package localdb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nodekeeper/keeper/internal/monitor"
)

// SlotName returns the fixed naming pattern for a peer's physical
// replication slot, embedding its nodeId.
func SlotName(peerNodeID int64) string {
	return fmt.Sprintf("keeperha_%d", peerNodeID)
}

// slotsQuerier is the subset of *pgxpool.Pool the slot maintenance code
// calls, mirroring the monitor package's querier seam so it can be tested
// against a fake.
type slotsQuerier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}

var _ slotsQuerier = (*pgxpool.Pool)(nil)

// MaintainSlots performs a single idempotent slot-maintenance pass:
// create slots for new peers, drop slots for peers no longer present
// (matching only the managed-slot naming pattern), and, when isPrimary
// is false, advance each remaining slot to the peer's reported LSN.
//
// Called from ensureCurrentState for PRIMARY, SINGLE and SECONDARY; never
// for CATCHINGUP, where advancing against a standby's not-yet-caught-up
// restart point can fail outright.
func MaintainSlots(ctx context.Context, db slotsQuerier, peers []monitor.PeerNode, isPrimary bool) error {
	existing, err := existingManagedSlots(ctx, db)
	if err != nil {
		return fmt.Errorf("localdb: listing replication slots: %w", err)
	}

	wanted := make(map[string]monitor.PeerNode, len(peers))
	for _, p := range peers {
		wanted[SlotName(p.NodeID)] = p
	}

	for name := range existing {
		if _, ok := wanted[name]; !ok {
			if _, err := db.Exec(ctx, `SELECT pg_drop_replication_slot($1)`, name); err != nil {
				return fmt.Errorf("localdb: dropping slot %s: %w", name, err)
			}
		}
	}

	for name, p := range wanted {
		restartLSN, ok := existing[name]
		if !ok {
			if _, err := db.Exec(ctx, `SELECT pg_create_physical_replication_slot($1)`, name); err != nil {
				return fmt.Errorf("localdb: creating slot %s: %w", name, err)
			}
			continue
		}
		if isPrimary {
			continue
		}
		if p.LSN == "" || p.LSN == "0/0" {
			continue
		}
		if !lsnAtLeast(p.LSN, restartLSN) {
			continue
		}
		if _, err := db.Exec(ctx, `SELECT pg_replication_slot_advance($1, $2)`, name, p.LSN); err != nil {
			return fmt.Errorf("localdb: advancing slot %s: %w", name, err)
		}
	}
	return nil
}

func existingManagedSlots(ctx context.Context, db slotsQuerier) (map[string]string, error) {
	rows, err := db.Query(ctx, `SELECT slot_name, restart_lsn FROM pg_replication_slots WHERE slot_name LIKE 'keeperha_%'`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]string{}
	for rows.Next() {
		var name, lsn string
		if err := rows.Scan(&name, &lsn); err != nil {
			return nil, err
		}
		out[name] = lsn
	}
	return out, rows.Err()
}

// lsnAtLeast compares two LSNs in "hi/lo" hex form. A malformed LSN never
// compares greater, so a bad reading from a peer never triggers an
// advance.
func lsnAtLeast(a, b string) bool {
	ah, al, aok := parseLSN(a)
	bh, bl, bok := parseLSN(b)
	if !aok || !bok {
		return false
	}
	if ah != bh {
		return ah > bh
	}
	return al >= bl
}

func parseLSN(s string) (hi, lo uint64, ok bool) {
	var slash int
	for i := 0; i < len(s); i++ {
		if s[i] == '/' {
			slash = i
			break
		}
	}
	if slash == 0 || slash == len(s)-1 {
		return 0, 0, false
	}
	hi, okHi := parseHex(s[:slash])
	lo, okLo := parseHex(s[slash+1:])
	return hi, lo, okHi && okLo
}

func parseHex(s string) (uint64, bool) {
	var v uint64
	if s == "" {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		var d uint64
		switch {
		case c >= '0' && c <= '9':
			d = uint64(c - '0')
		case c >= 'a' && c <= 'f':
			d = uint64(c-'a') + 10
		case c >= 'A' && c <= 'F':
			d = uint64(c-'A') + 10
		default:
			return 0, false
		}
		v = v*16 + d
	}
	return v, true
}
