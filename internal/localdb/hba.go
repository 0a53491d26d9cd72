package localdb

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"

	"github.com/nodekeeper/keeper/internal/monitor"
)

// HBARule is one line the keeper owns in the database's host-based-access
// configuration: a single (database, user, address, method) entry.
type HBARule struct {
	Database string
	User     string
	Address  string
	Method   string
}

// DiffHBA computes the peer-set diff: for each peer present now but not
// in previous (a new peer, or one whose hostname changed), produce the
// two rules it needs — a regular connection rule on dbname, and a
// replication rule on replicationUser. Peers removed from the set are
// intentionally not pruned; HBA rules are additive only.
//
// diff(A, A) is always empty.
func DiffHBA(previous, current []monitor.PeerNode, dbname, replicationUser, authMethod string) []HBARule {
	prevByID := make(map[int64]monitor.PeerNode, len(previous))
	for _, p := range previous {
		prevByID[p.NodeID] = p
	}

	ids := make([]int64, 0, len(current))
	currByID := make(map[int64]monitor.PeerNode, len(current))
	for _, p := range current {
		ids = append(ids, p.NodeID)
		currByID[p.NodeID] = p
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var rules []HBARule
	for _, id := range ids {
		p := currByID[id]
		old, existed := prevByID[id]
		if existed && old.Host == p.Host {
			continue
		}
		rules = append(rules, hostRules(p.Host, dbname, replicationUser, authMethod)...)
	}
	return rules
}

// hostRules expands one peer host into its regular and replication rules.
// A literal IP gets a single CIDR form in its own address family (/32 for
// IPv4, /128 for IPv6); no rule for the other family is added. A hostname
// is used as written.
func hostRules(host, dbname, replicationUser, authMethod string) []HBARule {
	addrs := []string{host}
	if ip := net.ParseIP(host); ip != nil {
		if ip.To4() != nil {
			addrs = []string{host + "/32"}
		} else {
			addrs = []string{host + "/128"}
		}
	}

	var rules []HBARule
	for _, addr := range addrs {
		rules = append(rules,
			HBARule{Database: dbname, User: "all", Address: addr, Method: authMethod},
			HBARule{Database: "replication", User: replicationUser, Address: addr, Method: authMethod},
		)
	}
	return rules
}

// HBAWriter appends rules to the controller-managed configuration; it is
// a file edit, not a database call, so it is kept separate from
// Controller.
type HBAWriter interface {
	AppendHBARules(rules []HBARule) error
}

// FileHBAWriter appends rules directly to pg_hba.conf inside pgdata. Each
// rule is written on its own line in the fixed host/hostssl column order;
// existing lines are never touched, matching the diff's additive-only
// policy.
type FileHBAWriter struct {
	Path string
}

// NewFileHBAWriter builds a writer targeting pg_hba.conf under pgdata.
func NewFileHBAWriter(pgdata string) *FileHBAWriter {
	return &FileHBAWriter{Path: filepath.Join(pgdata, "pg_hba.conf")}
}

func (w *FileHBAWriter) AppendHBARules(rules []HBARule) error {
	if len(rules) == 0 {
		return nil
	}
	f, err := os.OpenFile(w.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("localdb: opening %s: %w", w.Path, err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, r := range rules {
		kind := "host"
		if r.Database == "replication" {
			kind = "hostssl"
		}
		fmt.Fprintf(&buf, "%s\t%s\t%s\t%s\t%s\n", kind, r.Database, r.User, r.Address, r.Method)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("localdb: appending hba rules to %s: %w", w.Path, err)
	}
	return nil
}

// ApplyHBADiff writes any new rules and, only if the database is
// currently running, requests a configuration reload so they take effect
// immediately. If the database is down, the edit takes effect at next
// start.
func ApplyHBADiff(ctx context.Context, ctl Controller, w HBAWriter, rules []HBARule) error {
	if len(rules) == 0 {
		return nil
	}
	if err := w.AppendHBARules(rules); err != nil {
		return fmt.Errorf("localdb: writing hba rules: %w", err)
	}
	running, err := ctl.IsRunning(ctx)
	if err != nil {
		return fmt.Errorf("localdb: checking database status: %w", err)
	}
	if !running {
		return nil
	}
	if err := ctl.Reload(ctx); err != nil {
		return fmt.Errorf("localdb: requesting reload: %w", err)
	}
	return nil
}
