// Package config loads and reloads the keeper's configuration file,
// following an ini-file-plus-flag-overrides pattern, adapted to the
// keeper's own [keeper]/[postgresql]/[ssl] sections and to its own
// per-field reload policy.
package config

import (
	"fmt"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the keeper's full, resolved configuration.
type Config struct {
	// PGData is the local Postgres data directory. Immutable after the
	// keeper first starts: see Reload.
	PGData string

	Formation string
	Name      string
	Hostname  string
	Port      int

	MonitorURI string

	Dbname              string
	ReplicationUser     string
	ReplicationPassword string
	ReplicationSlotName string

	MaximumBackupRate string
	BackupDirectory   string

	HBAAuthMethod string

	// Registration-time fields: consulted only by the one-time
	// registerNode call, carried in config rather than state since they
	// express operator intent (group placement, standby weighting), not
	// keeper-observed fact.
	DesiredGroupID    int64
	NodeKind          string
	CandidatePriority int
	ReplicationQuorum bool

	NetworkPartitionTimeout time.Duration
	RestartFailureTimeout   time.Duration
	RestartFailureMaxRetry  int
	TickInterval            time.Duration

	SSL SSLConfig
}

// SSLConfig holds ssl-cert/ssl-key/ssl-ca handling, generalized to also
// carry an ssl mode.
type SSLConfig struct {
	Mode string
	Cert string
	Key  string
	CA   string
}

// Load reads an ini file into a Config, applying the same defaults an
// empty [keeper] section would imply.
func Load(path string) (*Config, error) {
	opts := ini.LoadOptions{AllowBooleanKeys: true, Loose: true}
	f, err := ini.LoadSources(opts, path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	return fromFile(f)
}

func fromFile(f *ini.File) (*Config, error) {
	c := &Config{
		Dbname:                  "postgres",
		ReplicationUser:         "keeper_repl",
		HBAAuthMethod:           "trust",
		NodeKind:                "postgres",
		CandidatePriority:       50,
		ReplicationQuorum:       true,
		NetworkPartitionTimeout: 20 * time.Second,
		RestartFailureTimeout:   20 * time.Second,
		RestartFailureMaxRetry:  3,
		TickInterval:            5 * time.Second,
	}

	keeper := f.Section("keeper")
	c.PGData = keeper.Key("pgdata").String()
	c.Formation = keeper.Key("formation").MustString("default")
	c.Name = keeper.Key("name").String()
	c.Hostname = keeper.Key("hostname").String()
	c.Port = keeper.Key("port").MustInt(5432)
	c.MonitorURI = keeper.Key("monitor").String()
	c.DesiredGroupID = keeper.Key("group-id").MustInt64(0)
	c.NodeKind = keeper.Key("node-kind").MustString("postgres")
	c.CandidatePriority = keeper.Key("candidate-priority").MustInt(50)
	c.ReplicationQuorum = keeper.Key("replication-quorum").MustBool(true)

	if v := keeper.Key("network-partition-timeout").String(); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: network-partition-timeout: %w", err)
		}
		c.NetworkPartitionTimeout = d
	}
	if v := keeper.Key("restart-failure-timeout").String(); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: restart-failure-timeout: %w", err)
		}
		c.RestartFailureTimeout = d
	}
	c.RestartFailureMaxRetry = keeper.Key("restart-failure-max-retries").MustInt(3)
	if v := keeper.Key("tick-interval").String(); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("config: tick-interval: %w", err)
		}
		c.TickInterval = d
	}

	pg := f.Section("postgresql")
	if v := pg.Key("dbname").String(); v != "" {
		c.Dbname = v
	}
	c.ReplicationPassword = pg.Key("replication-password").String()
	if v := pg.Key("replication-user").String(); v != "" {
		c.ReplicationUser = v
	}
	c.ReplicationSlotName = pg.Key("replication-slot-name").String()
	c.MaximumBackupRate = pg.Key("maximum-backup-rate").MustString("100M")
	c.BackupDirectory = pg.Key("backup-directory").String()
	c.HBAAuthMethod = pg.Key("hba-auth-method").MustString("trust")

	ssl := f.Section("ssl")
	c.SSL = SSLConfig{
		Mode: ssl.Key("ssl-mode").MustString("prefer"),
		Cert: ssl.Key("ssl-cert").String(),
		Key:  ssl.Key("ssl-key").String(),
		CA:   ssl.Key("ssl-ca").String(),
	}

	if c.PGData == "" {
		return nil, fmt.Errorf("config: pgdata is required")
	}

	return c, nil
}

// ReloadOutcome reports what a reload actually did, so the control loop
// can decide whether to reinitialize the monitor client, re-announce
// metadata, or reapply database/ssl settings.
type ReloadOutcome struct {
	// Rejected holds a human-readable reason per field the reload refused
	// to apply (e.g. "pgdata: refusing change from /data/pg1 to /data/pg2").
	Rejected []string

	MonitorURIChanged bool
	MetadataChanged   bool // name, hostname, or port changed
	SSLChanged        bool
}

// Reload applies candidate over current per a field-by-field accept/
// reject/warn policy and returns the merged Config plus what changed. It
// never mutates current; callers should replace their Config with the
// returned one only if they intend to keep rejected fields at their old
// values (which Reload already guarantees).
func Reload(current *Config, candidate *Config) (*Config, ReloadOutcome) {
	next := *current
	var out ReloadOutcome

	// pgdata must not change: refuse reload of this field entirely.
	if candidate.PGData != current.PGData {
		out.Rejected = append(out.Rejected, fmt.Sprintf(
			"pgdata: refusing change from %q to %q; pgdata cannot change without re-registration", current.PGData, candidate.PGData))
	}

	// formation: warn and keep old; changing it requires re-registration.
	if candidate.Formation != current.Formation {
		out.Rejected = append(out.Rejected, fmt.Sprintf(
			"formation: refusing change from %q to %q; changing formation requires re-registration", current.Formation, candidate.Formation))
	}

	// monitor URI: accepted, client must be reinitialized.
	if candidate.MonitorURI != current.MonitorURI {
		next.MonitorURI = candidate.MonitorURI
		out.MonitorURIChanged = true
	}

	// name, hostname, port: accepted, triggers updateNodeMetadata.
	if candidate.Name != current.Name || candidate.Hostname != current.Hostname || candidate.Port != current.Port {
		next.Name = candidate.Name
		next.Hostname = candidate.Hostname
		next.Port = candidate.Port
		out.MetadataChanged = true
	}

	// Accepted hot, no cascading effect beyond taking the new value.
	next.ReplicationPassword = candidate.ReplicationPassword
	next.MaximumBackupRate = candidate.MaximumBackupRate
	next.BackupDirectory = candidate.BackupDirectory
	next.HBAAuthMethod = candidate.HBAAuthMethod
	next.NetworkPartitionTimeout = candidate.NetworkPartitionTimeout
	next.RestartFailureTimeout = candidate.RestartFailureTimeout
	next.RestartFailureMaxRetry = candidate.RestartFailureMaxRetry
	next.TickInterval = candidate.TickInterval

	// SSL: accepted hot, cascades into reapplying DB settings and,
	// on a standby, rewriting the standby configuration.
	if candidate.SSL != current.SSL {
		next.SSL = candidate.SSL
		out.SSLChanged = true
	}

	return &next, out
}
