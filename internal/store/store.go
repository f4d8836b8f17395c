package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	endpoint TEXT NOT NULL DEFAULT '',
	api_key_hash TEXT NOT NULL DEFAULT '',
	permissions TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'active',
	max_requests_per_minute INTEGER NOT NULL DEFAULT 0,
	trusted_domains TEXT NOT NULL DEFAULT '[]',
	metadata TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS agent_communication_rules (
	id TEXT PRIMARY KEY,
	source_agent_id TEXT NOT NULL,
	target_agent_id TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	max_messages_per_minute INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_comm_src_dst ON agent_communication_rules(source_agent_id, target_agent_id);

CREATE TABLE IF NOT EXISTS firewall_rules (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 100,
	enabled INTEGER NOT NULL DEFAULT 1,
	conditions TEXT NOT NULL DEFAULT '[]',
	action TEXT NOT NULL DEFAULT '{}',
	seq INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS threats (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	threat_type TEXT NOT NULL,
	severity TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}',
	resolved INTEGER NOT NULL DEFAULT 0,
	resolved_at TEXT,
	resolved_by TEXT,
	created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_threats_agent ON threats(agent_id);
CREATE INDEX IF NOT EXISTS idx_threats_created ON threats(created_at);

CREATE TABLE IF NOT EXISTS analyzed_skills (
	code_hash TEXT PRIMARY KEY,
	language TEXT NOT NULL DEFAULT 'javascript',
	safe INTEGER NOT NULL,
	risk_score REAL NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	vulnerabilities TEXT NOT NULL DEFAULT '[]',
	patterns TEXT NOT NULL DEFAULT '[]',
	analysis_time_ms REAL NOT NULL DEFAULT 0
);
`

// Store manages the relational persistence layer. SQLite is the default
// backend; Postgres is selected by driver "postgres" (pgx stdlib).
type Store struct {
	db       *sql.DB
	postgres bool
	writes   chan Threat
	done     chan struct{}
	logger   *slog.Logger
}

// Open opens (or creates) the store. driver is "sqlite" or "postgres".
func Open(driver, dsn string, logger *slog.Logger) (*Store, error) {
	var sqlDriver string
	postgres := false
	switch driver {
	case "", "sqlite":
		sqlDriver = "sqlite"
	case "postgres":
		sqlDriver = "pgx"
		postgres = true
	default:
		return nil, fmt.Errorf("unknown database driver %q", driver)
	}

	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if !postgres {
		// WAL mode for better concurrent read performance
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("setting WAL mode: %w", err)
		}
	}

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	s := &Store{
		db:       db,
		postgres: postgres,
		writes:   make(chan Threat, 256),
		done:     make(chan struct{}),
		logger:   logger,
	}

	go s.writeLoop()
	return s, nil
}

// Close flushes pending threat writes and closes the database.
func (s *Store) Close() error {
	close(s.writes)
	<-s.done
	return s.db.Close()
}

// rebind converts ?-placeholders to $N for the postgres backend.
func (s *Store) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// AgentByID returns the agent row, or nil when it does not exist.
func (s *Store) AgentByID(ctx context.Context, id string) (*Agent, error) {
	return s.agentBy(ctx, "id", id)
}

// AgentByName returns the agent row, or nil when it does not exist.
func (s *Store) AgentByName(ctx context.Context, name string) (*Agent, error) {
	return s.agentBy(ctx, "name", name)
}

func (s *Store) agentBy(ctx context.Context, col, val string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT id, name, endpoint, api_key_hash, permissions, status, max_requests_per_minute, trusted_domains, metadata
		 FROM agents WHERE `+col+` = ?`), val)

	var a Agent
	var perms, domains, meta string
	err := row.Scan(&a.ID, &a.Name, &a.Endpoint, &a.APIKeyHash, &perms, &a.Status, &a.MaxRequestsPerMinute, &domains, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading agent: %w", err)
	}
	if err := json.Unmarshal([]byte(perms), &a.Permissions); err != nil {
		a.Permissions = nil
	}
	if err := json.Unmarshal([]byte(domains), &a.TrustedDomains); err != nil {
		a.TrustedDomains = nil
	}
	if err := json.Unmarshal([]byte(meta), &a.Metadata); err != nil {
		a.Metadata = nil
	}
	return &a, nil
}

// UpsertAgent inserts or replaces an agent row.
func (s *Store) UpsertAgent(ctx context.Context, a *Agent) error {
	perms := marshalOr(a.Permissions, "[]")
	domains := marshalOr(a.TrustedDomains, "[]")
	meta := marshalOr(a.Metadata, "{}")

	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO agents (id, name, endpoint, api_key_hash, permissions, status, max_requests_per_minute, trusted_domains, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			endpoint = excluded.endpoint,
			api_key_hash = excluded.api_key_hash,
			permissions = excluded.permissions,
			status = excluded.status,
			max_requests_per_minute = excluded.max_requests_per_minute,
			trusted_domains = excluded.trusted_domains,
			metadata = excluded.metadata`),
		a.ID, a.Name, a.Endpoint, a.APIKeyHash, perms, a.Status, a.MaxRequestsPerMinute, domains, meta)
	if err != nil {
		return fmt.Errorf("upserting agent: %w", err)
	}
	return nil
}

// CommunicationAllowed reports whether an enabled communication rule
// exists from source to target.
func (s *Store) CommunicationAllowed(ctx context.Context, source, target string) (bool, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT COUNT(1) FROM agent_communication_rules
		 WHERE source_agent_id = ? AND target_agent_id = ? AND enabled = 1`), source, target)
	var n int
	if err := row.Scan(&n); err != nil {
		return false, fmt.Errorf("checking communication rule: %w", err)
	}
	return n > 0, nil
}

// AddCommunicationRule inserts a communication rule.
func (s *Store) AddCommunicationRule(ctx context.Context, r CommunicationRule) error {
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO agent_communication_rules (id, source_agent_id, target_agent_id, enabled, max_messages_per_minute)
		 VALUES (?, ?, ?, ?, ?)`),
		r.ID, r.SourceAgentID, r.TargetAgentID, enabled, r.MaxMessagesPerMinute)
	if err != nil {
		return fmt.Errorf("inserting communication rule: %w", err)
	}
	return nil
}

// EnabledRules returns all enabled firewall rules sorted by ascending
// priority, insertion order within equal priorities.
func (s *Store) EnabledRules(ctx context.Context) ([]FirewallRule, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(
		`SELECT id, name, description, type, priority, enabled, conditions, action, seq
		 FROM firewall_rules WHERE enabled = 1`))
	if err != nil {
		return nil, fmt.Errorf("loading firewall rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type seqRule struct {
		rule FirewallRule
		seq  int64
	}
	var loaded []seqRule
	for rows.Next() {
		var sr seqRule
		var enabled int
		var conds, action string
		if err := rows.Scan(&sr.rule.ID, &sr.rule.Name, &sr.rule.Description, &sr.rule.Type,
			&sr.rule.Priority, &enabled, &conds, &action, &sr.seq); err != nil {
			return nil, fmt.Errorf("scanning rule: %w", err)
		}
		sr.rule.Enabled = enabled == 1
		if err := json.Unmarshal([]byte(conds), &sr.rule.Conditions); err != nil {
			s.logger.Warn("skipping rule with malformed conditions", "rule", sr.rule.ID, "error", err)
			continue
		}
		if err := json.Unmarshal([]byte(action), &sr.rule.Action); err != nil {
			s.logger.Warn("skipping rule with malformed action", "rule", sr.rule.ID, "error", err)
			continue
		}
		loaded = append(loaded, sr)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(loaded, func(i, j int) bool {
		if loaded[i].rule.Priority != loaded[j].rule.Priority {
			return loaded[i].rule.Priority < loaded[j].rule.Priority
		}
		return loaded[i].seq < loaded[j].seq
	})

	out := make([]FirewallRule, len(loaded))
	for i, sr := range loaded {
		out[i] = sr.rule
	}
	return out, nil
}

// InsertRule inserts a firewall rule, stamping its insertion sequence.
func (s *Store) InsertRule(ctx context.Context, r FirewallRule) error {
	conds := marshalOr(r.Conditions, "[]")
	action := marshalOr(r.Action, "{}")
	enabled := 0
	if r.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO firewall_rules (id, name, description, type, priority, enabled, conditions, action, seq)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		r.ID, r.Name, r.Description, r.Type, r.Priority, enabled, conds, action, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("inserting firewall rule: %w", err)
	}
	return nil
}

// RecordThreat enqueues a threat event for async writing. A full buffer
// drops the event with a warning; persistence failures never influence
// an inspection decision.
func (s *Store) RecordThreat(t Threat) {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	select {
	case s.writes <- t:
	default:
		s.logger.Warn("threat write buffer full, dropping event", "id", t.ID, "type", t.Type)
	}
}

func (s *Store) writeLoop() {
	defer close(s.done)
	for t := range s.writes {
		details := marshalOr(t.Details, "{}")
		_, err := s.db.Exec(s.rebind(
			`INSERT INTO threats (id, agent_id, threat_type, severity, details, resolved, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?)`),
			t.ID, t.AgentID, t.Type, t.Severity, details, t.CreatedAt.Format(time.RFC3339Nano))
		if err != nil {
			s.logger.Error("threat write failed", "id", t.ID, "error", err)
		}
	}
}

// Threats returns threat events matching the given filters, newest first.
func (s *Store) Threats(ctx context.Context, q ThreatQuery) ([]Threat, error) {
	query := `SELECT id, agent_id, threat_type, severity, details, resolved, resolved_at, resolved_by, created_at
		 FROM threats WHERE 1=1`
	var args []any

	if q.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, q.AgentID)
	}
	if q.Severity != "" {
		query += " AND severity = ?"
		args = append(args, q.Severity)
	}
	if q.Unresolved {
		query += " AND resolved = 0"
	}
	query += " ORDER BY created_at DESC"
	if q.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", q.Limit)
	} else {
		query += " LIMIT 50"
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying threats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Threat
	for rows.Next() {
		var t Threat
		var details string
		var resolved int
		var resolvedAt, resolvedBy sql.NullString
		var created string
		if err := rows.Scan(&t.ID, &t.AgentID, &t.Type, &t.Severity, &details, &resolved, &resolvedAt, &resolvedBy, &created); err != nil {
			return nil, fmt.Errorf("scanning threat: %w", err)
		}
		t.Resolved = resolved == 1
		t.ResolvedBy = resolvedBy.String
		if resolvedAt.Valid {
			if ts, err := time.Parse(time.RFC3339Nano, resolvedAt.String); err == nil {
				t.ResolvedAt = &ts
			}
		}
		if ts, err := time.Parse(time.RFC3339Nano, created); err == nil {
			t.CreatedAt = ts
		}
		if err := json.Unmarshal([]byte(details), &t.Details); err != nil {
			t.Details = nil
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ResolveThreat marks a threat event as resolved.
func (s *Store) ResolveThreat(ctx context.Context, id, by string) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		`UPDATE threats SET resolved = 1, resolved_at = ?, resolved_by = ? WHERE id = ?`),
		time.Now().UTC().Format(time.RFC3339Nano), by, id)
	if err != nil {
		return fmt.Errorf("resolving threat: %w", err)
	}
	return nil
}

// UpsertSkillVerdict caches a skill-analysis result by code hash.
func (s *Store) UpsertSkillVerdict(ctx context.Context, v SkillVerdict) error {
	safe := 0
	if v.Safe {
		safe = 1
	}
	_, err := s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO analyzed_skills (code_hash, language, safe, risk_score, reason, vulnerabilities, patterns, analysis_time_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (code_hash) DO UPDATE SET
			language = excluded.language,
			safe = excluded.safe,
			risk_score = excluded.risk_score,
			reason = excluded.reason,
			vulnerabilities = excluded.vulnerabilities,
			patterns = excluded.patterns,
			analysis_time_ms = excluded.analysis_time_ms`),
		v.CodeHash, v.Language, safe, v.RiskScore, v.Reason, v.Vulnerabilities, v.Patterns, v.AnalysisTimeMs)
	if err != nil {
		return fmt.Errorf("upserting skill verdict: %w", err)
	}
	return nil
}

// SkillVerdictByHash returns the cached verdict, or nil when absent.
func (s *Store) SkillVerdictByHash(ctx context.Context, hash string) (*SkillVerdict, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(
		`SELECT code_hash, language, safe, risk_score, reason, vulnerabilities, patterns, analysis_time_ms
		 FROM analyzed_skills WHERE code_hash = ?`), hash)

	var v SkillVerdict
	var safe int
	err := row.Scan(&v.CodeHash, &v.Language, &safe, &v.RiskScore, &v.Reason, &v.Vulnerabilities, &v.Patterns, &v.AnalysisTimeMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading skill verdict: %w", err)
	}
	v.Safe = safe == 1
	return &v, nil
}

func marshalOr(v any, fallback string) string {
	data, err := json.Marshal(v)
	if err != nil || string(data) == "null" {
		return fallback
	}
	return string(data)
}
