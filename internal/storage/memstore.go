package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jcolano/hiveboard-sub000/internal/eventmodel"
)

// MemStore is the reference Storage implementation: one RWMutex per
// table, snapshot-to-JSON persistence with atomic
// temp-file-then-rename writes.
type MemStore struct {
	logger  zerolog.Logger
	dataDir string

	tenantsMu sync.RWMutex
	tenants   map[string]eventmodel.Tenant

	keysMu sync.RWMutex
	keysByHash map[string]eventmodel.APIKey
	keysByID   map[string]string // keyID -> hash, for revoke/touch by id

	projectsMu sync.RWMutex
	projects   map[string]map[string]eventmodel.Project // tenantID -> projectID -> project

	agentsMu sync.RWMutex
	agents   map[string]map[string]eventmodel.AgentProfile // tenantID -> agentID -> profile

	junctionMu sync.RWMutex
	junction   map[string]map[string]map[string]bool // tenantID -> projectID -> agentID -> true

	eventsMu sync.RWMutex
	events   map[string]map[string]eventmodel.Event // tenantID -> eventID -> event
	eventOrder map[string][]string                   // tenantID -> eventIDs in insertion order

	rulesMu sync.RWMutex
	rules   map[string]map[string]eventmodel.AlertRule // tenantID -> ruleID -> rule

	historyMu sync.RWMutex
	history   map[string][]eventmodel.AlertHistory // tenantID -> history, newest last
}

// NewMemStore constructs an empty in-memory store that persists
// snapshots under dataDir.
func NewMemStore(logger zerolog.Logger, dataDir string) *MemStore {
	return &MemStore{
		logger:     logger.With().Str("component", "storage").Logger(),
		dataDir:    dataDir,
		tenants:    make(map[string]eventmodel.Tenant),
		keysByHash: make(map[string]eventmodel.APIKey),
		keysByID:   make(map[string]string),
		projects:   make(map[string]map[string]eventmodel.Project),
		agents:     make(map[string]map[string]eventmodel.AgentProfile),
		junction:   make(map[string]map[string]map[string]bool),
		events:     make(map[string]map[string]eventmodel.Event),
		eventOrder: make(map[string][]string),
		rules:      make(map[string]map[string]eventmodel.AlertRule),
		history:    make(map[string][]eventmodel.AlertHistory),
	}
}

// HashAPIKey is the single canonical place the raw-key -> hash
// transform happens, so auth lookups and key creation never diverge.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func (s *MemStore) snapshotPath(table string) string {
	return filepath.Join(s.dataDir, table+".json")
}

// persistTable writes an arbitrary JSON-able snapshot for one table
// atomically. Errors are logged, not returned to the caller's
// transaction, since a failed background snapshot must not roll back
// an in-memory mutation that request handlers have already observed.
func (s *MemStore) persistTable(table string, v interface{}) {
	path := s.snapshotPath(table)
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("failed to marshal snapshot")
		return
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("failed to create data dir")
		return
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("failed to write snapshot")
		return
	}
	if err := os.Rename(tmp, path); err != nil {
		s.logger.Error().Err(err).Str("table", table).Msg("failed to rename snapshot")
	}
}

// ─── Tenants ──────────────────────────────────────────────────────

func (s *MemStore) CreateTenant(ctx context.Context, t eventmodel.Tenant) error {
	s.tenantsMu.Lock()
	defer s.tenantsMu.Unlock()
	if t.TenantID == "" {
		t.TenantID = uuid.NewString()
	}
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	s.tenants[t.TenantID] = t
	s.persistTable("tenants", s.tenants)
	return nil
}

func (s *MemStore) GetTenant(ctx context.Context, tenantID string) (eventmodel.Tenant, error) {
	s.tenantsMu.RLock()
	defer s.tenantsMu.RUnlock()
	t, ok := s.tenants[tenantID]
	if !ok {
		return eventmodel.Tenant{}, ErrNotFound
	}
	return t, nil
}

func (s *MemStore) ListTenants(ctx context.Context) ([]eventmodel.Tenant, error) {
	s.tenantsMu.RLock()
	defer s.tenantsMu.RUnlock()
	out := make([]eventmodel.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetTenantByAPIKeyValue hashes rawKey, looks up the matching active
// key, and returns both it and its owning tenant. This is the single
// entry point the auth middleware calls; see internal/auth.
func (s *MemStore) GetTenantByAPIKeyValue(ctx context.Context, rawKey string) (eventmodel.Tenant, eventmodel.APIKey, error) {
	hash := HashAPIKey(rawKey)
	key, err := s.GetAPIKeyByHash(ctx, hash)
	if err != nil {
		return eventmodel.Tenant{}, eventmodel.APIKey{}, err
	}
	tenant, err := s.GetTenant(ctx, key.TenantID)
	if err != nil {
		return eventmodel.Tenant{}, eventmodel.APIKey{}, err
	}
	return tenant, key, nil
}

// ─── API Keys ─────────────────────────────────────────────────────

func (s *MemStore) CreateAPIKey(ctx context.Context, k eventmodel.APIKey) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	if k.KeyID == "" {
		k.KeyID = uuid.NewString()
	}
	if k.CreatedAt.IsZero() {
		k.CreatedAt = time.Now().UTC()
	}
	s.keysByHash[k.KeyHash] = k
	s.keysByID[k.KeyID] = k.KeyHash
	s.persistTable("api_keys", s.keysByHash)
	return nil
}

func (s *MemStore) GetAPIKeyByHash(ctx context.Context, hash string) (eventmodel.APIKey, error) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	k, ok := s.keysByHash[hash]
	if !ok || !k.Active {
		return eventmodel.APIKey{}, ErrNotFound
	}
	return k, nil
}

func (s *MemStore) TouchAPIKeyLastUsed(ctx context.Context, tenantID, keyID string, at time.Time) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	hash, ok := s.keysByID[keyID]
	if !ok {
		return ErrNotFound
	}
	k := s.keysByHash[hash]
	k.LastUsedAt = &at
	s.keysByHash[hash] = k
	s.persistTable("api_keys", s.keysByHash)
	return nil
}

func (s *MemStore) RevokeAPIKey(ctx context.Context, tenantID, keyID string) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()
	hash, ok := s.keysByID[keyID]
	if !ok {
		return ErrNotFound
	}
	k := s.keysByHash[hash]
	if k.TenantID != tenantID {
		return ErrNotFound
	}
	now := time.Now().UTC()
	k.Active = false
	k.RevokedAt = &now
	s.keysByHash[hash] = k
	s.persistTable("api_keys", s.keysByHash)
	return nil
}

func (s *MemStore) ListAPIKeys(ctx context.Context, tenantID string) ([]eventmodel.APIKey, error) {
	s.keysMu.RLock()
	defer s.keysMu.RUnlock()
	out := make([]eventmodel.APIKey, 0)
	for _, k := range s.keysByHash {
		if k.TenantID == tenantID {
			out = append(out, k)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ─── Projects ─────────────────────────────────────────────────────

func (s *MemStore) CreateProject(ctx context.Context, p eventmodel.Project) error {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()
	return s.createProjectLocked(p)
}

// createProjectLocked assumes s.projectsMu is held. A slug is taken
// by archived and active projects alike, so a merged-away project's
// slug is never silently reused.
func (s *MemStore) createProjectLocked(p eventmodel.Project) error {
	for _, existing := range s.projects[p.TenantID] {
		if existing.Slug == p.Slug {
			return &ErrRuleViolation{Code: "duplicate_project_slug", Message: "a project with this slug already exists"}
		}
	}
	if p.ProjectID == "" {
		p.ProjectID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if s.projects[p.TenantID] == nil {
		s.projects[p.TenantID] = make(map[string]eventmodel.Project)
	}
	s.projects[p.TenantID][p.ProjectID] = p
	s.persistTable("projects", s.projects)
	return nil
}

func (s *MemStore) GetProject(ctx context.Context, tenantID, projectID string) (eventmodel.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()
	p, ok := s.projects[tenantID][projectID]
	if !ok {
		return eventmodel.Project{}, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) GetProjectBySlug(ctx context.Context, tenantID, slug string) (eventmodel.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()
	for _, p := range s.projects[tenantID] {
		if p.Slug == slug {
			return p, nil
		}
	}
	return eventmodel.Project{}, ErrNotFound
}

func (s *MemStore) ListProjects(ctx context.Context, tenantID string, includeArchived bool) ([]eventmodel.Project, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()
	out := make([]eventmodel.Project, 0)
	for _, p := range s.projects[tenantID] {
		if p.Archived && !includeArchived {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) CountProjects(ctx context.Context, tenantID string) (int, error) {
	s.projectsMu.RLock()
	defer s.projectsMu.RUnlock()
	return len(s.projects[tenantID]), nil
}

// UpdateProject is the canonical mutation path for a project row: it
// holds the table lock for the whole read-mutate-write cycle so no
// field (including auto_created) is ever touched outside this helper.
func (s *MemStore) UpdateProject(ctx context.Context, tenantID, projectID string, mutate func(*eventmodel.Project)) (eventmodel.Project, error) {
	s.projectsMu.Lock()
	defer s.projectsMu.Unlock()
	p, ok := s.projects[tenantID][projectID]
	if !ok {
		return eventmodel.Project{}, ErrNotFound
	}
	mutate(&p)
	p.UpdatedAt = time.Now().UTC()
	s.projects[tenantID][projectID] = p
	s.persistTable("projects", s.projects)
	return p, nil
}

func (s *MemStore) ArchiveProject(ctx context.Context, tenantID, projectID string) error {
	p, err := s.GetProject(ctx, tenantID, projectID)
	if err != nil {
		return err
	}
	if p.Slug == eventmodel.DefaultProjectSlug {
		return &ErrRuleViolation{Code: "cannot_delete_default_project", Message: "the default project cannot be archived"}
	}
	_, err = s.UpdateProject(ctx, tenantID, projectID, func(pp *eventmodel.Project) { pp.Archived = true })
	return err
}

func (s *MemStore) UnarchiveProject(ctx context.Context, tenantID, projectID string) error {
	_, err := s.UpdateProject(ctx, tenantID, projectID, func(pp *eventmodel.Project) { pp.Archived = false })
	return err
}

// MergeProjects reassigns every event from source to target and
// archives source. source == target is a rule violation.
func (s *MemStore) MergeProjects(ctx context.Context, tenantID, sourceID, targetID string) (int, error) {
	if sourceID == targetID {
		return 0, &ErrRuleViolation{Code: "cannot_merge_project_into_self", Message: "cannot merge a project into itself"}
	}
	if _, err := s.GetProject(ctx, tenantID, targetID); err != nil {
		return 0, err
	}

	s.eventsMu.Lock()
	reassigned := 0
	for id, ev := range s.events[tenantID] {
		if ev.ProjectID == sourceID {
			ev.ProjectID = targetID
			s.events[tenantID][id] = ev
			reassigned++
		}
	}
	s.persistTable("events", s.events)
	s.eventsMu.Unlock()

	if err := s.ArchiveProject(ctx, tenantID, sourceID); err != nil {
		return reassigned, err
	}
	return reassigned, nil
}

// EnsureDefaultProject creates the tenant's default project if absent
// and returns it; idempotent.
func (s *MemStore) EnsureDefaultProject(ctx context.Context, tenantID string) (eventmodel.Project, error) {
	if p, err := s.GetProjectBySlug(ctx, tenantID, eventmodel.DefaultProjectSlug); err == nil {
		return p, nil
	}
	p := eventmodel.Project{
		TenantID: tenantID,
		Name:     "Default",
		Slug:     eventmodel.DefaultProjectSlug,
	}
	if err := s.CreateProject(ctx, p); err != nil {
		return eventmodel.Project{}, err
	}
	return s.GetProjectBySlug(ctx, tenantID, eventmodel.DefaultProjectSlug)
}

// ─── Agents ───────────────────────────────────────────────────────

// UpsertAgent is the sole mutation path for an agent profile: it loads
// the existing row (or a zero value pre-keyed with TenantID/AgentID, on
// first sight) under the table lock, runs mutate, and persists the
// result — so prev_status can be computed from the pre-mutation
// profile inside mutate, under the same lock that performs the update.
func (s *MemStore) UpsertAgent(ctx context.Context, tenantID, agentID string, mutate func(*eventmodel.AgentProfile)) (eventmodel.AgentProfile, error) {
	s.agentsMu.Lock()
	defer s.agentsMu.Unlock()
	if s.agents[tenantID] == nil {
		s.agents[tenantID] = make(map[string]eventmodel.AgentProfile)
	}
	p, existed := s.agents[tenantID][agentID]
	if !existed {
		p = eventmodel.AgentProfile{TenantID: tenantID, AgentID: agentID}
	}
	mutate(&p)
	p.TenantID = tenantID
	p.AgentID = agentID
	s.agents[tenantID][agentID] = p
	s.persistTable("agents", s.agents)
	return p, nil
}

func (s *MemStore) GetAgent(ctx context.Context, tenantID, agentID string) (eventmodel.AgentProfile, error) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	p, ok := s.agents[tenantID][agentID]
	if !ok {
		return eventmodel.AgentProfile{}, ErrNotFound
	}
	return p, nil
}

func (s *MemStore) ListAgents(ctx context.Context, tenantID string) ([]eventmodel.AgentProfile, error) {
	s.agentsMu.RLock()
	defer s.agentsMu.RUnlock()
	out := make([]eventmodel.AgentProfile, 0, len(s.agents[tenantID]))
	for _, p := range s.agents[tenantID] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// ─── Project-agent junction ───────────────────────────────────────

func (s *MemStore) UpsertProjectAgent(ctx context.Context, tenantID, projectID, agentID string) error {
	s.junctionMu.Lock()
	defer s.junctionMu.Unlock()
	if s.junction[tenantID] == nil {
		s.junction[tenantID] = make(map[string]map[string]bool)
	}
	if s.junction[tenantID][projectID] == nil {
		s.junction[tenantID][projectID] = make(map[string]bool)
	}
	s.junction[tenantID][projectID][agentID] = true
	s.persistTable("project_agents", s.junction)
	return nil
}

func (s *MemStore) RemoveProjectAgent(ctx context.Context, tenantID, projectID, agentID string) error {
	s.junctionMu.Lock()
	defer s.junctionMu.Unlock()
	if s.junction[tenantID] == nil || s.junction[tenantID][projectID] == nil {
		return nil
	}
	delete(s.junction[tenantID][projectID], agentID)
	s.persistTable("project_agents", s.junction)
	return nil
}

func (s *MemStore) ListAgentsForProject(ctx context.Context, tenantID, projectID string) ([]string, error) {
	s.junctionMu.RLock()
	defer s.junctionMu.RUnlock()
	out := make([]string, 0)
	for agentID := range s.junction[tenantID][projectID] {
		out = append(out, agentID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) ListProjectsForAgent(ctx context.Context, tenantID, agentID string) ([]string, error) {
	s.junctionMu.RLock()
	defer s.junctionMu.RUnlock()
	out := make([]string, 0)
	for projectID, agents := range s.junction[tenantID] {
		if agents[agentID] {
			out = append(out, projectID)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ─── Events ───────────────────────────────────────────────────────

// InsertEvents performs a single batched insert with silent dedup on
// (tenant, event_id); returns the count actually inserted.
func (s *MemStore) InsertEvents(ctx context.Context, tenantID string, events []eventmodel.Event) (int, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.events[tenantID] == nil {
		s.events[tenantID] = make(map[string]eventmodel.Event)
	}
	inserted := 0
	for _, e := range events {
		if _, exists := s.events[tenantID][e.EventID]; exists {
			continue
		}
		s.events[tenantID][e.EventID] = e
		s.eventOrder[tenantID] = append(s.eventOrder[tenantID], e.EventID)
		inserted++
	}
	if inserted > 0 {
		s.persistTable("events", s.events)
	}
	return inserted, nil
}

func (s *MemStore) GetTaskEvents(ctx context.Context, tenantID, taskID string) ([]eventmodel.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	out := make([]eventmodel.Event, 0)
	for _, e := range s.events[tenantID] {
		if e.TaskID == taskID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// GetEvents applies every EventFilter dimension and returns a
// cursor-paginated, reverse-chronological page by default.
func (s *MemStore) GetEvents(ctx context.Context, tenantID string, f EventFilter) (Page[eventmodel.Event], error) {
	s.eventsMu.RLock()
	matches := make([]eventmodel.Event, 0)
	for _, e := range s.events[tenantID] {
		if !matchesFilter(e, f) {
			continue
		}
		matches = append(matches, e)
	}
	s.eventsMu.RUnlock()

	sort.Slice(matches, func(i, j int) bool { return matches[i].Timestamp.After(matches[j].Timestamp) })

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}

	start := 0
	if f.Cursor != "" {
		for i, e := range matches {
			if e.EventID == f.Cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	hasMore := false
	if end < len(matches) {
		hasMore = true
	} else {
		end = len(matches)
	}
	if start > len(matches) {
		start = len(matches)
	}
	page := matches[start:end]

	cursor := ""
	if hasMore && len(page) > 0 {
		cursor = page[len(page)-1].EventID
	}

	return Page[eventmodel.Event]{Data: page, Cursor: cursor, HasMore: hasMore}, nil
}

func matchesFilter(e eventmodel.Event, f EventFilter) bool {
	if f.ProjectID != "" && e.ProjectID != f.ProjectID {
		return false
	}
	if f.AgentID != "" && e.AgentID != f.AgentID {
		return false
	}
	if f.TaskID != "" && e.TaskID != f.TaskID {
		return false
	}
	if f.EventType != "" && !containsCSV(f.EventType, string(e.EventType)) {
		return false
	}
	if f.Severity != "" && string(e.Severity) != f.Severity {
		return false
	}
	if f.Environment != "" && e.Environment != f.Environment {
		return false
	}
	if f.Group != "" && e.Group != f.Group {
		return false
	}
	if f.Since != nil && e.Timestamp.Before(*f.Since) {
		return false
	}
	if f.Until != nil && !e.Timestamp.Before(*f.Until) {
		return false
	}
	if f.ExcludeHeartbeats && e.EventType == eventmodel.EventHeartbeat {
		return false
	}
	if f.PayloadKind != "" {
		if e.Payload == nil || string(e.Payload.Kind) != f.PayloadKind {
			return false
		}
	}
	return true
}

func containsCSV(csv, value string) bool {
	for _, part := range strings.Split(csv, ",") {
		if strings.TrimSpace(part) == value {
			return true
		}
	}
	return false
}

func (s *MemStore) DeleteEvents(ctx context.Context, tenantID string, eventIDs []string) (int, error) {
	s.eventsMu.Lock()
	defer s.eventsMu.Unlock()
	if s.events[tenantID] == nil {
		return 0, nil
	}
	removed := 0
	for _, id := range eventIDs {
		if _, ok := s.events[tenantID][id]; ok {
			delete(s.events[tenantID], id)
			removed++
		}
	}
	if removed > 0 {
		s.persistTable("events", s.events)
	}
	return removed, nil
}

// AllEventsSnapshot acquires the event-table lock exactly once and
// returns a copy of every event across every tenant, so a retention
// pass never re-acquires the lock per event.
func (s *MemStore) AllEventsSnapshot(ctx context.Context) ([]eventmodel.Event, error) {
	s.eventsMu.RLock()
	defer s.eventsMu.RUnlock()
	out := make([]eventmodel.Event, 0)
	for _, byID := range s.events {
		for _, e := range byID {
			out = append(out, e)
		}
	}
	return out, nil
}

// ─── Alert rules ──────────────────────────────────────────────────

func (s *MemStore) CreateAlertRule(ctx context.Context, r eventmodel.AlertRule) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}
	now := time.Now().UTC()
	r.CreatedAt, r.UpdatedAt = now, now
	if s.rules[r.TenantID] == nil {
		s.rules[r.TenantID] = make(map[string]eventmodel.AlertRule)
	}
	s.rules[r.TenantID][r.RuleID] = r
	s.persistTable("alert_rules", s.rules)
	return nil
}

func (s *MemStore) GetAlertRule(ctx context.Context, tenantID, ruleID string) (eventmodel.AlertRule, error) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	r, ok := s.rules[tenantID][ruleID]
	if !ok {
		return eventmodel.AlertRule{}, ErrNotFound
	}
	return r, nil
}

func (s *MemStore) ListAlertRules(ctx context.Context, tenantID string, enabledOnly bool) ([]eventmodel.AlertRule, error) {
	s.rulesMu.RLock()
	defer s.rulesMu.RUnlock()
	out := make([]eventmodel.AlertRule, 0)
	for _, r := range s.rules[tenantID] {
		if enabledOnly && !r.Enabled {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemStore) UpdateAlertRule(ctx context.Context, tenantID, ruleID string, mutate func(*eventmodel.AlertRule)) (eventmodel.AlertRule, error) {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	r, ok := s.rules[tenantID][ruleID]
	if !ok {
		return eventmodel.AlertRule{}, ErrNotFound
	}
	mutate(&r)
	r.UpdatedAt = time.Now().UTC()
	s.rules[tenantID][ruleID] = r
	s.persistTable("alert_rules", s.rules)
	return r, nil
}

func (s *MemStore) DeleteAlertRule(ctx context.Context, tenantID, ruleID string) error {
	s.rulesMu.Lock()
	defer s.rulesMu.Unlock()
	if _, ok := s.rules[tenantID][ruleID]; !ok {
		return ErrNotFound
	}
	delete(s.rules[tenantID], ruleID)
	s.persistTable("alert_rules", s.rules)
	return nil
}

// ─── Alert history ────────────────────────────────────────────────

func (s *MemStore) InsertAlert(ctx context.Context, tenantID string, a eventmodel.AlertHistory) error {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	if a.AlertID == "" {
		a.AlertID = uuid.NewString()
	}
	s.history[tenantID] = append(s.history[tenantID], a)
	s.persistTable("alert_history", s.history)
	return nil
}

func (s *MemStore) ListAlertHistory(ctx context.Context, tenantID string, f AlertHistoryFilter) (Page[eventmodel.AlertHistory], error) {
	s.historyMu.RLock()
	all := append([]eventmodel.AlertHistory(nil), s.history[tenantID]...)
	s.historyMu.RUnlock()

	filtered := make([]eventmodel.AlertHistory, 0, len(all))
	for _, a := range all {
		if f.RuleID != "" && a.RuleID != f.RuleID {
			continue
		}
		filtered = append(filtered, a)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].FiredAt.After(filtered[j].FiredAt) })

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	start := 0
	if f.Cursor != "" {
		for i, a := range filtered {
			if a.AlertID == f.Cursor {
				start = i + 1
				break
			}
		}
	}
	end := start + limit
	hasMore := end < len(filtered)
	if !hasMore {
		end = len(filtered)
	}
	if start > len(filtered) {
		start = len(filtered)
	}
	page := filtered[start:end]
	cursor := ""
	if hasMore && len(page) > 0 {
		cursor = page[len(page)-1].AlertID
	}
	return Page[eventmodel.AlertHistory]{Data: page, Cursor: cursor, HasMore: hasMore}, nil
}

func (s *MemStore) GetLastAlertForRule(ctx context.Context, tenantID, ruleID string) (eventmodel.AlertHistory, bool, error) {
	s.historyMu.RLock()
	defer s.historyMu.RUnlock()
	var last eventmodel.AlertHistory
	found := false
	for _, a := range s.history[tenantID] {
		if a.RuleID != ruleID {
			continue
		}
		if !found || a.FiredAt.After(last.FiredAt) {
			last = a
			found = true
		}
	}
	return last, found, nil
}
