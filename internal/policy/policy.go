// Package policy implements the policy store (C2): loads the whitelist
// (JSON), compare policy (YAML), and ingest policy (YAML) documents at
// startup. On any parse/validate failure it falls back to safe defaults
// and logs a diagnostic — it never raises. This is the deliberate inverse
// of internal/config's fail-fast-on-invalid-required-setting idiom: the
// two coexist because spec.md requires different failure modes for
// startup-required operational config versus these three policy documents.
package policy

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/nous-run/nous/internal/model"
)

// safeDefaultComparePolicy denies all external comparison and uses
// conservative caps — "all-deny for externals" per spec.md §4.2.
func safeDefaultComparePolicy() model.ComparePolicy {
	return model.ComparePolicy{
		RateLimitPerDomainPerMin: 0,
		MaxExternalSourcesPerRun: 0,
		TimeoutMSPerRequest:      2000,
		AllowedRolesForExternal:  map[model.Role]bool{},
		RedactPatterns:           nil,
	}
}

// whitelistDoc mirrors the JSON wire format of spec.md §6.
type whitelistDoc struct {
	Sources []whitelistEntry `json:"sources"`
}

type whitelistEntry struct {
	SourceID        string `json:"source_id"`
	Label           string `json:"label"`
	Priority        int    `json:"priority"`
	URLPattern      string `json:"url_pattern"`
	MaxSnippetChars int    `json:"max_snippet_chars"`
	Enabled         bool   `json:"enabled"`
}

// comparePolicyDoc mirrors the YAML wire format of spec.md §6.
type comparePolicyDoc struct {
	RateLimitPerDomainPerMin int      `yaml:"rate_limit_per_domain_per_min"`
	MaxExternalSourcesPerRun int      `yaml:"max_external_sources_per_run"`
	TimeoutMSPerRequest      int      `yaml:"timeout_ms_per_request"`
	AllowedRolesForExternal  []string `yaml:"allowed_roles_for_external"`
	RedactPatterns           []string `yaml:"redact_patterns"`
}

// ingestPolicyDoc mirrors the YAML wire format of spec.md §6: role-keyed
// records plus a default record and a global_limits clamp block.
type ingestPolicyDoc struct {
	Default      ingestPolicyRecord            `yaml:"default"`
	Roles        map[string]ingestPolicyRecord `yaml:"roles"`
	GlobalLimits struct {
		MaxConceptsPerFile int `yaml:"max_concepts_per_file"`
		MaxFramesPerChunk  int `yaml:"max_frames_per_chunk"`
	} `yaml:"global_limits"`
}

type ingestPolicyRecord struct {
	MaxConceptsPerFile            int      `yaml:"max_concepts_per_file"`
	MaxFramesPerChunk             int      `yaml:"max_frames_per_chunk"`
	AllowedFrameTypes             []string `yaml:"allowed_frame_types"`
	WriteContradictionsToMemories bool     `yaml:"write_contradictions_to_memories"`
	ContradictionTolerance        float64  `yaml:"contradiction_tolerance"`
}

func (r ingestPolicyRecord) toModel() model.IngestPolicy {
	allowed := make(map[string]bool, len(r.AllowedFrameTypes))
	for _, t := range r.AllowedFrameTypes {
		allowed[t] = true
	}
	return model.IngestPolicy{
		MaxConceptsPerFile:            r.MaxConceptsPerFile,
		MaxFramesPerChunk:             r.MaxFramesPerChunk,
		AllowedFrameTypes:             allowed,
		WriteContradictionsToMemories: r.WriteContradictionsToMemories,
		ContradictionTolerance:        r.ContradictionTolerance,
	}
}

// Store holds the three loaded documents. Reads are safe concurrently with
// each other; Reload overwrites the documents in place without locking, so
// reads are not safe while a Reload runs — see Reload's doc comment.
type Store struct {
	logger *slog.Logger

	whitelistPath string
	comparePath   string
	ingestPath    string

	whitelist []model.WhitelistSource
	compare   model.ComparePolicy
	ingest    ingestPolicyDoc
}

// Load reads the three documents from disk. Each is independently
// best-effort: a missing or malformed file degrades only that document to
// its safe default, logged at Warn, and never returns an error.
func Load(whitelistPath, comparePath, ingestPath string, logger *slog.Logger) *Store {
	s := &Store{
		logger:        logger,
		whitelistPath: whitelistPath,
		comparePath:   comparePath,
		ingestPath:    ingestPath,
	}
	s.Reload()
	return s
}

// Reload re-reads all three documents from disk, replacing the in-memory
// state. Safe to call at runtime for config hot-reload; callers needing
// read/reload concurrency safety should guard a *Store pointer themselves
// (this mirrors the "reload()" contract in spec.md §4.2 without prescribing
// a specific concurrency primitive at the storage layer).
func (s *Store) Reload() {
	s.whitelist = s.loadWhitelist()
	s.compare = s.loadComparePolicy()
	s.ingest = s.loadIngestPolicy()
}

func (s *Store) warn(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Warn(msg, args...)
	}
}

func (s *Store) loadWhitelist() []model.WhitelistSource {
	if s.whitelistPath == "" {
		return nil
	}
	data, err := os.ReadFile(s.whitelistPath)
	if err != nil {
		s.warn("policy: read whitelist failed, using empty whitelist (all-deny)", "path", s.whitelistPath, "error", err)
		return nil
	}
	var doc whitelistDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		s.warn("policy: parse whitelist failed, using empty whitelist (all-deny)", "path", s.whitelistPath, "error", err)
		return nil
	}
	out := make([]model.WhitelistSource, 0, len(doc.Sources))
	for _, e := range doc.Sources {
		out = append(out, model.WhitelistSource{
			SourceID:        e.SourceID,
			Label:           e.Label,
			Priority:        e.Priority,
			URLPattern:      e.URLPattern,
			MaxSnippetChars: e.MaxSnippetChars,
			Enabled:         e.Enabled,
		})
	}
	return out
}

func (s *Store) loadComparePolicy() model.ComparePolicy {
	if s.comparePath == "" {
		return safeDefaultComparePolicy()
	}
	data, err := os.ReadFile(s.comparePath)
	if err != nil {
		s.warn("policy: read compare policy failed, using safe defaults", "path", s.comparePath, "error", err)
		return safeDefaultComparePolicy()
	}
	var doc comparePolicyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.warn("policy: parse compare policy failed, using safe defaults", "path", s.comparePath, "error", err)
		return safeDefaultComparePolicy()
	}
	allowed := make(map[model.Role]bool, len(doc.AllowedRolesForExternal))
	for _, r := range doc.AllowedRolesForExternal {
		allowed[model.NormalizeRole(r)] = true
	}
	return model.ComparePolicy{
		RateLimitPerDomainPerMin: doc.RateLimitPerDomainPerMin,
		MaxExternalSourcesPerRun: doc.MaxExternalSourcesPerRun,
		TimeoutMSPerRequest:      doc.TimeoutMSPerRequest,
		AllowedRolesForExternal:  allowed,
		RedactPatterns:           doc.RedactPatterns,
	}
}

func (s *Store) loadIngestPolicy() ingestPolicyDoc {
	safe := ingestPolicyDoc{Default: ingestPolicyRecord{
		MaxConceptsPerFile:            1,
		MaxFramesPerChunk:             1,
		WriteContradictionsToMemories: false,
		ContradictionTolerance:        1.0,
	}}
	if s.ingestPath == "" {
		return safe
	}
	data, err := os.ReadFile(s.ingestPath)
	if err != nil {
		s.warn("policy: read ingest policy failed, using minimum caps", "path", s.ingestPath, "error", err)
		return safe
	}
	var doc ingestPolicyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		s.warn("policy: parse ingest policy failed, using minimum caps", "path", s.ingestPath, "error", err)
		return safe
	}
	return doc
}

// GetWhitelist returns the enabled sources sorted by descending priority.
func (s *Store) GetWhitelist() []model.WhitelistSource {
	out := make([]model.WhitelistSource, 0, len(s.whitelist))
	for _, src := range s.whitelist {
		if src.Enabled {
			out = append(out, src)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// ComparePolicy returns the currently loaded compare policy.
func (s *Store) ComparePolicy() model.ComparePolicy {
	return s.compare
}

// EffectiveIngestPolicy folds roles down to one policy via "most permissive"
// (spec.md §4.14 step 1), clamped by global_limits.
func (s *Store) EffectiveIngestPolicy(roles []string) model.IngestPolicy {
	eff := s.ingest.Default.toModel()
	found := false
	for _, r := range roles {
		rec, ok := s.ingest.Roles[string(model.NormalizeRole(r))]
		if !ok {
			continue
		}
		p := rec.toModel()
		if !found {
			eff = p
			found = true
			continue
		}
		eff = model.MergeMostPermissive(eff, p)
	}
	global := model.GlobalLimits{
		MaxConceptsPerFile: s.ingest.GlobalLimits.MaxConceptsPerFile,
		MaxFramesPerChunk:  s.ingest.GlobalLimits.MaxFramesPerChunk,
	}
	return global.Clamp(eff)
}
