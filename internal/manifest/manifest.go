// File: internal/manifest/manifest.go
// Brief: Update manifest model, loading, and rule resolution.

// Package manifest parses the declarative update description
// (update-manifest.yaml) and answers per-path questions about it: which
// action applies to a file, which merge strategy governs a config document,
// whether a directory is preserved, and which failure kinds trigger
// automatic rollback.
package manifest

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/example/shipctl/internal/criteria"
)

// ErrInvalid wraps every structural manifest problem so callers can treat
// "manifest unreadable" as one condition.
var ErrInvalid = errors.New("invalid manifest")

// Action is the closed set of per-file update actions.
type Action string

const (
	ActionSkip          Action = "skip"
	ActionReplace       Action = "replace"
	ActionMergeTOML     Action = "merge_toml"
	ActionMergeJSON     Action = "merge_json"
	ActionBackupReplace Action = "backup_replace"
)

func parseAction(raw string) (Action, error) {
	switch Action(raw) {
	case ActionSkip, ActionReplace, ActionMergeTOML, ActionMergeJSON, ActionBackupReplace:
		return Action(raw), nil
	case "":
		return ActionReplace, nil
	default:
		return "", fmt.Errorf("%w: unknown file action %q", ErrInvalid, raw)
	}
}

// Strategy is the closed set of merge strategies.
type Strategy string

const (
	StrategyReplace      Strategy = "replace"
	StrategyPreserveUser Strategy = "preserve_user"
	StrategyUpdateOnly   Strategy = "update_only"
	StrategyMergeSmart   Strategy = "merge_smart"
)

func parseStrategy(raw string) (Strategy, error) {
	switch Strategy(raw) {
	case StrategyReplace, StrategyPreserveUser, StrategyUpdateOnly, StrategyMergeSmart:
		return Strategy(raw), nil
	case "":
		return StrategyPreserveUser, nil
	default:
		return "", fmt.Errorf("%w: unknown merge strategy %q", ErrInvalid, raw)
	}
}

// ConditionalAction is the closed set of conditional-rule outcomes.
type ConditionalAction string

const (
	CondContinue           ConditionalAction = "continue"
	CondSkipUpdate         ConditionalAction = "skip_update"
	CondWarn               ConditionalAction = "warn"
	CondManualIntervention ConditionalAction = "require_manual_intervention"
)

func parseConditionalAction(raw string) (ConditionalAction, error) {
	switch ConditionalAction(raw) {
	case CondContinue, CondSkipUpdate, CondWarn, CondManualIntervention:
		return ConditionalAction(raw), nil
	case "":
		return CondContinue, nil
	default:
		return "", fmt.Errorf("%w: unknown conditional action %q", ErrInvalid, raw)
	}
}

// RollbackTrigger names a failure category that may map to automatic rollback.
type RollbackTrigger string

const (
	TriggerServiceStartFail RollbackTrigger = "service_start_fail"
	TriggerHealthCheckFail  RollbackTrigger = "health_check_fail"
	TriggerMigrationFail    RollbackTrigger = "migration_fail"
)

func parseRollbackTrigger(raw string) (RollbackTrigger, error) {
	switch RollbackTrigger(raw) {
	case TriggerServiceStartFail, TriggerHealthCheckFail, TriggerMigrationFail:
		return RollbackTrigger(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown rollback trigger %q", ErrInvalid, raw)
	}
}

// FileRule binds a path pattern to an update action.
type FileRule struct {
	Pattern       string
	Action        Action
	MergeStrategy Strategy
	matcher       glob.Glob
	literal       bool
}

// DirectoryRule marks a directory subtree as preserved (never overwritten).
type DirectoryRule struct {
	Pattern  string
	Preserve bool
	matcher  glob.Glob
	literal  bool
}

// HookSet carries the ordered pre/post update command lists.
type HookSet struct {
	PreUpdate  []string `yaml:"pre_update"`
	PostUpdate []string `yaml:"post_update"`
}

// EnvironmentCheck is one named shell probe run during requirements checking.
type EnvironmentCheck struct {
	Name    string `yaml:"name"`
	Command string `yaml:"command"`
}

// RequirementSpec lists environment preconditions for an update.
type RequirementSpec struct {
	MinVersion        string             `yaml:"min_version"`
	MinDiskSpaceMB    int64              `yaml:"min_disk_space_mb"`
	RequiredCommands  []string           `yaml:"required_commands"`
	RequiredServices  []string           `yaml:"required_services"`
	EnvironmentChecks []EnvironmentCheck `yaml:"environment_checks"`
}

// SecurityPolicy constrains the incoming source tree.
type SecurityPolicy struct {
	VerifyChecksums  bool     `yaml:"verify_checksums"`
	AllowedFileTypes []string `yaml:"allowed_file_types"`
	MaxFileSizeMB    int64    `yaml:"max_file_size_mb"`
}

// RollbackPolicy enumerates the trigger kinds that cause automatic rollback.
type RollbackPolicy struct {
	AutoRollbackOn []RollbackTrigger `yaml:"auto_rollback_on"`
}

// Notification describes one success/failure notification target.
type Notification struct {
	Type    string `yaml:"type"`
	Level   string `yaml:"level"`
	Message string `yaml:"message"`
	URL     string `yaml:"url"`
}

// NotificationSet splits notifications by terminal outcome.
type NotificationSet struct {
	OnSuccess []Notification `yaml:"on_success"`
	OnFailure []Notification `yaml:"on_failure"`
}

// TestSpec is one post-update health check.
type TestSpec struct {
	Name         string `yaml:"name"`
	Command      string `yaml:"command"`
	TimeoutSecs  int    `yaml:"timeout"`
	RetryCount   int    `yaml:"retry_count"`
	RetryDelay   int    `yaml:"retry_delay"`
}

// ConditionalRule gates the update on a condition expression.
type ConditionalRule struct {
	Condition   string            `yaml:"condition"`
	Action      ConditionalAction `yaml:"action"`
	Message     string            `yaml:"message"`
	ManualSteps []string          `yaml:"manual_steps"`
}

// CleanupSpec lists post-update cleanup work.
type CleanupSpec struct {
	RemoveFiles       []string `yaml:"remove_files"`
	RemoveDirectories []string `yaml:"remove_directories"`
	Commands          []string `yaml:"commands"`
}

// SectionStrategy is a per-section override inside a MergeStrategyEntry.
type SectionStrategy struct {
	Strategy     Strategy
	PreserveKeys []string
}

// MergeStrategyEntry binds a path pattern to a merge strategy, optionally
// scoped per top-level document section.
type MergeStrategyEntry struct {
	Pattern      string
	Strategy     Strategy
	PreserveKeys []string
	Sections     map[string]SectionStrategy
	matcher      glob.Glob
	literal      bool
}

// RolloutStage is one tier of a staged rollout. Order in the stage list is
// significant: the first matching stage wins.
type RolloutStage struct {
	Name       string  `yaml:"name"`
	Percentage int     `yaml:"percentage"`
	Criteria   string  `yaml:"criteria"`
	WaitHours  float64 `yaml:"wait_hours"`
}

// RolloutSpec describes the staged rollout, if any. When a stage carries an
// explicit criteria expression it alone decides membership; the percentage
// is only consulted for stages without criteria.
type RolloutSpec struct {
	Strategy string         `yaml:"strategy"`
	Stages   []RolloutStage `yaml:"stages"`
}

// Migration is one version's ordered script list.
type Migration struct {
	Version string
	Scripts []string
}

// Manifest is the immutable, fully validated update description for one run.
type Manifest struct {
	Version         string
	Files           []FileRule
	Directories     []DirectoryRule
	Hooks           HookSet
	Requirements    RequirementSpec
	Security        SecurityPolicy
	Rollback        RollbackPolicy
	Notifications   NotificationSet
	PostUpdateTests []TestSpec
	Conditionals    []ConditionalRule
	Migrations      []Migration
	Cleanup         CleanupSpec
	MergeStrategies []MergeStrategyEntry
	Rollout         RolloutSpec
}

// rawManifest mirrors the YAML document. Pattern-keyed maps are decoded from
// yaml.Node so declaration order survives: rule resolution is first match
// wins, so order is part of the contract.
type rawManifest struct {
	Version         string            `yaml:"version"`
	Files           yaml.Node         `yaml:"files"`
	Directories     yaml.Node         `yaml:"directories"`
	Hooks           HookSet           `yaml:"hooks"`
	Requirements    RequirementSpec   `yaml:"requirements"`
	Security        SecurityPolicy    `yaml:"security"`
	Rollback        RollbackPolicy    `yaml:"rollback"`
	Notifications   NotificationSet   `yaml:"notifications"`
	PostUpdateTests []TestSpec        `yaml:"post_update_tests"`
	Conditionals    []ConditionalRule `yaml:"conditionals"`
	Migrations      yaml.Node         `yaml:"migrations"`
	Cleanup         CleanupSpec       `yaml:"cleanup"`
	MergeStrategies yaml.Node         `yaml:"merge_strategies"`
	Rollout         RolloutSpec       `yaml:"rollout"`
}

// Default returns the manifest used when no manifest file ships with the
// update: version "unknown" and replace-everything behavior.
func Default() *Manifest {
	return &Manifest{Version: "unknown"}
}

// Load parses and validates a manifest document. Unknown top-level keys are
// ignored; a known key with the wrong shape, or an unknown action/strategy
// tag, is fatal.
func Load(data []byte) (*Manifest, error) {
	var raw rawManifest
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	m := &Manifest{
		Version:         raw.Version,
		Hooks:           raw.Hooks,
		Requirements:    raw.Requirements,
		Security:        raw.Security,
		Rollback:        raw.Rollback,
		Notifications:   raw.Notifications,
		PostUpdateTests: raw.PostUpdateTests,
		Conditionals:    raw.Conditionals,
		Cleanup:         raw.Cleanup,
		Rollout:         raw.Rollout,
	}
	if m.Version == "" {
		m.Version = "unknown"
	}
	var err error
	if m.Files, err = decodeFileRules(&raw.Files); err != nil {
		return nil, err
	}
	if m.Directories, err = decodeDirectoryRules(&raw.Directories); err != nil {
		return nil, err
	}
	if m.MergeStrategies, err = decodeMergeStrategies(&raw.MergeStrategies); err != nil {
		return nil, err
	}
	if m.Migrations, err = decodeMigrations(&raw.Migrations); err != nil {
		return nil, err
	}
	for i := range m.Conditionals {
		action, err := parseConditionalAction(string(m.Conditionals[i].Action))
		if err != nil {
			return nil, err
		}
		m.Conditionals[i].Action = action
	}
	for i, trigger := range m.Rollback.AutoRollbackOn {
		parsed, err := parseRollbackTrigger(string(trigger))
		if err != nil {
			return nil, err
		}
		m.Rollback.AutoRollbackOn[i] = parsed
	}
	for _, stage := range m.Rollout.Stages {
		if stage.Percentage < 0 || stage.Percentage > 100 {
			return nil, fmt.Errorf("%w: rollout stage %q percentage %d out of range [0,100]", ErrInvalid, stage.Name, stage.Percentage)
		}
		if stage.WaitHours < 0 {
			return nil, fmt.Errorf("%w: rollout stage %q has negative wait_hours", ErrInvalid, stage.Name)
		}
		if strings.TrimSpace(stage.Criteria) != "" {
			if _, err := criteria.Parse(stage.Criteria); err != nil {
				return nil, fmt.Errorf("%w: rollout stage %q: %v", ErrInvalid, stage.Name, err)
			}
		}
	}
	return m, nil
}

func mappingPairs(node *yaml.Node, key string) ([][2]*yaml.Node, error) {
	if node == nil || node.Kind == 0 || node.Tag == "!!null" {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("%w: %s must be a mapping", ErrInvalid, key)
	}
	pairs := make([][2]*yaml.Node, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		pairs = append(pairs, [2]*yaml.Node{node.Content[i], node.Content[i+1]})
	}
	return pairs, nil
}

func compilePattern(pattern string) (glob.Glob, bool, error) {
	if !strings.ContainsAny(pattern, "*?[") {
		return nil, true, nil
	}
	g, err := glob.Compile(pattern, '/')
	if err != nil {
		return nil, false, fmt.Errorf("%w: bad pattern %q: %v", ErrInvalid, pattern, err)
	}
	return g, false, nil
}

func decodeFileRules(node *yaml.Node) ([]FileRule, error) {
	pairs, err := mappingPairs(node, "files")
	if err != nil {
		return nil, err
	}
	rules := make([]FileRule, 0, len(pairs))
	for _, pair := range pairs {
		var body struct {
			Action        string `yaml:"action"`
			MergeStrategy string `yaml:"merge_strategy"`
		}
		if err := pair[1].Decode(&body); err != nil {
			return nil, fmt.Errorf("%w: file rule %q: %v", ErrInvalid, pair[0].Value, err)
		}
		action, err := parseAction(body.Action)
		if err != nil {
			return nil, err
		}
		strategy, err := parseStrategy(body.MergeStrategy)
		if err != nil {
			return nil, err
		}
		rule := FileRule{Pattern: pair[0].Value, Action: action, MergeStrategy: strategy}
		if rule.matcher, rule.literal, err = compilePattern(rule.Pattern); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeDirectoryRules(node *yaml.Node) ([]DirectoryRule, error) {
	pairs, err := mappingPairs(node, "directories")
	if err != nil {
		return nil, err
	}
	rules := make([]DirectoryRule, 0, len(pairs))
	for _, pair := range pairs {
		var body struct {
			Preserve bool `yaml:"preserve"`
		}
		if err := pair[1].Decode(&body); err != nil {
			return nil, fmt.Errorf("%w: directory rule %q: %v", ErrInvalid, pair[0].Value, err)
		}
		rule := DirectoryRule{Pattern: pair[0].Value, Preserve: body.Preserve}
		if rule.matcher, rule.literal, err = compilePattern(rule.Pattern); err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func decodeMergeStrategies(node *yaml.Node) ([]MergeStrategyEntry, error) {
	pairs, err := mappingPairs(node, "merge_strategies")
	if err != nil {
		return nil, err
	}
	entries := make([]MergeStrategyEntry, 0, len(pairs))
	for _, pair := range pairs {
		var body struct {
			Strategy     string   `yaml:"strategy"`
			PreserveKeys []string `yaml:"preserve_keys"`
			Sections     map[string]struct {
				Strategy     string   `yaml:"strategy"`
				PreserveKeys []string `yaml:"preserve_keys"`
			} `yaml:"sections"`
		}
		if err := pair[1].Decode(&body); err != nil {
			return nil, fmt.Errorf("%w: merge strategy %q: %v", ErrInvalid, pair[0].Value, err)
		}
		strategy, err := parseStrategy(body.Strategy)
		if err != nil {
			return nil, err
		}
		entry := MergeStrategyEntry{
			Pattern:      pair[0].Value,
			Strategy:     strategy,
			PreserveKeys: body.PreserveKeys,
		}
		if len(body.Sections) > 0 {
			entry.Sections = make(map[string]SectionStrategy, len(body.Sections))
			for name, sec := range body.Sections {
				secStrategy, err := parseStrategy(sec.Strategy)
				if err != nil {
					return nil, err
				}
				entry.Sections[name] = SectionStrategy{Strategy: secStrategy, PreserveKeys: sec.PreserveKeys}
			}
		}
		if entry.matcher, entry.literal, err = compilePattern(entry.Pattern); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func decodeMigrations(node *yaml.Node) ([]Migration, error) {
	pairs, err := mappingPairs(node, "migrations")
	if err != nil {
		return nil, err
	}
	migrations := make([]Migration, 0, len(pairs))
	for _, pair := range pairs {
		version := pair[0].Value
		if _, err := ParseVersion(version); err != nil {
			return nil, fmt.Errorf("%w: migration version %q: %v", ErrInvalid, version, err)
		}
		var scripts []string
		switch pair[1].Kind {
		case yaml.ScalarNode:
			scripts = []string{pair[1].Value}
		case yaml.SequenceNode:
			if err := pair[1].Decode(&scripts); err != nil {
				return nil, fmt.Errorf("%w: migration %q: %v", ErrInvalid, version, err)
			}
		default:
			return nil, fmt.Errorf("%w: migration %q must be a script or script list", ErrInvalid, version)
		}
		migrations = append(migrations, Migration{Version: version, Scripts: scripts})
	}
	// Ascending version order so the runner applies them oldest first.
	sort.SliceStable(migrations, func(i, j int) bool {
		return CompareVersions(migrations[i].Version, migrations[j].Version) < 0
	})
	return migrations, nil
}

func matches(path, pattern string, matcher glob.Glob, literal bool) bool {
	if literal {
		return path == pattern
	}
	return matcher.Match(path)
}

// ResolveFileRule returns the rule governing a relative path: an exact key
// match wins, otherwise the first matching glob in manifest order,
// otherwise replace.
func (m *Manifest) ResolveFileRule(path string) FileRule {
	for _, rule := range m.Files {
		if rule.literal && rule.Pattern == path {
			return rule
		}
	}
	for _, rule := range m.Files {
		if !rule.literal && rule.matcher.Match(path) {
			return rule
		}
	}
	return FileRule{Pattern: path, Action: ActionReplace, MergeStrategy: StrategyPreserveUser}
}

// ResolveMergeStrategy returns the merge strategy entry for a path, or nil
// when none matches.
func (m *Manifest) ResolveMergeStrategy(path string) *MergeStrategyEntry {
	for i := range m.MergeStrategies {
		entry := &m.MergeStrategies[i]
		if matches(path, entry.Pattern, entry.matcher, entry.literal) {
			return entry
		}
	}
	return nil
}

// ShouldPreserveDirectory reports whether a directory path is marked
// preserved by any directory rule.
func (m *Manifest) ShouldPreserveDirectory(path string) bool {
	for _, rule := range m.Directories {
		if matches(path, rule.Pattern, rule.matcher, rule.literal) {
			return rule.Preserve
		}
	}
	return false
}

// AutoRollbackOn reports whether the rollback policy enables the trigger.
func (m *Manifest) AutoRollbackOn(trigger RollbackTrigger) bool {
	for _, t := range m.Rollback.AutoRollbackOn {
		if t == trigger {
			return true
		}
	}
	return false
}
