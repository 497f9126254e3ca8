package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// ruleFile is the YAML shape of a policy rule file.
type ruleFile struct {
	Rules []ruleSpec `yaml:"rules"`
}

type ruleSpec struct {
	Name        string `yaml:"name"`
	Actor       string `yaml:"actor"`
	Action      string `yaml:"action"`
	Resource    string `yaml:"resource"`
	Effect      string `yaml:"effect"`
	Specificity int    `yaml:"specificity"`
}

// Loader reads rule files and optionally watches them for changes.
type Loader struct {
	logger  zerolog.Logger
	watcher *fsnotify.Watcher
}

// NewLoader creates a new rule loader.
func NewLoader(logger zerolog.Logger) *Loader {
	return &Loader{
		logger: logger.With().Str("component", "policy-loader").Logger(),
	}
}

// LoadFromPaths loads rules from files and directories into one snapshot.
// The built-in rules are always included.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) (*RuleSet, error) {
	rules := BuiltinRules()

	var files []string
	for _, path := range paths {
		found, err := l.collectFiles(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load from path %s: %w", path, err)
		}
		files = append(files, found...)
	}
	sort.Strings(files)

	for _, file := range files {
		loaded, err := l.loadFile(file)
		if err != nil {
			return nil, err
		}
		rules = append(rules, loaded...)
	}

	l.logger.Info().
		Int("rules", len(rules)).
		Int("files", len(files)).
		Msg("Policy rules loaded")

	return &RuleSet{
		Rules:    rules,
		Source:   strings.Join(paths, ","),
		LoadedAt: time.Now(),
	}, nil
}

// collectFiles expands a path into the rule files beneath it.
func (l *Loader) collectFiles(path string) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{path}, nil
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if isRuleFile(p) {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk directory: %w", err)
	}
	return files, nil
}

func isRuleFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// loadFile parses one YAML rule file.
func (l *Loader) loadFile(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var parsed ruleFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rule file %s: %w", path, err)
	}

	rules := make([]Rule, 0, len(parsed.Rules))
	for i, spec := range parsed.Rules {
		rule, err := specToRule(spec)
		if err != nil {
			return nil, fmt.Errorf("invalid rule %d in %s: %w", i, path, err)
		}
		rules = append(rules, rule)
	}

	l.logger.Debug().
		Str("path", path).
		Int("rules", len(rules)).
		Msg("Rule file loaded")

	return rules, nil
}

func specToRule(spec ruleSpec) (Rule, error) {
	var effect Effect
	switch spec.Effect {
	case "allow":
		effect = EffectAllow
	case "deny":
		effect = EffectDeny
	default:
		return Rule{}, fmt.Errorf("effect must be allow or deny, got %q", spec.Effect)
	}
	if spec.Name == "" {
		return Rule{}, fmt.Errorf("rule name is required")
	}
	return Rule{
		Name:        spec.Name,
		Actor:       ParsePattern(spec.Actor),
		Action:      ParsePattern(spec.Action),
		Resource:    ParsePattern(spec.Resource),
		Effect:      effect,
		Specificity: spec.Specificity,
	}, nil
}

// Watch starts watching the paths and calls reloadFn with a fresh snapshot
// whenever a rule file changes. Reloads are debounced so an editor writing
// several files triggers one swap.
func (l *Loader) Watch(ctx context.Context, paths []string, reloadFn func(*RuleSet)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	l.watcher = watcher

	for _, path := range paths {
		if err := watcher.Add(path); err != nil {
			l.logger.Warn().Err(err).Str("path", path).Msg("Failed to watch path")
		}
	}

	go l.processEvents(ctx, paths, reloadFn)

	l.logger.Info().Int("paths", len(paths)).Msg("Started watching policy paths")
	return nil
}

// processEvents handles file system events and triggers debounced reloads.
func (l *Loader) processEvents(ctx context.Context, paths []string, reloadFn func(*RuleSet)) {
	var reloadTimer *time.Timer
	const reloadDelay = 500 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			_ = l.watcher.Close()
			return

		case event, ok := <-l.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove) == 0 {
				continue
			}
			if !isRuleFile(event.Name) {
				continue
			}
			l.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Policy file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				rs, err := l.LoadFromPaths(ctx, paths)
				if err != nil {
					// Keep the previous snapshot on a bad reload.
					l.logger.Error().Err(err).Msg("Failed to reload policy rules")
					return
				}
				reloadFn(rs)
			})

		case err, ok := <-l.watcher.Errors:
			if !ok {
				return
			}
			l.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// StopWatching stops the file watcher.
func (l *Loader) StopWatching() error {
	if l.watcher != nil {
		return l.watcher.Close()
	}
	return nil
}
