// Package policy implements the allow/deny resolution engine guarding every
// state-changing operation in the harness.
//
// Rules match (actor, action, resource) triples by tagged patterns: exact,
// prefix, or wildcard. Among matching rules the highest specificity score
// wins; when matching rules of equal specificity disagree, deny wins; when no
// rule matches, the default is deny (fail-closed).
//
// Evaluation is a pure function of the triple and an immutable rule snapshot.
// Snapshots are swapped atomically on reload, so readers never observe a
// partially-updated rule set and there is no time-of-check/time-of-use gap
// within a single evaluation. Rule files are YAML and may be hot-reloaded
// through the fsnotify-backed Loader.
package policy
