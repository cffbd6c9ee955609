// Package store implements the on-disk result layout (spec.md §4.4): a
// durable, append-only record of every test attempt, indexed both by test
// identity and by run, plus a "latest" pointer and named recordings.
//
// Grounded on the teacher's cmd/results.go (JSON-lines encoding of one
// result struct per line via json.NewEncoder) and cmd/jenkins.go (a
// workspace-rooted, lazily-created subdirectory tree addressed by
// relative path). Unlike the teacher, which writes a single flat
// results.json at the end of a run, this store writes results.jsonl
// incrementally as attempts complete, and keys artifacts by test id and
// run timestamp rather than by Jenkins workspace subdir.
package store

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loemraw/fast-fstests/internal/model"
)

const (
	testsDir      = "tests"
	runsDir       = "runs"
	latestLink    = "latest"
	recordingsDir = "recordings"

	resultsFile = "results.jsonl"
	configFile  = "config.toml"
	statusFile  = "status"
	stdoutFile  = "stdout"
	stderrFile  = "stderr"
	metaFile    = "meta.json"
	artifactsSub = "artifacts"
)

// Store writes one run's results to <root>/tests and <root>/runs/<run_id>,
// and serializes writes with a single mutex, since the dispatcher's
// workers call Record (runner.Recorder) concurrently. Reading runs back
// is done by the package-level LoadRun, not by a Store.
type Store struct {
	root  string
	runID string

	mu      sync.Mutex
	results *os.File // runs/<run_id>/results.jsonl, append-only
}

// Open prepares a Store rooted at dir for a new run identified by runID
// (a monotonic timestamp string, e.g. time.Now().UTC().Format a
// sortable layout). It creates the run's results.jsonl but does not yet
// touch the latest symlink — call PublishLatest once the supervisor
// pool has initialized, per spec.md §4.4's "atomically updated after
// dispatcher initialization" ordering.
func Open(dir, runID string) (*Store, error) {
	runDir := filepath.Join(dir, runsDir, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fmt.Errorf("store: create run dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, testsDir), 0o755); err != nil {
		return nil, fmt.Errorf("store: create tests dir: %w", err)
	}

	testsLink := filepath.Join(runDir, "tests")
	if _, err := os.Lstat(testsLink); os.IsNotExist(err) {
		if err := os.Symlink(filepath.Join("..", "..", testsDir), testsLink); err != nil {
			return nil, fmt.Errorf("store: link tests index: %w", err)
		}
	}

	f, err := os.OpenFile(filepath.Join(runDir, resultsFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store: open results.jsonl: %w", err)
	}

	return &Store{root: dir, runID: runID, results: f}, nil
}

// RunID returns the run identifier this Store was opened for.
func (s *Store) RunID() string { return s.runID }

// RunDir returns <root>/runs/<run_id>.
func (s *Store) RunDir() string { return filepath.Join(s.root, runsDir, s.runID) }

// SaveConfig writes the captured configuration snapshot alongside the
// run's results, the way the teacher's rootCommand captures vms.toml.
func (s *Store) SaveConfig(r io.Reader) error {
	f, err := os.Create(filepath.Join(s.RunDir(), configFile))
	if err != nil {
		return fmt.Errorf("store: create config snapshot: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r); err != nil {
		return fmt.Errorf("store: write config snapshot: %w", err)
	}
	return nil
}

// testAttemptDir is <root>/tests/<test_id>/<run_id>/, matching spec.md
// §4.4's layout exactly. TestId may contain '/' (suite/name); that nests
// naturally as directories.
func (s *Store) testAttemptDir(id model.TestId) string {
	return filepath.Join(s.root, testsDir, string(id), s.runID)
}

// Record implements runner.Recorder: it appends result to results.jsonl
// and (re)writes the convenience per-test directory (status/stdout/
// stderr/meta.json/artifacts) so it always reflects the most recent
// attempt. Earlier attempts for the same (test_id, iteration) remain
// recoverable only from results.jsonl's full history — this is the
// "exactly one authoritative result, full attempt history preserved"
// split spec.md's result-store and retry invariants both require.
func (s *Store) Record(result model.TestResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.results)
	if err := enc.Encode(&result); err != nil {
		return fmt.Errorf("store: encode result: %w", err)
	}
	if err := s.results.Sync(); err != nil {
		return fmt.Errorf("store: sync results.jsonl: %w", err)
	}

	return s.writeAttemptDir(result)
}

func (s *Store) writeAttemptDir(result model.TestResult) error {
	dir := s.testAttemptDir(result.TestId)
	if err := os.MkdirAll(filepath.Join(dir, artifactsSub), 0o755); err != nil {
		return fmt.Errorf("store: create test attempt dir: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, statusFile), []byte(string(result.Status)+"\n"), 0o644); err != nil {
		return fmt.Errorf("store: write status: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stdoutFile), []byte(result.StdoutExcerpt), 0o644); err != nil {
		return fmt.Errorf("store: write stdout: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, stderrFile), []byte(result.StderrExcerpt), 0o644); err != nil {
		return fmt.Errorf("store: write stderr: %w", err)
	}

	meta, err := json.MarshalIndent(&result, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal meta.json: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, metaFile), meta, 0o644); err != nil {
		return fmt.Errorf("store: write meta.json: %w", err)
	}

	return nil
}

// ArtifactDestDir satisfies runner.ArtifactCollector's destDir half: the
// directory a Supervisor.CollectArtifacts call should populate for this
// attempt.
func (s *Store) ArtifactDestDir(id model.TestId) string {
	return filepath.Join(s.testAttemptDir(id), artifactsSub)
}

// PublishLatest atomically points <root>/latest at this run, per
// spec.md §4.4: write to a temp name, then rename over the old link, so
// a crash mid-update never leaves latest missing or pointing at a
// half-written run.
func (s *Store) PublishLatest() error {
	target := filepath.Join(runsDir, s.runID)
	tmp := filepath.Join(s.root, latestLink+".tmp")
	final := filepath.Join(s.root, latestLink)

	os.Remove(tmp)
	if err := os.Symlink(target, tmp); err != nil {
		return fmt.Errorf("store: create latest temp link: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		return fmt.Errorf("store: publish latest: %w", err)
	}
	return nil
}

// Close releases the results.jsonl handle. It does not remove or
// finalize anything on disk — the run's files are durable as written.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.results.Close()
}

// Recording creates <root>/recordings/<label> -> runs/<run_id>. An
// existing label is an error unless force is set, per spec.md §4.4.
func Recording(root, label, runID string, force bool) error {
	if err := sanitizeLabel(label); err != nil {
		return err
	}
	dir := filepath.Join(root, recordingsDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store: create recordings dir: %w", err)
	}
	link := filepath.Join(dir, label)

	if _, err := os.Lstat(link); err == nil {
		if !force {
			return fmt.Errorf("store: recording %q already exists (use --force to overwrite)", label)
		}
		if err := os.Remove(link); err != nil {
			return fmt.Errorf("store: remove existing recording %q: %w", label, err)
		}
	}

	return os.Symlink(filepath.Join("..", runsDir, runID), link)
}

// LoadRun reads a run's results.jsonl back into a model.Run.
func LoadRun(root, runID string) (model.Run, error) {
	path := filepath.Join(root, runsDir, runID, resultsFile)
	f, err := os.Open(path)
	if err != nil {
		return model.Run{}, fmt.Errorf("store: open %s: %w", path, err)
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var results []model.TestResult
	for {
		var r model.TestResult
		if err := dec.Decode(&r); err != nil {
			if err == io.EOF {
				break
			}
			return model.Run{}, fmt.Errorf("store: decode %s: %w", path, err)
		}
		results = append(results, r)
	}

	return model.Run{RunID: runID, Results: results}, nil
}

// FinalStatus returns the status of the last-recorded attempt for each
// (test_id, iteration) in run, implementing the "final attempt is
// authoritative" Open Question decision (SPEC_FULL.md / DESIGN.md).
func FinalStatus(run model.Run) map[string]model.TestResult {
	final := make(map[string]model.TestResult, len(run.Results))
	for _, r := range run.Results {
		key := fmt.Sprintf("%s#%d", r.TestId, r.IterationIndex)
		prev, ok := final[key]
		if !ok || r.AttemptIndex >= prev.AttemptIndex {
			final[key] = r
		}
	}
	return final
}

// ResolveRun resolves a run reference per spec.md §4.5: empty string ->
// latest, a non-numeric string -> recordings/<label>, a negative
// integer -k -> the k-th most recent recording by mtime.
func ResolveRun(root, ref string) (string, error) {
	switch {
	case ref == "":
		return resolveSymlink(filepath.Join(root, latestLink))
	case isNegativeInt(ref):
		return resolveByRecency(root, ref)
	default:
		return resolveSymlink(filepath.Join(root, recordingsDir, ref))
	}
}

func isNegativeInt(s string) bool {
	if len(s) < 2 || s[0] != '-' {
		return false
	}
	for _, c := range s[1:] {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func resolveSymlink(link string) (string, error) {
	target, err := os.Readlink(link)
	if err != nil {
		return "", fmt.Errorf("store: resolve %s: %w", link, err)
	}
	return filepath.Base(target), nil
}

func resolveByRecency(root, ref string) (string, error) {
	var k int
	if _, err := fmt.Sscanf(ref, "%d", &k); err != nil || k >= 0 {
		return "", fmt.Errorf("store: invalid recency reference %q", ref)
	}
	k = -k // -1 => most recent (1st), -2 => 2nd most recent, ...

	dir := filepath.Join(root, recordingsDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("store: list recordings: %w", err)
	}

	type named struct {
		name    string
		modTime time.Time
	}
	var named_ []named
	for _, e := range entries {
		info, err := e.Info()
		if err != nil {
			continue
		}
		named_ = append(named_, named{name: e.Name(), modTime: info.ModTime()})
	}
	sort.Slice(named_, func(i, j int) bool { return named_[i].modTime.After(named_[j].modTime) })

	if k < 1 || k > len(named_) {
		return "", fmt.Errorf("store: recency reference %q out of range (%d recordings)", ref, len(named_))
	}
	return resolveSymlink(filepath.Join(dir, named_[k-1].name))
}

// ListRecordings returns recording labels sorted alphabetically.
func ListRecordings(root string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(root, recordingsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: list recordings: %w", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// sanitizeLabel rejects recording labels that would escape the
// recordings directory (path separators, "." and "..").
func sanitizeLabel(label string) error {
	if label == "" || label == "." || label == ".." || strings.ContainsAny(label, "/\\") {
		return fmt.Errorf("store: invalid recording label %q", label)
	}
	return nil
}
