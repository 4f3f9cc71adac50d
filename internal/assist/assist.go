// Package assist implements the principal side of spec §4.8's job-transfer
// protocol: a principal director watches its assistants/ directory and
// reclaims any job package whose owning assistant has released (or lost)
// its liveness lock. The explicit-transfer half of the protocol
// (kjob.Resolver.TransferToPrincipal, called from inside an executing job)
// lives in internal/scope and internal/kjob; this package only implements
// the orphan-detection half.
//
// fsnotify reports filesystem-namespace events (create/rename/remove), not
// flock state changes, so a crashed assistant process that simply vanishes
// without touching the filesystem produces no event at all — the OS drops
// its flock silently. AssistantsWatcher therefore pairs its event-driven
// watch (for prompt reaction to new assistant/job directories) with a
// periodic sweep that re-probes every known package, the same pairing the
// teacher's daemon.Run uses for its inbox watcher plus expiration sweeper.
package assist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/store"
	"github.com/ppiankov/kubrick/internal/store/fsstore"
	"github.com/ppiankov/kubrick/internal/watch"
)

// sweepInterval is how often AssistantsWatcher re-probes every known
// assistant job package for an abandoned liveness lock, independent of
// whatever fsnotify events arrive.
const sweepInterval = 10 * time.Second

// Redrive is invoked after a takeover places job in the principal's own
// store; it must enqueue job for processing through the same path a
// restart re-drive uses. The caller (internal/director) supplies this.
type Redrive func(ctx context.Context, job store.SubmittedJob)

// AssistantsWatcher watches a principal's assistants/ tree and reclaims
// orphaned job packages into the principal's own store.
type AssistantsWatcher struct {
	principal *fsstore.Store
	redrive   Redrive
	dw        *watch.DirectoryWatcher

	mu      sync.Mutex
	watched map[string]bool // assistant jobs/ dirs currently under watch
}

// New builds an AssistantsWatcher over principal's assistants/ tree.
// redrive is called once per reclaimed job, after it has been persisted
// into the principal's own store under its original JobID.
func New(principal *fsstore.Store, redrive Redrive) (*AssistantsWatcher, error) {
	// The predicate is permissive: assistants/, assistant name
	// directories, and nested jobs/ directories all need different
	// handling, which the handler below determines structurally from
	// each event's path rather than from a single flat predicate.
	dw, err := watch.New(func(string) bool { return true }, watch.WithDebounce(200*time.Millisecond))
	if err != nil {
		return nil, fmt.Errorf("assist: new watcher: %w", err)
	}
	return &AssistantsWatcher{
		principal: principal,
		redrive:   redrive,
		dw:        dw,
		watched:   make(map[string]bool),
	}, nil
}

// Run watches assistants/ until ctx is cancelled, reclaiming orphaned job
// packages as assistants release or lose their liveness locks. On entry it
// scans every existing assistant directory once, in case packages were
// already orphaned before the watcher started (spec §4.8's startup case).
func (w *AssistantsWatcher) Run(ctx context.Context) error {
	root := w.principal.AssistantsRoot()
	if err := os.MkdirAll(root, 0750); err != nil {
		return fmt.Errorf("assist: ensure assistants root: %w", err)
	}
	if err := w.dw.Add(root); err != nil {
		return fmt.Errorf("assist: watch assistants root: %w", err)
	}

	if err := w.adoptExistingAssistants(root); err != nil {
		return err
	}

	go w.runSweeper(ctx)

	return w.dw.Run(ctx, func(ev watch.Event) {
		w.handleEvent(root, ev)
	})
}

// Close releases the underlying directory watcher.
func (w *AssistantsWatcher) Close() error { return w.dw.Close() }

func (w *AssistantsWatcher) adoptExistingAssistants(root string) error {
	entries, err := os.ReadDir(root)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("assist: scan assistants root: %w", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		name := e.Name()
		w.watchAssistant(root, name)
		w.sweepAssistant(name)
	}
	return nil
}

// watchAssistant adds a watch on assistant name's jobs/ directory, idempotently.
func (w *AssistantsWatcher) watchAssistant(root, name string) {
	jobsDir := filepath.Join(root, name, "jobs")
	if err := os.MkdirAll(jobsDir, 0750); err != nil {
		return
	}
	w.mu.Lock()
	already := w.watched[jobsDir]
	w.watched[jobsDir] = true
	w.mu.Unlock()
	if already {
		return
	}
	_ = w.dw.Add(jobsDir)
}

func (w *AssistantsWatcher) unwatchAssistant(root, name string) {
	jobsDir := filepath.Join(root, name, "jobs")
	w.mu.Lock()
	delete(w.watched, jobsDir)
	w.mu.Unlock()
	_ = w.dw.Remove(jobsDir)
}

// handleEvent classifies ev structurally: an event directly under the
// assistants root is an assistant joining or leaving; an event under
// assistants/<name>/jobs/ is a job package appearing and worth an
// immediate takeover probe.
func (w *AssistantsWatcher) handleEvent(root string, ev watch.Event) {
	rel, err := filepath.Rel(root, ev.Path)
	if err != nil || rel == "." {
		return
	}
	parts := splitPath(rel)

	switch {
	case len(parts) == 1:
		// assistants/<name> itself: join or leave.
		name := parts[0]
		if _, err := os.Stat(ev.Path); err == nil {
			w.watchAssistant(root, name)
			w.sweepAssistant(name)
		} else {
			w.unwatchAssistant(root, name)
		}
	case len(parts) >= 3 && parts[1] == "jobs":
		w.sweepAssistant(parts[0])
	}
}

func splitPath(rel string) []string {
	var parts []string
	for _, p := range strings.Split(filepath.ToSlash(rel), "/") {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return parts
}

func (w *AssistantsWatcher) runSweeper(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sweepAll()
		}
	}
}

func (w *AssistantsWatcher) sweepAll() {
	root := w.principal.AssistantsRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		return
	}
	for _, e := range entries {
		if e.IsDir() {
			w.sweepAssistant(e.Name())
		}
	}
}

// sweepAssistant probes every job package belonging to assistant name and
// takes over any that can be claimed.
func (w *AssistantsWatcher) sweepAssistant(name string) {
	assistantStore, err := fsstore.Open(w.principal.AssistantRoot(name))
	if err != nil {
		return
	}
	defer assistantStore.Close()

	jobsDir := assistantStore.JobsRoot()
	entries, err := os.ReadDir(jobsDir)
	if errors.Is(err, os.ErrNotExist) {
		return
	}
	if err != nil {
		return
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := jobIDFromPackageName(e.Name())
		if err != nil {
			continue
		}
		w.tryTakeover(assistantStore, id)
	}
}

func jobIDFromPackageName(name string) (jobkey.JobID, error) {
	const suffix = ".job"
	if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
		return jobkey.JobID{}, fmt.Errorf("assist: not a job package: %s", name)
	}
	return jobkey.ParseJobID(name[:len(name)-len(suffix)])
}

// tryTakeover attempts the takeover algorithm from spec §4.8: a
// non-blocking claim of the assistant's liveness lock, followed by moving
// the job into the principal's own store under the same JobID and
// removing the assistant's copy. A failed claim means the assistant is
// still alive and actively managing the job; that is the common case on
// every sweep and is not an error.
func (w *AssistantsWatcher) tryTakeover(assistantStore *fsstore.Store, id jobkey.JobID) {
	fl, ok, err := assistantStore.TryAcquireJobLock(id)
	if err != nil || !ok {
		return
	}
	defer fl.Unlock()

	jobs, err := assistantStore.LoadJobs(context.Background())
	if err != nil {
		return
	}
	var job store.SubmittedJob
	var found bool
	for _, j := range jobs {
		if j.JobID == id {
			job, found = j, true
			break
		}
	}
	if !found {
		// Package directory exists but holds no submission file yet
		// (e.g. a dynamic sub-job reserved a key before resolving);
		// nothing to reclaim.
		return
	}

	if _, err := w.principal.SaveJob(context.Background(), job); err != nil {
		return
	}
	if err := assistantStore.RemoveJob(context.Background(), id); err != nil {
		return
	}
	if w.redrive != nil {
		w.redrive(context.Background(), job)
	}
}
