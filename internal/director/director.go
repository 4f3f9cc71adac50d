// Package director implements spec §4.6/§4.7's orchestration core:
// JobDirector drives submissions through InputResolver and RegisterCache to
// at-most-once completion, tracks in-flight tasks for a bounded stop, and
// re-drives non-terminated submissions on restart; DynamicJobDirector (in
// dynamic.go) is the per-submission kjob.Resolver every execute call sees
// through internal/scope.
package director

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ppiankov/kubrick/internal/codec"
	"github.com/ppiankov/kubrick/internal/fingerprint"
	"github.com/ppiankov/kubrick/internal/jobkey"
	"github.com/ppiankov/kubrick/internal/kerrors"
	"github.com/ppiankov/kubrick/internal/kjob"
	"github.com/ppiankov/kubrick/internal/regcache"
	"github.com/ppiankov/kubrick/internal/resolver"
	"github.com/ppiankov/kubrick/internal/scope"
	"github.com/ppiankov/kubrick/internal/store"
)

// Role distinguishes a principal director (the durable owner of a
// submission) from an assistant (a worker that may have a job reclaimed out
// from under it — spec §4.8).
type Role int

const (
	RolePrincipal Role = iota
	RoleAssistant
)

func (r Role) String() string {
	if r == RoleAssistant {
		return "assistant"
	}
	return "principal"
}

type lifecycle int

const (
	lifecycleCreated lifecycle = iota
	lifecycleRunning
	lifecycleStopped
)

func (l lifecycle) String() string {
	switch l {
	case lifecycleRunning:
		return "running"
	case lifecycleStopped:
		return "stopped"
	default:
		return "created"
	}
}

// Config supplies a JobDirector's fixed collaborators.
type Config struct {
	// ID is this director's DirectorId (spec §3's grammar), used to render
	// ExternalJobKeys and as the log prefix.
	ID string
	// Role governs TransferToPrincipal's behavior (spec §4.8).
	Role Role
	// Store is the durable submission store; either internal/store/fsstore
	// or internal/store/sqlitestore satisfies this.
	Store store.SubmissionStore
	// JobTypes round-trips SubmittableJob instances to persisted bytes.
	JobTypes kjob.SubmittableJobTypeResolver
	// ErrorResolver boxes/unboxes user error values across process
	// boundaries (spec §6, §7). Defaults to kerrors.NoopTypeResolver,
	// meaning every error round-trips as a native message-only envelope.
	ErrorResolver kerrors.TypeResolver
}

// JobDirector is the orchestration core from spec §4.6.
type JobDirector struct {
	id       string
	role     Role
	store    store.SubmissionStore
	jobTypes kjob.SubmittableJobTypeResolver
	errRes   kerrors.TypeResolver
	cache    *regcache.Cache

	mu    sync.Mutex
	state lifecycle
	tasks map[string]context.CancelFunc
	wg    sync.WaitGroup

	injMu      sync.RWMutex
	injections map[string]any
}

// New constructs a JobDirector in the `created` state.
func New(cfg Config) (*JobDirector, error) {
	if !jobkey.ValidDirectorID(cfg.ID) {
		return nil, fmt.Errorf("director: invalid director id %q", cfg.ID)
	}
	if cfg.Store == nil {
		return nil, errors.New("director: store is required")
	}
	if cfg.JobTypes == nil {
		return nil, errors.New("director: job type resolver is required")
	}
	errRes := cfg.ErrorResolver
	if errRes == nil {
		errRes = kerrors.NoopTypeResolver{}
	}
	return &JobDirector{
		id:         cfg.ID,
		role:       cfg.Role,
		store:      cfg.Store,
		jobTypes:   cfg.JobTypes,
		errRes:     errRes,
		cache:      regcache.New(store.NewResultBackend(cfg.Store)),
		tasks:      make(map[string]context.CancelFunc),
		injections: make(map[string]any),
	}, nil
}

// ID returns this director's DirectorId.
func (d *JobDirector) ID() string { return d.id }

// RegisterInjection installs value into the director's dependency-injection
// registry under (typeName, tags), for binding.Value-adjacent job code that
// reads ambient collaborators rather than declared inputs (spec §4.5).
func (d *JobDirector) RegisterInjection(typeName string, tags []string, value any) {
	d.injMu.Lock()
	defer d.injMu.Unlock()
	d.injections[injectionKey(typeName, tags)] = value
}

func (d *JobDirector) injection(typeName string, tags []string) (any, bool) {
	d.injMu.RLock()
	defer d.injMu.RUnlock()
	v, ok := d.injections[injectionKey(typeName, tags)]
	return v, ok
}

func injectionKey(typeName string, tags []string) string {
	sorted := append([]string(nil), tags...)
	sort.Strings(sorted)
	return typeName + "\x00" + strings.Join(sorted, ",")
}

func (d *JobDirector) requireRunning(op string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state != lifecycleRunning {
		return &kerrors.DirectorState{Operation: op, State: d.state.String()}
	}
	return nil
}

// Submit implements spec §4.6's submit: saveJob (dedup check), then spawns a
// tracked task driving the job to completion, sleeping until dedupExpiresAt,
// and finally removing it. Returns false without spawning anything if a live
// duplicate of jobID already exists.
func (d *JobDirector) Submit(ctx context.Context, job kjob.SubmittableJob, jobID jobkey.JobID, dedupWindow time.Duration) (bool, error) {
	if err := d.requireRunning("submit"); err != nil {
		return false, err
	}
	typeID, encoded, err := d.jobTypes.Encode(job)
	if err != nil {
		return false, fmt.Errorf("director: encode submission: %w", err)
	}
	dedupExpiresAt := time.Now().Add(dedupWindow)
	saved, err := d.store.SaveJob(ctx, store.SubmittedJob{
		JobID:          jobID,
		TypeID:         typeID,
		Encoded:        encoded,
		DedupExpiresAt: dedupExpiresAt,
	})
	if err != nil || !saved {
		return saved, err
	}
	d.drive(jobID, job, dedupExpiresAt)
	return true, nil
}

// Start transitions the director to `running` and re-drives every
// submission found in the store, terminated or not (spec §4.6's startup
// re-drive), returning how many it found. A terminated submission's
// persisted result is reused rather than executed again.
func (d *JobDirector) Start(ctx context.Context) (int, error) {
	d.mu.Lock()
	d.state = lifecycleRunning
	d.mu.Unlock()

	jobs, err := d.store.LoadJobs(ctx)
	if err != nil {
		return 0, fmt.Errorf("director[%s]: load jobs: %w", d.id, err)
	}
	for _, j := range jobs {
		job, decodeErr := d.jobTypes.Decode(j.TypeID, j.Encoded)
		if decodeErr != nil {
			fmt.Fprintf(os.Stderr, "director[%s]: restart: undecodable job %s (type %s): %v\n", d.id, j.JobID, j.TypeID, decodeErr)
			continue
		}
		d.drive(j.JobID, job, j.DedupExpiresAt)
	}
	return len(jobs), nil
}

// Redrive decodes job and drives it exactly as Start's restart path does.
// It is the hook internal/assist.AssistantsWatcher calls after reclaiming an
// orphaned job package into this director's own store (spec §4.8: "enqueues
// processing through the same path JobDirector.start() uses for restart
// re-drive").
func (d *JobDirector) Redrive(ctx context.Context, job store.SubmittedJob) {
	decoded, err := d.jobTypes.Decode(job.TypeID, job.Encoded)
	if err != nil {
		fmt.Fprintf(os.Stderr, "director[%s]: redrive: undecodable job %s (type %s): %v\n", d.id, job.JobID, job.TypeID, err)
		return
	}
	d.drive(job.JobID, decoded, job.DedupExpiresAt)
}

// Stop transitions to `stopped`, cancels every tracked task, and waits up to
// timeout for them to unwind (spec §4.6). Tasks still running past timeout
// are abandoned in memory; their persisted state survives for the next
// Start.
func (d *JobDirector) Stop(timeout time.Duration) error {
	d.mu.Lock()
	d.state = lifecycleStopped
	cancels := make([]context.CancelFunc, 0, len(d.tasks))
	for _, c := range d.tasks {
		cancels = append(cancels, c)
	}
	d.mu.Unlock()

	for _, c := range cancels {
		c()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("director[%s]: stop: %d task(s) still running after %s", d.id, len(cancels), timeout)
	}
}

// drive spawns the tracked goroutine that carries one submission from
// resolve through its dedup-window wait to removal.
func (d *JobDirector) drive(jobID jobkey.JobID, job kjob.ExecutableJob, dedupExpiresAt time.Time) {
	taskCtx, cancel := context.WithCancel(context.Background())
	taskID := jobID.String()

	d.mu.Lock()
	d.tasks[taskID] = cancel
	d.mu.Unlock()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer func() {
			d.mu.Lock()
			delete(d.tasks, taskID)
			d.mu.Unlock()
			cancel()
		}()

		// Hold the package's liveness lock (filesystem layout only) for as
		// long as this director is managing the job. Releasing it — on
		// completion, transfer, or process death — is what makes the package
		// claimable by a principal's AssistantsWatcher (spec §4.8).
		if locker, ok := d.store.(store.LivenessLocker); ok {
			if lock, err := locker.LockJob(taskCtx, jobID); err == nil {
				defer func() { _ = lock.Unlock() }()
			}
		}

		_ = d.store.SetJobState(taskCtx, jobID, store.StateExecuting)

		key, _, err := d.resolveNode(taskCtx, jobID, job, func(ctx context.Context) ([]byte, error) {
			if execErr := job.Execute(ctx); execErr != nil {
				return nil, execErr
			}
			return nil, nil
		})

		if errors.Is(err, kerrors.ErrTransferToPrincipal) {
			// The package is left unlocked (regcache never persisted
			// anything for this node) so AssistantsWatcher can reclaim it;
			// this director is done with it.
			return
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "director[%s]: job %s failed: %v\n", d.id, jobID, err)
		}

		_ = d.store.SetJobState(taskCtx, jobID, store.StateTerminated)

		select {
		case <-time.After(time.Until(dedupExpiresAt)):
		case <-taskCtx.Done():
			return
		}
		if err := d.store.RemoveJob(context.Background(), jobID); err != nil {
			fmt.Fprintf(os.Stderr, "director[%s]: remove job %s: %v\n", d.id, jobID, err)
		}
		// Drop the root's cached result too, so a resubmission after the
		// window executes again instead of replaying it from memory.
		_ = d.cache.Deregister(key)
	}()
}

// resultTag discriminates a persisted register-cache entry between a
// success payload and a boxed failure, so both outcomes persist through the
// same RegisterCache.register call (spec's ResultState is Success(V) |
// Failure(Err); only kerrors.ErrTransferToPrincipal must escape
// unpersisted).
const (
	resultTagSuccess byte = 0
	resultTagFailure byte = 1
)

func encodeResultState(tag byte, payload []byte) []byte {
	w := codec.NewWriter()
	w.Tag(tag)
	w.RawBytes(payload)
	return w.Bytes()
}

func decodeResultState(encoded []byte) (tag byte, payload []byte, err error) {
	r := codec.NewReader(encoded)
	tag, err = r.Tag()
	if err != nil {
		return 0, nil, err
	}
	payload, err = r.RawBytes()
	return tag, payload, err
}

func encodeEnvelope(env *kerrors.Envelope) []byte {
	w := codec.NewWriter()
	if env.Storage == kerrors.StorageCodable {
		w.Tag(1)
	} else {
		w.Tag(0)
	}
	w.String(env.Domain)
	w.String(env.Message)
	w.String(env.Code)
	w.RawBytes(env.Payload)
	return w.Bytes()
}

func decodeEnvelope(encoded []byte) (*kerrors.Envelope, error) {
	r := codec.NewReader(encoded)
	storageTag, err := r.Tag()
	if err != nil {
		return nil, err
	}
	domain, err := r.String()
	if err != nil {
		return nil, err
	}
	message, err := r.String()
	if err != nil {
		return nil, err
	}
	code, err := r.String()
	if err != nil {
		return nil, err
	}
	payload, err := r.RawBytes()
	if err != nil {
		return nil, err
	}
	storage := kerrors.StorageNative
	if storageTag == 1 {
		storage = kerrors.StorageCodable
	}
	return &kerrors.Envelope{Storage: storage, Domain: domain, Message: message, Code: code, Payload: payload}, nil
}

// resolveNode implements spec §4.6's resolve(J, submission): resolve inputs
// in parallel, fingerprint, single-flight execute through the result cache,
// and decode back to a plain success/failure outcome for the caller.
// Submission is threaded explicitly rather than read off the director,
// because one JobDirector drives many submissions concurrently — only the
// per-submission DynamicJobDirector wrapper knows which one a given call is
// part of.
func (d *JobDirector) resolveNode(ctx context.Context, submission jobkey.JobID, job kjob.Job, execute func(ctx context.Context) ([]byte, error)) (jobkey.JobKey, []byte, error) {
	dyn := &DynamicJobDirector{director: d, submission: submission}

	ir := resolver.Resolve(ctx, dyn, job.InputDescriptors())
	fp := fingerprint.Compute(job.TypeName(), ir.All())
	key := jobkey.JobKey{JobID: submission, Fingerprint: fp}

	if err := ir.Failure(); err != nil {
		return key, nil, err
	}

	encoded, regErr := d.cache.Register(ctx, key, func(initCtx context.Context) ([]byte, error) {
		scopedCtx := scope.Enter(initCtx, scope.Frame{Director: dyn, JobKey: key, Inputs: ir})
		payload, execErr := execute(scopedCtx)
		if execErr != nil {
			if errors.Is(execErr, kerrors.ErrTransferToPrincipal) {
				return nil, kerrors.ErrTransferToPrincipal
			}
			env := kerrors.Box(execErr, job.TypeName(), d.errRes)
			return encodeResultState(resultTagFailure, encodeEnvelope(env)), nil
		}
		return encodeResultState(resultTagSuccess, payload), nil
	})
	if regErr != nil {
		return key, nil, regErr
	}

	tag, payload, decodeErr := decodeResultState(encoded)
	if decodeErr != nil {
		return key, nil, &kerrors.InvariantViolation{Kind: kerrors.InputResultInvalid}
	}
	if tag == resultTagFailure {
		env, envErr := decodeEnvelope(payload)
		if envErr != nil {
			return key, nil, &kerrors.InvariantViolation{Kind: kerrors.InputResultInvalid}
		}
		return key, nil, kerrors.Unbox(env, d.errRes)
	}
	return key, payload, nil
}

// Unresolve deregisters key from the result cache (spec's retry operation).
func (d *JobDirector) Unresolve(key jobkey.JobKey) { _ = d.cache.Deregister(key) }

func (d *JobDirector) transferToPrincipal() error {
	if d.role == RoleAssistant {
		return kerrors.ErrTransferToPrincipal
	}
	return nil
}

// JobCount reports the number of live submissions in this director's store.
func (d *JobDirector) JobCount(ctx context.Context) (int, error) { return d.store.JobCount(ctx) }

// JobCountByState reports the number of live submissions currently in state.
func (d *JobDirector) JobCountByState(ctx context.Context, state store.JobState) (int, error) {
	return d.store.JobCountByState(ctx, state)
}
