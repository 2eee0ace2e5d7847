package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// DefaultMaxParallelism caps the worker pool when no explicit size is given.
const DefaultMaxParallelism = 10

// Observer receives build outcomes, typically to feed metrics.
type Observer interface {
	ArtifactFinished(kind Kind, outcome string, d time.Duration)
	RunFinished(status RunStatus, d time.Duration)
}

// Artifact outcomes reported to an Observer.
const (
	OutcomeBuilt    = "built"
	OutcomeUpToDate = "up_to_date"
	OutcomeFailed   = "failed"
	OutcomeSkipped  = "skipped"
)

type nopObserver struct{}

func (nopObserver) ArtifactFinished(Kind, string, time.Duration) {}
func (nopObserver) RunFinished(RunStatus, time.Duration)         {}

// BuildOptions tunes a build run.
type BuildOptions struct {
	// Parallelism is the worker count. Zero means the number of artifacts
	// ready at the start of the run, capped at MaxParallelism.
	Parallelism int

	// MaxParallelism caps the derived worker count. Zero means DefaultMaxParallelism.
	MaxParallelism int

	// FailFast stops dispatching new work after the first failure.
	FailFast bool
}

func (o BuildOptions) workers(initiallyReady int) int {
	if o.Parallelism > 0 {
		return o.Parallelism
	}
	limit := o.MaxParallelism
	if limit <= 0 {
		limit = DefaultMaxParallelism
	}
	n := initiallyReady
	if n > limit {
		n = limit
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Orchestrator builds artifacts of a graph into a workspace, rebuilding
// only what is stale.
type Orchestrator struct {
	graph    *Graph
	ws       *Workspace
	manifest Manifest
	logger   zerolog.Logger
	observer Observer
	tracer   trace.Tracer
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger.With().Str("component", "orchestrator").Logger()
	}
}

// WithObserver sets the observer notified of outcomes.
func WithObserver(observer Observer) Option {
	return func(o *Orchestrator) {
		if observer != nil {
			o.observer = observer
		}
	}
}

// WithTracer sets the tracer used for per-artifact spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *Orchestrator) {
		if tracer != nil {
			o.tracer = tracer
		}
	}
}

// NewOrchestrator creates an orchestrator over graph, workspace and manifest.
func NewOrchestrator(g *Graph, ws *Workspace, m Manifest, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		graph:    g,
		ws:       ws,
		manifest: m,
		logger:   zerolog.Nop(),
		observer: nopObserver{},
		tracer:   noop.NewTracerProvider().Tracer("egaboot"),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Graph returns the graph being built.
func (o *Orchestrator) Graph() *Graph {
	return o.graph
}

// Workspace returns the output root.
func (o *Orchestrator) Workspace() *Workspace {
	return o.ws
}

// Build brings every target and its transitive dependencies up to date.
// Targets are artifact identifiers or group aliases; none means all.
// Validation and lock errors are returned before anything is written. When
// the run itself fails the result is returned together with the origin error.
func (o *Orchestrator) Build(ctx context.Context, targets []string, opts BuildOptions) (*Result, error) {
	order, err := o.graph.ResolveOrder(targets)
	if err != nil {
		return nil, err
	}

	runID := uuid.NewString()
	lock, err := o.ws.AcquireLock(runID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			o.logger.Error().Err(err).Str("run_id", runID).Msg("Failed to release lock")
		}
	}()

	r := newRun(o, runID, order, opts)
	if err := r.prepareDirs(); err != nil {
		return nil, err
	}

	o.logger.Info().
		Str("run_id", runID).
		Int("artifacts", len(order)).
		Bool("fail_fast", opts.FailFast).
		Msg("Build started")

	res := r.execute(ctx)
	o.recordRun(ctx, targets, res)

	o.logger.Info().
		Str("run_id", runID).
		Str("status", string(res.Status)).
		Int("built", len(res.Built())).
		Int("failed", len(res.Failed())).
		Dur("duration", res.CompletedAt.Sub(res.StartedAt)).
		Msg("Build finished")

	return res, res.Err()
}

// recordRun persists a run summary when the run changed something.
func (o *Orchestrator) recordRun(ctx context.Context, targets []string, res *Result) {
	o.observer.RunFinished(res.Status, res.CompletedAt.Sub(res.StartedAt))

	built, failed := len(res.Built()), len(res.Failed())
	if built == 0 && failed == 0 {
		return
	}
	record := &RunRecord{
		ID:          res.RunID,
		Status:      res.Status,
		Targets:     targets,
		Built:       built,
		Failed:      failed,
		Skipped:     len(res.Skipped()),
		UpToDate:    len(res.Targets) - built - failed,
		StartedAt:   res.StartedAt,
		CompletedAt: res.CompletedAt,
	}
	if res.Origin != nil {
		record.Error = res.Origin.Error()
	}
	if err := o.manifest.RecordRun(context.WithoutCancel(ctx), record); err != nil {
		o.logger.Warn().Err(err).Str("run_id", res.RunID).Msg("Failed to record run")
	}
}

// node is the per-run state of one artifact. Only the coordinating
// goroutine touches it.
type node struct {
	artifact    *Artifact
	index       int
	status      Status
	pending     int
	dependents  []string
	fingerprint string
	result      *TargetResult
}

type job struct {
	artifact         *Artifact
	inputFingerprint string
	allow            map[string]string
}

type outcome struct {
	id               string
	fingerprint      string
	inputFingerprint string
	built            bool
	upToDate         bool
	err              error
	duration         time.Duration
}

type run struct {
	o         *Orchestrator
	id        string
	order     []string
	nodes     map[string]*node
	opts      BuildOptions
	origin    error
	cancelled bool
	halt      string
}

func newRun(o *Orchestrator, id string, order []string, opts BuildOptions) *run {
	r := &run{
		o:     o,
		id:    id,
		order: order,
		nodes: make(map[string]*node, len(order)),
		opts:  opts,
	}
	for i, artifactID := range order {
		a, _ := o.graph.Artifact(artifactID)
		r.nodes[artifactID] = &node{
			artifact: a,
			index:    i,
			status:   StatusPending,
			pending:  len(a.Dependencies),
			result:   &TargetResult{ID: artifactID, Kind: a.Kind, Status: StatusPending},
		}
	}
	// order is topological, so dependents are appended in order too
	for _, artifactID := range order {
		for _, dep := range r.nodes[artifactID].artifact.Dependencies {
			r.nodes[dep].dependents = append(r.nodes[dep].dependents, artifactID)
		}
	}
	return r
}

// prepareDirs creates every output directory up front.
func (r *run) prepareDirs() error {
	dirs := make(map[string]bool)
	for _, id := range r.order {
		for _, out := range r.nodes[id].artifact.Outputs {
			if dir := path.Dir(out.Path); dir != "." {
				dirs[dir] = true
			}
		}
	}
	sorted := make([]string, 0, len(dirs))
	for dir := range dirs {
		sorted = append(sorted, dir)
	}
	sort.Strings(sorted)
	for _, dir := range sorted {
		if err := r.o.ws.MkdirAll(dir); err != nil {
			return NewIOError("create output directory", err).WithPath(dir)
		}
	}
	return nil
}

func (r *run) transition(n *node, to Status) {
	if !n.status.CanTransition(to) {
		panic(fmt.Sprintf("artifact %s: invalid transition %s -> %s", n.artifact.ID, n.status, to))
	}
	n.status = to
	n.result.Status = to
}

// execute runs the coordinator loop. Workers only build; all state changes
// and manifest writes happen here.
func (r *run) execute(ctx context.Context) *Result {
	started := time.Now()

	ready := make([]string, 0)
	for _, id := range r.order {
		if r.nodes[id].pending == 0 {
			ready = append(ready, id)
		}
	}
	workerCount := r.opts.workers(len(ready))

	jobs := make(chan *job)
	results := make(chan *outcome)
	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range jobs {
				results <- r.work(ctx, j)
			}
		}()
	}

	r.o.logger.Debug().Str("run_id", r.id).Int("workers", workerCount).Msg("Worker pool started")

	inFlight := 0
	halted := false
	done := ctx.Done()
	var next *job
	for {
		if !halted && ctx.Err() != nil {
			halted = true
			done = nil
			r.cancelled = true
			r.halt = "not scheduled: build cancelled"
		}
		if inFlight == 0 && (halted || len(ready) == 0) {
			break
		}

		var dispatch chan<- *job
		if !halted && len(ready) > 0 {
			if next == nil || next.artifact.ID != ready[0] {
				next = r.newJob(ready[0])
			}
			dispatch = jobs
		}

		select {
		case dispatch <- next:
			r.transition(r.nodes[next.artifact.ID], StatusBuilding)
			ready = ready[1:]
			inFlight++
			next = nil
		case out := <-results:
			inFlight--
			ready = r.complete(ctx, out, ready)
			if out.err != nil && r.opts.FailFast && !halted {
				halted = true
				done = nil
				r.halt = fmt.Sprintf("not scheduled: build halted after %s failed", out.id)
			}
		case <-done:
			halted = true
			done = nil
			r.cancelled = true
			r.halt = "not scheduled: build cancelled"
		}
	}
	close(jobs)
	wg.Wait()

	r.skipUnscheduled(ctx)

	res := &Result{
		RunID:       r.id,
		Order:       r.order,
		Targets:     make(map[string]*TargetResult, len(r.order)),
		StartedAt:   started,
		CompletedAt: time.Now(),
		Origin:      r.origin,
	}
	for id, n := range r.nodes {
		res.Targets[id] = n.result
	}
	res.Status = r.status(res)
	return res
}

func (r *run) status(res *Result) RunStatus {
	failed := len(res.Failed())
	switch {
	case r.cancelled:
		return RunStatusCancelled
	case failed == 0:
		return RunStatusSucceeded
	case len(res.Succeeded()) > 0:
		return RunStatusPartial
	default:
		return RunStatusFailed
	}
}

// newJob snapshots what a worker needs: the input fingerprint and the set
// of dependency outputs the generator may read.
func (r *run) newJob(id string) *job {
	n := r.nodes[id]
	depFingerprints := make(map[string]string, len(n.artifact.Dependencies))
	allow := make(map[string]string)
	for _, dep := range n.artifact.Dependencies {
		d := r.nodes[dep]
		depFingerprints[dep] = d.fingerprint
		for _, out := range d.artifact.Outputs {
			allow[out.Path] = dep
		}
	}
	return &job{
		artifact:         n.artifact,
		inputFingerprint: InputFingerprint(n.artifact, depFingerprints),
		allow:            allow,
	}
}

// work runs on a worker goroutine.
func (r *run) work(ctx context.Context, j *job) *outcome {
	start := time.Now()
	a := j.artifact
	out := &outcome{id: a.ID, inputFingerprint: j.inputFingerprint}

	spanCtx, span := r.o.tracer.Start(ctx, "artifact.build", trace.WithAttributes(
		attribute.String("artifact.id", a.ID),
		attribute.String("artifact.kind", string(a.Kind)),
		attribute.String("run.id", r.id),
	))
	defer span.End()

	// in-flight work finishes even when the run is cancelled
	workCtx := context.WithoutCancel(spanCtx)

	fingerprint, fresh, err := r.o.checkFresh(workCtx, a, j.inputFingerprint)
	switch {
	case err != nil:
		out.err = err
	case fresh:
		out.fingerprint = fingerprint
		out.upToDate = true
	default:
		out.fingerprint, out.err = r.generate(workCtx, j)
		out.built = out.err == nil
	}
	out.duration = time.Since(start)

	span.SetAttributes(attribute.Bool("artifact.built", out.built))
	if out.err != nil {
		span.RecordError(out.err)
		span.SetStatus(codes.Error, out.err.Error())
	}
	return out
}

// generate invokes the generator and publishes its outputs.
func (r *run) generate(ctx context.Context, j *job) (string, error) {
	a := j.artifact
	bc := &BuildContext{
		Artifact: a,
		RunID:    r.id,
		ws:       r.o.ws,
		allow:    j.allow,
		logger:   r.o.logger.With().Str("artifact", a.ID).Logger(),
	}

	contents, err := invoke(ctx, a, bc)
	if err == nil {
		err = checkContents(a, contents)
	}
	if err == nil {
		err = r.o.ws.Publish(a.Outputs, contents)
	}
	if err != nil {
		if rmErr := r.o.ws.Remove(a.OutputPaths()...); rmErr != nil {
			r.o.logger.Warn().Err(rmErr).Str("artifact", a.ID).Msg("Failed to remove outputs of failed artifact")
		}
		return "", classify(a.ID, err)
	}
	return ContentFingerprint(a.Outputs, contents), nil
}

func invoke(ctx context.Context, a *Artifact, bc *BuildContext) (contents map[string][]byte, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = NewGenerationError(fmt.Sprintf("generator panicked: %v", p), nil)
		}
	}()
	return a.Generate(ctx, bc)
}

func checkContents(a *Artifact, contents map[string][]byte) error {
	declared := make(map[string]bool, len(a.Outputs))
	for _, out := range a.Outputs {
		if _, ok := contents[out.Path]; !ok {
			return NewGenerationError("generator did not produce declared output", nil).WithPath(out.Path)
		}
		declared[out.Path] = true
	}
	extra := make([]string, 0)
	for p := range contents {
		if !declared[p] {
			extra = append(extra, p)
		}
	}
	if len(extra) > 0 {
		sort.Strings(extra)
		return NewGenerationError(fmt.Sprintf("generator produced undeclared outputs %v", extra), nil)
	}
	return nil
}

func classify(id string, err error) error {
	var e *EngineError
	if errors.As(err, &e) {
		if e.Artifact == "" {
			e.Artifact = id
		}
		return err
	}
	return NewGenerationError("generator failed", err).WithArtifact(id)
}

// checkFresh reports whether the artifact's outputs are up to date: a Done
// manifest entry exists for the same inputs and the files on disk still
// hash to the recorded fingerprint with the declared permissions.
func (o *Orchestrator) checkFresh(ctx context.Context, a *Artifact, inputFingerprint string) (string, bool, error) {
	entry, err := o.manifest.Get(ctx, a.ID)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, NewIOError("read manifest", err).WithArtifact(a.ID).WithCode(ErrCodeManifest)
	}
	if entry.Status != StatusDone || entry.InputFingerprint != inputFingerprint {
		return "", false, nil
	}

	contents := make(map[string][]byte, len(a.Outputs))
	for _, out := range a.Outputs {
		data, err := o.ws.Read(out.Path)
		if errors.Is(err, os.ErrNotExist) {
			return "", false, nil
		}
		if err != nil {
			return "", false, NewIOError("read output", err).WithArtifact(a.ID).WithPath(out.Path)
		}
		perm, err := o.ws.Perm(out.Path)
		if err != nil {
			return "", false, NewIOError("stat output", err).WithArtifact(a.ID).WithPath(out.Path)
		}
		if perm != out.Perm {
			return "", false, nil
		}
		contents[out.Path] = data
	}

	fingerprint := ContentFingerprint(a.Outputs, contents)
	if fingerprint != entry.Fingerprint {
		return "", false, nil
	}
	return fingerprint, true, nil
}

// complete applies a worker outcome and returns the updated ready queue.
func (r *run) complete(ctx context.Context, out *outcome, ready []string) []string {
	n := r.nodes[out.id]
	n.result.Duration = out.duration

	if out.err == nil && out.built {
		entry := &ManifestEntry{
			ID:               out.id,
			Kind:             n.artifact.Kind,
			Status:           StatusDone,
			Fingerprint:      out.fingerprint,
			InputFingerprint: out.inputFingerprint,
			Outputs:          n.artifact.OutputPaths(),
			RunID:            r.id,
			BuiltAt:          time.Now().UTC(),
		}
		if err := r.o.manifest.Put(context.WithoutCancel(ctx), entry); err != nil {
			out.err = NewIOError("record manifest entry", err).WithArtifact(out.id).WithCode(ErrCodeManifest)
			out.built = false
			if rmErr := r.o.ws.Remove(n.artifact.OutputPaths()...); rmErr != nil {
				r.o.logger.Warn().Err(rmErr).Str("artifact", out.id).Msg("Failed to remove unrecorded outputs")
			}
		}
	}

	if out.err != nil {
		r.fail(ctx, n, out.err)
		return ready
	}

	r.transition(n, StatusDone)
	n.fingerprint = out.fingerprint
	n.result.Built = out.built
	n.result.UpToDate = out.upToDate

	outcomeName := OutcomeUpToDate
	if out.built {
		outcomeName = OutcomeBuilt
	}
	r.o.observer.ArtifactFinished(n.artifact.Kind, outcomeName, out.duration)
	r.o.logger.Debug().
		Str("artifact", out.id).
		Str("outcome", outcomeName).
		Dur("duration", out.duration).
		Msg("Artifact done")

	for _, dependent := range n.dependents {
		d := r.nodes[dependent]
		d.pending--
		if d.pending == 0 && d.status == StatusPending {
			ready = r.enqueue(ready, dependent)
		}
	}
	return ready
}

// enqueue inserts id keeping the ready queue in topological order.
func (r *run) enqueue(ready []string, id string) []string {
	idx := r.nodes[id].index
	pos := sort.Search(len(ready), func(i int) bool {
		return r.nodes[ready[i]].index > idx
	})
	ready = append(ready, "")
	copy(ready[pos+1:], ready[pos:])
	ready[pos] = id
	return ready
}

// fail marks n failed, drops its manifest entry, and marks every
// transitive dependent failed with the chain leading back to n.
func (r *run) fail(ctx context.Context, n *node, err error) {
	r.transition(n, StatusFailed)
	n.result.Err = err
	if r.origin == nil {
		r.origin = err
	}
	if delErr := r.o.manifest.Delete(context.WithoutCancel(ctx), n.artifact.ID); delErr != nil {
		r.o.logger.Warn().Err(delErr).Str("artifact", n.artifact.ID).Msg("Failed to drop manifest entry")
	}
	r.o.observer.ArtifactFinished(n.artifact.Kind, OutcomeFailed, n.result.Duration)
	r.o.logger.Error().Err(err).Str("artifact", n.artifact.ID).Msg("Artifact failed")

	origin := n.artifact.ID
	chains := map[string][]string{origin: {origin}}
	queue := []string{origin}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dependent := range r.nodes[current].dependents {
			d := r.nodes[dependent]
			if d.status != StatusPending {
				continue
			}
			chain := append(append([]string(nil), chains[current]...), dependent)
			chains[dependent] = chain

			r.transition(d, StatusFailed)
			d.result.Skipped = true
			d.result.Err = NewDependencyError(origin, chain).WithArtifact(dependent)
			r.o.observer.ArtifactFinished(d.artifact.Kind, OutcomeSkipped, 0)
			r.o.logger.Warn().
				Str("artifact", dependent).
				Strs("chain", chain).
				Msg("Artifact skipped: dependency failed")
			queue = append(queue, dependent)
		}
	}
}

// skipUnscheduled fails every node left pending after a halt.
func (r *run) skipUnscheduled(ctx context.Context) {
	var cause error
	if r.cancelled {
		cause = ctx.Err()
	}
	for _, id := range r.order {
		n := r.nodes[id]
		if n.status != StatusPending {
			continue
		}
		r.transition(n, StatusFailed)
		n.result.Skipped = true
		n.result.Err = NewHaltedError(r.halt, cause).WithArtifact(id)
		r.o.observer.ArtifactFinished(n.artifact.Kind, OutcomeSkipped, 0)
	}
	if r.cancelled && r.origin == nil {
		r.origin = NewHaltedError("build cancelled", cause)
	}
}
