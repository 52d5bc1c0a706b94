package pipeline

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/gatesight/facecount/config"
	"github.com/gatesight/facecount/event"
	"github.com/gatesight/facecount/identity"
	"github.com/gatesight/facecount/store"
	"github.com/gatesight/facecount/track"
)

// Pipeline owns the frame loop. All track and registry mutation happens on
// the goroutine calling Run; the worker pool only computes embeddings, and
// the journal only receives finished values.
type Pipeline struct {
	manager   *track.Manager
	registry  *identity.Registry
	resolver  *identity.Resolver
	emitter   *event.Emitter
	journal   *store.Journal
	embedder  identity.Embedder
	pool      *embedPool
	snapshots *SnapshotWriter

	detectEvery  int
	recheckEvery int

	frames         int
	detectorFrames int
	staleResults   int
	embedFailures  int
	inconclusive   int
}

// New builds a pipeline over the given store. The registry is hydrated from
// the store before the first frame; a registry that cannot be trusted fails
// the build, carrying identity.ErrCorruptRegistry. The embedder may be nil
// when every source supplies precomputed embeddings.
func New(cfg *config.Config, st *store.Store, embedder identity.Embedder) (*Pipeline, error) {
	registry := identity.NewRegistry(cfg.RegistryParams())
	visitors, err := st.LoadVisitors()
	if err != nil {
		return nil, errors.Wrapf(identity.ErrCorruptRegistry, "can't load visitors: %v", err)
	}
	if err := registry.Hydrate(visitors); err != nil {
		return nil, err
	}
	slog.Info("pipeline: visitor registry hydrated", "visitors", registry.Count())

	journal := store.NewJournal(st, cfg.JournalParams())
	emitter := event.NewEmitter(registry,
		event.SinkFunc(func(ev event.Event) error {
			journal.RecordEvent(ev)
			return nil
		}),
		event.SinkFunc(logEvent),
	)

	p := &Pipeline{
		manager:      track.NewManager(cfg.TrackParams()),
		registry:     registry,
		resolver:     identity.NewResolver(registry, embedder, cfg.ResolverParams()),
		emitter:      emitter,
		journal:      journal,
		embedder:     embedder,
		detectEvery:  cfg.GetDetectEvery(),
		recheckEvery: cfg.GetRecheckEvery(),
	}
	if workers := cfg.GetWorkers(); workers > 0 {
		p.pool = newEmbedPool(embedder, workers)
	}
	if cfg.GetSnapshots() {
		p.snapshots = NewSnapshotWriter(cfg.GetOutputDir())
	}
	return p, nil
}

// Summary reports what a run did.
type Summary struct {
	Frames         int
	DetectorFrames int
	Entries        int
	Exits          int
	OpenEntries    int
	Visitors       int
	ActiveTracks   int
	StaleResults   int
	EmbedFailures  int
	Inconclusive   int
	DroppedSpawns  int
	DroppedWrites  int64
}

// Run consumes the source until io.EOF or cancellation, then settles every
// in-flight resolution. Call at most once per pipeline.
func (p *Pipeline) Run(ctx context.Context, src Source) (Summary, error) {
	if p.pool != nil {
		p.pool.start(ctx)
	}
	slog.Info("pipeline: run started",
		"detect_every", p.detectEvery,
		"recheck_every", p.recheckEvery,
		"workers", p.poolWorkers())

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		frame, err := src.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			runErr = errors.Wrap(err, "can't read next frame")
			break
		}
		if err := p.step(ctx, frame); err != nil {
			runErr = err
			break
		}
	}

	if p.pool != nil {
		p.pool.stop()
		for res := range p.pool.results {
			p.applyResult(res)
		}
	}

	summary := p.summary()
	slog.Info("pipeline: run finished",
		"frames", summary.Frames,
		"entries", summary.Entries,
		"exits", summary.Exits,
		"visitors", summary.Visitors,
		"stale_results", summary.StaleResults)
	return summary, runErr
}

// Close flushes the journal. Call after Run returns.
func (p *Pipeline) Close(ctx context.Context) error {
	return p.journal.Close(ctx)
}

// step advances one frame: pick up finished resolutions first so earlier
// identities land before this frame's transitions, then move the tracks.
func (p *Pipeline) step(ctx context.Context, frame Frame) error {
	if p.pool != nil {
		for _, res := range p.pool.collect() {
			p.applyResult(res)
		}
	}

	var dets []track.Detection
	if frame.Index%p.detectEvery == 0 {
		p.detectorFrames++
		dets = make([]track.Detection, len(frame.Detections))
		for i, d := range frame.Detections {
			dets[i] = track.Detection{BBox: d.BBox, Confidence: d.Confidence, FrameIndex: frame.Index}
		}
	}

	transitions, err := p.manager.Advance(frame.Index, dets)
	if err != nil {
		return errors.Wrapf(err, "can't advance tracks on frame %d", frame.Index)
	}
	p.frames++

	for _, tr := range transitions {
		if tr.Kind == track.TransitionRetired {
			p.handleRetired(tr.Track, frame.Timestamp)
			continue
		}
		p.maybeResolve(ctx, tr, frame)
	}
	return nil
}

// maybeResolve schedules an identity attempt for a confirmed track that has
// none yet. Attempts are paced: after an inconclusive or failed one, the
// track waits recheckEvery frames before trying again.
func (p *Pipeline) maybeResolve(ctx context.Context, tr track.Transition, frame Frame) {
	t := tr.Track
	if t.State() != track.StateConfirmed || tr.DetectionIndex < 0 {
		return
	}
	if _, resolved := t.VisitorID(); resolved {
		return
	}
	if last := t.LastResolveAttempt(); last >= 0 && frame.Index-last < p.recheckEvery {
		return
	}
	d := frame.Detections[tr.DetectionIndex]
	if d.Embedding == nil && (d.Crop == nil || p.embedder == nil) {
		return
	}

	job := resolveJob{
		trackID:    t.ID(),
		frameIndex: frame.Index,
		timestamp:  frame.Timestamp,
		embedding:  d.Embedding,
		crop:       d.Crop,
		bbox:       d.BBox,
		frameImage: frame.Image,
	}
	if p.pool == nil {
		t.MarkResolveAttempt(frame.Index)
		p.applyResult(runResolveJob(ctx, p.embedder, job))
		return
	}
	if !p.pool.submit(job) {
		slog.Warn("pipeline: embedding queue full, resolution deferred",
			"track", t.ID(), "frame", frame.Index)
		return
	}
	t.MarkResolveAttempt(frame.Index)
}

// applyResult lands a finished resolution on the frame-loop timeline. A
// result for a retired track, or for an attempt that has been superseded,
// is dropped here.
func (p *Pipeline) applyResult(res resolveResult) {
	if res.err != nil {
		p.embedFailures++
		slog.Warn("pipeline: embedding failed",
			"track", res.trackID, "frame", res.frameIndex, "error", res.err)
		return
	}
	t, ok := p.manager.Get(res.trackID)
	if !ok {
		p.staleResults++
		slog.Debug("pipeline: dropping result for retired track",
			"track", res.trackID, "frame", res.frameIndex)
		return
	}
	if t.LastResolveAttempt() != res.frameIndex {
		p.staleResults++
		slog.Debug("pipeline: dropping superseded result",
			"track", res.trackID, "frame", res.frameIndex, "latest", t.LastResolveAttempt())
		return
	}

	resolution, err := p.resolver.ResolveEmbedding(res.embedding, res.timestamp)
	if err != nil {
		slog.Warn("pipeline: identity resolution failed",
			"track", res.trackID, "error", err)
		return
	}
	if resolution.Outcome == identity.OutcomeInconclusive {
		p.inconclusive++
		slog.Debug("pipeline: identity inconclusive",
			"track", res.trackID, "distance", resolution.Distance)
		return
	}

	if err := t.AssignVisitor(resolution.VisitorID); err != nil {
		slog.Warn("pipeline: can't pin identity to track",
			"track", res.trackID, "error", err)
		return
	}

	snapshotPath := p.saveSnapshot(res, resolution)
	if _, err := p.emitter.RecordEntry(t.ID(), resolution, t.Confidence(), snapshotPath, res.timestamp); err != nil {
		slog.Error("pipeline: entry not recorded",
			"track", res.trackID, "visitor", resolution.VisitorID, "error", err)
	}
	if visitor, ok := p.registry.Get(resolution.VisitorID); ok {
		p.journal.RecordVisitor(visitor)
	}
}

func (p *Pipeline) saveSnapshot(res resolveResult, r identity.Resolution) string {
	if p.snapshots == nil {
		return ""
	}
	path, err := p.snapshots.Save(res.frameImage, res.crop, res.bbox, r.VisitorID, event.KindEntry, res.timestamp)
	if err != nil {
		slog.Warn("pipeline: can't save snapshot", "visitor", r.VisitorID, "error", err)
		return ""
	}
	return path
}

func (p *Pipeline) handleRetired(t *track.Track, now time.Time) {
	slog.Debug("pipeline: track retired",
		"track", t.ID(),
		"reason", t.RetiredReason(),
		"last_seen_frame", t.LastSeen())
	if _, ok := t.VisitorID(); !ok {
		return
	}
	p.emitter.RecordExit(t.ID(), t.Confidence(), now)
}

func (p *Pipeline) summary() Summary {
	entries, exits := p.emitter.Counts()
	return Summary{
		Frames:         p.frames,
		DetectorFrames: p.detectorFrames,
		Entries:        entries,
		Exits:          exits,
		OpenEntries:    p.emitter.OpenEntries(),
		Visitors:       p.registry.Count(),
		ActiveTracks:   p.manager.Count(),
		StaleResults:   p.staleResults,
		EmbedFailures:  p.embedFailures,
		Inconclusive:   p.inconclusive,
		DroppedSpawns:  p.manager.DroppedSpawns(),
		DroppedWrites:  p.journal.Dropped(),
	}
}

func (p *Pipeline) poolWorkers() int {
	if p.pool == nil {
		return 0
	}
	return p.pool.workers
}

func logEvent(ev event.Event) error {
	slog.Info("pipeline: event",
		"kind", ev.Kind,
		"visitor", ev.VisitorID,
		"track", ev.TrackID,
		"at", ev.Timestamp.Format(time.RFC3339))
	return nil
}
