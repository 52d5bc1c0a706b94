package pipeline

import (
	"context"
	"image"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gatesight/facecount/identity"
	"github.com/gatesight/facecount/track"
)

// resolveJob is one identity attempt for one track, pinned to the frame it
// was scheduled on.
type resolveJob struct {
	trackID    uuid.UUID
	frameIndex int
	timestamp  time.Time
	embedding  []float32
	crop       image.Image
	bbox       track.Rectangle
	frameImage image.Image
}

// resolveResult is a finished job. The frame index identifies which attempt
// this answers; the loop drops answers to superseded attempts.
type resolveResult struct {
	resolveJob
	err error
}

// runResolveJob produces the embedding for a job. Scripted jobs carry it
// already; live jobs go through the embedder.
func runResolveJob(ctx context.Context, embedder identity.Embedder, job resolveJob) resolveResult {
	res := resolveResult{resolveJob: job}
	if res.embedding != nil {
		return res
	}
	res.embedding, res.err = embedder.Embed(ctx, job.crop)
	return res
}

// embedPool runs embedding extraction on a bounded set of workers so the
// frame loop never waits on the model. submit and collect never block.
type embedPool struct {
	embedder identity.Embedder
	workers  int
	jobs     chan resolveJob
	results  chan resolveResult
	wg       sync.WaitGroup
}

func newEmbedPool(embedder identity.Embedder, workers int) *embedPool {
	queue := workers * 4
	return &embedPool{
		embedder: embedder,
		workers:  workers,
		jobs:     make(chan resolveJob, queue),
		results:  make(chan resolveResult, queue+workers),
	}
}

func (p *embedPool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				res := runResolveJob(ctx, p.embedder, job)
				select {
				case p.results <- res:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
}

// submit hands a job to the workers. Returns false when the queue is full;
// the caller retries on a later detection frame.
func (p *embedPool) submit(job resolveJob) bool {
	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// collect drains whatever results are ready without waiting.
func (p *embedPool) collect() []resolveResult {
	var out []resolveResult
	for {
		select {
		case res, ok := <-p.results:
			if !ok {
				return out
			}
			out = append(out, res)
		default:
			return out
		}
	}
}

// stop refuses further jobs and closes the result stream once the workers
// finish what they hold. The caller ranges over results to pick up the rest.
func (p *embedPool) stop() {
	close(p.jobs)
	go func() {
		p.wg.Wait()
		close(p.results)
	}()
}
