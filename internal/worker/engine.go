package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/itai-weiss/WA-bot/internal/core"
	"github.com/itai-weiss/WA-bot/internal/dispatch"
	"github.com/itai-weiss/WA-bot/internal/metrics"
	"github.com/itai-weiss/WA-bot/internal/provider"
)

type Options struct {
	BatchSize     int           // how many tasks to claim per poll
	Concurrency   int           // number of executor goroutines
	PollInterval  time.Duration // cadence while work is flowing
	IdleSleep     time.Duration // sleep when nothing is due
	DBBackoffMin  time.Duration
	DBBackoffMax  time.Duration
	ProviderQPS   float64
	ProviderBurst int
	SendTimeout   time.Duration // per-send timeout
	MaxAttempts   int           // send attempts before the job fails
}

const (
	retryStep = 30 * time.Second
	retryCap  = 600 * time.Second

	// A task can be claimed before its job's scheduling transaction commits
	// (the submit rides a separate connection). Leave missing-job tasks
	// leased this many deliveries before dropping them.
	missingJobAttempts = 3
)

func (o Options) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 5
}

// Engine executes fired jobs. All coordination with the scheduling side
// goes through the database; the engine never shares memory with it.
type Engine struct {
	Store  *core.Store
	Tasks  *dispatch.Postgres
	Client provider.Client
	Log    zerolog.Logger
	Opt    Options
}

// Run claims due dispatch tasks in batches and feeds a fixed-size pool.
// Blocks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	limiter := rate.NewLimiter(rate.Limit(e.Opt.ProviderQPS), e.Opt.ProviderBurst)

	fires := make(chan dispatch.Fire, e.Opt.BatchSize*2)
	var wg sync.WaitGroup
	wg.Add(e.Opt.Concurrency)
	for i := 0; i < e.Opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case f := <-fires:
					metrics.InFlight.Inc()
					e.executeOne(ctx, limiter, f)
					metrics.InFlight.Dec()
				}
			}
		}()
	}

	dbBackoff := e.Opt.DBBackoffMin
	for {
		select {
		case <-ctx.Done():
			close(fires)
			wg.Wait()
			return ctx.Err()
		default:
		}

		batch, err := e.Tasks.ClaimDue(ctx, e.Opt.BatchSize)
		if err != nil {
			metrics.ClaimTotal.WithLabelValues("error").Inc()
			sleep := jitter(dbBackoff, 0.20)
			e.Log.Warn().Err(err).Dur("backoff", sleep).Msg("claim error")
			time.Sleep(sleep)
			dbBackoff = minDur(e.Opt.DBBackoffMax, time.Duration(float64(dbBackoff)*1.6))
			continue
		}
		dbBackoff = e.Opt.DBBackoffMin

		if len(batch) == 0 {
			metrics.ClaimTotal.WithLabelValues("empty").Inc()
			time.Sleep(e.Opt.IdleSleep)
			continue
		}
		metrics.ClaimTotal.WithLabelValues("ok").Inc()
		metrics.ClaimBatchSize.Observe(float64(len(batch)))

		for _, f := range batch {
			select {
			case <-ctx.Done():
				close(fires)
				wg.Wait()
				return ctx.Err()
			case fires <- f:
			}
		}

		time.Sleep(e.Opt.PollInterval)
	}
}

// executeOne re-reads the job and applies the idempotency guards before
// sending. The dispatcher delivers at least once, so every exit path except
// a retryable failure completes the task.
func (e *Engine) executeOne(ctx context.Context, limiter *rate.Limiter, fire dispatch.Fire) {
	log := e.Log.With().Int64("job_id", fire.JobID).Str("task_ref", fire.TaskRef).Logger()

	job, err := e.Store.JobByID(ctx, fire.JobID)
	if err != nil {
		// Leave the task leased; it comes back when the lease expires.
		log.Error().Err(err).Msg("load job")
		return
	}
	if job == nil {
		if fire.Attempts < missingJobAttempts {
			log.Warn().Int("attempt", fire.Attempts).Msg("job missing, leaving task leased")
			return
		}
		log.Warn().Msg("job still missing, dropping task")
		e.complete(ctx, fire.TaskRef, log)
		return
	}
	switch job.Status {
	case core.StatusCancelled:
		log.Info().Msg("job cancelled, not sending")
		e.complete(ctx, fire.TaskRef, log)
		return
	case core.StatusSent, core.StatusFailed:
		e.complete(ctx, fire.TaskRef, log)
		return
	}

	// A correlation on file means an earlier delivery already sent this
	// job; finalize without resending.
	exists, err := e.Store.CorrelationExistsForJob(ctx, job.ID)
	if err != nil {
		log.Error().Err(err).Msg("correlation lookup")
		return
	}
	if exists {
		log.Info().Msg("correlation exists, marking sent")
		if err := e.Store.MarkJobSent(ctx, job.ID); err != nil {
			log.Error().Err(err).Msg("mark sent")
			return
		}
		e.complete(ctx, fire.TaskRef, log)
		return
	}

	if err := limiter.Wait(ctx); err != nil {
		return // context cancelled
	}

	cctx, cancel := context.WithTimeout(ctx, e.Opt.SendTimeout)
	start := time.Now()
	res, err := e.Client.SendText(cctx, job.GroupID, job.Body)
	cancel()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		var pe *provider.Error
		if errors.As(err, &pe) && !pe.Retryable() {
			metrics.SendTotal.WithLabelValues("perm_fail").Inc()
			log.Error().Err(err).Msg("provider rejected send")
			e.fail(ctx, job.ID, fire.TaskRef, err.Error(), log)
			return
		}
		metrics.SendTotal.WithLabelValues("temp_fail").Inc()
		e.retryOrFail(ctx, job.ID, fire, err, log)
		return
	}

	if res.MessageID == "" {
		// Success without a message id leaves nothing to correlate on.
		metrics.SendTotal.WithLabelValues("perm_fail").Inc()
		e.fail(ctx, job.ID, fire.TaskRef, "no message id returned from provider", log)
		return
	}

	if _, err := e.Store.FinalizeSent(ctx, job.ID, job.GroupID, res.MessageID, nil); err != nil {
		// Task stays leased; the redelivery hits the correlation guard if
		// the insert half made it through.
		log.Error().Err(err).Msg("finalize sent")
		return
	}
	metrics.SendTotal.WithLabelValues("sent").Inc()
	log.Info().Str("message_id", res.MessageID).Msg("job sent")
	e.complete(ctx, fire.TaskRef, log)
}

func (e *Engine) retryOrFail(ctx context.Context, jobID int64, fire dispatch.Fire, sendErr error, log zerolog.Logger) {
	if fire.Attempts >= e.Opt.maxAttempts() {
		e.fail(ctx, jobID, fire.TaskRef, fmt.Sprintf("send failed after %d attempts: %v", fire.Attempts, sendErr), log)
		return
	}
	backoff := minDur(retryCap, time.Duration(fire.Attempts)*retryStep)
	metrics.RetryTotal.Inc()
	log.Warn().Err(sendErr).Int("attempt", fire.Attempts).Dur("retry_in", backoff).Msg("send failed, retrying")
	if err := e.Tasks.Reschedule(ctx, fire.TaskRef, time.Now().Add(backoff)); err != nil {
		log.Error().Err(err).Msg("reschedule task")
	}
}

func (e *Engine) fail(ctx context.Context, jobID int64, taskRef, detail string, log zerolog.Logger) {
	if err := e.Store.MarkJobFailed(ctx, jobID, detail); err != nil {
		log.Error().Err(err).Msg("mark failed")
		return
	}
	e.complete(ctx, taskRef, log)
}

func (e *Engine) complete(ctx context.Context, taskRef string, log zerolog.Logger) {
	if err := e.Tasks.Complete(ctx, taskRef); err != nil {
		log.Error().Err(err).Msg("complete task")
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int63n(2*delta+1) - delta
	return d + time.Duration(n)
}

func minDur(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
