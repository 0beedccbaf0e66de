package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"mailq/internal/domain"
	"mailq/internal/observability"
	"mailq/internal/util"
)

const (
	keyWaiting   = "mailq:waiting"
	keyDelayed   = "mailq:delayed"
	keyActive    = "mailq:active"
	keyCompleted = "mailq:completed"
	keyFailed    = "mailq:failed"
	keyPaused    = "mailq:paused"
	jobKeyPrefix = "mailq:job:"
)

// Connect parses the redis URL and verifies the server is reachable, so the
// caller can fall back to inline processing before accepting any traffic.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// RedisQueue is the durable job queue. Waiting jobs live in a sorted set
// scored by negated priority, so the highest priority pops first and ULID
// members break ties in submission order. Delayed jobs sit in a second set
// scored by their due time and are promoted on dequeue.
type RedisQueue struct {
	RDB *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{RDB: rdb}
}

func jobKey(id string) string { return jobKeyPrefix + id }

func (q *RedisQueue) EnqueueSend(ctx context.Context, req domain.SendRequest) (SubmitResult, error) {
	return q.enqueue(ctx, KindSend, []domain.SendRequest{req}, req.Priority.QueueWeight(), 0)
}

func (q *RedisQueue) EnqueueBulk(ctx context.Context, reqs []domain.SendRequest) (SubmitResult, error) {
	return q.enqueue(ctx, KindBulkSend, reqs, domain.PriorityNormal.QueueWeight(), 0)
}

// EnqueueScheduled delays the job until at. A time at or before now degrades
// to an immediate send.
func (q *RedisQueue) EnqueueScheduled(ctx context.Context, req domain.SendRequest, at time.Time) (SubmitResult, error) {
	delay := time.Until(at)
	if delay < 0 {
		delay = 0
	}
	return q.enqueue(ctx, KindScheduledSend, []domain.SendRequest{req}, req.Priority.QueueWeight(), delay)
}

func (q *RedisQueue) enqueue(ctx context.Context, kind Kind, reqs []domain.SendRequest, priority int, delay time.Duration) (SubmitResult, error) {
	payload, err := json.Marshal(reqs)
	if err != nil {
		return SubmitResult{}, err
	}

	id := util.NewJobID()
	now := time.Now().UTC()
	state := StateWaiting
	if delay > 0 {
		state = StateDelayed
	}

	pipe := q.RDB.TxPipeline()
	pipe.HSet(ctx, jobKey(id),
		"kind", string(kind),
		"payload", payload,
		"priority", priority,
		"state", string(state),
		"attempts", 0,
		"progress", 0,
		"created_at", now.UnixMilli(),
	)
	if delay > 0 {
		pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(now.Add(delay).UnixMilli()), Member: id})
	} else {
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: float64(-priority), Member: id})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		observability.Enqueues.WithLabelValues(string(kind), "error").Inc()
		return SubmitResult{}, err
	}

	observability.Enqueues.WithLabelValues(string(kind), "ok").Inc()
	return SubmitResult{JobID: id, Queued: true}, nil
}

// Dequeue promotes due delayed jobs and pops the best waiting job, or returns
// nil when the queue is paused or empty.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	paused, err := q.RDB.Exists(ctx, keyPaused).Result()
	if err != nil {
		return nil, err
	}
	if paused > 0 {
		return nil, nil
	}

	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	zs, err := q.RDB.ZPopMin(ctx, keyWaiting, 1).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}
	id := zs[0].Member.(string)

	fields, err := q.RDB.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		// hash expired or cleaned from under us, drop the reference
		slog.Warn("dequeued job without a record", "job_id", id)
		return nil, nil
	}

	job := &Job{ID: id, Kind: Kind(fields["kind"])}
	job.Priority, _ = strconv.Atoi(fields["priority"])
	if err := json.Unmarshal([]byte(fields["payload"]), &job.Requests); err != nil {
		q.finish(ctx, id, StateFailed, "corrupt payload: "+err.Error())
		return nil, nil
	}

	now := time.Now().UTC()
	pipe := q.RDB.TxPipeline()
	pipe.HSet(ctx, jobKey(id), "state", string(StateActive), "processed_at", now.UnixMilli())
	pipe.ZAdd(ctx, keyActive, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return job, nil
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := time.Now().UTC().UnixMilli()
	ids, err := q.RDB.ZRangeByScore(ctx, keyDelayed, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now, 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		priority, err := q.RDB.HGet(ctx, jobKey(id), "priority").Int()
		if err != nil {
			priority = domain.PriorityNormal.QueueWeight()
		}
		pipe := q.RDB.TxPipeline()
		pipe.ZRem(ctx, keyDelayed, id)
		pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: float64(-priority), Member: id})
		pipe.HSet(ctx, jobKey(id), "state", string(StateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Release puts a dequeued job back in the waiting set without charging an
// attempt, for shutdown handoff.
func (q *RedisQueue) Release(ctx context.Context, id string) error {
	priority, err := q.RDB.HGet(ctx, jobKey(id), "priority").Int()
	if err != nil {
		priority = domain.PriorityNormal.QueueWeight()
	}
	pipe := q.RDB.TxPipeline()
	pipe.ZRem(ctx, keyActive, id)
	pipe.ZAdd(ctx, keyWaiting, redis.Z{Score: float64(-priority), Member: id})
	pipe.HSet(ctx, jobKey(id), "state", string(StateWaiting))
	_, err = pipe.Exec(ctx)
	return err
}

// RecoverStalled returns active jobs older than olderThan to the waiting set
// without charging an attempt. A worker that crashes mid-job leaves its entry
// in the active set forever; the sweep lets another worker pick the job up.
// olderThan must exceed the longest expected job runtime, or a slow bulk send
// still being processed gets handed out twice.
func (q *RedisQueue) RecoverStalled(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(time.Now().UTC().Add(-olderThan).UnixMilli(), 10)
	ids, err := q.RDB.ZRangeByScore(ctx, keyActive, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
	if err != nil {
		return 0, err
	}

	var recovered int64
	for _, id := range ids {
		if err := q.Release(ctx, id); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Requeue returns a job to the delayed set after a processing failure, to be
// retried once the backoff elapses.
func (q *RedisQueue) Requeue(ctx context.Context, id string, backoff time.Duration, cause string) error {
	due := time.Now().UTC().Add(backoff).UnixMilli()
	pipe := q.RDB.TxPipeline()
	pipe.ZRem(ctx, keyActive, id)
	pipe.ZAdd(ctx, keyDelayed, redis.Z{Score: float64(due), Member: id})
	pipe.HSet(ctx, jobKey(id), "state", string(StateDelayed), "last_error", cause)
	pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
	_, err := pipe.Exec(ctx)
	return err
}

// Complete marks a job done.
func (q *RedisQueue) Complete(ctx context.Context, id string) error {
	return q.finish(ctx, id, StateCompleted, "")
}

// Fail marks a job permanently failed.
func (q *RedisQueue) Fail(ctx context.Context, id, cause string) error {
	return q.finish(ctx, id, StateFailed, cause)
}

func (q *RedisQueue) finish(ctx context.Context, id string, state State, cause string) error {
	now := time.Now().UTC()
	dest := keyCompleted
	if state == StateFailed {
		dest = keyFailed
	}

	pipe := q.RDB.TxPipeline()
	pipe.ZRem(ctx, keyActive, id)
	pipe.ZAdd(ctx, dest, redis.Z{Score: float64(now.UnixMilli()), Member: id})
	fields := []any{"state", string(state), "finished_at", now.UnixMilli()}
	if state == StateCompleted {
		fields = append(fields, "progress", 100)
	}
	if cause != "" {
		fields = append(fields, "last_error", cause)
	}
	pipe.HSet(ctx, jobKey(id), fields...)
	if state == StateFailed {
		pipe.HIncrBy(ctx, jobKey(id), "attempts", 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// SetProgress records bulk-send progress as a 0..100 percentage.
func (q *RedisQueue) SetProgress(ctx context.Context, id string, done, total int) error {
	if total < 1 {
		total = 1
	}
	pct := done * 100 / total
	return q.RDB.HSet(ctx, jobKey(id), "progress", pct).Err()
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.RDB.Pipeline()
	waiting := pipe.ZCard(ctx, keyWaiting)
	active := pipe.ZCard(ctx, keyActive)
	completed := pipe.ZCard(ctx, keyCompleted)
	failed := pipe.ZCard(ctx, keyFailed)
	delayed := pipe.ZCard(ctx, keyDelayed)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, err
	}
	return Stats{
		Waiting:   waiting.Val(),
		Active:    active.Val(),
		Completed: completed.Val(),
		Failed:    failed.Val(),
		Delayed:   delayed.Val(),
	}, nil
}

// JobStatus loads one job's snapshot. found is false when the job never
// existed or was cleaned.
func (q *RedisQueue) JobStatus(ctx context.Context, id string) (Status, bool, error) {
	fields, err := q.RDB.HGetAll(ctx, jobKey(id)).Result()
	if err != nil {
		return Status{}, false, err
	}
	if len(fields) == 0 {
		return Status{}, false, nil
	}

	var st Status
	st.State = State(fields["state"])
	st.Progress, _ = strconv.Atoi(fields["progress"])
	st.Attempts, _ = strconv.Atoi(fields["attempts"])
	st.CreatedAt = msTime(fields["created_at"])
	if t := msTime(fields["processed_at"]); !t.IsZero() {
		st.ProcessedAt = &t
	}
	if t := msTime(fields["finished_at"]); !t.IsZero() {
		st.FinishedAt = &t
	}
	st.LastError = fields["last_error"]
	return st, true, nil
}

func msTime(s string) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// Pause stops dequeueing. Enqueues still land; jobs drain again on Resume.
func (q *RedisQueue) Pause(ctx context.Context) error {
	return q.RDB.Set(ctx, keyPaused, "1", 0).Err()
}

func (q *RedisQueue) Resume(ctx context.Context) error {
	return q.RDB.Del(ctx, keyPaused).Err()
}

// Clean drops completed and failed jobs older than the given age and returns
// how many were removed.
func (q *RedisQueue) Clean(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := strconv.FormatInt(time.Now().UTC().Add(-olderThan).UnixMilli(), 10)

	var removed int64
	for _, key := range []string{keyCompleted, keyFailed} {
		ids, err := q.RDB.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: "-inf", Max: cutoff}).Result()
		if err != nil {
			return removed, err
		}
		if len(ids) == 0 {
			continue
		}
		pipe := q.RDB.TxPipeline()
		members := make([]any, len(ids))
		for i, id := range ids {
			members[i] = id
			pipe.Del(ctx, jobKey(id))
		}
		pipe.ZRem(ctx, key, members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return removed, err
		}
		removed += int64(len(ids))
	}
	return removed, nil
}
