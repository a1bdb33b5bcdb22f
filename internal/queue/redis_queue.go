// Package queue implementa una cola de jobs durable sobre Redis con reintentos,
// backoff exponencial y dead-letter.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job es una unidad de trabajo. Attempts cuenta los intentos fallidos.
type Job struct {
	ID          string
	Payload     []byte
	Attempts    int
	MaxAttempts int
	Backoff     time.Duration
	LastError   string
	CreatedAt   time.Time
}

// RedisQueue guarda cada job en un hash y mueve su id entre listas:
// wait -> active -> (borrado | delayed | failed). active_at guarda cuando se
// reservo cada id activo, para recuperar jobs de un worker que murio.
type RedisQueue struct {
	client redis.UniversalClient
	name   string
	prefix string
	now    func() time.Time
}

func NewRedisQueue(client redis.UniversalClient, name string) *RedisQueue {
	return &RedisQueue{
		client: client,
		name:   name,
		prefix: "queue:" + name + ":",
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) jobKey(id string) string { return q.prefix + "job:" + id }
func (q *RedisQueue) waitKey() string         { return q.prefix + "wait" }
func (q *RedisQueue) activeKey() string       { return q.prefix + "active" }
func (q *RedisQueue) delayedKey() string      { return q.prefix + "delayed" }
func (q *RedisQueue) failedKey() string       { return q.prefix + "failed" }
func (q *RedisQueue) activeAtKey() string     { return q.prefix + "active_at" }

// StalledJob es un job recuperado de active. Retry=false si paso a failed.
type StalledJob struct {
	ID    string
	Retry bool
}

// ErrStalled es la causa registrada para un job cuyo worker no termino.
var ErrStalled = errors.New("worker stopped before finishing the job")

// Un id ya presente (en espera, activo, diferido o fallido) no se vuelve a encolar.
var enqueueScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1],
  "id", ARGV[1],
  "payload", ARGV[2],
  "attempts", 0,
  "max_attempts", ARGV[3],
  "backoff_ms", ARGV[4],
  "created_at", ARGV[5])
redis.call("LPUSH", KEYS[2], ARGV[1])
return 1
`)

// Devuelve el delay en ms del proximo intento, -1 si el job paso a failed, o
// -2 si el id ya no estaba en active (otro camino lo cerro).
var failScript = redis.NewScript(`
redis.call("ZREM", KEYS[5], ARGV[1])
if redis.call("LREM", KEYS[2], 1, ARGV[1]) == 0 then
  return -2
end
if redis.call("EXISTS", KEYS[1]) == 0 then
  return -2
end
local attempts = redis.call("HINCRBY", KEYS[1], "attempts", 1)
local max = tonumber(redis.call("HGET", KEYS[1], "max_attempts"))
local delay = tonumber(redis.call("HGET", KEYS[1], "backoff_ms"))
redis.call("HSET", KEYS[1], "last_error", ARGV[2])
if attempts >= max then
  redis.call("LPUSH", KEYS[4], ARGV[1])
  return -1
end
for i = 2, attempts do
  delay = delay * 2
end
redis.call("ZADD", KEYS[3], tonumber(ARGV[3]) + delay, ARGV[1])
return delay
`)

// Un id en active sin marca (el worker murio entre BLMOVE y ZADD) recibe la
// hora actual, asi tambien vence. Devuelve los ids reservados antes del corte.
var stalledScript = redis.NewScript(`
local ids = redis.call("LRANGE", KEYS[1], 0, -1)
for _, id in ipairs(ids) do
  if not redis.call("ZSCORE", KEYS[2], id) then
    redis.call("ZADD", KEYS[2], ARGV[1], id)
  end
end
return redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[2])
`)

var releaseScript = redis.NewScript(`
redis.call("ZREM", KEYS[3], ARGV[1])
if redis.call("LREM", KEYS[1], 1, ARGV[1]) == 0 then
  return 0
end
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

var promoteScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
for _, id in ipairs(ids) do
  redis.call("ZREM", KEYS[1], id)
  redis.call("LPUSH", KEYS[2], id)
end
return #ids
`)

// Enqueue devuelve false si ya existia un job con el mismo id.
func (q *RedisQueue) Enqueue(ctx context.Context, job Job) (bool, error) {
	if job.ID == "" {
		return false, errors.New("queue: job id is required")
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 1
	}
	if job.Backoff < 0 {
		job.Backoff = 0
	}
	n, err := enqueueScript.Run(ctx, q.client,
		[]string{q.jobKey(job.ID), q.waitKey()},
		job.ID, string(job.Payload), job.MaxAttempts, job.Backoff.Milliseconds(), q.now().UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("queue %s: enqueue %s: %w", q.name, job.ID, err)
	}
	return n == 1, nil
}

// Reserve bloquea hasta timeout esperando un job. Devuelve ok=false si no hubo.
func (q *RedisQueue) Reserve(ctx context.Context, timeout time.Duration) (Job, bool, error) {
	id, err := q.client.BLMove(ctx, q.waitKey(), q.activeKey(), "RIGHT", "LEFT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, fmt.Errorf("queue %s: reserve: %w", q.name, err)
	}
	if err := q.client.ZAdd(ctx, q.activeAtKey(), redis.Z{Score: float64(q.now().UnixMilli()), Member: id}).Err(); err != nil {
		return Job{}, false, fmt.Errorf("queue %s: mark active %s: %w", q.name, id, err)
	}

	job, found, err := q.load(ctx, id)
	if err != nil {
		return Job{}, false, err
	}
	if !found {
		// Id huerfano: el hash se borro por fuera.
		q.client.LRem(ctx, q.activeKey(), 1, id)
		q.client.ZRem(ctx, q.activeAtKey(), id)
		return Job{}, false, nil
	}
	return job, true, nil
}

// Complete borra el job; su id puede volver a encolarse.
func (q *RedisQueue) Complete(ctx context.Context, job Job) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.activeKey(), 1, job.ID)
		p.ZRem(ctx, q.activeAtKey(), job.ID)
		p.Del(ctx, q.jobKey(job.ID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: complete %s: %w", q.name, job.ID, err)
	}
	return nil
}

// Fail registra el intento fallido. Devuelve retry=false cuando el job agoto
// sus intentos y quedo en la lista de fallidos. Si el job ya no estaba activo
// (lo recupero RecoverStalled) no cuenta otro intento y devuelve retry=true.
func (q *RedisQueue) Fail(ctx context.Context, job Job, cause error) (retry bool, delay time.Duration, err error) {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ms, err := q.fail(ctx, job.ID, msg)
	if err != nil {
		return false, 0, err
	}
	switch {
	case ms == -2:
		return true, 0, nil
	case ms < 0:
		return false, 0, nil
	}
	return true, time.Duration(ms) * time.Millisecond, nil
}

func (q *RedisQueue) fail(ctx context.Context, id, msg string) (int64, error) {
	ms, err := failScript.Run(ctx, q.client,
		[]string{q.jobKey(id), q.activeKey(), q.delayedKey(), q.failedKey(), q.activeAtKey()},
		id, msg, q.now().UnixMilli(),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("queue %s: fail %s: %w", q.name, id, err)
	}
	return ms, nil
}

// Release devuelve un job activo al frente de wait sin contar un intento.
// Se usa cuando el worker se detiene con el job en curso.
func (q *RedisQueue) Release(ctx context.Context, job Job) error {
	err := releaseScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.waitKey(), q.activeAtKey()},
		job.ID,
	).Err()
	if err != nil {
		return fmt.Errorf("queue %s: release %s: %w", q.name, job.ID, err)
	}
	return nil
}

// RecoverStalled toma los jobs reservados hace mas de olderThan y los pasa
// por el camino de fallo: cuentan un intento y van a delayed o a failed.
func (q *RedisQueue) RecoverStalled(ctx context.Context, olderThan time.Duration) ([]StalledJob, error) {
	now := q.now()
	ids, err := stalledScript.Run(ctx, q.client,
		[]string{q.activeKey(), q.activeAtKey()},
		now.UnixMilli(), now.Add(-olderThan).UnixMilli(),
	).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("queue %s: list stalled: %w", q.name, err)
	}

	var recovered []StalledJob
	for _, id := range ids {
		ms, err := q.fail(ctx, id, ErrStalled.Error())
		if err != nil {
			return recovered, err
		}
		if ms == -2 {
			continue
		}
		recovered = append(recovered, StalledJob{ID: id, Retry: ms >= 0})
	}
	return recovered, nil
}

// PromoteDue mueve a wait los jobs diferidos cuyo momento ya llego.
func (q *RedisQueue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	n, err := promoteScript.Run(ctx, q.client,
		[]string{q.delayedKey(), q.waitKey()},
		now.UnixMilli(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("queue %s: promote: %w", q.name, err)
	}
	return n, nil
}

// Failed lista los jobs en dead-letter.
func (q *RedisQueue) Failed(ctx context.Context) ([]Job, error) {
	ids, err := q.client.LRange(ctx, q.failedKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("queue %s: list failed: %w", q.name, err)
	}
	jobs := make([]Job, 0, len(ids))
	for _, id := range ids {
		job, found, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if found {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// Retry devuelve un job fallido a la cola con el contador reiniciado.
func (q *RedisQueue) Retry(ctx context.Context, id string) error {
	_, err := q.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LRem(ctx, q.failedKey(), 1, id)
		p.HSet(ctx, q.jobKey(id), "attempts", 0)
		p.LPush(ctx, q.waitKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("queue %s: retry %s: %w", q.name, id, err)
	}
	return nil
}

// Stats devuelve el largo de cada lista.
func (q *RedisQueue) Stats(ctx context.Context) (map[string]int64, error) {
	p := q.client.Pipeline()
	wait := p.LLen(ctx, q.waitKey())
	active := p.LLen(ctx, q.activeKey())
	delayed := p.ZCard(ctx, q.delayedKey())
	failed := p.LLen(ctx, q.failedKey())
	if _, err := p.Exec(ctx); err != nil {
		return nil, fmt.Errorf("queue %s: stats: %w", q.name, err)
	}
	return map[string]int64{
		"wait":    wait.Val(),
		"active":  active.Val(),
		"delayed": delayed.Val(),
		"failed":  failed.Val(),
	}, nil
}

func (q *RedisQueue) load(ctx context.Context, id string) (Job, bool, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return Job{}, false, fmt.Errorf("queue %s: load %s: %w", q.name, id, err)
	}
	if len(fields) == 0 {
		return Job{}, false, nil
	}
	attempts, _ := strconv.Atoi(fields["attempts"])
	maxAttempts, _ := strconv.Atoi(fields["max_attempts"])
	backoff, _ := strconv.ParseInt(fields["backoff_ms"], 10, 64)
	created, _ := strconv.ParseInt(fields["created_at"], 10, 64)
	return Job{
		ID:          id,
		Payload:     []byte(fields["payload"]),
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		Backoff:     time.Duration(backoff) * time.Millisecond,
		LastError:   fields["last_error"],
		CreatedAt:   time.UnixMilli(created).UTC(),
	}, true, nil
}

// BackoffDelay es base * 2^(attempt-1), con attempt empezando en 1.
func BackoffDelay(base time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base << (attempt - 1)
}
