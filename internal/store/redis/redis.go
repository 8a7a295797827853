package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/knadh/otpmail/internal/store"
	"github.com/knadh/otpmail/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/zerodha/logf"
)

// Number of times MarkUsed re-runs its WATCH transaction when the
// record is modified by someone else midway.
const maxTxRetries = 10

// Redis implements a Redis Store.
//
// Every record is a hash at PREFIX:otp:ID. Unused records are indexed in a
// sorted set per (purpose, email) at PREFIX:pending:PURPOSE:EMAIL, scored
// by a global INCR sequence so that the newest record is always the
// highest score, even within the same clock tick. Consuming a record
// drops it and every lower score from the set.
type Redis struct {
	client *redis.Client
	conf   Conf
	lo     logf.Logger

	// pub publishes an event payload to a channel.
	pub func(ctx context.Context, channel string, b []byte) error
}

// Conf contains Redis configuration fields.
type Conf struct {
	Host      string        `json:"host"`
	Port      int           `json:"port"`
	Username  string        `json:"username"`
	Password  string        `json:"password"`
	DB        int           `json:"db"`
	PoolSize  int           `json:"pool_size"`
	Timeout   time.Duration `json:"timeout"`
	KeyPrefix string        `json:"key_prefix"`
	// If this is set, 'issue' and 'verify' events will be PUBLISHed to
	// to this Redis key (Redis PubSub).
	PublishKey string `json:"publish_key"`
}

type event struct {
	Type string          `json:"type"`
	ID   string          `json:"id"`
	Data json.RawMessage `json:"data"`
}

// record is the Redis hash representation of an OTP.
type record struct {
	ID        string `redis:"id"`
	Seq       int64  `redis:"seq"`
	Email     string `redis:"email"`
	Purpose   string `redis:"purpose"`
	Hash      string `redis:"hash"`
	Used      bool   `redis:"used"`
	CreatedAt int64  `redis:"created_at"`
	ExpiresAt int64  `redis:"expires_at"`
	UsedAt    int64  `redis:"used_at"`
}

// New returns a Redis implementation of store.
func New(c Conf, lo logf.Logger) *Redis {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "OTPMAIL"
	}

	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", c.Host, c.Port),
		Username:     c.Username,
		Password:     c.Password,
		DB:           c.DB,
		PoolSize:     c.PoolSize,
		DialTimeout:  c.Timeout,
		WriteTimeout: c.Timeout,
		ReadTimeout:  c.Timeout,
	})

	return &Redis{
		conf:   c,
		client: client,
		lo:     lo,
		pub: func(ctx context.Context, channel string, b []byte) error {
			return client.Publish(ctx, channel, b).Err()
		},
	}
}

// Client returns the underlying Redis client so that other components
// (eg: settings) can share the connection pool.
func (r *Redis) Client() *redis.Client {
	return r.client
}

// Ping checks if Redis server is reachable
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Insert creates a new unused OTP record.
func (r *Redis) Insert(ctx context.Context, otp models.OTP) (models.OTP, error) {
	seq, err := r.client.Incr(ctx, r.makeKey("seq")).Result()
	if err != nil {
		return otp, err
	}

	otp.ID = uuid.NewString()
	otp.Seq = seq
	otp.Used = false
	otp.UsedAt = time.Time{}
	otp.CreatedAt = time.Now()

	var (
		key     = r.otpKey(otp.ID)
		pending = r.pendingKey(otp.Email, otp.Purpose)
	)

	// The record and its pending index entry go in together.
	if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HMSet(ctx, key,
			"id", otp.ID,
			"seq", otp.Seq,
			"email", otp.Email,
			"purpose", string(otp.Purpose),
			"hash", otp.Hash,
			"used", 0,
			"created_at", otp.CreatedAt.UnixNano(),
			"expires_at", unixNano(otp.ExpiresAt),
			"used_at", 0)
		pipe.ZAdd(ctx, pending, redis.Z{Score: float64(otp.Seq), Member: otp.ID})
		return nil
	}); err != nil {
		return otp, err
	}

	r.publish(ctx, "issue", otp)

	return otp, nil
}

// FindLatestUnused returns the newest unused OTP for an email and purpose.
func (r *Redis) FindLatestUnused(ctx context.Context, email string, purpose models.Purpose) (models.OTP, error) {
	ids, err := r.client.ZRevRange(ctx, r.pendingKey(email, purpose), 0, 0).Result()
	if err != nil {
		return models.OTP{}, err
	}
	if len(ids) == 0 {
		return models.OTP{}, store.ErrNotExist
	}

	out, err := r.get(ctx, ids[0])
	if err != nil {
		return out, err
	}
	if out.Used {
		return models.OTP{}, store.ErrNotExist
	}

	return out, nil
}

// MarkUsed flips an OTP to used with a WATCH guarded check-and-set.
// If another client modifies the record between the read and EXEC, the
// transaction aborts and is retried, at which point the record reads as
// used and ErrAlreadyUsed is returned.
func (r *Redis) MarkUsed(ctx context.Context, id string) error {
	key := r.otpKey(id)

	var used models.OTP
	txf := func(tx *redis.Tx) error {
		vals, err := tx.HMGet(ctx, key, "email", "purpose", "used", "seq").Result()
		if err != nil {
			return err
		}

		email, ok := vals[0].(string)
		if !ok {
			return store.ErrNotExist
		}
		purpose, _ := vals[1].(string)
		if u, _ := vals[2].(string); u == "1" {
			return store.ErrAlreadyUsed
		}
		seq, _ := vals[3].(string)
		if _, err := strconv.ParseInt(seq, 10, 64); err != nil {
			return fmt.Errorf("invalid seq on OTP %s: %v", id, err)
		}

		// Consuming a record also voids every older pending record for
		// the same email and purpose. They stay unused in the store.
		now := time.Now()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, "used", 1)
			pipe.HSet(ctx, key, "used_at", now.UnixNano())
			pipe.ZRemRangeByScore(ctx, r.pendingKey(email, models.Purpose(purpose)), "-inf", seq)
			return nil
		})
		if err != nil {
			return err
		}

		used = models.OTP{ID: id, Email: email, Purpose: models.Purpose(purpose), Used: true, UsedAt: now}
		return nil
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}

		r.publish(ctx, "verify", used)
		return nil
	}

	return fmt.Errorf("marking OTP %s used: too many conflicting transactions", id)
}

// publish publishes an event if there's a configured PublishKey. It runs
// after the write has been committed, so errors are only logged.
func (r *Redis) publish(ctx context.Context, typ string, otp models.OTP) {
	if r.conf.PublishKey == "" {
		return
	}

	b, _ := json.Marshal(otp)
	e, _ := json.Marshal(event{
		Type: typ,
		ID:   otp.ID,
		Data: json.RawMessage(b),
	})
	if err := r.pub(ctx, r.conf.PublishKey, e); err != nil {
		r.lo.Error("error publishing event", "error", err, "type", typ, "id", otp.ID)
	}
}

// get retrieves an OTP record by ID.
func (r *Redis) get(ctx context.Context, id string) (models.OTP, error) {
	var rec record
	if err := r.client.HGetAll(ctx, r.otpKey(id)).Scan(&rec); err != nil {
		return models.OTP{}, err
	}

	// Doesn't exist?
	if rec.ID == "" {
		return models.OTP{}, store.ErrNotExist
	}

	return models.OTP{
		ID:        rec.ID,
		Seq:       rec.Seq,
		Email:     rec.Email,
		Purpose:   models.Purpose(rec.Purpose),
		Hash:      rec.Hash,
		Used:      rec.Used,
		CreatedAt: fromUnixNano(rec.CreatedAt),
		ExpiresAt: fromUnixNano(rec.ExpiresAt),
		UsedAt:    fromUnixNano(rec.UsedAt),
	}, nil
}

// makeKey makes a prefixed Redis key.
func (r *Redis) makeKey(parts ...string) string {
	k := r.conf.KeyPrefix
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (r *Redis) otpKey(id string) string {
	return r.makeKey("otp", id)
}

func (r *Redis) pendingKey(email string, purpose models.Purpose) string {
	return r.makeKey("pending", string(purpose), email)
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
