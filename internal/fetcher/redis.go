package fetcher

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisOptions parameterise the Redis stream source.
type RedisOptions struct {
	Addr     string
	DB       int
	Username string
	Password string
	Stream   string
}

// RedisStream reads the newest entry of a stream written by an external rate
// relay. Entries carry "rate" and "seq" fields.
type RedisStream struct {
	rdb    *redis.Client
	stream string
	logger zerolog.Logger
}

// NewRedisStream connects lazily; the first FetchRate dials.
func NewRedisStream(opts RedisOptions, logger zerolog.Logger) *RedisStream {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		DB:       opts.DB,
		Username: opts.Username,
		Password: opts.Password,
	})
	stream := opts.Stream
	if stream == "" {
		stream = "rates"
	}
	return &RedisStream{rdb: rdb, stream: stream, logger: logger.With().Str("component", "redis_source").Str("stream", stream).Logger()}
}

// FetchRate implements RateSource.
func (r *RedisStream) FetchRate(ctx context.Context) (Reading, error) {
	msgs, err := r.rdb.XRevRangeN(ctx, r.stream, "+", "-", 1).Result()
	if err != nil {
		return Reading{}, fmt.Errorf("read stream %s: %w", r.stream, err)
	}
	if len(msgs) == 0 {
		return Reading{}, fmt.Errorf("stream %s is empty", r.stream)
	}
	return parseStreamEntry(msgs[0].Values)
}

// Close releases the client.
func (r *RedisStream) Close() error {
	return r.rdb.Close()
}

func parseStreamEntry(values map[string]interface{}) (Reading, error) {
	rawRate, ok := values["rate"].(string)
	if !ok {
		return Reading{}, errors.New("stream entry has no rate field")
	}
	rate, err := parseRate(rawRate)
	if err != nil {
		return Reading{}, err
	}

	rawSeq, ok := values["seq"].(string)
	if !ok {
		return Reading{}, errors.New("stream entry has no seq field")
	}
	seq, err := strconv.ParseUint(rawSeq, 10, 64)
	if err != nil {
		return Reading{}, fmt.Errorf("parse seq %q: %w", rawSeq, err)
	}

	return Reading{Rate: rate, Seq: seq}, nil
}

var _ RateSource = (*RedisStream)(nil)
