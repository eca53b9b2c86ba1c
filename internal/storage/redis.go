package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"slot_bot/internal/model"
)

// Redis implements Storage on a Redis server so several processes can share
// seen state and subscriptions.
//
// Layout under the prefix:
//
//	seen:<center>      sorted set of slot keys, scored by the slot's day (unix seconds)
//	subs:<center>      set of chat IDs
//	chat:<chat>        set of center IDs
//	window:<chat>      JSON window
//	lock:<center>      advisory pipeline lock
type Redis struct {
	client *redis.Client
	prefix string
}

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type storedWindow struct {
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
}

// NewRedis connects to the server at rawURL, e.g. redis://127.0.0.1:6379/0.
func NewRedis(ctx context.Context, rawURL, prefix string) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := &Redis{client: redis.NewClient(opts), prefix: prefix}
	if err := r.Ping(ctx); err != nil {
		_ = r.client.Close()
		return nil, err
	}
	return r, nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client *redis.Client, prefix string) *Redis {
	return &Redis{client: client, prefix: prefix}
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

// Ping checks the server is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	return nil
}

func (r *Redis) key(parts ...string) string {
	k := r.prefix
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// Seen returns all keys announced for the center.
func (r *Redis) Seen(ctx context.Context, centerID string) (model.KeySet, error) {
	members, err := r.client.ZRange(ctx, r.key("seen", centerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read seen slots: %w", err)
	}
	seen := make(model.KeySet, len(members))
	for _, m := range members {
		seen[model.SlotKey(m)] = struct{}{}
	}
	return seen, nil
}

// MarkSeen records keys as announced for the center. ZADD NX leaves existing
// members untouched, so concurrent writers cannot lose each other's keys.
func (r *Redis) MarkSeen(ctx context.Context, centerID string, keys []model.SlotKey) error {
	if len(keys) == 0 {
		return nil
	}
	members := make([]redis.Z, 0, len(keys))
	for _, k := range keys {
		d, ok := k.Date(time.UTC)
		if !ok {
			return fmt.Errorf("mark seen: key %q has no date", k)
		}
		members = append(members, redis.Z{Score: float64(d.Unix()), Member: string(k)})
	}
	if err := r.client.ZAddNX(ctx, r.key("seen", centerID), members...).Err(); err != nil {
		return fmt.Errorf("mark seen: %w", err)
	}
	return nil
}

// Prune drops keys of the center dated before the given day.
func (r *Redis) Prune(ctx context.Context, centerID string, before time.Time) (int, error) {
	y, m, d := before.Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC).Unix()
	n, err := r.client.ZRemRangeByScore(ctx, r.key("seen", centerID),
		"-inf", "("+strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("prune seen slots: %w", err)
	}
	return int(n), nil
}

// SubscribersOf returns the chats subscribed to the center with their windows.
func (r *Redis) SubscribersOf(ctx context.Context, centerID string) ([]model.Subscriber, error) {
	members, err := r.client.SMembers(ctx, r.key("subs", centerID)).Result()
	if err != nil {
		return nil, fmt.Errorf("read subscribers: %w", err)
	}
	if len(members) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse chat id %q: %w", m, err)
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, r.key("window", chatKey(id)))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read windows: %w", err)
	}

	subs := make([]model.Subscriber, len(ids))
	for i, id := range ids {
		subs[i] = model.Subscriber{ChatID: id}
		raw, err := cmds[i].Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read window for %d: %w", id, err)
		}
		w, err := decodeWindow(raw)
		if err != nil {
			return nil, err
		}
		subs[i].Window = w
	}
	return subs, nil
}

// SubscriptionsOf returns the centers the chat tracks.
func (r *Redis) SubscriptionsOf(ctx context.Context, chatID int64) ([]string, error) {
	ids, err := r.client.SMembers(ctx, r.key("chat", chatKey(chatID))).Result()
	if err != nil {
		return nil, fmt.Errorf("read subscriptions: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	sort.Strings(ids)
	return ids, nil
}

// Subscribe adds the center to the chat's subscriptions.
func (r *Redis) Subscribe(ctx context.Context, chatID int64, centerID string) (bool, error) {
	var added *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		added = pipe.SAdd(ctx, r.key("subs", centerID), chatKey(chatID))
		pipe.SAdd(ctx, r.key("chat", chatKey(chatID)), centerID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("subscribe: %w", err)
	}
	return added.Val() > 0, nil
}

// Unsubscribe removes the center from the chat's subscriptions.
func (r *Redis) Unsubscribe(ctx context.Context, chatID int64, centerID string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.key("subs", centerID), chatKey(chatID))
		pipe.SRem(ctx, r.key("chat", chatKey(chatID)), centerID)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	return removed.Val() > 0, nil
}

// Window returns the chat's date window; zero when unset.
func (r *Redis) Window(ctx context.Context, chatID int64) (model.Window, error) {
	raw, err := r.client.Get(ctx, r.key("window", chatKey(chatID))).Result()
	if errors.Is(err, redis.Nil) {
		return model.Window{}, nil
	}
	if err != nil {
		return model.Window{}, fmt.Errorf("read window: %w", err)
	}
	return decodeWindow(raw)
}

// SetWindow stores the chat's date window; a zero window clears it.
func (r *Redis) SetWindow(ctx context.Context, chatID int64, w model.Window) error {
	k := r.key("window", chatKey(chatID))
	if w.IsZero() {
		if err := r.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("clear window: %w", err)
		}
		return nil
	}
	var sw storedWindow
	if !w.From.IsZero() {
		sw.From = dayOf(w.From)
	}
	if !w.To.IsZero() {
		sw.To = dayOf(w.To)
	}
	data, err := json.Marshal(sw)
	if err != nil {
		return fmt.Errorf("marshal window: %w", err)
	}
	if err := r.client.Set(ctx, k, data, 0).Err(); err != nil {
		return fmt.Errorf("set window: %w", err)
	}
	return nil
}

// LockCenter takes the center's advisory lock with SET NX PX. The returned
// release only deletes the lock while it still holds our token.
func (r *Redis) LockCenter(ctx context.Context, centerID string, ttl time.Duration) (func() error, bool, error) {
	k := r.key("lock", centerID)
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, k, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("lock center %s: %w", centerID, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := releaseScript.Run(ctx, r.client, []string{k}, token).Int()
		if err != nil {
			return fmt.Errorf("release lock %s: %w", centerID, err)
		}
		if n == 0 {
			return fmt.Errorf("release lock %s: %w", centerID, ErrLockLost)
		}
		return nil
	}
	return release, true, nil
}

func decodeWindow(raw string) (model.Window, error) {
	var sw storedWindow
	if err := json.Unmarshal([]byte(raw), &sw); err != nil {
		return model.Window{}, fmt.Errorf("decode window: %w", err)
	}
	var w model.Window
	var err error
	if sw.From != "" {
		if w.From, err = time.Parse(model.DayLayout, sw.From); err != nil {
			return model.Window{}, fmt.Errorf("decode window: %w", err)
		}
	}
	if sw.To != "" {
		if w.To, err = time.Parse(model.DayLayout, sw.To); err != nil {
			return model.Window{}, fmt.Errorf("decode window: %w", err)
		}
	}
	return w, nil
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
