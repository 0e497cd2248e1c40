package db

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"os"
	"time"

	"pingnote/cfg"
	"pingnote/pkg/domain"
	"pingnote/svc/util"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Redis stores each note as a JSON blob under note:<token> and the short code
// mapping under code:<CODE>. Expiry is native; every read-modify-write runs as
// a Lua script so it is atomic on the server.
type Redis struct {
	client       *redis.Client
	timeout      time.Duration
	prefix       string
	deleteGrace  time.Duration
	expiredGrace time.Duration
	now          Clock
}

// cachedNote is the stored JSON shape. The scripts read and write these
// field names directly.
type cachedNote struct {
	ID         string  `json:"id"`
	Token      string  `json:"token"`
	ShortCode  string  `json:"short_code"`
	CreatedAt  int64   `json:"created_at"`
	ExpiresAt  int64   `json:"expires_at"`
	OneTime    bool    `json:"one_time"`
	LiveMode   bool    `json:"live_mode"`
	E2EE       bool    `json:"e2ee"`
	ViewCount  int     `json:"view_count"`
	Consumed   bool    `json:"consumed"`
	DeletedAt  int64   `json:"deleted_at,omitempty"`
	Plaintext  *string `json:"plaintext,omitempty"`
	Ciphertext []byte  `json:"ciphertext,omitempty"`
	IV         []byte  `json:"iv,omitempty"`
}

func (c *cachedNote) note() *domain.Note {
	n := &domain.Note{
		ID:        c.ID,
		Token:     c.Token,
		ShortCode: c.ShortCode,
		CreatedAt: fromMillis(c.CreatedAt),
		ExpiresAt: fromMillis(c.ExpiresAt),
		OneTime:   c.OneTime,
		LiveMode:  c.LiveMode,
		E2EE:      c.E2EE,
		ViewCount: c.ViewCount,
		Consumed:  c.Consumed,
		Payload: domain.NotePayload{
			Plaintext:  c.Plaintext,
			Ciphertext: c.Ciphertext,
			IV:         c.IV,
		},
	}
	if c.DeletedAt != 0 {
		t := fromMillis(c.DeletedAt)
		n.DeletedAt = &t
	}
	return n
}

var createScript = redis.NewScript(`
	if redis.call("EXISTS", KEYS[1]) == 1 or redis.call("EXISTS", KEYS[2]) == 1 then
		return 0
	end
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
	redis.call("SET", KEYS[2], ARGV[3], "PX", ARGV[4])
	return 1
`)

var consumeScript = redis.NewScript(`
	local raw = redis.call("GET", KEYS[1])
	if not raw then
		return {"not_found"}
	end
	local n = cjson.decode(raw)
	if n.deleted_at then
		return {"deleted"}
	end
	if n.expires_at <= tonumber(ARGV[1]) then
		return {"expired"}
	end
	if n.one_time and n.consumed then
		return {"consumed"}
	end
	n.view_count = (n.view_count or 0) + 1
	if n.one_time then
		n.consumed = true
	end
	local out = cjson.encode(n)
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl > 0 then
		redis.call("SET", KEYS[1], out, "PX", ttl)
	else
		redis.call("SET", KEYS[1], out)
	end
	return {"ok", out}
`)

var deleteScript = redis.NewScript(`
	local raw = redis.call("GET", KEYS[1])
	if not raw then
		return 0
	end
	local n = cjson.decode(raw)
	if n.deleted_at then
		return 0
	end
	n.deleted_at = tonumber(ARGV[1])
	local grace = tonumber(ARGV[2])
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl <= 0 or ttl > grace then
		ttl = grace
	end
	redis.call("SET", KEYS[1], cjson.encode(n), "PX", ttl)
	local codeKey = ARGV[3] .. n.short_code
	if redis.call("GET", codeKey) == n.token then
		redis.call("DEL", codeKey)
	end
	return 1
`)

var updateScript = redis.NewScript(`
	local raw = redis.call("GET", KEYS[1])
	if not raw then
		return 0
	end
	local n = cjson.decode(raw)
	if n.deleted_at then
		return 0
	end
	for k, v in pairs(cjson.decode(ARGV[1])) do
		n[k] = v
	end
	local ttl = redis.call("PTTL", KEYS[1])
	if ttl > 0 then
		redis.call("SET", KEYS[1], cjson.encode(n), "PX", ttl)
	else
		redis.call("SET", KEYS[1], cjson.encode(n))
	end
	return 1
`)

func NewRedis(url string, c *cfg.Cfg, opts ...Option) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	opt.PoolSize = 50
	opt.MinIdleConns = 10
	opt.PoolTimeout = 4 * time.Second
	opt.ConnMaxIdleTime = 5 * time.Minute
	opt.MaxRetries = 3
	opt.MinRetryBackoff = 8 * time.Millisecond
	opt.MaxRetryBackoff = 512 * time.Millisecond
	if c.RedisTLS {
		tlsConfig, err := buildRedisTLSConfig(c.Environment)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build Redis TLS config")
		}
		opt.TLSConfig = tlsConfig
	}
	if c.RedisUsername != "" {
		opt.Username = c.RedisUsername
	}
	if c.RedisPassword.Value() != "" {
		opt.Password = c.RedisPassword.Value()
	}
	client := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "ping redis")
	}
	o := buildOptions(opts)
	r := &Redis{
		client:       client,
		timeout:      c.RedisTimeout,
		prefix:       c.RedisKeyPrefix,
		deleteGrace:  c.RedisDeleteGrace,
		expiredGrace: c.RedisExpiredGrace,
		now:          o.now,
	}
	if r.timeout <= 0 {
		r.timeout = 5 * time.Second
	}
	if r.deleteGrace < time.Millisecond {
		r.deleteGrace = time.Minute
	}
	if r.expiredGrace < 0 {
		r.expiredGrace = 0
	}
	return r, nil
}

func buildRedisTLSConfig(env string) (*tls.Config, error) {
	tlsConfig := &tls.Config{
		MinVersion: tls.VersionTLS12,
	}
	redisHostname := os.Getenv("REDIS_HOSTNAME")
	if redisHostname == "" {
		return nil, errors.New("REDIS_HOSTNAME must be set when REDIS_TLS=true")
	}
	tlsConfig.ServerName = redisHostname
	certPath := os.Getenv("REDIS_TLS_CA_CERT")
	if certPath != "" {
		caCert, err := os.ReadFile(certPath)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read Redis CA cert")
		}
		certPool := x509.NewCertPool()
		if !certPool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to append Redis CA cert to pool")
		}
		tlsConfig.RootCAs = certPool
	} else {
		systemPool, err := x509.SystemCertPool()
		if err != nil {
			return nil, errors.Wrap(err, "failed to load system cert pool")
		}
		tlsConfig.RootCAs = systemPool
	}
	if env != "production" {
		if devCertPath := os.Getenv("REDIS_TLS_DEV_CA"); devCertPath != "" {
			devCert, err := os.ReadFile(devCertPath)
			if err != nil {
				return nil, errors.Wrap(err, "failed to read dev CA cert")
			}
			if !tlsConfig.RootCAs.AppendCertsFromPEM(devCert) {
				return nil, errors.New("failed to append dev CA cert")
			}
		}
	}
	return tlsConfig, nil
}

func (r *Redis) noteKey(token string) string {
	return r.prefix + "note:" + token
}

func (r *Redis) codePrefix() string {
	return r.prefix + "code:"
}

func (r *Redis) codeKey(code string) string {
	return r.codePrefix() + util.NormalizeShortCode(code)
}

func (r *Redis) CreateNote(ctx context.Context, in domain.CreateInput, token, shortCode string) (*domain.CreateResult, error) {
	code, err := checkCreate(in, token, shortCode)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	now := r.now()
	p := in.Payload()
	c := cachedNote{
		ID:         newNoteID(),
		Token:      token,
		ShortCode:  code,
		CreatedAt:  toMillis(now),
		ExpiresAt:  toMillis(now.Add(in.TTL)),
		OneTime:    in.OneTime,
		LiveMode:   in.LiveMode,
		E2EE:       in.E2EE,
		Plaintext:  p.Plaintext,
		Ciphertext: p.Ciphertext,
		IV:         p.IV,
	}
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.Wrap(err, "marshal note")
	}
	ttl := in.TTL.Milliseconds()
	if ttl < 1 {
		ttl = 1
	}
	ok, err := createScript.Run(ctx, r.client,
		[]string{r.noteKey(token), r.codeKey(code)},
		string(data), ttl+r.expiredGrace.Milliseconds(), token, ttl,
	).Int()
	if err != nil {
		return nil, errors.Wrap(err, "create note lua")
	}
	if ok == 0 {
		return nil, domain.ErrCollision
	}
	return &domain.CreateResult{Token: token, ShortCode: code, ExpiresAt: fromMillis(c.ExpiresAt)}, nil
}

func (r *Redis) GetNote(ctx context.Context, token string, consume bool) (*domain.Note, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if !consume {
		return r.peek(ctx, token)
	}
	res, err := consumeScript.Run(ctx, r.client, []string{r.noteKey(token)}, toMillis(r.now())).StringSlice()
	if err != nil {
		return nil, errors.Wrap(err, "consume note lua")
	}
	if len(res) == 0 {
		return nil, errors.New("consume note lua: empty reply")
	}
	if res[0] != "ok" || len(res) < 2 {
		if lerr := domain.LifecycleErr(res[0]); lerr != nil {
			return nil, lerr
		}
		return nil, errors.Errorf("consume note lua: unexpected reply %q", res[0])
	}
	var c cachedNote
	if err := json.Unmarshal([]byte(res[1]), &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal note")
	}
	return c.note(), nil
}

func (r *Redis) peek(ctx context.Context, token string) (*domain.Note, error) {
	data, err := r.client.Get(ctx, r.noteKey(token)).Bytes()
	if err == redis.Nil {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "get note")
	}
	var c cachedNote
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "unmarshal note")
	}
	n := c.note()
	if err := n.Check(r.now()); err != nil {
		return nil, err
	}
	return n, nil
}

func (r *Redis) GetTokenByShortCode(ctx context.Context, shortCode string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	token, err := r.client.Get(ctx, r.codeKey(shortCode)).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "get short code")
	}
	if _, err := r.peek(ctx, token); err != nil {
		if domain.IsLifecycle(err) {
			return "", nil
		}
		return "", err
	}
	return token, nil
}

// DeleteNote marks the note deleted and keeps the tombstone for the delete
// grace period so readers see "deleted" rather than "not found".
func (r *Redis) DeleteNote(ctx context.Context, token string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := deleteScript.Run(ctx, r.client, []string{r.noteKey(token)},
		toMillis(r.now()), r.deleteGrace.Milliseconds(), r.codePrefix(),
	).Int()
	if err != nil {
		return false, errors.Wrap(err, "delete note lua")
	}
	return ok == 1, nil
}

func (r *Redis) UpdateNoteContent(ctx context.Context, token string, payload domain.NotePayload) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	patch, err := json.Marshal(payload)
	if err != nil {
		return false, errors.Wrap(err, "marshal payload")
	}
	ok, err := updateScript.Run(ctx, r.client, []string{r.noteKey(token)}, string(patch)).Int()
	if err != nil {
		return false, errors.Wrap(err, "update note lua")
	}
	return ok == 1, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	key := r.prefix + "health:ping"
	if err := r.client.Set(ctx, key, "1", 10*time.Second).Err(); err != nil {
		return errors.Wrap(err, "redis write check")
	}
	return errors.Wrap(r.client.Del(ctx, key).Err(), "redis delete check")
}

func (r *Redis) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}
