package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/jeementor/internal/metrics"
	"github.com/hitoshi/jeementor/internal/model"
)

// Provider はセッションの正本を持つ認証プロバイダー側の参照口。
// 期限切れまたは存在しない場合はnilを返す。
type Provider interface {
	FindByID(ctx context.Context, token string) (*model.Session, error)
}

// Relay は他インスタンスとのイベント中継を行う。
type Relay interface {
	// Publish はイベントを他インスタンスへ送る。
	Publish(ctx context.Context, ev Event) error
	// Subscribe はctxが終了するまで他インスタンスからのイベントをfnに渡す。
	Subscribe(ctx context.Context, fn func(Event)) error
}

// DefaultCacheTTL はセッションをキャッシュする最大時間のデフォルト値。
const DefaultCacheTTL = 5 * time.Minute

// Store はプロセス全体で共有するセッションサービス。
// 起動時に1つ生成して各コンポーネントに渡す。書き込みはPublish経由のイベントのみ。
type Store struct {
	provider       Provider
	cache          Cache
	cacheTTL       time.Duration
	relay          Relay
	metrics        metrics.MetricsCollector
	now            func() time.Time
	initialTimeout time.Duration
	relayRetry     time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
	wg     sync.WaitGroup
}

// Option はStoreの設定を変更する。
type Option func(*Store)

// WithCache はキャッシュ実装を指定する。未指定の場合はMemoryCache。
func WithCache(c Cache) Option {
	return func(s *Store) { s.cache = c }
}

// WithCacheTTL はキャッシュの最大保持時間を指定する。
func WithCacheTTL(ttl time.Duration) Option {
	return func(s *Store) { s.cacheTTL = ttl }
}

// WithRelay はインスタンス間のイベント中継を指定する。
func WithRelay(r Relay) Option {
	return func(s *Store) { s.relay = r }
}

// WithMetrics はメトリクスコレクタを指定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore はStoreを生成する。
func NewStore(provider Provider, opts ...Option) *Store {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		provider:       provider,
		cacheTTL:       DefaultCacheTTL,
		metrics:        metrics.Noop{},
		now:            time.Now,
		initialTimeout: 5 * time.Second,
		relayRetry:     relayInitialBackoff,
		baseCtx:        ctx,
		cancel:         cancel,
		subs:           make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewMemoryCache()
	}
	return s
}

// GetCurrentSession はトークンに対応する有効なセッションを返す。
// キャッシュ、プロバイダーの順に参照し、期限切れ・不在・通信エラーのいずれもnilを返す（fail closed）。
func (s *Store) GetCurrentSession(ctx context.Context, token string) *model.Session {
	if token == "" {
		return nil
	}
	now := s.now()

	cached, ok, err := s.cache.Get(ctx, token)
	if err != nil {
		slog.Warn("session cache read failed", slog.String("error", err.Error()))
	}
	if ok {
		if !cached.Expired(now) {
			return cached
		}
		s.evict(ctx, token)
		return nil
	}

	sess, err := s.provider.FindByID(ctx, token)
	if err != nil {
		slog.Warn("session lookup failed; treating as signed out",
			slog.String("error", err.Error()),
		)
		return nil
	}
	if sess == nil || sess.Expired(now) {
		return nil
	}

	s.remember(ctx, sess)
	return sess
}

// remember はセッションをキャッシュに保存する。TTLは有効期限を超えない。
func (s *Store) remember(ctx context.Context, sess *model.Session) {
	ttl := s.cacheTTL
	if until := sess.ExpiresAt.Sub(s.now()); until < ttl {
		ttl = until
	}
	if ttl <= 0 {
		return
	}
	if err := s.cache.Set(ctx, sess, ttl); err != nil {
		slog.Warn("session cache write failed", slog.String("error", err.Error()))
	}
}

func (s *Store) evict(ctx context.Context, token string) {
	if err := s.cache.Delete(ctx, token); err != nil {
		slog.Warn("session cache delete failed", slog.String("error", err.Error()))
	}
}

// subscribeConfig はOnSessionChangeのオプション。
type subscribeConfig struct {
	token   string
	initial bool
}

// SubscribeOption はOnSessionChangeの購読条件を指定する。
type SubscribeOption func(*subscribeConfig)

// WithToken は指定トークンに関するイベントのみを受け取る。
func WithToken(token string) SubscribeOption {
	return func(c *subscribeConfig) { c.token = token }
}

// WithInitialState は購読開始直後にINITIAL_SESSIONイベントを1回配信する。
// WithTokenと併用した場合のみ現在のセッションが解決される。
func WithInitialState() SubscribeOption {
	return func(c *subscribeConfig) { c.initial = true }
}

// OnSessionChange はセッション変化のハンドラを登録し、購読解除関数を返す。
// 配信は購読者ごとのゴルーチンで非同期に行われ、購読中に取りこぼすことはない。
// 購読者間の配信順序は保証しない。ハンドラはEventのポインタ先を変更してはならない。
func (s *Store) OnSessionChange(handler Handler, opts ...SubscribeOption) (unsubscribe func()) {
	var cfg subscribeConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return func() {}
	}
	s.nextID++
	sub := newSubscriber(s.nextID, cfg.token, handler)
	s.subs[sub.id] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	if cfg.initial {
		sub.enqueue(queued{
			event:          Event{Type: EventInitialSession, Token: cfg.token, At: s.now()},
			resolveInitial: cfg.token != "",
		})
	}

	go func() {
		defer s.wg.Done()
		sub.run(s)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, sub.id)
			s.mu.Unlock()
			sub.stop()
		})
	}
}

// Publish はイベントを発行する。
// キャッシュの更新は購読者への配信より前に同期的に行う（サインアウト後に古いセッションを返さない）。
func (s *Store) Publish(ctx context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	if ev.Session != nil {
		if ev.Token == "" {
			ev.Token = ev.Session.Token
		}
		if ev.UserID == "" {
			ev.UserID = ev.Session.UserID
		}
	}

	switch ev.Type {
	case EventSignedOut:
		s.evict(ctx, ev.Token)
	case EventSignedIn, EventTokenRefreshed:
		if ev.Session != nil {
			s.remember(ctx, ev.Session)
		}
	}

	s.metrics.RecordSessionEvent(string(ev.Type))
	s.fanOut(ev)

	if ev.remote || s.relay == nil {
		return
	}
	if ev.Type != EventSignedOut && ev.Type != EventTokenRefreshed {
		return
	}
	if err := s.relay.Publish(ctx, ev); err != nil {
		slog.Warn("failed to relay session event",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Store) fanOut(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, sub := range s.subs {
		if sub.token != "" && sub.token != ev.Token {
			continue
		}
		sub.enqueue(queued{event: ev})
	}
}

// 中継の再購読の待ち時間。初回1秒、2倍ずつ増加、最大30秒。
const (
	relayInitialBackoff = time.Second
	relayMaxBackoff     = 30 * time.Second
)

// relayBackoff は連続失敗回数に基づいて再購読までの待ち時間を計算する。
func relayBackoff(initial time.Duration, consecutiveErrors int) time.Duration {
	delay := initial
	for i := 0; i < consecutiveErrors; i++ {
		delay *= 2
		if delay > relayMaxBackoff {
			return relayMaxBackoff
		}
	}
	return delay
}

// ListenRelay はctxが終了するまで他インスタンスからのイベントを受信し、ローカルに配信する。
// 購読が切れた場合は指数バックオフで再購読する。Relayが設定されていない場合はすぐに返る。
func (s *Store) ListenRelay(ctx context.Context) error {
	if s.relay == nil {
		return nil
	}

	failures := 0
	for {
		started := s.now()
		err := s.relay.Subscribe(ctx, func(ev Event) {
			ev.remote = true
			s.Publish(ctx, ev)
		})
		if ctx.Err() != nil {
			return nil
		}
		// しばらく購読できていた場合は連続失敗として数えない
		if s.now().Sub(started) > relayMaxBackoff {
			failures = 0
		}
		delay := relayBackoff(s.relayRetry, failures)
		failures++
		slog.Warn("session relay disconnected, resubscribing",
			slog.Any("error", err),
			slog.Duration("retry_in", delay),
			slog.Int("consecutive_errors", failures),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// SubscriberCount は現在の購読者数を返す。
func (s *Store) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subs)
}

// Reset はすべての購読を解除し、プロセス内キャッシュを空にする。テスト間の初期化に使う。
func (s *Store) Reset() {
	s.mu.Lock()
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.stop()
	}
	if c, ok := s.cache.(interface{ Clear() }); ok {
		c.Clear()
	}
}

// Close はすべての購読を解除し、配信ゴルーチンの終了を待つ。
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[uint64]*subscriber)
	s.mu.Unlock()

	s.cancel()
	for _, sub := range subs {
		sub.stop()
	}
	s.wg.Wait()
}

// queued は購読者のキューに積まれる1件。
type queued struct {
	event          Event
	resolveInitial bool
}

// subscriber は1購読者分のキューと配信ゴルーチンの状態。
type subscriber struct {
	id      uint64
	token   string
	handler Handler

	mu      sync.Mutex
	queue   []queued
	stopped bool
	signal  chan struct{}
	done    chan struct{}
}

func newSubscriber(id uint64, token string, handler Handler) *subscriber {
	return &subscriber{
		id:      id,
		token:   token,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

func (sub *subscriber) enqueue(q queued) {
	sub.mu.Lock()
	if sub.stopped {
		sub.mu.Unlock()
		return
	}
	sub.queue = append(sub.queue, q)
	sub.mu.Unlock()

	select {
	case sub.signal <- struct{}{}:
	default:
	}
}

func (sub *subscriber) stop() {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped {
		return
	}
	sub.stopped = true
	sub.queue = nil
	close(sub.done)
}

func (sub *subscriber) next() (queued, bool) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if sub.stopped || len(sub.queue) == 0 {
		return queued{}, false
	}
	q := sub.queue[0]
	sub.queue[0] = queued{}
	sub.queue = sub.queue[1:]
	return q, true
}

// run はキューが空になるまで配信し、次の通知か停止を待つ。
func (sub *subscriber) run(s *Store) {
	for {
		q, ok := sub.next()
		if !ok {
			select {
			case <-sub.signal:
				continue
			case <-sub.done:
				return
			}
		}

		ev := q.event
		if q.resolveInitial {
			ctx, cancel := context.WithTimeout(s.baseCtx, s.initialTimeout)
			ev.Session = s.GetCurrentSession(ctx, ev.Token)
			cancel()
			if ev.Session != nil {
				ev.UserID = ev.Session.UserID
			}
		}
		sub.deliver(ev)
	}
}

// deliver はハンドラを呼び出す。ハンドラのpanicは配信ゴルーチンを止めない。
func (sub *subscriber) deliver(ev Event) {
	select {
	case <-sub.done:
		return
	default:
	}

	defer func() {
		if r := recover(); r != nil {
			slog.Error("session event handler panicked",
				slog.String("type", string(ev.Type)),
				slog.Any("panic", r),
			)
		}
	}()
	sub.handler(ev)
}
