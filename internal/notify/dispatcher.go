// Package notify 给不在线的房间成员投递推送，尽力而为：每次 Notify 至多尝试一次，失败不回传调用方。
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"chatrelay/internal/metrics"
	"chatrelay/internal/service"

	"github.com/rs/zerolog/log"
)

// Notification 是组装推送所需的消息上下文。
type Notification struct {
	GroupID    string
	GroupName  string
	SenderID   string
	SenderName string
	MessageID  string
	Preview    string
}

// Push 是发往单个设备 token 的推送请求。
type Push struct {
	Token string
	Title string
	Body  string
	Data  map[string]string
}

// TokenStore 查询用户的推送 token，未登记时返回 service.ErrTokenNotFound。
type TokenStore interface {
	GetToken(ctx context.Context, userID string) (string, error)
}

// Sink 是外部推送服务。
type Sink interface {
	Send(ctx context.Context, p Push) error
}

type Config struct {
	Workers   int
	QueueSize int
	Timeout   time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 1024, Timeout: 10 * time.Second}
}

// job 要么是一条推送，要么是在 worker 上执行的任务。
type job struct {
	userID string
	n      Notification
	task   func(ctx context.Context)
}

// Dispatcher 通过有界队列把通知交给固定数量的 worker。
type Dispatcher struct {
	cfg    Config
	tokens TokenStore
	sink   Sink
	queue  chan job

	mu      sync.RWMutex
	running bool
	stopped bool
	wg      sync.WaitGroup
}

func NewDispatcher(cfg Config, tokens TokenStore, sink Sink) *Dispatcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Dispatcher{
		cfg:    cfg,
		tokens: tokens,
		sink:   sink,
		queue:  make(chan job, cfg.QueueSize),
	}
}

// Start 启动 worker，之前入队的任务随后照常处理。
func (d *Dispatcher) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return errors.New("dispatcher is stopped")
	}
	if d.running {
		return errors.New("dispatcher is already running")
	}
	d.running = true
	for i := 0; i < d.cfg.Workers; i++ {
		workerID := fmt.Sprintf("notify-%d", i+1)
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.run(workerID)
		}()
	}
	log.Info().Int("workers", d.cfg.Workers).Int("queue_size", d.cfg.QueueSize).Msg("notification dispatcher started")
	return nil
}

// Stop 拒绝新任务，等待 worker 排空队列，最多等到 ctx 结束。
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	wasRunning := d.running
	d.running = false
	close(d.queue)
	d.mu.Unlock()

	if !wasRunning {
		return nil
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("notification dispatcher stopped")
		return nil
	case <-ctx.Done():
		log.Warn().Int("pending", len(d.queue)).Msg("notification dispatcher stop timed out")
		return ctx.Err()
	}
}

// Notify 非阻塞入队一条推送；队列满或已停止时丢弃并返回 false。
func (d *Dispatcher) Notify(userID string, n Notification) bool {
	if d.enqueue(job{userID: userID, n: n}) {
		return true
	}
	log.Warn().Str("user_id", userID).Str("group_id", n.GroupID).Msg("notification dropped")
	return false
}

// Submit 非阻塞入队一个任务，在 worker 上带超时执行。
func (d *Dispatcher) Submit(task func(ctx context.Context)) bool {
	if task == nil {
		return false
	}
	return d.enqueue(job{task: task})
}

func (d *Dispatcher) enqueue(j job) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.stopped {
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}
	select {
	case d.queue <- j:
		return true
	default:
		metrics.NotificationsTotal.WithLabelValues("dropped").Inc()
		return false
	}
}

func (d *Dispatcher) run(workerID string) {
	for j := range d.queue {
		d.process(workerID, j)
	}
}

func (d *Dispatcher) process(workerID string, j job) {
	logger := log.With().Str("worker", workerID).Str("user_id", j.userID).Str("group_id", j.n.GroupID).Logger()
	defer func() {
		if rec := recover(); rec != nil {
			metrics.NotificationsTotal.WithLabelValues("failed").Inc()
			logger.Error().Interface("panic", rec).Msg("notification panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	if j.task != nil {
		j.task(ctx)
		return
	}

	token, err := d.tokens.GetToken(ctx, j.userID)
	if errors.Is(err, service.ErrTokenNotFound) {
		metrics.NotificationsTotal.WithLabelValues("no_token").Inc()
		logger.Debug().Msg("no notification token")
		return
	}
	if err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("notification token lookup")
		return
	}
	if err := d.sink.Send(ctx, Compose(token, j.n)); err != nil {
		metrics.NotificationsTotal.WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("push send")
		return
	}
	metrics.NotificationsTotal.WithLabelValues("sent").Inc()
	logger.Debug().Str("message_id", j.n.MessageID).Msg("push sent")
}

const maxPreviewRunes = 120

// Compose 为单个 token 组装推送内容。
func Compose(token string, n Notification) Push {
	title := n.GroupName
	if title == "" {
		title = "New message"
	}
	sender := n.SenderName
	if sender == "" {
		sender = "Someone"
	}
	body := sender + " sent a new message"
	if n.Preview != "" {
		body = sender + ": " + truncate(n.Preview, maxPreviewRunes)
	}
	data := map[string]string{
		"type":      "chat_message",
		"group_id":  n.GroupID,
		"sender_id": n.SenderID,
	}
	if n.MessageID != "" {
		data["message_id"] = n.MessageID
	}
	return Push{Token: token, Title: title, Body: body, Data: data}
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	r := []rune(s)
	return string(r[:max]) + "…"
}
