package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrPushRejected 表示推送服务返回了非 2xx 状态码。
var ErrPushRejected = errors.New("push provider rejected request")

type HTTPSinkConfig struct {
	// Endpoint 覆盖由 ProjectID 拼出的地址。
	Endpoint  string
	ProjectID string
	// AuthToken 作为 Bearer 凭证发送，获取与刷新不在这里做。
	AuthToken string
	Timeout   time.Duration
	// FailureThreshold 连续失败多少次后熔断。
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// NewSink 配置了推送服务时返回 HTTPSink，否则只记日志。
func NewSink(cfg HTTPSinkConfig) Sink {
	if cfg.Endpoint == "" && cfg.ProjectID == "" {
		log.Warn().Msg("no push provider configured, notifications are only logged")
		return LogSink{}
	}
	return NewHTTPSink(cfg)
}

// LogSink 只把推送写进日志。
type LogSink struct{}

func (LogSink) Send(_ context.Context, p Push) error {
	log.Info().Str("title", p.Title).Str("group_id", p.Data["group_id"]).Msg("push (log sink)")
	return nil
}

// HTTPSink 以 FCM v1 格式投递推送，外面包一层熔断器。
type HTTPSink struct {
	endpoint  string
	authToken string
	client    *http.Client
	cb        *gobreaker.CircuitBreaker[struct{}]
}

func NewHTTPSink(cfg HTTPSinkConfig) *HTTPSink {
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://fcm.googleapis.com/v1/projects/%s/messages:send", cfg.ProjectID)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.FailureThreshold == 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	threshold := cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "push-sink",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// 4xx（429 除外）是请求本身的问题，不计入熔断。
		IsSuccessful: func(err error) bool {
			var se *statusError
			if errors.As(err, &se) {
				return se.code < 500 && se.code != http.StatusTooManyRequests
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})
	return &HTTPSink{
		endpoint:  endpoint,
		authToken: cfg.AuthToken,
		client:    &http.Client{Timeout: cfg.Timeout},
		cb:        cb,
	}
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: status %d: %s", ErrPushRejected, e.code, e.body)
}

func (e *statusError) Unwrap() error { return ErrPushRejected }

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type fcmAndroid struct {
	Priority string `json:"priority"`
}

type fcmMessage struct {
	Token        string            `json:"token"`
	Notification fcmNotification   `json:"notification"`
	Data         map[string]string `json:"data,omitempty"`
	Android      fcmAndroid        `json:"android"`
}

type fcmRequest struct {
	Message fcmMessage `json:"message"`
}

func (s *HTTPSink) Send(ctx context.Context, p Push) error {
	_, err := s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.post(ctx, p)
	})
	return err
}

func (s *HTTPSink) post(ctx context.Context, p Push) error {
	payload, err := json.Marshal(fcmRequest{Message: fcmMessage{
		Token:        p.Token,
		Notification: fcmNotification{Title: p.Title, Body: p.Body},
		Data:         p.Data,
		Android:      fcmAndroid{Priority: "high"},
	}})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+s.authToken)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send push: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode, body: string(body)}
	}
	return nil
}
