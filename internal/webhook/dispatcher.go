package webhook

/*
Файл dispatcher.go реализует best-effort доставку событий очереди на
зарегистрированные вебхук-адреса. Доставка полностью отвязана от пути
принятия решений: Submit неблокирующий, сбои ретраятся с экспоненциальным
бэкоффом, после исчерпания попыток событие уходит в dead-letter
(логируется и отбрасывается). Падение вебхука никогда не видно
резолвящему админу.
*/

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/avast/retry-go/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/xela07ax/toolgate/internal/domain"
)

// ThrottleError сигнализирует, что таргет попросил прийти позже
// (считанный Retry-After заголовок).
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

type Config struct {
	Targets     []string
	MaxAttempts uint                  // Попыток на одну доставку
	Timeout     time.Duration         // Таймаут одного HTTP-вызова
	Buffer      int                   // Очередь событий диспетчера
	Registerer  prometheus.Registerer // nil — без метрик доставки
}

type Dispatcher struct {
	cfg        Config
	client     *http.Client
	ch         chan domain.TicketEvent
	breakers   map[string]*gobreaker.CircuitBreaker // Предохранитель на каждый таргет
	deliveries *prometheus.CounterVec
	logger     *zap.Logger
	wg         sync.WaitGroup
}

func NewDispatcher(cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1024
	}

	breakers := make(map[string]*gobreaker.CircuitBreaker, len(cfg.Targets))
	for _, target := range cfg.Targets {
		breakers[target] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "webhook-" + target,
			MaxRequests: 3,
			Interval:    5 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures > 5
			},
		})
	}

	var deliveries *prometheus.CounterVec
	if cfg.Registerer != nil {
		deliveries = promauto.With(cfg.Registerer).NewCounterVec(prometheus.CounterOpts{
			Name: "toolgate_webhook_deliveries_total",
			Help: "Webhook delivery outcomes per target.",
		}, []string{"target", "result"})
	}

	return &Dispatcher{
		cfg:        cfg,
		client:     &http.Client{Timeout: cfg.Timeout},
		ch:         make(chan domain.TicketEvent, cfg.Buffer),
		breakers:   breakers,
		deliveries: deliveries,
		logger:     logger.Named("webhook"),
	}
}

func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.worker()
}

// Stop запирает вход и ждет, пока воркер дольет очередь (Drain Pattern).
func (d *Dispatcher) Stop() {
	close(d.ch)
	d.wg.Wait()
}

// Submit ставит событие в очередь доставки. Fire-and-forget: при
// переполнении событие отбрасывается с логом, вызывающий не ждет.
func (d *Dispatcher) Submit(ev domain.TicketEvent) {
	select {
	case d.ch <- ev:
	default:
		d.logger.Error("webhook queue overflow, event dropped",
			zap.String("ticket_id", ev.Ticket.ID),
			zap.String("kind", string(ev.Kind)))
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for ev := range d.ch {
		for _, target := range d.cfg.Targets {
			d.deliver(target, ev)
		}
	}
}

// deliver гоняет одну доставку через предохранитель и ретраи.
// Финальная неудача — dead-letter: лог и забыли.
func (d *Dispatcher) deliver(target string, ev domain.TicketEvent) {
	cb := d.breakers[target]

	_, err := cb.Execute(func() (interface{}, error) {
		r := retry.New(
			retry.Attempts(d.cfg.MaxAttempts),
			// Умный расчет задержки: уважаем Retry-After таргета,
			// иначе стандартный экспоненциальный бэкофф
			retry.DelayType(func(n uint, err error, config retry.DelayContext) time.Duration {
				var tErr *ThrottleError
				if errors.As(err, &tErr) {
					return tErr.RetryAfter
				}
				return retry.BackOffDelay(n, err, config)
			}),
		)
		return nil, r.Do(func() error {
			return d.post(target, ev)
		})
	})

	result := "ok"
	if err != nil {
		result = "dead_letter"
		d.logger.Error("webhook dead-letter",
			zap.String("target", target),
			zap.String("ticket_id", ev.Ticket.ID),
			zap.String("kind", string(ev.Kind)),
			zap.Error(err))
	}
	if d.deliveries != nil {
		d.deliveries.WithLabelValues(target, result).Inc()
	}
}

func (d *Dispatcher) post(target string, ev domain.TicketEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return retry.Unrecoverable(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return retry.Unrecoverable(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusTooManyRequests:
		wait := 2 * time.Second
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, perr := strconv.Atoi(s); perr == nil {
				wait = time.Duration(secs) * time.Second
			}
		}
		return &ThrottleError{RetryAfter: wait, Cause: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("webhook %s returned status %d", target, resp.StatusCode)
	}
}
