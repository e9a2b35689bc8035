package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arzzra/sip_proxy/pkg/sip/fork"
)

// Proxy stateful SIP прокси с параллельным и последовательным форкингом
type Proxy struct {
	cfg       Config
	ua        *sipgo.UserAgent
	server    *sipgo.Server
	client    *sipgo.Client
	transport ClientTransport
	locator   Locator
	decorator *RouteDecorator
	metrics   *MetricsCollector
	log       *slog.Logger

	// общий реестр ключей для аннотаций fork.Target
	keys   *fork.KeyAllocator
	aorKey fork.Key

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	contexts map[string]*RequestContext
	wg       sync.WaitGroup
}

// Option настройка прокси
type Option func(*Proxy)

func WithLocator(l Locator) Option {
	return func(p *Proxy) { p.locator = l }
}

// WithRegisterer регистрирует метрики прокси в reg
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(p *Proxy) { p.metrics = NewMetricsCollector(reg) }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Proxy) { p.log = l }
}

// WithKeyAllocator задает реестр ключей, общий со встраивающим кодом
func WithKeyAllocator(a *fork.KeyAllocator) Option {
	return func(p *Proxy) { p.keys = a }
}

// WithTransport подменяет отправку запросов веток
func WithTransport(t ClientTransport) Option {
	return func(p *Proxy) { p.transport = t }
}

// New создает прокси поверх sipgo и регистрирует обработчики запросов
func New(cfg Config, opts ...Option) (*Proxy, error) {
	p, err := newProxy(cfg, opts...)
	if err != nil {
		return nil, err
	}

	p.ua, err = sipgo.NewUA(sipgo.WithUserAgentHostname(cfg.Hostname))
	if err != nil {
		return nil, fmt.Errorf("failed to create user agent: %w", err)
	}
	p.server, err = sipgo.NewServer(p.ua)
	if err != nil {
		p.ua.Close()
		return nil, fmt.Errorf("failed to create server: %w", err)
	}
	p.client, err = sipgo.NewClient(p.ua, sipgo.WithClientHostname(cfg.Hostname))
	if err != nil {
		p.server.Close()
		p.ua.Close()
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	if p.transport == nil {
		p.transport = NewSipgoTransport(p.client)
	}

	p.server.OnInvite(p.handleRequest)
	p.server.OnBye(p.handleRequest)
	p.server.OnOptions(p.handleRequest)
	p.server.OnMessage(p.handleRequest)
	p.server.OnInfo(p.handleRequest)
	p.server.OnUpdate(p.handleRequest)
	p.server.OnPrack(p.handleRequest)
	p.server.OnSubscribe(p.handleRequest)
	p.server.OnNotify(p.handleRequest)
	p.server.OnRefer(p.handleRequest)
	p.server.OnRegister(p.handleRequest)
	p.server.OnCancel(p.handleCancel)
	p.server.OnAck(p.handleAck)
	p.server.OnNoRoute(p.handleRequest)

	return p, nil
}

// newProxy собирает прокси без сетевого стека
func newProxy(cfg Config, opts ...Option) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Proxy{
		cfg:       cfg,
		decorator: NewRouteDecorator(cfg),
		contexts:  make(map[string]*RequestContext),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	if p.metrics == nil {
		p.metrics = NewMetricsCollector(prometheus.NewRegistry())
	}
	if p.locator == nil {
		p.locator = NewStaticLocator(cfg.Domains)
	}
	if p.keys == nil {
		p.keys = fork.NewKeyAllocator()
	}
	p.aorKey = p.keys.Allocate("aor")
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p, nil
}

// ListenAndServe принимает запросы до отмены ctx
func (p *Proxy) ListenAndServe(ctx context.Context) error {
	p.log.Info("sip proxy listening",
		slog.String("network", p.cfg.Network),
		slog.String("addr", p.cfg.ListenAddr),
		slog.String("hostname", p.cfg.Hostname))
	err := p.server.ListenAndServe(ctx, p.cfg.Network, p.cfg.ListenAddr)
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("listen %s %s: %w", p.cfg.Network, p.cfg.ListenAddr, err)
	}
	return nil
}

// Close завершает все контексты запросов и закрывает sipgo
func (p *Proxy) Close() error {
	p.cancel()
	p.wg.Wait()

	var errs []error
	if p.client != nil {
		errs = append(errs, p.client.Close())
	}
	if p.server != nil {
		errs = append(errs, p.server.Close())
	}
	if p.ua != nil {
		errs = append(errs, p.ua.Close())
	}
	return errors.Join(errs...)
}

// ActiveContexts число контекстов, ожидающих завершения веток
func (p *Proxy) ActiveContexts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.contexts)
}

func (p *Proxy) handleRequest(req *sip.Request, tx sip.ServerTransaction) {
	log := p.log.With(slog.String("method", string(req.Method)))
	if callID := req.CallID(); callID != nil {
		log = log.With(slog.String("call_id", callID.Value()))
	}
	log.Debug("request received", slog.String("uri", req.Recipient.String()))

	if err := p.validate(req); err != nil {
		log.Debug("request rejected", slog.Any("error", err))
		p.reject(req, tx, err)
		return
	}
	p.decorator.popOwnRoute(req)

	loc, err := p.locate(req)
	if err != nil {
		log.Debug("no route", slog.Any("error", err))
		p.reject(req, tx, err)
		return
	}
	if loc.Empty() {
		p.reject(req, tx, ErrNoTargets(req.Recipient).WithRequest(req))
		return
	}

	aor := addressOfRecord(req.Recipient)
	for _, t := range loc.Targets() {
		t.Store().Set(p.aorKey, aor)
	}

	key := transactionKey(req)
	if key == "" {
		p.reject(req, tx, ErrMalformedRequest("нет branch в Via").WithRequest(req))
		return
	}

	p.mu.Lock()
	if _, exists := p.contexts[key]; exists {
		p.mu.Unlock()
		log.Debug("retransmission absorbed", slog.String("branch", key))
		return
	}
	rc := NewRequestContext(p.ctx, req, tx, RequestContextOptions{
		Config:    p.cfg,
		Transport: p.transport,
		Decorator: p.decorator,
		Metrics:   p.metrics,
		Keys:      p.keys,
		Logger:    p.log,
		OnFinish: func(*RequestContext) {
			p.mu.Lock()
			delete(p.contexts, key)
			p.mu.Unlock()
			p.wg.Done()
		},
	})
	p.contexts[key] = rc
	p.wg.Add(1)
	p.mu.Unlock()

	log.Debug("forking", slog.String("context_id", rc.ID()), slog.Int("targets", loc.Count()))
	rc.Start(loc)
}

// handleCancel отвечает на CANCEL и передает его контексту INVITE
func (p *Proxy) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	key := transactionKey(req)

	p.mu.Lock()
	rc := p.contexts[key]
	p.mu.Unlock()

	if rc == nil || rc.Request().Method != sip.INVITE {
		p.reply(req, tx, 481, reasonPhrase(481))
		return
	}
	p.reply(req, tx, 200, "OK")
	if err := rc.Cancel(req); err != nil {
		p.log.Debug("CANCEL after completion", slog.String("context_id", rc.ID()), slog.Any("error", err))
	}
}

// handleAck пересылает ACK на 2xx без транзакции
func (p *Proxy) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	if err := p.validate(req); err != nil {
		p.log.Debug("ACK dropped", slog.Any("error", err))
		return
	}
	p.decorator.popOwnRoute(req)
	fwd := req.Clone()
	if err := p.transport.Write(fwd); err != nil {
		p.log.Debug("ACK forward failed", slog.Any("error", err))
		return
	}
	p.metrics.statelessForward(req.Method)
}

func (p *Proxy) validate(req *sip.Request) error {
	if mf := req.MaxForwards(); mf != nil && *mf == 0 {
		return ErrTooManyHops().WithRequest(req)
	}
	if p.decorator.hasOwnVia(req) {
		return ErrLoopDetected().WithRequest(req)
	}
	return nil
}

// locate определяет адресатов. Оставшийся после своего Route маршрут
// ведет запрос на Request-URI без обращения к таблице.
func (p *Proxy) locate(req *sip.Request) (Location, error) {
	if req.GetHeader("Route") != nil {
		t := fork.NewTarget(req.Recipient, fork.WithAutoProcess(true))
		return Location{Batches: [][]*fork.Target{{t}}}, nil
	}
	return p.locator.Locate(p.ctx, req)
}

func (p *Proxy) reject(req *sip.Request, tx sip.ServerTransaction, err error) {
	code, reason := StatusFor(err)
	p.reply(req, tx, code, reason)
}

func (p *Proxy) reply(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	if code >= 300 {
		p.metrics.requestRejected(code)
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		p.log.Debug("failed to respond", slog.Int("code", code), slog.Any("error", err))
	}
}

// transactionKey ключ серверной транзакции: branch верхнего Via.
// CANCEL несет тот же branch, что и отменяемый INVITE.
func transactionKey(req *sip.Request) string {
	via := req.Via()
	if via == nil {
		return ""
	}
	branch, _ := via.Params.Get("branch")
	return branch
}
