package proxy

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/arzzra/sip_proxy/pkg/sip/fork"
)

type eventKind int

const (
	eventResponse eventKind = iota
	eventCancel
	eventTimerC
	eventTransportError
)

func (k eventKind) String() string {
	switch k {
	case eventResponse:
		return "response"
	case eventCancel:
		return "cancel"
	case eventTimerC:
		return "timer_c"
	case eventTransportError:
		return "transport_error"
	default:
		return "unknown"
	}
}

type event struct {
	kind   eventKind
	branch string
	res    *sip.Response
	req    *sip.Request
	err    error
}

// RequestContextOptions зависимости контекста запроса
type RequestContextOptions struct {
	Config    Config
	Transport ClientTransport
	Decorator fork.Decorator
	// Metrics nil означает отдельный незарегистрированный набор метрик
	Metrics *MetricsCollector
	// Keys nil означает отдельный реестр ключей у каждого контекста
	Keys     *fork.KeyAllocator
	Logger   *slog.Logger
	OnFinish func(*RequestContext)
}

// RequestContext владеет форкингом одного запроса: серверной транзакцией,
// клиентскими транзакциями веток и их Timer C. Все обращения к
// fork.ResponseContext выполняются из единственной горутины цикла событий.
type RequestContext struct {
	id        string
	cfg       Config
	req       *sip.Request
	tx        sip.ServerTransaction
	transport ClientTransport
	rc        *fork.ResponseContext
	metrics   *MetricsCollector
	log       *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span

	events chan event
	done   chan struct{}

	// доступны только из цикла событий
	clientTxs     map[string]sip.ClientTransaction
	timers        map[string]*time.Timer
	provisional   map[string]bool
	pendingCancel map[string]bool
	final         *sip.Response

	onFinish func(*RequestContext)
}

// NewRequestContext создает контекст для запроса req, принятого транзакцией tx
func NewRequestContext(ctx context.Context, req *sip.Request, tx sip.ServerTransaction, opts RequestContextOptions) *RequestContext {
	metrics := opts.Metrics
	if metrics == nil {
		metrics = NewMetricsCollector(prometheus.NewRegistry())
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	id := uuid.NewString()
	attrs := []any{slog.String("context_id", id), slog.String("method", string(req.Method))}
	if callID := req.CallID(); callID != nil {
		attrs = append(attrs, slog.String("call_id", callID.Value()))
	}
	logger = logger.With(attrs...)

	ctx, cancel := context.WithCancel(ctx)
	ctx, span := startRequestSpan(ctx, id, req)

	r := &RequestContext{
		id:            id,
		cfg:           opts.Config,
		req:           req,
		tx:            tx,
		transport:     opts.Transport,
		metrics:       metrics,
		log:           logger,
		ctx:           ctx,
		cancel:        cancel,
		span:          span,
		events:        make(chan event, max(opts.Config.EventQueueSize, 1)),
		done:          make(chan struct{}),
		clientTxs:     make(map[string]sip.ClientTransaction),
		timers:        make(map[string]*time.Timer),
		provisional:   make(map[string]bool),
		pendingCancel: make(map[string]bool),
		onFinish:      opts.OnFinish,
	}

	forkOpts := []fork.Option{
		fork.WithObserver(contextObserver{r}),
		fork.WithLogger(logger),
	}
	if opts.Decorator != nil {
		forkOpts = append(forkOpts, fork.WithDecorator(opts.Decorator))
	}
	if opts.Keys != nil {
		forkOpts = append(forkOpts, fork.WithKeyAllocator(opts.Keys))
	}
	r.rc = fork.NewResponseContext(r, forkOpts...)
	return r
}

func (r *RequestContext) ID() string { return r.id }

// Request возвращает исходный запрос
func (r *RequestContext) Request() *sip.Request { return r.req }

// Done закрывается после завершения всех веток и отправки ответа
func (r *RequestContext) Done() <-chan struct{} { return r.done }

// Start запускает цикл событий и форкинг по найденным адресатам
func (r *RequestContext) Start(loc Location) {
	r.metrics.contextStarted(r.req.Method)
	go r.run(loc)
}

// Cancel передает CANCEL исходного запроса в цикл событий
func (r *RequestContext) Cancel(req *sip.Request) error {
	return r.post(event{kind: eventCancel, req: req})
}

func (r *RequestContext) post(ev event) error {
	select {
	case r.events <- ev:
		return nil
	case <-r.done:
		return ErrContextClosed
	}
}

func (r *RequestContext) run(loc Location) {
	defer r.finish()

	for _, batch := range loc.Batches {
		r.rc.AddTargetBatch(batch, false)
	}
	if len(loc.Outbound) > 0 {
		r.rc.AddOutboundBatch(loc.Outbound)
	}
	if r.cfg.ParallelForking {
		for r.rc.BeginNextBatch() {
		}
	} else {
		r.rc.BeginNextBatch()
	}
	r.advance()

	for !r.completed() {
		select {
		case ev := <-r.events:
			r.handle(ev)
			r.advance()
		case <-r.ctx.Done():
			r.log.Debug("request context stopped", slog.Any("error", r.ctx.Err()))
			if !r.rc.HasForwarded() {
				r.rc.ForwardBestResponse()
			}
			return
		}
	}
}

func (r *RequestContext) handle(ev event) {
	r.log.Debug("event", slog.String("kind", ev.kind.String()), slog.String("branch", ev.branch))

	switch ev.kind {
	case eventResponse:
		if code := ev.res.StatusCode; code >= 100 && code < 200 {
			r.provisionalReceived(ev.branch, code)
		}
		r.rc.ProcessResponse(ev.res)
	case eventCancel:
		r.rc.ProcessCancel(ev.req)
	case eventTimerC:
		delete(r.timers, ev.branch)
		if r.rc.ProcessTimerC(ev.branch) {
			r.metrics.timerCFired()
			spanTimerC(r.span, ev.branch)
		}
	case eventTransportError:
		r.rc.ProcessTransportError(ev.branch, ev.err)
	}
}

// advance запускает следующий батч, когда текущий исчерпан без ответа
func (r *RequestContext) advance() {
	for !r.rc.HasForwarded() && !r.rc.HasActiveTransactions() && r.rc.HasCandidateTransactions() {
		if !r.rc.BeginNextBatch() && !r.rc.HasForwarded() && !r.rc.HasActiveTransactions() {
			r.rc.ForwardBestResponse()
		}
	}
	if !r.rc.HasForwarded() && r.rc.AreAllTransactionsTerminated() {
		r.rc.ForwardBestResponse()
	}
}

func (r *RequestContext) completed() bool {
	return r.rc.HasForwarded() && !r.rc.HasActiveTransactions()
}

func (r *RequestContext) finish() {
	close(r.done)
	for id, tm := range r.timers {
		tm.Stop()
		delete(r.timers, id)
	}
	r.cancel()

	targets := r.rc.TargetCount()
	r.metrics.contextFinished(targets)
	spanFinished(r.span, r.final, targets)
	r.span.End()
	r.log.Debug("request context finished", slog.Any("fork", r.rc))

	if r.onFinish != nil {
		r.onFinish(r)
	}
}

func (r *RequestContext) provisionalReceived(branchID string, code int) {
	r.provisional[branchID] = true
	if code > 100 {
		if tm, ok := r.timers[branchID]; ok {
			tm.Reset(r.cfg.TimerC)
		}
	}
	if r.pendingCancel[branchID] {
		delete(r.pendingCancel, branchID)
		r.sendCancel(branchID)
	}
}

// pump переносит ответы клиентской транзакции ветки в цикл событий
func (r *RequestContext) pump(branchID string, tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok {
				r.txFinished(branchID, tx)
				return
			}
			if r.post(event{kind: eventResponse, branch: branchID, res: res}) != nil {
				return
			}
		case <-tx.Done():
			r.drain(branchID, tx)
			r.txFinished(branchID, tx)
			return
		case <-r.done:
			return
		}
	}
}

// drain забирает ответы, пришедшие одновременно с завершением транзакции
func (r *RequestContext) drain(branchID string, tx sip.ClientTransaction) {
	for {
		select {
		case res, ok := <-tx.Responses():
			if !ok || res == nil {
				return
			}
			if r.post(event{kind: eventResponse, branch: branchID, res: res}) != nil {
				return
			}
		default:
			return
		}
	}
}

func (r *RequestContext) txFinished(branchID string, tx sip.ClientTransaction) {
	if err := tx.Err(); err != nil {
		_ = r.post(event{kind: eventTransportError, branch: branchID, err: branchError(err)})
	}
}

func (r *RequestContext) sendCancel(branchID string) {
	t := r.rc.GetTarget(branchID)
	if t == nil || t.Request() == nil {
		return
	}
	cancelReq := newCancelRequest(t.Request())
	ctx := context.WithoutCancel(r.ctx)
	log := r.log.With(slog.String("branch", branchID))

	go func() {
		tx, err := r.transport.Request(ctx, cancelReq)
		if err != nil {
			log.Debug("CANCEL not sent", slog.Any("error", err))
			return
		}
		defer tx.Terminate()
		for {
			select {
			case res, ok := <-tx.Responses():
				if !ok {
					return
				}
				log.Debug("CANCEL response", slog.Int("code", res.StatusCode))
				if res.StatusCode >= 200 {
					return
				}
			case <-tx.Done():
				return
			}
		}
	}()
}

func (r *RequestContext) stopTimer(branchID string) {
	if tm, ok := r.timers[branchID]; ok {
		tm.Stop()
		delete(r.timers, branchID)
	}
}

// OriginalRequest реализует fork.Parent
func (r *RequestContext) OriginalRequest() *sip.Request { return r.req }

// SendRequest реализует fork.Parent
func (r *RequestContext) SendRequest(t *fork.Target, req *sip.Request) error {
	tx, err := r.transport.Request(r.ctx, req)
	if err != nil {
		return err
	}
	id := t.BranchID()
	r.clientTxs[id] = tx
	if r.req.Method == sip.INVITE {
		r.timers[id] = time.AfterFunc(r.cfg.TimerC, func() {
			_ = r.post(event{kind: eventTimerC, branch: id})
		})
	}
	go r.pump(id, tx)
	return nil
}

// CancelClientTransaction реализует fork.Parent. CANCEL уходит только
// после первого предварительного ответа ветки (RFC 3261 §9.1).
func (r *RequestContext) CancelClientTransaction(branchID string) {
	spanBranchCancelled(r.span, branchID)
	if r.req.Method != sip.INVITE {
		r.log.Debug("non-INVITE branch left to complete", slog.String("branch", branchID))
		return
	}
	if !r.provisional[branchID] {
		r.pendingCancel[branchID] = true
		return
	}
	r.sendCancel(branchID)
}

// SendResponse реализует fork.Parent
func (r *RequestContext) SendResponse(res *sip.Response) {
	r.final = res
	r.log.Info("final response forwarded", slog.Int("code", res.StatusCode), slog.String("reason", res.Reason))
	err := r.tx.Respond(res)
	switch {
	case err == nil:
	case errors.Is(err, sip.ErrTransactionTerminated):
		// 2xx завершает INVITE серверную транзакцию sipgo
		r.log.Debug("server transaction already terminated", slog.Int("code", res.StatusCode))
	default:
		r.log.Error("failed to send final response", slog.Int("code", res.StatusCode), slog.Any("error", err))
	}
}

// RelayResponse реализует fork.Parent
func (r *RequestContext) RelayResponse(res *sip.Response) {
	r.metrics.responseRelayed()
	spanResponseRelayed(r.span, res)
	if err := r.tx.Respond(res); err != nil {
		r.log.Debug("failed to relay response", slog.Int("code", res.StatusCode), slog.Any("error", err))
	}
}

// AbandonServerTransaction реализует fork.Parent
func (r *RequestContext) AbandonServerTransaction() {
	r.log.Info("server transaction abandoned")
	r.tx.Terminate()
}

// contextObserver связывает события веток с метриками, трейсингом и Timer C
type contextObserver struct {
	r *RequestContext
}

func (o contextObserver) BranchStateChanged(t *fork.Target, from, to fork.Status) {
	o.r.metrics.BranchStateChanged(t, from, to)
	switch to {
	case fork.StatusStarted:
		spanBranchStarted(o.r.span, t)
	case fork.StatusTerminated:
		id := t.BranchID()
		o.r.stopTimer(id)
		delete(o.r.pendingCancel, id)
		delete(o.r.provisional, id)
		delete(o.r.clientTxs, id)
	}
}

func (o contextObserver) BestResponseForwarded(res *sip.Response) {
	o.r.metrics.BestResponseForwarded(res)
}
