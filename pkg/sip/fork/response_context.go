package fork

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/emiago/sipgo/sip"
	"github.com/google/uuid"
)

// Option настройка ResponseContext
type Option func(c *ResponseContext)

func WithDecorator(d Decorator) Option {
	return func(c *ResponseContext) { c.decorator = d }
}

func WithObserver(o Observer) Option {
	return func(c *ResponseContext) { c.observer = o }
}

// WithKeyAllocator задает общий реестр ключей аннотаций целей
func WithKeyAllocator(a *KeyAllocator) Option {
	return func(c *ResponseContext) { c.keys = a }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *ResponseContext) { c.log = l }
}

// ResponseContext форкает один запрос на меняющийся набор целей и
// выбирает единственный финальный ответ для upstream.
//
// Каждый branch id находится ровно в одном разделе: кандидаты, активные
// или завершенные. Завершенные ветки хранятся до конца жизни контекста.
// Лучший ответ пересылается не более одного раза: сразу для 2xx и 6xx,
// иначе после завершения последней ветки.
//
// ResponseContext не потокобезопасен. Владелец сериализует вызовы,
// пересекающиеся изменения паникуют с *InvariantError.
type ResponseContext struct {
	parent    Parent
	decorator Decorator
	observer  Observer
	keys      *KeyAllocator
	log       *slog.Logger

	invite bool
	secure bool

	candidates map[string]*Target
	active     map[string]*Target
	terminated map[string]*Target
	// branch id в порядке добавления
	order []string

	batches  [][]string
	outbound map[string][]string
	started  *DuplicateFilter

	currentResponseBranch string

	best       *sip.Response
	bestRank   int
	bestBranch string
	bestSecure bool
	forwarded  bool
	cancelled  bool

	busy atomic.Bool
}

// NewResponseContext создает контекст форкинга исходного запроса parent
func NewResponseContext(parent Parent, opts ...Option) *ResponseContext {
	if parent == nil || parent.OriginalRequest() == nil {
		panic(&InvariantError{Msg: "response context requires a parent with an original request"})
	}
	req := parent.OriginalRequest()
	c := &ResponseContext{
		parent:     parent,
		decorator:  nopDecorator{},
		observer:   nopObserver{},
		log:        slog.Default(),
		invite:     req.Method == sip.INVITE,
		secure:     strings.EqualFold(req.Recipient.Scheme, "sips"),
		candidates: make(map[string]*Target),
		active:     make(map[string]*Target),
		terminated: make(map[string]*Target),
		outbound:   make(map[string][]string),
		started:    NewDuplicateFilter(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.keys == nil {
		c.keys = NewKeyAllocator()
	}
	return c
}

func (c *ResponseContext) enter() {
	if !c.busy.CompareAndSwap(false, true) {
		panic(&InvariantError{Branch: c.currentResponseBranch, Msg: "overlapping mutation of response context"})
	}
}

func (c *ResponseContext) leave() { c.busy.Store(false) }

// AddTarget добавляет t кандидатом или сразу запускает при beginImmediately.
// Возвращает false после пересылки ответа, для известного branch id,
// для не-sips цели sips запроса и, при запуске, для уже использованного
// контакта. При false цель остается у вызывающего.
func (c *ResponseContext) AddTarget(t *Target, beginImmediately bool) bool {
	c.enter()
	defer c.leave()

	if !c.admissible(t) {
		return false
	}
	if c.secure && !t.Secure() {
		c.log.Debug("rejecting non-sips target of sips request", slog.String("branch", t.branchID))
		return false
	}
	if beginImmediately {
		if owner, dup := c.started.Owner(t.nameAddr.Address); dup {
			c.log.Debug("duplicate contact", slog.String("branch", t.branchID), slog.String("owner", owner))
			return false
		}
	}

	c.adopt(t)
	if beginImmediately {
		c.begin(t)
		c.checkCompletion()
		return true
	}
	if t.autoProcess {
		c.batches = append(c.batches, []string{t.branchID})
	}
	return true
}

// AddTargetBatch добавляет цели одним батчем в порядке вызывающего.
// Приоритетный батч встает перед ожидающими. Цели с занятым branch id
// отбрасываются. true, если хотя бы одна цель стала кандидатом.
func (c *ResponseContext) AddTargetBatch(targets []*Target, highPriority bool) bool {
	c.enter()
	defer c.leave()

	if c.forwarded {
		c.log.Debug("forking closed, batch dropped", slog.Int("targets", len(targets)))
		return false
	}
	var batch []string
	for _, t := range targets {
		if c.file(t) {
			batch = append(batch, t.branchID)
		}
	}
	if len(batch) == 0 {
		return false
	}
	if highPriority {
		c.batches = append([][]string{batch}, c.batches...)
	} else {
		c.batches = append(c.batches, batch)
	}
	return true
}

// AddOutboundBatch добавляет потоки, сгруппированные по instance id.
// Первый поток каждого instance попадает в общий батч, остальные ждут
// вне очереди и запускаются после 430 на соседнем потоке. Успех одного
// потока отменяет соседние.
func (c *ResponseContext) AddOutboundBatch(groups map[string][]*Target) bool {
	c.enter()
	defer c.leave()

	if c.forwarded {
		c.log.Debug("forking closed, outbound batch dropped", slog.Int("instances", len(groups)))
		return false
	}
	instances := make([]string, 0, len(groups))
	for inst := range groups {
		instances = append(instances, inst)
	}
	sort.Strings(instances)

	var batch []string
	for _, inst := range instances {
		primary := true
		for _, t := range groups[inst] {
			if t == nil {
				continue
			}
			if !c.file(t) {
				continue
			}
			t.record.InstanceID = inst
			c.outbound[inst] = append(c.outbound[inst], t.branchID)
			if primary {
				batch = append(batch, t.branchID)
				primary = false
			}
		}
	}
	if len(batch) == 0 {
		return false
	}
	c.batches = append(c.batches, batch)
	return true
}

// BeginClientTransactions запускает всех кандидатов, сначала батчи из очереди
func (c *ResponseContext) BeginClientTransactions() bool {
	c.enter()
	defer c.leave()

	started := false
	for _, id := range c.candidateOrder() {
		if t, ok := c.candidates[id]; ok && c.begin(t) {
			started = true
		}
	}
	c.batches = nil
	c.checkCompletion()
	return started
}

func (c *ResponseContext) BeginClientTransaction(branchID string) bool {
	c.enter()
	defer c.leave()

	t, ok := c.candidates[branchID]
	if !ok {
		return false
	}
	started := c.begin(t)
	c.pruneBatches()
	c.checkCompletion()
	return started
}

// BeginNextBatch снимает батчи из очереди, пока один из них не запустит
// хотя бы одну ветку. Последовательный форкинг.
func (c *ResponseContext) BeginNextBatch() bool {
	c.enter()
	defer c.leave()

	for len(c.batches) > 0 {
		batch := c.batches[0]
		c.batches = c.batches[1:]
		started := false
		for _, id := range batch {
			if t, ok := c.candidates[id]; ok && c.begin(t) {
				started = true
			}
		}
		if started {
			c.checkCompletion()
			return true
		}
	}
	c.checkCompletion()
	return false
}

// CancelActiveClientTransactions CANCEL всем запущенным веткам, кандидаты не трогаются
func (c *ResponseContext) CancelActiveClientTransactions() bool {
	c.enter()
	defer c.leave()
	return c.cancelActive()
}

// CancelClientTransaction отменяет запущенную ветку или снимает кандидата
func (c *ResponseContext) CancelClientTransaction(branchID string) bool {
	c.enter()
	defer c.leave()

	if t, ok := c.active[branchID]; ok {
		return c.cancel(t)
	}
	if t, ok := c.candidates[branchID]; ok {
		c.terminate(t)
		c.pruneBatches()
		c.checkCompletion()
		return true
	}
	return false
}

func (c *ResponseContext) CancelAllClientTransactions() bool {
	c.enter()
	defer c.leave()

	cancelled := c.cancelActive()
	cleared := c.clearCandidates()
	c.checkCompletion()
	return cancelled || cleared
}

// ClearCandidateTransactions завершает всех кандидатов без запуска.
// Повторный вызов возвращает false.
func (c *ResponseContext) ClearCandidateTransactions() bool {
	c.enter()
	defer c.leave()

	cleared := c.clearCandidates()
	c.checkCompletion()
	return cleared
}

// ProcessResponse обрабатывает ответ ветки, ветка определяется по верхнему Via.
// Ответы неактивных веток отбрасываются, кроме 2xx на INVITE.
func (c *ResponseContext) ProcessResponse(res *sip.Response) bool {
	c.enter()
	defer c.leave()

	via := res.Via()
	if via == nil {
		c.log.Debug("response without Via dropped", slog.Int("code", res.StatusCode))
		return false
	}
	branchID, _ := via.Params.Get("branch")
	t, ok := c.active[branchID]
	if !ok {
		c.stray(res, branchID)
		return false
	}

	c.currentResponseBranch = branchID
	defer func() { c.currentResponseBranch = "" }()

	switch code := res.StatusCode; {
	case !isValidCode(code):
		c.log.Debug("malformed response status", slog.String("branch", branchID), slog.Int("code", code))
		c.finalize(t, c.synthesize(t, 502, "Bad Gateway"))
	case isProvisional(code):
		c.provisional(res)
	default:
		c.finalize(t, res)
	}
	return true
}

// ProcessCancel обрабатывает CANCEL исходного запроса: запущенные ветки
// отменяются, кандидаты снимаются. 487 становится лучшим ответом, если
// лучшего еще нет, и уходит обычным путем завершения.
func (c *ResponseContext) ProcessCancel(req *sip.Request) bool {
	c.enter()
	defer c.leave()

	if c.forwarded {
		return false
	}
	if req != nil && req.CallID() != nil {
		c.log.Debug("original request cancelled", slog.String("call_id", req.CallID().Value()))
	}
	c.cancelled = true
	if rank := Rank(487); c.best == nil || rank > c.bestRank {
		c.setBest(nil, c.synthesize(nil, 487, "Request Terminated"), rank)
	}
	c.cancelActive()
	c.clearCandidates()
	c.checkCompletion()
	return true
}

// ProcessTimerC завершает ветку, слишком долго отвечавшую только
// предварительными ответами: CANCEL и синтетический 408.
func (c *ResponseContext) ProcessTimerC(branchID string) bool {
	c.enter()
	defer c.leave()

	t, ok := c.active[branchID]
	if !ok {
		return false
	}
	c.currentResponseBranch = branchID
	defer func() { c.currentResponseBranch = "" }()

	c.log.Debug("timer C fired", slog.String("branch", branchID))
	c.cancel(t)
	c.finalize(t, c.synthesize(t, 408, "Request Timeout"))
	return true
}

// ProcessTransportError завершает ветку, транзакция которой упала без
// финального ответа. Таймаут дает 408, остальное 503.
func (c *ResponseContext) ProcessTransportError(branchID string, err error) bool {
	c.enter()
	defer c.leave()

	t, ok := c.active[branchID]
	if !ok {
		return false
	}
	c.currentResponseBranch = branchID
	defer func() { c.currentResponseBranch = "" }()

	code, reason := 503, "Service Unavailable"
	if errors.Is(err, ErrTransactionTimeout) || errors.Is(err, context.DeadlineExceeded) {
		code, reason = 408, "Request Timeout"
	}
	c.log.Debug("client transaction failed", slog.String("branch", branchID), slog.Any("error", err))
	c.finalize(t, c.synthesize(t, code, reason))
	return true
}

// ForwardBestResponse пересылает лучший ответ сейчас и закрывает форкинг.
// false, если финальный ответ уже ушел.
func (c *ResponseContext) ForwardBestResponse() bool {
	c.enter()
	defer c.leave()

	if c.forwarded {
		return false
	}
	c.forwardBest()
	return true
}

func (c *ResponseContext) HasCandidateTransactions() bool  { return len(c.candidates) > 0 }
func (c *ResponseContext) HasActiveTransactions() bool     { return len(c.active) > 0 }
func (c *ResponseContext) HasTerminatedTransactions() bool { return len(c.terminated) > 0 }

func (c *ResponseContext) IsCandidate(branchID string) bool {
	_, ok := c.candidates[branchID]
	return ok
}

func (c *ResponseContext) IsActive(branchID string) bool {
	_, ok := c.active[branchID]
	return ok
}

func (c *ResponseContext) IsTerminated(branchID string) bool {
	_, ok := c.terminated[branchID]
	return ok
}

// IsCancelled ветка отменена и ждет финального ответа
func (c *ResponseContext) IsCancelled(branchID string) bool {
	t, ok := c.active[branchID]
	return ok && t.Status() == StatusCancelled
}

// AreAllTransactionsTerminated нет ни кандидатов, ни активных веток
func (c *ResponseContext) AreAllTransactionsTerminated() bool {
	return len(c.candidates) == 0 && len(c.active) == 0
}

func (c *ResponseContext) TargetCount() int {
	return len(c.candidates) + len(c.active) + len(c.terminated)
}

func (c *ResponseContext) GetTarget(branchID string) *Target {
	if t, ok := c.candidates[branchID]; ok {
		return t
	}
	if t, ok := c.active[branchID]; ok {
		return t
	}
	return c.terminated[branchID]
}

// Status состояние ветки или StatusNonExistent
func (c *ResponseContext) Status(branchID string) Status {
	if t := c.GetTarget(branchID); t != nil {
		return t.Status()
	}
	return StatusNonExistent
}

func (c *ResponseContext) CurrentResponseBranch() string { return c.currentResponseBranch }
func (c *ResponseContext) HasForwarded() bool            { return c.forwarded }
func (c *ResponseContext) Cancelled() bool               { return c.cancelled }
func (c *ResponseContext) Keys() *KeyAllocator           { return c.keys }
func (c *ResponseContext) PendingBatches() int           { return len(c.batches) }

// BestResponse лучший финальный ответ и его ранг
func (c *ResponseContext) BestResponse() (*sip.Response, int) { return c.best, c.bestRank }

// BestResponseSecure лучший ответ пришел от sips цели
func (c *ResponseContext) BestResponseSecure() bool { return c.bestSecure }

// OutboundSiblings другие потоки того же instance, что и branchID
func (c *ResponseContext) OutboundSiblings(branchID string) []string {
	t := c.GetTarget(branchID)
	if t == nil || t.record.InstanceID == "" {
		return nil
	}
	var out []string
	for _, id := range c.outbound[t.record.InstanceID] {
		if id != branchID {
			out = append(out, id)
		}
	}
	return out
}

// Targets все ветки в порядке добавления
func (c *ResponseContext) Targets() []*Target {
	out := make([]*Target, 0, len(c.order))
	for _, id := range c.order {
		if t := c.GetTarget(id); t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (c *ResponseContext) String() string {
	var b strings.Builder
	b.WriteString("ResponseContext: best=")
	if c.best != nil {
		b.WriteString(strconv.Itoa(c.best.StatusCode))
	} else {
		b.WriteString("none")
	}
	fmt.Fprintf(&b, " forwarded=%t candidates=%d active=%d terminated=%d",
		c.forwarded, len(c.candidates), len(c.active), len(c.terminated))
	for _, t := range c.Targets() {
		b.WriteString("\n  ")
		b.WriteString(t.String())
	}
	return b.String()
}

// LogValue реализует slog.LogValuer
func (c *ResponseContext) LogValue() slog.Value {
	best := 0
	if c.best != nil {
		best = c.best.StatusCode
	}
	return slog.GroupValue(
		slog.Int("best", best),
		slog.Bool("forwarded", c.forwarded),
		slog.Int("candidates", len(c.candidates)),
		slog.Int("active", len(c.active)),
		slog.Int("terminated", len(c.terminated)),
		slog.Int("batches", len(c.batches)),
	)
}

// admissible общие проверки операций добавления
func (c *ResponseContext) admissible(t *Target) bool {
	switch {
	case t == nil:
		return false
	case c.forwarded:
		c.log.Debug("forking closed, target rejected", slog.String("branch", t.branchID))
		return false
	case t.Status() != StatusCandidate:
		c.log.Debug("target is not a candidate", slog.String("branch", t.branchID), slog.String("status", t.Status().String()))
		return false
	case c.known(t.branchID):
		c.log.Debug("branch id already in use", slog.String("branch", t.branchID))
		return false
	}
	return true
}

// file принимает t кандидатом батча. Не-sips цель sips запроса
// сразу попадает в завершенные.
func (c *ResponseContext) file(t *Target) bool {
	if !c.admissible(t) {
		return false
	}
	c.adopt(t)
	if c.secure && !t.Secure() {
		c.log.Debug("non-sips target of sips request terminated", slog.String("branch", t.branchID))
		c.terminate(t)
		return false
	}
	return true
}

func (c *ResponseContext) adopt(t *Target) {
	t.onChange = c.branchChanged
	c.candidates[t.branchID] = t
	c.order = append(c.order, t.branchID)
}

func (c *ResponseContext) branchChanged(t *Target, from, to Status) {
	c.observer.BranchStateChanged(t, from, to)
}

func (c *ResponseContext) known(branchID string) bool {
	return c.GetTarget(branchID) != nil
}

// candidateOrder кандидаты в порядке запуска: батчи из очереди,
// затем кандидаты вне батчей в порядке добавления.
func (c *ResponseContext) candidateOrder() []string {
	seen := make(map[string]bool, len(c.candidates))
	out := make([]string, 0, len(c.candidates))
	for _, batch := range c.batches {
		for _, id := range batch {
			if _, ok := c.candidates[id]; ok && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	for _, id := range c.order {
		if _, ok := c.candidates[id]; ok && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// pruneBatches убирает батчи без кандидатов
func (c *ResponseContext) pruneBatches() {
	kept := c.batches[:0]
	for _, batch := range c.batches {
		for _, id := range batch {
			if _, ok := c.candidates[id]; ok {
				kept = append(kept, batch)
				break
			}
		}
	}
	c.batches = kept
}

func (c *ResponseContext) move(t *Target, from, to map[string]*Target) {
	if from[t.branchID] != t {
		panic(&InvariantError{Branch: t.branchID, Msg: "branch is not in the expected partition"})
	}
	delete(from, t.branchID)
	to[t.branchID] = t
	c.checkPartition(t.branchID)
}

func (c *ResponseContext) checkPartition(branchID string) {
	n := 0
	for _, m := range []map[string]*Target{c.candidates, c.active, c.terminated} {
		if _, ok := m[branchID]; ok {
			n++
		}
	}
	if n != 1 {
		panic(&InvariantError{Branch: branchID, Msg: fmt.Sprintf("branch present in %d partitions", n)})
	}
}

// begin запускает кандидата. Устаревший или дублирующий кандидат
// завершается. Ошибка отправки завершает ветку синтетическим 503.
func (c *ResponseContext) begin(t *Target) bool {
	if c.forwarded {
		c.log.Debug("stale candidate withdrawn", slog.String("branch", t.branchID))
		c.terminate(t)
		return false
	}
	if owner, dup := c.started.Owner(t.nameAddr.Address); dup {
		c.log.Debug("duplicate contact withdrawn", slog.String("branch", t.branchID), slog.String("owner", owner))
		c.terminate(t)
		return false
	}
	c.started.Remember(t.nameAddr.Address, t.branchID)

	orig := c.parent.OriginalRequest()
	req := orig.Clone()
	req.Recipient = t.URI()
	req.SetBody(orig.Body())
	// Clone фиксирует адрес исходного Request-URI; адрес ветки берется из контакта или Route
	req.SetDestination("")
	c.decorator.DecorateRequest(req, t)
	t.request = req

	c.move(t, c.candidates, c.active)
	t.transition(eventStart)

	if err := c.parent.SendRequest(t, req); err != nil {
		c.log.Debug("send failed", slog.String("branch", t.branchID), slog.Any("error", err))
		c.finalize(t, c.synthesize(t, 503, "Service Unavailable"))
		return false
	}
	return true
}

func (c *ResponseContext) cancel(t *Target) bool {
	if t.Status() != StatusStarted {
		return false
	}
	t.transition(eventCancel)
	c.parent.CancelClientTransaction(t.branchID)
	return true
}

func (c *ResponseContext) cancelActive() bool {
	cancelled := false
	for _, id := range c.order {
		if t, ok := c.active[id]; ok && c.cancel(t) {
			cancelled = true
		}
	}
	return cancelled
}

func (c *ResponseContext) clearCandidates() bool {
	c.batches = nil
	cleared := false
	for _, id := range c.order {
		if t, ok := c.candidates[id]; ok {
			c.terminate(t)
			cleared = true
		}
	}
	return cleared
}

func (c *ResponseContext) terminate(t *Target) {
	switch {
	case c.active[t.branchID] == t:
		c.move(t, c.active, c.terminated)
	case c.candidates[t.branchID] == t:
		c.move(t, c.candidates, c.terminated)
	default:
		panic(&InvariantError{Branch: t.branchID, Msg: "terminating a branch that is neither candidate nor active"})
	}
	t.transition(eventTerminate)
}

func (c *ResponseContext) provisional(res *sip.Response) {
	if res.StatusCode == 100 || c.forwarded {
		return
	}
	c.decorator.DecorateResponse(res)
	c.parent.RelayResponse(res)
}

func (c *ResponseContext) stray(res *sip.Response, branchID string) {
	if c.invite && isSuccess(res.StatusCode) {
		c.log.Debug("relaying 2xx for inactive branch", slog.String("branch", branchID))
		c.decorator.DecorateResponse(res)
		c.parent.RelayResponse(res)
		return
	}
	c.log.Debug("response for inactive branch dropped", slog.String("branch", branchID), slog.Int("code", res.StatusCode))
}

// finalize единственный путь завершения ветки: финальный ответ,
// Timer C, ошибка транспорта и некорректный ответ.
func (c *ResponseContext) finalize(t *Target, res *sip.Response) {
	code := res.StatusCode
	c.terminate(t)
	if !c.forwarded {
		c.updateBest(t, res)
	}

	switch {
	case isSuccess(code):
		c.cancelOutboundSiblings(t)
		if c.invite {
			c.cancelActive()
		}
		c.clearCandidates()
		if !c.forwarded {
			c.forwardBest()
		} else if c.invite {
			c.decorator.DecorateResponse(res)
			c.parent.RelayResponse(res)
		}
		return
	case isGlobalError(code):
		if c.invite {
			c.cancelActive()
		}
		c.clearCandidates()
		if !c.forwarded {
			c.forwardBest()
		}
		return
	case code == 430 && t.record.InstanceID != "":
		c.failoverFlow(t)
	}
	c.checkCompletion()
}

func (c *ResponseContext) cancelOutboundSiblings(t *Target) {
	inst := t.record.InstanceID
	if inst == "" {
		return
	}
	for _, id := range c.outbound[inst] {
		if id == t.branchID {
			continue
		}
		if s, ok := c.active[id]; ok {
			c.cancel(s)
		} else if s, ok := c.candidates[id]; ok {
			c.terminate(s)
		}
	}
}

// failoverFlow запускает следующий поток того же instance
func (c *ResponseContext) failoverFlow(t *Target) {
	for _, id := range c.outbound[t.record.InstanceID] {
		if s, ok := c.candidates[id]; ok && c.begin(s) {
			c.log.Debug("flow failed, trying next flow", slog.String("failed", t.branchID), slog.String("next", id))
			return
		}
	}
}

func (c *ResponseContext) checkCompletion() {
	if !c.forwarded && c.AreAllTransactionsTerminated() && len(c.terminated) > 0 {
		c.forwardBest()
	}
}

// updateBest сохраняет res, если его ранг выше. Равные по рангу
// 401/407 и 3xx сливаются с сохраненным, иначе остается первый.
func (c *ResponseContext) updateBest(t *Target, res *sip.Response) {
	rank := Rank(res.StatusCode)
	switch {
	case c.best == nil || rank > c.bestRank:
		c.setBest(t, res, rank)
	case rank == c.bestRank && res != c.best:
		c.mergeBest(res)
	}
}

func (c *ResponseContext) setBest(t *Target, res *sip.Response, rank int) {
	c.best = res
	c.bestRank = rank
	c.bestBranch = ""
	c.bestSecure = false
	if t != nil {
		c.bestBranch = t.branchID
		c.bestSecure = t.Secure()
	}
}

func (c *ResponseContext) mergeBest(res *sip.Response) {
	switch {
	case isChallenge(res.StatusCode) && isChallenge(c.best.StatusCode):
		mergeChallenges(c.best, res)
	case isRedirect(res.StatusCode) && isRedirect(c.best.StatusCode):
		mergeContacts(c.best, res)
	}
}

func (c *ResponseContext) forwardBest() {
	if c.invite {
		c.cancelActive()
	}
	c.clearCandidates()
	if c.best == nil {
		c.setBest(nil, c.synthesize(nil, 480, "Temporarily Unavailable"), Rank(480))
	}
	res := c.best
	if res.StatusCode == 503 {
		res.StatusCode = 480
		res.Reason = "Temporarily Unavailable"
	}
	c.markForwarded()

	if !c.invite && res.StatusCode == 408 {
		c.log.Debug("non-INVITE timed out on every branch, abandoning server transaction")
		c.parent.AbandonServerTransaction()
		return
	}
	c.decorator.DecorateResponse(res)
	c.observer.BestResponseForwarded(res)
	c.parent.SendResponse(res)
}

func (c *ResponseContext) markForwarded() {
	if c.forwarded {
		panic(&InvariantError{Msg: "best response forwarded twice"})
	}
	c.forwarded = true
}

// synthesize локальный ответ для ветки t или, при nil, для исходного запроса
func (c *ResponseContext) synthesize(t *Target, code int, reason string) *sip.Response {
	req := c.parent.OriginalRequest()
	if t != nil && t.request != nil {
		req = t.request
	}
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if to := res.To(); to != nil {
		if _, ok := to.Params.Get("tag"); !ok {
			if to.Params == nil {
				to.Params = sip.NewParams()
			}
			to.Params["tag"] = uuid.NewString()
		}
	}
	return res
}

func mergeChallenges(dst, src *sip.Response) {
	for _, name := range []string{"WWW-Authenticate", "Proxy-Authenticate"} {
		for _, h := range src.GetHeaders(name) {
			dst.AppendHeader(sip.HeaderClone(h))
		}
	}
	if len(dst.GetHeaders("Proxy-Authenticate")) > 0 {
		dst.StatusCode = 407
		dst.Reason = "Proxy Authentication Required"
	}
}

func mergeContacts(dst, src *sip.Response) {
	seen := make(map[string]bool)
	for _, h := range dst.GetHeaders("Contact") {
		if u, ok := contactURI(h); ok {
			seen[Canonicalize(u)] = true
		}
	}
	for _, h := range src.GetHeaders("Contact") {
		u, ok := contactURI(h)
		if !ok {
			continue
		}
		key := Canonicalize(u)
		if seen[key] {
			continue
		}
		seen[key] = true
		dst.AppendHeader(sip.HeaderClone(h))
	}
	dst.StatusCode = 300
	dst.Reason = "Multiple Choices"
}

// contactURI URI заголовка Contact; "*" и неразборчивые отклоняются
func contactURI(h sip.Header) (sip.Uri, bool) {
	value := strings.TrimSpace(h.Value())
	if value == "*" {
		return sip.Uri{}, false
	}
	if ch, ok := h.(*sip.ContactHeader); ok {
		return ch.Address, ch.Address.Host != ""
	}
	if start := strings.IndexByte(value, '<'); start >= 0 {
		if end := strings.IndexByte(value[start:], '>'); end > 0 {
			value = value[start+1 : start+end]
		}
	}
	var u sip.Uri
	if err := sip.ParseUri(value, &u); err != nil || u.Host == "" {
		return sip.Uri{}, false
	}
	return u, true
}
