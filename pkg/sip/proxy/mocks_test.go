package proxy

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

const (
	testHost    = "proxy.test"
	waitTimeout = 2 * time.Second
	waitTick    = 5 * time.Millisecond
)

// mockServerTransaction записывает ответы прокси upstream
type mockServerTransaction struct {
	req *sip.Request

	mu         sync.Mutex
	responses  []*sip.Response
	terminated bool
	// respondErr возвращается из Respond после записи ответа
	respondErr error
	done       chan struct{}
	once       sync.Once
}

func newMockServerTransaction(req *sip.Request) *mockServerTransaction {
	return &mockServerTransaction{req: req, done: make(chan struct{})}
}

func (m *mockServerTransaction) Request() *sip.Request {
	return m.req
}

func (m *mockServerTransaction) Respond(res *sip.Response) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, res)
	return m.respondErr
}

func (m *mockServerTransaction) Ack(req *sip.Request) error {
	return nil
}

func (m *mockServerTransaction) Cancel() error {
	return nil
}

func (m *mockServerTransaction) Close() error {
	return nil
}

func (m *mockServerTransaction) Done() <-chan struct{} {
	return m.done
}

func (m *mockServerTransaction) Terminate() {
	m.mu.Lock()
	m.terminated = true
	m.mu.Unlock()
	m.once.Do(func() { close(m.done) })
}

func (m *mockServerTransaction) OnTerminate(f sip.FnTxTerminate) bool {
	return false
}

func (m *mockServerTransaction) OnClose(f sip.FnTxTerminate) bool {
	return false
}

func (m *mockServerTransaction) Acks() <-chan *sip.Request {
	return nil
}

func (m *mockServerTransaction) Err() error {
	return nil
}

func (m *mockServerTransaction) OnCancel(f sip.FnTxCancel) bool {
	return false
}

func (m *mockServerTransaction) Responses() []*sip.Response {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*sip.Response(nil), m.responses...)
}

// finals возвращает только финальные ответы
func (m *mockServerTransaction) finals() []*sip.Response {
	var out []*sip.Response
	for _, res := range m.Responses() {
		if res.StatusCode >= 200 {
			out = append(out, res)
		}
	}
	return out
}

func (m *mockServerTransaction) isTerminated() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// mockClientTransaction клиентская транзакция ветки, ответы подаются тестом
type mockClientTransaction struct {
	req       *sip.Request
	responses chan *sip.Response
	done      chan struct{}
	once      sync.Once

	mu  sync.Mutex
	err error
}

func newMockClientTransaction(req *sip.Request) *mockClientTransaction {
	return &mockClientTransaction{
		req:       req,
		responses: make(chan *sip.Response, 16),
		done:      make(chan struct{}),
	}
}

func (m *mockClientTransaction) Responses() <-chan *sip.Response {
	return m.responses
}

func (m *mockClientTransaction) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

func (m *mockClientTransaction) Ack(req *sip.Request) error {
	return nil
}

func (m *mockClientTransaction) Cancel() error {
	return nil
}

func (m *mockClientTransaction) Close() error {
	return nil
}

func (m *mockClientTransaction) Done() <-chan struct{} {
	return m.done
}

func (m *mockClientTransaction) OnTerminate(f sip.FnTxTerminate) bool {
	return false
}

func (m *mockClientTransaction) Request() *sip.Request {
	return m.req
}

func (m *mockClientTransaction) Terminate() {
	m.finish(nil)
}

func (m *mockClientTransaction) OnRetransmission(f sip.FnTxResponse) bool {
	return false
}

// respond отдает ответ downstream-стороны на запрос ветки
func (m *mockClientTransaction) respond(code int, reason string) {
	m.responses <- sip.NewResponseFromRequest(m.req, code, reason, nil)
}

func (m *mockClientTransaction) finish(err error) {
	m.once.Do(func() {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
		close(m.done)
	})
}

// mockTransport открывает mockClientTransaction на каждый запрос
type mockTransport struct {
	mu       sync.Mutex
	txs      []*mockClientTransaction
	cancels  []*sip.Request
	written  []*sip.Request
	failHost string
}

func (m *mockTransport) Request(_ context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx := newMockClientTransaction(req)
	if req.Method == sip.CANCEL {
		m.cancels = append(m.cancels, req)
		tx.responses <- sip.NewResponseFromRequest(req, 200, "OK", nil)
		tx.finish(nil)
		return tx, nil
	}
	if m.failHost != "" && req.Recipient.Host == m.failHost {
		return nil, errors.New("connection refused")
	}
	m.txs = append(m.txs, tx)
	return tx, nil
}

func (m *mockTransport) Write(req *sip.Request) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = append(m.written, req)
	return nil
}

func (m *mockTransport) transactions() []*mockClientTransaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mockClientTransaction(nil), m.txs...)
}

func (m *mockTransport) cancelled() []*sip.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*sip.Request(nil), m.cancels...)
}

// txFor ждет клиентскую транзакцию к хосту
func (m *mockTransport) txFor(t *testing.T, host string) *mockClientTransaction {
	t.Helper()
	var found *mockClientTransaction
	require.Eventually(t, func() bool {
		for _, tx := range m.transactions() {
			if tx.req.Recipient.Host == host {
				found = tx
				return true
			}
		}
		return false
	}, waitTimeout, waitTick, "нет транзакции к %s", host)
	return found
}

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Hostname = testHost
	cfg.ListenAddr = "127.0.0.1:5060"
	cfg.Domains = []string{"example.com"}
	require.NoError(t, cfg.Validate())
	return cfg
}

func newTestRequest(method sip.RequestMethod, user, host string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: "sip", User: user, Host: host})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.1",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", sip.GenerateBranch()),
	})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		Params:      sip.NewParams().Add("tag", "a1"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: "sip", User: user, Host: host},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("proxy-test-call")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	return req
}

// newCancelFor строит CANCEL так, как его отправил бы UAC
func newCancelFor(req *sip.Request) *sip.Request {
	return newCancelRequest(req)
}

// logBuffer потокобезопасный приемник slog
type logBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitDone(t *testing.T, rc *RequestContext) {
	t.Helper()
	select {
	case <-rc.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("контекст %s не завершился", rc.ID())
	}
}
