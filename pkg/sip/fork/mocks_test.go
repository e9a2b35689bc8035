package fork

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/require"
)

const testProxyHost = "proxy.test"

// fakeParent записывает все обращения контекста к владельцу
type fakeParent struct {
	req       *sip.Request
	sendErr   func(t *Target) error
	onSend    func(t *Target)
	sent      []*Target
	cancels   []string
	responses []*sip.Response
	relayed   []*sip.Response
	abandoned int
}

func (p *fakeParent) OriginalRequest() *sip.Request { return p.req }

func (p *fakeParent) SendRequest(t *Target, req *sip.Request) error {
	p.sent = append(p.sent, t)
	if p.onSend != nil {
		p.onSend(t)
	}
	if p.sendErr != nil {
		return p.sendErr(t)
	}
	return nil
}

func (p *fakeParent) CancelClientTransaction(branchID string) {
	p.cancels = append(p.cancels, branchID)
}

func (p *fakeParent) SendResponse(res *sip.Response) {
	p.responses = append(p.responses, res)
}

func (p *fakeParent) RelayResponse(res *sip.Response) {
	p.relayed = append(p.relayed, res)
}

func (p *fakeParent) AbandonServerTransaction() { p.abandoned++ }

// viaDecorator добавляет Via прокси в запрос и снимает его с ответа
type viaDecorator struct{}

func (viaDecorator) DecorateRequest(req *sip.Request, t *Target) {
	req.PrependHeader(t.Via("UDP", testProxyHost, 5060))
}

func (viaDecorator) DecorateResponse(res *sip.Response) {
	if via := res.Via(); via != nil && via.Host == testProxyHost {
		res.RemoveHeader("Via")
	}
}

// routeDecorator ставит Route на следующий хоп перед Via ветки
type routeDecorator struct {
	host string
	port int
}

func (d routeDecorator) DecorateRequest(req *sip.Request, t *Target) {
	req.PrependHeader(&sip.RouteHeader{Address: sip.Uri{
		Scheme:    "sip",
		Host:      d.host,
		Port:      d.port,
		UriParams: sip.NewParams().Add("lr", ""),
	}})
	req.PrependHeader(t.Via("UDP", testProxyHost, 5060))
}

func (routeDecorator) DecorateResponse(*sip.Response) {}

type transition struct {
	branch   string
	from, to Status
}

type recordingObserver struct {
	transitions []transition
	forwarded   []*sip.Response
}

func (o *recordingObserver) BranchStateChanged(t *Target, from, to Status) {
	o.transitions = append(o.transitions, transition{branch: t.BranchID(), from: from, to: to})
}

func (o *recordingObserver) BestResponseForwarded(res *sip.Response) {
	o.forwarded = append(o.forwarded, res)
}

func newTestRequest(method sip.RequestMethod, scheme string) *sip.Request {
	req := sip.NewRequest(method, sip.Uri{Scheme: scheme, User: "bob", Host: "example.com"})
	req.AppendHeader(&sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       "UDP",
		Host:            "10.0.0.1",
		Port:            5060,
		Params:          sip.NewParams().Add("branch", "z9hG4bK-client-1"),
	})
	req.AppendHeader(&sip.FromHeader{
		DisplayName: "Alice",
		Address:     sip.Uri{Scheme: "sip", User: "alice", Host: "example.com"},
		Params:      sip.NewParams().Add("tag", "a1"),
	})
	req.AppendHeader(&sip.ToHeader{
		Address: sip.Uri{Scheme: scheme, User: "bob", Host: "example.com"},
		Params:  sip.NewParams(),
	})
	callID := sip.CallIDHeader("fork-test-call")
	req.AppendHeader(&callID)
	req.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: method})
	maxForwards := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxForwards)
	return req
}

func newTestContext(t *testing.T, method sip.RequestMethod) (*ResponseContext, *fakeParent, *recordingObserver) {
	t.Helper()
	parent := &fakeParent{req: newTestRequest(method, "sip")}
	obs := &recordingObserver{}
	rc := NewResponseContext(parent, WithDecorator(viaDecorator{}), WithObserver(obs))
	require.NotNil(t, rc)
	return rc, parent, obs
}

func testURI(user, host string) sip.Uri {
	return sip.Uri{Scheme: "sip", User: user, Host: host}
}

func newTargets(n int) []*Target {
	hosts := []string{"a.example.com", "b.example.com", "c.example.com", "d.example.com", "e.example.com", "f.example.com"}
	out := make([]*Target, n)
	for i := range out {
		out[i] = NewTarget(testURI("bob", hosts[i]))
	}
	return out
}

// respond строит ответ downstream-стороны на запрос ветки
func respond(t *Target, code int, reason string) *sip.Response {
	return sip.NewResponseFromRequest(t.Request(), code, reason, nil)
}

// requirePartition проверяет что каждая ветка ровно в одном разделе
func requirePartition(t *testing.T, rc *ResponseContext) {
	t.Helper()
	for _, target := range rc.Targets() {
		n := 0
		for _, in := range []bool{rc.IsCandidate(target.BranchID()), rc.IsActive(target.BranchID()), rc.IsTerminated(target.BranchID())} {
			if in {
				n++
			}
		}
		require.Equal(t, 1, n, "ветка %s должна быть ровно в одном разделе", target.BranchID())
	}
}
