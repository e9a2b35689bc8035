package proxy

import (
	"context"
	"errors"
	"fmt"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_proxy/pkg/sip/fork"
)

// ClientTransport отправка запросов веток в сторону адресатов
type ClientTransport interface {
	// Request открывает клиентскую транзакцию. Via ветки уже добавлен.
	Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error)
	// Write отправляет запрос без транзакции (ACK на 2xx)
	Write(req *sip.Request) error
}

// SipgoTransport ClientTransport поверх sipgo.Client
type SipgoTransport struct {
	client *sipgo.Client
}

func NewSipgoTransport(client *sipgo.Client) *SipgoTransport {
	return &SipgoTransport{client: client}
}

// Request реализует ClientTransport. Опция отключает построение запроса
// клиентом по умолчанию: Via и Route уже выставлены декоратором.
func (t *SipgoTransport) Request(ctx context.Context, req *sip.Request) (sip.ClientTransaction, error) {
	tx, err := t.client.TransactionRequest(ctx, req, sipgo.ClientRequestDecreaseMaxForward)
	if err != nil {
		return nil, NewProxyError("TX_CREATE_FAILED", "не удалось создать клиентскую транзакцию", ErrorCategoryTransport, 503).
			WithRequest(req).WithCause(err)
	}
	return tx, nil
}

// Write реализует ClientTransport
func (t *SipgoTransport) Write(req *sip.Request) error {
	return t.client.WriteRequest(req, sipgo.ClientRequestAddVia, sipgo.ClientRequestDecreaseMaxForward)
}

// newCancelRequest строит CANCEL для запроса ветки (RFC 3261 §9.1):
// тот же Request-URI, верхний Via, Route, From, To, Call-ID и номер CSeq.
func newCancelRequest(req *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, req.Recipient)
	cancelReq.SipVersion = req.SipVersion

	if via := req.Via(); via != nil {
		cancelReq.AppendHeader(via.Clone())
	}

	sip.CopyHeaders("Route", req, cancelReq)

	maxForwards := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxForwards)

	if h := req.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := req.CSeq(); h != nil {
		cseq := sip.HeaderClone(h).(*sip.CSeqHeader)
		cseq.MethodName = sip.CANCEL
		cancelReq.AppendHeader(cseq)
	}

	cancelReq.SetTransport(req.Transport())
	cancelReq.SetSource(req.Source())
	cancelReq.SetDestination(req.Destination())
	return cancelReq
}

// branchError приводит ошибку клиентской транзакции к ошибкам fork
func branchError(err error) error {
	if errors.Is(err, sip.ErrTransactionTimeout) {
		return fmt.Errorf("%w: %w", fork.ErrTransactionTimeout, err)
	}
	return err
}
