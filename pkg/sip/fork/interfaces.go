package fork

import "github.com/emiago/sipgo/sip"

// Parent контекст запроса, владеющий ResponseContext. Все вызовы
// выполняются в сериализованном контексте владельца.
type Parent interface {
	// OriginalRequest форкаемый запрос, неизменен все время жизни контекста
	OriginalRequest() *sip.Request
	// SendRequest открывает клиентскую транзакцию ветки, не блокируется
	SendRequest(t *Target, req *sip.Request) error
	// CancelClientTransaction CANCEL запущенной ветки
	CancelClientTransaction(branchID string)
	// SendResponse финальный ответ upstream, не более одного раза
	SendResponse(res *sip.Response)
	// RelayResponse предварительный ответ или дополнительный 2xx
	RelayResponse(res *sip.Response)
	// AbandonServerTransaction финального ответа не будет
	AbandonServerTransaction()
}

// Decorator правит сообщения, проходящие через прокси (Via, Route, Record-Route)
type Decorator interface {
	DecorateRequest(req *sip.Request, t *Target)
	DecorateResponse(res *sip.Response)
}

// Observer получает события веток и пересылки ответа
type Observer interface {
	BranchStateChanged(t *Target, from, to Status)
	BestResponseForwarded(res *sip.Response)
}

type nopDecorator struct{}

func (nopDecorator) DecorateRequest(*sip.Request, *Target) {}
func (nopDecorator) DecorateResponse(*sip.Response)        {}

type nopObserver struct{}

func (nopObserver) BranchStateChanged(*Target, Status, Status) {}
func (nopObserver) BestResponseForwarded(*sip.Response)        {}
