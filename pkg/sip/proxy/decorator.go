package proxy

import (
	"strings"

	"github.com/emiago/sipgo/sip"

	"github.com/arzzra/sip_proxy/pkg/sip/fork"
)

// RouteDecorator добавляет и снимает заголовки прокси на ветках:
// Via с branch id ветки, Route из Path регистрации, Record-Route.
// Реализует fork.Decorator.
type RouteDecorator struct {
	transport   string
	host        string
	port        int
	recordRoute bool
}

// NewRouteDecorator создает декоратор по конфигурации прокси
func NewRouteDecorator(cfg Config) *RouteDecorator {
	return &RouteDecorator{
		transport:   cfg.Transport(),
		host:        cfg.Hostname,
		port:        cfg.AdvertisedPort,
		recordRoute: cfg.RecordRoute,
	}
}

// DecorateRequest реализует fork.Decorator
func (d *RouteDecorator) DecorateRequest(req *sip.Request, t *fork.Target) {
	rec := t.Record()

	// Path применяется как предустановленный route set, первый элемент сверху
	for i := len(rec.Path) - 1; i >= 0; i-- {
		req.PrependHeader(&sip.RouteHeader{Address: rec.Path[i]})
	}

	if d.recordRoute && createsDialog(req.Method) {
		req.PrependHeader(&sip.RecordRouteHeader{Address: d.selfURI(t.Secure())})
	}
	// RFC 3327: регистрация через прокси запоминает его в Path
	if d.recordRoute && req.Method == sip.REGISTER {
		self := d.selfURI(t.Secure())
		req.PrependHeader(sip.NewHeader("Path", "<"+self.String()+">"))
	}

	transport := d.transport
	if rec.UseFlowRouting && rec.ReceivedFrom != "" {
		if tp, addr, ok := splitFlow(rec.ReceivedFrom); ok {
			req.SetTransport(tp)
			req.SetDestination(addr)
			transport = strings.ToUpper(tp)
		}
	}

	req.PrependHeader(t.Via(transport, d.host, d.port))
}

// DecorateResponse реализует fork.Decorator: снимает собственный Via
func (d *RouteDecorator) DecorateResponse(res *sip.Response) {
	if via := res.Via(); via != nil && d.isOwnVia(via) {
		res.RemoveHeader("Via")
	}
}

func (d *RouteDecorator) isOwnVia(via *sip.ViaHeader) bool {
	if !strings.EqualFold(via.Host, d.host) {
		return false
	}
	port := via.Port
	if port == 0 {
		port = 5060
	}
	return port == d.port
}

// hasOwnVia сообщает, что запрос уже проходил через этот прокси
func (d *RouteDecorator) hasOwnVia(req *sip.Request) bool {
	for _, h := range req.GetHeaders("Via") {
		if via, ok := h.(*sip.ViaHeader); ok && d.isOwnVia(via) {
			return true
		}
	}
	return false
}

// popOwnRoute убирает верхний Route, если он указывает на прокси (loose routing)
func (d *RouteDecorator) popOwnRoute(req *sip.Request) bool {
	route, ok := req.GetHeader("Route").(*sip.RouteHeader)
	if !ok || route == nil {
		return false
	}
	if !strings.EqualFold(route.Address.Host, d.host) {
		return false
	}
	port := route.Address.Port
	if port == 0 {
		port = 5060
	}
	if port != d.port {
		return false
	}
	req.RemoveHeader("Route")
	return true
}

func (d *RouteDecorator) selfURI(secure bool) sip.Uri {
	uri := sip.Uri{
		Scheme:    "sip",
		Host:      d.host,
		Port:      d.port,
		UriParams: sip.NewParams().Add("lr", ""),
	}
	if secure {
		uri.Scheme = "sips"
	}
	if d.transport != "UDP" {
		uri.UriParams.Add("transport", strings.ToLower(d.transport))
	}
	return uri
}

func createsDialog(method sip.RequestMethod) bool {
	switch method {
	case sip.INVITE, sip.SUBSCRIBE, sip.REFER:
		return true
	}
	return false
}

// splitFlow разбирает "transport:host:port"
func splitFlow(flow string) (transport, addr string, ok bool) {
	transport, addr, ok = strings.Cut(flow, ":")
	if !ok || transport == "" || addr == "" {
		return "", "", false
	}
	return strings.ToLower(transport), addr, true
}
