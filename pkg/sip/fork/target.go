package fork

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strconv"

	"github.com/emiago/sipgo/sip"
	"github.com/looplab/fsm"
)

// Status состояние одной ветки форкинга
type Status int

const (
	// StatusNonExistent возвращается для неизвестных branch id и никогда не хранится
	StatusNonExistent Status = iota
	StatusCandidate
	StatusStarted
	StatusCancelled
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusCandidate:
		return stateCandidate
	case StatusStarted:
		return stateStarted
	case StatusCancelled:
		return stateCancelled
	case StatusTerminated:
		return stateTerminated
	default:
		return "non-existent"
	}
}

const (
	stateCandidate  = "candidate"
	stateStarted    = "started"
	stateCancelled  = "cancelled"
	stateTerminated = "terminated"

	eventStart     = "start"
	eventCancel    = "cancel"
	eventTerminate = "terminate"
)

func statusFromState(state string) Status {
	switch state {
	case stateCandidate:
		return StatusCandidate
	case stateStarted:
		return StatusStarted
	case stateCancelled:
		return StatusCancelled
	case stateTerminated:
		return StatusTerminated
	default:
		return StatusNonExistent
	}
}

// ContactRecord привязка регистрации, из которой построена цель
type ContactRecord struct {
	// InstanceID +sip.instance устройства (RFC 5626)
	InstanceID string
	RegID      int
	// Path из регистрации, применяется как предустановленный route set
	Path []sip.Uri
	// ReceivedFrom поток регистрации в виде "transport:host:port"
	ReceivedFrom   string
	UseFlowRouting bool
}

func (r ContactRecord) clone() ContactRecord {
	out := r
	if r.Path != nil {
		out.Path = make([]sip.Uri, len(r.Path))
		for i := range r.Path {
			out.Path[i] = cloneURI(r.Path[i])
		}
	}
	return out
}

// Target один адресат форкинга. Branch id Via назначается при создании,
// состоянием управляет владеющий ResponseContext.
type Target struct {
	branchID    string
	nameAddr    sip.ContactHeader
	priority    int
	autoProcess bool
	record      ContactRecord
	store       *KeyValueStore

	state    *fsm.FSM
	onChange func(t *Target, from, to Status)

	// запрос ветки в том виде, в каком ушел в транспорт
	request *sip.Request
}

// TargetOption настройка Target при создании
type TargetOption func(t *Target)

// WithPriority задает приоритет, больший предпочтительнее
func WithPriority(p int) TargetOption {
	return func(t *Target) { t.priority = p }
}

// WithAutoProcess цель запускается без ручного вызова Begin
func WithAutoProcess(auto bool) TargetOption {
	return func(t *Target) { t.autoProcess = auto }
}

func WithDisplayName(name string) TargetOption {
	return func(t *Target) { t.nameAddr.DisplayName = name }
}

func WithBranchID(id string) TargetOption {
	return func(t *Target) { t.branchID = id }
}

func WithRecord(r ContactRecord) TargetOption {
	return func(t *Target) { t.record = r.clone() }
}

// NewTarget создает цель-кандидата для URI контакта
func NewTarget(uri sip.Uri, opts ...TargetOption) *Target {
	t := &Target{
		branchID: sip.GenerateBranch(),
		nameAddr: sip.ContactHeader{Address: cloneURI(uri), Params: sip.NewParams()},
		store:    NewKeyValueStore(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.state = t.newFSM(stateCandidate)
	return t
}

// NewTargetFromContact создает цель из заголовка Contact.
// Параметр q становится приоритетом в тысячных.
func NewTargetFromContact(c *sip.ContactHeader, opts ...TargetOption) *Target {
	base := []TargetOption{WithDisplayName(c.DisplayName)}
	if q, ok := c.Params.Get("q"); ok {
		if v, err := strconv.ParseFloat(q, 64); err == nil {
			base = append(base, WithPriority(int(math.Round(v*1000))))
		}
	}
	t := NewTarget(c.Address, append(base, opts...)...)
	for k, v := range c.Params {
		t.nameAddr.Params[k] = v
	}
	return t
}

func (t *Target) newFSM(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial,
		fsm.Events{
			{Name: eventStart, Src: []string{stateCandidate}, Dst: stateStarted},
			{Name: eventCancel, Src: []string{stateStarted}, Dst: stateCancelled},
			{Name: eventTerminate, Src: []string{stateCandidate, stateStarted, stateCancelled}, Dst: stateTerminated},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				if t.onChange != nil {
					t.onChange(t, statusFromState(e.Src), statusFromState(e.Dst))
				}
			},
		},
	)
}

// transition выполняет переход FSM. Недопустимый переход означает
// рассогласование с владельцем и приводит к панике.
func (t *Target) transition(event string) {
	if !t.state.Can(event) {
		panic(&InvariantError{Branch: t.branchID, Msg: fmt.Sprintf("illegal %q from %s", event, t.state.Current())})
	}
	if err := t.state.Event(context.Background(), event); err != nil {
		panic(&InvariantError{Branch: t.branchID, Msg: err.Error()})
	}
}

func (t *Target) BranchID() string { return t.branchID }

// URI копия адреса назначения
func (t *Target) URI() sip.Uri { return cloneURI(t.nameAddr.Address) }

func (t *Target) NameAddr() sip.ContactHeader {
	return sip.ContactHeader{
		DisplayName: t.nameAddr.DisplayName,
		Address:     cloneURI(t.nameAddr.Address),
		Params:      cloneParams(t.nameAddr.Params),
	}
}

func (t *Target) Priority() int         { return t.priority }
func (t *Target) AutoProcess() bool     { return t.autoProcess }
func (t *Target) Status() Status        { return statusFromState(t.state.Current()) }
func (t *Target) Store() *KeyValueStore { return t.store }
func (t *Target) Record() ContactRecord { return t.record.clone() }

// Request запрос ветки, nil до запуска
func (t *Target) Request() *sip.Request { return t.request }

// Secure адрес sips
func (t *Target) Secure() bool { return t.nameAddr.Address.Scheme == "sips" }

// Via строит заголовок Via с branch id ветки
func (t *Target) Via(transport, host string, port int) *sip.ViaHeader {
	return &sip.ViaHeader{
		ProtocolName:    "SIP",
		ProtocolVersion: "2.0",
		Transport:       transport,
		Host:            host,
		Port:            port,
		Params:          sip.NewParams().Add("branch", t.branchID),
	}
}

// Clone независимая копия с теми же полями, не привязанная к ResponseContext
func (t *Target) Clone() *Target {
	c := &Target{
		branchID:    t.branchID,
		nameAddr:    t.NameAddr(),
		priority:    t.priority,
		autoProcess: t.autoProcess,
		record:      t.record.clone(),
		store:       t.store.clone(),
	}
	if t.request != nil {
		c.request = t.request.Clone()
	}
	c.state = c.newFSM(t.state.Current())
	return c
}

func (t *Target) String() string {
	return fmt.Sprintf("%s %s (%s, prio=%d)", t.branchID, t.nameAddr.Address.String(), t.Status(), t.priority)
}

// PriorityCompare сообщает, что a приоритетнее b
func PriorityCompare(a, b *Target) bool {
	return a.priority > b.priority
}

// SortByPriority сортирует по убыванию приоритета, при равенстве порядок сохраняется
func SortByPriority(targets []*Target) {
	sort.SliceStable(targets, func(i, j int) bool {
		return PriorityCompare(targets[i], targets[j])
	})
}

func cloneURI(u sip.Uri) sip.Uri {
	out := u
	out.UriParams = cloneParams(u.UriParams)
	out.Headers = cloneParams(u.Headers)
	return out
}

func cloneParams(p sip.HeaderParams) sip.HeaderParams {
	if p == nil {
		return nil
	}
	out := make(sip.HeaderParams, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}
