package proxy

import (
	"context"
	"fmt"
	"math"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/emiago/sipgo/sip"
	"gopkg.in/yaml.v3"

	"github.com/arzzra/sip_proxy/pkg/sip/fork"
)

// Locator определяет адресатов запроса
type Locator interface {
	Locate(ctx context.Context, req *sip.Request) (Location, error)
}

// Location результат поиска адресатов. Batches упорядочены по убыванию q,
// Outbound сгруппирован по +sip.instance.
type Location struct {
	Batches  [][]*fork.Target
	Outbound map[string][]*fork.Target
}

// Empty сообщает, что адресатов нет
func (l Location) Empty() bool {
	return len(l.Batches) == 0 && len(l.Outbound) == 0
}

// Count общее число адресатов
func (l Location) Count() int {
	n := 0
	for _, b := range l.Batches {
		n += len(b)
	}
	for _, g := range l.Outbound {
		n += len(g)
	}
	return n
}

// Targets все адресаты: батчи по порядку, затем потоки outbound по instance
func (l Location) Targets() []*fork.Target {
	out := make([]*fork.Target, 0, l.Count())
	for _, b := range l.Batches {
		out = append(out, b...)
	}
	instances := make([]string, 0, len(l.Outbound))
	for inst := range l.Outbound {
		instances = append(instances, inst)
	}
	sort.Strings(instances)
	for _, inst := range instances {
		out = append(out, l.Outbound[inst]...)
	}
	return out
}

// Binding привязка контакта к AOR
type Binding struct {
	Contact  string   `yaml:"contact"`
	Q        float64  `yaml:"q"`
	Instance string   `yaml:"instance,omitempty"`
	RegID    int      `yaml:"reg_id,omitempty"`
	Path     []string `yaml:"path,omitempty"`
	// Received flow в виде "transport:host:port"
	Received string `yaml:"received,omitempty"`
}

type routeTable struct {
	Routes map[string][]Binding `yaml:"routes"`
}

// StaticLocator таблица маршрутов AOR -> контакты.
// Для доменов вне Domains адресатом становится сам Request-URI.
type StaticLocator struct {
	mu       sync.RWMutex
	domains  map[string]struct{}
	bindings map[string][]Binding
}

// NewStaticLocator создает пустую таблицу для доменов прокси
func NewStaticLocator(domains []string) *StaticLocator {
	l := &StaticLocator{
		domains:  make(map[string]struct{}, len(domains)),
		bindings: make(map[string][]Binding),
	}
	for _, d := range domains {
		l.domains[strings.ToLower(d)] = struct{}{}
	}
	return l
}

// LoadStaticLocator читает таблицу маршрутов из YAML файла
func LoadStaticLocator(path string, domains []string) (*StaticLocator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения таблицы маршрутов: %w", err)
	}
	return ParseStaticLocator(data, domains)
}

// ParseStaticLocator разбирает таблицу маршрутов из YAML
func ParseStaticLocator(data []byte, domains []string) (*StaticLocator, error) {
	var table routeTable
	if err := yaml.Unmarshal(data, &table); err != nil {
		return nil, ErrInvalidConfig("routes", err.Error()).WithCause(err)
	}
	l := NewStaticLocator(domains)
	for aor, list := range table.Routes {
		for _, b := range list {
			if err := l.Add(aor, b); err != nil {
				return nil, err
			}
		}
	}
	return l, nil
}

// Add добавляет привязку. aor в виде user@domain.
func (l *StaticLocator) Add(aor string, b Binding) error {
	var uri sip.Uri
	if err := sip.ParseUri(b.Contact, &uri); err != nil {
		return ErrInvalidConfig("routes", fmt.Sprintf("контакт %q для %s", b.Contact, aor)).WithCause(err)
	}
	for _, p := range b.Path {
		var hop sip.Uri
		if err := sip.ParseUri(p, &hop); err != nil {
			return ErrInvalidConfig("routes", fmt.Sprintf("path %q для %s", p, aor)).WithCause(err)
		}
	}
	if b.Received != "" {
		if _, _, ok := splitFlow(b.Received); !ok {
			return ErrInvalidConfig("routes", fmt.Sprintf("received %q для %s", b.Received, aor))
		}
	}
	if b.Q < 0 || b.Q > 1 {
		return ErrInvalidConfig("routes", fmt.Sprintf("q=%v для %s", b.Q, aor))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	key := strings.ToLower(aor)
	l.bindings[key] = append(l.bindings[key], b)
	return nil
}

// Locate реализует Locator. Каждый вызов создает новые fork.Target.
func (l *StaticLocator) Locate(_ context.Context, req *sip.Request) (Location, error) {
	host := strings.ToLower(req.Recipient.Host)
	if !l.isLocal(host) {
		t := fork.NewTarget(req.Recipient, fork.WithAutoProcess(true))
		return Location{Batches: [][]*fork.Target{{t}}}, nil
	}

	l.mu.RLock()
	bindings := append([]Binding(nil), l.bindings[addressOfRecord(req.Recipient)]...)
	l.mu.RUnlock()
	if len(bindings) == 0 {
		return Location{}, ErrNoTargets(req.Recipient).WithRequest(req)
	}

	var loc Location
	byQ := make(map[int][]*fork.Target)
	for _, b := range bindings {
		t := b.target()
		if b.Instance != "" {
			if loc.Outbound == nil {
				loc.Outbound = make(map[string][]*fork.Target)
			}
			loc.Outbound[b.Instance] = append(loc.Outbound[b.Instance], t)
			continue
		}
		byQ[t.Priority()] = append(byQ[t.Priority()], t)
	}

	levels := make([]int, 0, len(byQ))
	for q := range byQ {
		levels = append(levels, q)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(levels)))
	for _, q := range levels {
		loc.Batches = append(loc.Batches, byQ[q])
	}
	for _, group := range loc.Outbound {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].Record().RegID < group[j].Record().RegID
		})
	}
	return loc, nil
}

// addressOfRecord ключ таблицы маршрутов: user@host в нижнем регистре
func addressOfRecord(uri sip.Uri) string {
	return strings.ToLower(uri.User) + "@" + strings.ToLower(uri.Host)
}

func (l *StaticLocator) isLocal(host string) bool {
	if len(l.domains) == 0 {
		return true
	}
	_, ok := l.domains[host]
	return ok
}

func (b Binding) target() *fork.Target {
	var uri sip.Uri
	// валидность проверена в Add
	_ = sip.ParseUri(b.Contact, &uri)

	rec := fork.ContactRecord{
		InstanceID:     b.Instance,
		RegID:          b.RegID,
		ReceivedFrom:   b.Received,
		UseFlowRouting: b.Received != "",
	}
	for _, p := range b.Path {
		var hop sip.Uri
		_ = sip.ParseUri(p, &hop)
		rec.Path = append(rec.Path, hop)
	}

	q := b.Q
	if q == 0 {
		q = 1
	}
	return fork.NewTarget(uri,
		fork.WithPriority(int(math.Round(q*1000))),
		fork.WithAutoProcess(true),
		fork.WithRecord(rec),
	)
}
