package fork

import (
	"sort"
	"strconv"
	"strings"

	"github.com/emiago/sipgo/sip"
)

// significantParams параметры URI, влияющие на доставку (RFC 3261 §19.1.4).
// Остальные при сравнении контактов игнорируются.
var significantParams = map[string]bool{
	"user":      true,
	"ttl":       true,
	"method":    true,
	"maddr":     true,
	"transport": true,
}

// Canonicalize приводит URI к виду, в котором контакты одного адресата
// совпадают: схема и хост в нижнем регистре, порт по умолчанию опущен,
// остаются только значимые параметры, заголовки URI отбрасываются.
func Canonicalize(u sip.Uri) string {
	scheme := strings.ToLower(u.Scheme)
	if scheme == "" {
		scheme = "sip"
	}

	var b strings.Builder
	b.WriteString(scheme)
	b.WriteByte(':')
	if u.User != "" {
		b.WriteString(u.User)
		b.WriteByte('@')
	}
	b.WriteString(strings.ToLower(u.Host))
	if u.Port != 0 && u.Port != defaultPort(scheme) {
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(u.Port))
	}

	names := make([]string, 0, len(u.UriParams))
	values := make(map[string]string, len(u.UriParams))
	for k, v := range u.UriParams {
		name := strings.ToLower(k)
		if !significantParams[name] {
			continue
		}
		if name == "transport" || name == "user" || name == "method" {
			v = strings.ToLower(v)
		}
		names = append(names, name)
		values[name] = v
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteByte(';')
		b.WriteString(name)
		if v := values[name]; v != "" {
			b.WriteByte('=')
			b.WriteString(v)
		}
	}
	return b.String()
}

func defaultPort(scheme string) int {
	if scheme == "sips" {
		return 5061
	}
	return 5060
}

// DuplicateFilter помнит канонические контакты, на которые уже ушли ветки
type DuplicateFilter struct {
	seen map[string]string
}

func NewDuplicateFilter() *DuplicateFilter {
	return &DuplicateFilter{seen: make(map[string]string)}
}

// Seen не меняет фильтр
func (f *DuplicateFilter) Seen(u sip.Uri) bool {
	_, ok := f.seen[Canonicalize(u)]
	return ok
}

// Owner ветка, первой использовавшая эквивалентный u контакт
func (f *DuplicateFilter) Owner(u sip.Uri) (string, bool) {
	id, ok := f.seen[Canonicalize(u)]
	return id, ok
}

// Remember запоминает u за веткой. Первый владелец сохраняется.
func (f *DuplicateFilter) Remember(u sip.Uri, branch string) {
	key := Canonicalize(u)
	if _, ok := f.seen[key]; !ok {
		f.seen[key] = branch
	}
}

func (f *DuplicateFilter) Len() int { return len(f.seen) }
