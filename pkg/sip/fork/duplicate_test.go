package fork

import (
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
)

func TestCanonicalize(t *testing.T) {
	tests := []struct {
		name string
		a, b sip.Uri
		same bool
	}{
		{
			name: "регистр хоста и схемы",
			a:    sip.Uri{Scheme: "SIP", User: "bob", Host: "Example.COM"},
			b:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
			same: true,
		},
		{
			name: "порт по умолчанию",
			a:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com", Port: 5060},
			b:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
			same: true,
		},
		{
			name: "порт по умолчанию для sips",
			a:    sip.Uri{Scheme: "sips", User: "bob", Host: "example.com", Port: 5061},
			b:    sip.Uri{Scheme: "sips", User: "bob", Host: "example.com"},
			same: true,
		},
		{
			name: "несущественные параметры и заголовки",
			a: sip.Uri{Scheme: "sip", User: "bob", Host: "example.com",
				UriParams: sip.NewParams().Add("ob", "").Add("gr", "x"),
				Headers:   sip.NewParams().Add("Subject", "hi")},
			b:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
			same: true,
		},
		{
			name: "transport различает",
			a:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com", UriParams: sip.NewParams().Add("transport", "TCP")},
			b:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
			same: false,
		},
		{
			name: "transport без учета регистра",
			a:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com", UriParams: sip.NewParams().Add("transport", "TCP")},
			b:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com", UriParams: sip.NewParams().Add("transport", "tcp")},
			same: true,
		},
		{
			name: "другой порт",
			a:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com", Port: 5080},
			b:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
			same: false,
		},
		{
			name: "другая схема",
			a:    sip.Uri{Scheme: "sips", User: "bob", Host: "example.com"},
			b:    sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"},
			same: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.same {
				assert.Equal(t, Canonicalize(tt.a), Canonicalize(tt.b))
			} else {
				assert.NotEqual(t, Canonicalize(tt.a), Canonicalize(tt.b))
			}
		})
	}
}

func TestDuplicateFilter(t *testing.T) {
	f := NewDuplicateFilter()
	uri := sip.Uri{Scheme: "sip", User: "bob", Host: "example.com"}

	assert.False(t, f.Seen(uri))
	f.Remember(uri, "b1")
	f.Remember(sip.Uri{Scheme: "sip", User: "bob", Host: "EXAMPLE.com", Port: 5060}, "b2")

	assert.True(t, f.Seen(uri))
	owner, ok := f.Owner(uri)
	assert.True(t, ok)
	assert.Equal(t, "b1", owner, "первый владелец сохраняется")
	assert.Equal(t, 1, f.Len())
}
