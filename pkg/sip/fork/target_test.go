package fork

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTarget(t *testing.T) {
	target := NewTarget(testURI("bob", "a.example.com"), WithPriority(500), WithAutoProcess(true), WithDisplayName("Bob"))

	assert.True(t, strings.HasPrefix(target.BranchID(), "z9hG4bK"), "branch id должен содержать magic cookie")
	assert.Equal(t, StatusCandidate, target.Status())
	assert.Equal(t, 500, target.Priority())
	assert.True(t, target.AutoProcess())
	assert.Equal(t, "Bob", target.NameAddr().DisplayName)
	assert.Equal(t, "a.example.com", target.URI().Host)
	assert.Nil(t, target.Request())
	assert.False(t, target.Secure())

	other := NewTarget(testURI("bob", "a.example.com"))
	assert.NotEqual(t, target.BranchID(), other.BranchID())
}

func TestNewTargetFromContact(t *testing.T) {
	contact := &sip.ContactHeader{
		DisplayName: "Bob Mobile",
		Address:     sip.Uri{Scheme: "sip", User: "bob", Host: "10.1.1.1", Port: 5080},
		Params:      sip.NewParams().Add("q", "0.7").Add("expires", "3600"),
	}

	target := NewTargetFromContact(contact, WithAutoProcess(true))

	assert.Equal(t, 700, target.Priority())
	assert.Equal(t, "Bob Mobile", target.NameAddr().DisplayName)
	expires, ok := target.NameAddr().Params.Get("expires")
	require.True(t, ok)
	assert.Equal(t, "3600", expires)
	assert.Equal(t, 5080, target.URI().Port)
}

func TestTargetClone(t *testing.T) {
	keys := NewKeyAllocator()
	note := keys.Allocate("note")

	uri := testURI("bob", "a.example.com")
	uri.UriParams = sip.NewParams().Add("transport", "tcp")
	original := NewTarget(uri, WithPriority(3), WithRecord(ContactRecord{
		InstanceID: "<urn:uuid:1>",
		Path:       []sip.Uri{testURI("", "edge.example.com")},
	}))
	original.Store().Set(note, "first")

	clone := original.Clone()

	assert.Equal(t, original.BranchID(), clone.BranchID())
	assert.Equal(t, original.Priority(), clone.Priority())
	assert.Equal(t, original.Status(), clone.Status())
	assert.Equal(t, "first", clone.Store().String(note))
	assert.Equal(t, "<urn:uuid:1>", clone.Record().InstanceID)

	// Изменения клона не должны затрагивать оригинал
	clone.Store().Set(note, "second")
	clone.nameAddr.Address.UriParams["transport"] = "udp"
	clone.record.Path[0].Host = "other.example.com"
	clone.transition(eventStart)

	assert.Equal(t, "first", original.Store().String(note))
	transport, _ := original.URI().UriParams.Get("transport")
	assert.Equal(t, "tcp", transport)
	assert.Equal(t, "edge.example.com", original.Record().Path[0].Host)
	assert.Equal(t, StatusCandidate, original.Status())
	assert.Equal(t, StatusStarted, clone.Status())
}

func TestTargetLifecycle(t *testing.T) {
	target := NewTarget(testURI("bob", "a.example.com"))
	var seen []Status
	target.onChange = func(_ *Target, _, to Status) { seen = append(seen, to) }

	target.transition(eventStart)
	target.transition(eventCancel)
	target.transition(eventTerminate)

	assert.Equal(t, []Status{StatusStarted, StatusCancelled, StatusTerminated}, seen)
	assert.Panics(t, func() { target.transition(eventStart) }, "переход из terminated невозможен")
}

func TestSortByPriority(t *testing.T) {
	a := NewTarget(testURI("a", "x"), WithPriority(1))
	b := NewTarget(testURI("b", "x"), WithPriority(10))
	c := NewTarget(testURI("c", "x"), WithPriority(5))
	d := NewTarget(testURI("d", "x"), WithPriority(10))

	targets := []*Target{a, b, c, d}
	SortByPriority(targets)

	assert.Equal(t, []*Target{b, d, c, a}, targets, "порядок вставки сохраняется при равных приоритетах")
	assert.True(t, PriorityCompare(b, c))
	assert.False(t, PriorityCompare(b, d))
}

func TestTargetVia(t *testing.T) {
	target := NewTarget(testURI("bob", "a.example.com"), WithBranchID("z9hG4bK-fixed"))

	via := target.Via("TCP", "proxy.example.com", 5070)

	assert.Equal(t, "TCP", via.Transport)
	assert.Equal(t, "proxy.example.com", via.Host)
	assert.Equal(t, 5070, via.Port)
	branch, ok := via.Params.Get("branch")
	require.True(t, ok)
	assert.Equal(t, "z9hG4bK-fixed", branch)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "candidate", StatusCandidate.String())
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.Equal(t, "non-existent", StatusNonExistent.String())
}
