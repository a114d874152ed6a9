package pubsub

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marlin-relay/internal/abci"
	"marlin-relay/internal/attest"
	"marlin-relay/internal/witness"
)

type fakePeer struct {
	key  string
	sent [][]byte
	fail bool
}

func (p *fakePeer) Send(unit []byte) error {
	if p.fail {
		return assertErr
	}
	p.sent = append(p.sent, unit)
	return nil
}

func (p *fakePeer) Key() string { return p.key }

var assertErr = &notEstablishedErr{}

type notEstablishedErr struct{}

func (*notEstablishedErr) Error() string { return "not established" }

func identityEncode(channel string, msg []byte) []byte { return msg }

func newTestEngine() *Engine {
	e := NewEngine([32]byte{1, 2, 3}, attest.Empty{}, witness.LPF{}, abci.NewNull([32]byte{1}), identityEncode)
	e.RegisterChannel("blocks")
	return e
}

func TestSubscribeRejectsUnknownChannel(t *testing.T) {
	e := newTestEngine()
	ok := e.Subscribe(&fakePeer{key: "p1"}, "unknown")
	assert.False(t, ok)
}

func TestSubscribeIsIdempotent(t *testing.T) {
	e := newTestEngine()
	p := &fakePeer{key: "p1"}
	assert.True(t, e.Subscribe(p, "blocks"))
	assert.True(t, e.Subscribe(p, "blocks"))
	assert.Len(t, e.channels["blocks"].subscribers, 1)
}

func TestSendMessageOnChannelDeliversToAllSubscribers(t *testing.T) {
	e := newTestEngine()
	p1 := &fakePeer{key: "p1"}
	p2 := &fakePeer{key: "p2"}
	e.Subscribe(p1, "blocks")
	e.Subscribe(p2, "blocks")

	err := e.SendMessageOnChannel("blocks", []byte("block-bytes"))
	assert.NoError(t, err)
	assert.Len(t, p1.sent, 1)
	assert.Len(t, p2.sent, 1)

	id, _, _, payload, ok := DecodeEnvelope(p1.sent[0])
	assert.True(t, ok)
	assert.NotZero(t, id)
	assert.Equal(t, []byte("block-bytes"), payload)
}

func TestSendMessageOnChannelSkipsFailingSubscriberWithoutError(t *testing.T) {
	e := newTestEngine()
	p1 := &fakePeer{key: "p1", fail: true}
	p2 := &fakePeer{key: "p2"}
	e.Subscribe(p1, "blocks")
	e.Subscribe(p2, "blocks")

	err := e.SendMessageOnChannel("blocks", []byte("x"))
	assert.NoError(t, err)
	assert.Empty(t, p1.sent)
	assert.Len(t, p2.sent, 1)
}

func TestDidRecvMessageDropsDuplicateID(t *testing.T) {
	e := newTestEngine()
	origin := &fakePeer{key: "origin"}
	sub := &fakePeer{key: "sub"}
	e.Subscribe(sub, "blocks")

	e.DidRecvMessage(origin, "blocks", 42, []byte("payload"), Headers{})
	assert.Len(t, sub.sent, 1)

	e.DidRecvMessage(origin, "blocks", 42, []byte("payload"), Headers{})
	assert.Len(t, sub.sent, 1) // no second forward
}

func TestDidRecvMessageDoesNotForwardBackToReportingPeers(t *testing.T) {
	e := newTestEngine()
	a := &fakePeer{key: "a"}
	b := &fakePeer{key: "b"}
	c := &fakePeer{key: "c"}
	e.Subscribe(a, "blocks")
	e.Subscribe(b, "blocks")
	e.Subscribe(c, "blocks")

	// "a" reported this message; it must not receive its own forward, but
	// b and c (who haven't reported it) must.
	e.DidRecvMessage(a, "blocks", 7, []byte("x"), Headers{})

	assert.Empty(t, a.sent)
	assert.Len(t, b.sent, 1)
	assert.Len(t, c.sent, 1)
}

func TestDidRecvMessageSuppressesForwardWhenOwnWitnessBitsSet(t *testing.T) {
	selfKey := [32]byte{1, 2, 3}
	e := NewEngine(selfKey, attest.Empty{}, witness.Bloom{PublicKey: selfKey[:]}, abci.NewNull(selfKey), identityEncode)
	e.RegisterChannel("eth")
	sub := &fakePeer{key: "sub"}
	e.Subscribe(sub, "eth")

	// A witness filter in which this node's own bits are already set means
	// the message already passed through here on some earlier hop (the
	// cycle N1->N2->N3->N1 of spec.md §8 scenario 3) — re-forwarding must
	// be suppressed even though neither sub nor the reporting peer appear
	// in heard-from for this id.
	selfBloom := witness.Bloom{PublicKey: selfKey[:]}
	filter := selfBloom.Witness(witness.Header{})

	e.DidRecvMessage(&fakePeer{key: "origin"}, "eth", 99, []byte("x"),
		Headers{Witness: witness.Header{Data: filter, Size: uint64(len(filter))}})

	assert.Empty(t, sub.sent)
}

func TestUnsubscribeRemovesPeer(t *testing.T) {
	e := newTestEngine()
	p1 := &fakePeer{key: "p1"}
	p2 := &fakePeer{key: "p2"}
	e.Subscribe(p1, "blocks")
	e.Subscribe(p2, "blocks")

	e.Unsubscribe(p1, "blocks")
	err := e.SendMessageOnChannel("blocks", []byte("x"))
	assert.NoError(t, err)
	assert.Empty(t, p1.sent)
	assert.Len(t, p2.sent, 1)
}

func TestSeenSetEvictsOldestOnCapacity(t *testing.T) {
	e := newTestEngine()
	e.seenCap = 2

	assert.True(t, e.seenInsert(1))
	assert.True(t, e.seenInsert(2))
	assert.True(t, e.seenInsert(3)) // evicts 1

	_, stillSeen := e.seenElem[1]
	assert.False(t, stillSeen)
	_, seen2 := e.seenElem[2]
	assert.True(t, seen2)
}

func TestSeenSetEvictionAlsoDropsHeardFrom(t *testing.T) {
	e := newTestEngine()
	e.seenCap = 2
	origin := &fakePeer{key: "origin"}

	e.DidRecvMessage(origin, "blocks", 1, []byte("x"), Headers{})
	e.DidRecvMessage(origin, "blocks", 2, []byte("x"), Headers{})
	assert.Len(t, e.heardFrom, 2)

	e.DidRecvMessage(origin, "blocks", 3, []byte("x"), Headers{}) // evicts id 1
	_, stillTracked := e.heardFrom[1]
	assert.False(t, stillTracked)
	assert.Len(t, e.heardFrom, 2)
}
