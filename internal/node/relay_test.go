package node

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"marlin-relay/internal/abci"
	"marlin-relay/internal/attest"
	"marlin-relay/internal/fiber"
	"marlin-relay/internal/pubsub"
	"marlin-relay/internal/witness"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) Send(buf []byte) error {
	f.sent = append(f.sent, buf)
	return nil
}

func testPeer(key string) (*Peer, *fakeSender) {
	fs := &fakeSender{}
	return &Peer{addr: key, pipeline: &fiber.Pipeline{Version: 1}, stream: fs}, fs
}

func newEngineForTest() *pubsub.Engine {
	e := pubsub.NewEngine([32]byte{9}, attest.Empty{}, witness.LPF{}, abci.NewNull([32]byte{9}), func(channel string, m []byte) []byte { return m })
	e.RegisterChannel("eth")
	return e
}

func TestDispatchUnitSubscribeThenMessage(t *testing.T) {
	r := &Relay{engine: newEngineForTest()}
	subscriber, subSent := testPeer("subscriber")
	publisher, _ := testPeer("publisher")

	r.dispatchUnit(subscriber, encodeControl(MsgSub, "eth"))

	envelope := buildEnvelope(7, nil, nil, []byte("block"))
	r.dispatchUnit(publisher, encodeMessage("eth", envelope))

	assert.Len(t, subSent.sent, 1)
}

func TestDispatchUnitUnsubscribeStopsForwarding(t *testing.T) {
	r := &Relay{engine: newEngineForTest()}
	subscriber, subSent := testPeer("subscriber")
	publisher, _ := testPeer("publisher")

	r.dispatchUnit(subscriber, encodeControl(MsgSub, "eth"))
	r.dispatchUnit(subscriber, encodeControl(MsgUnsub, "eth"))

	envelope := buildEnvelope(8, nil, nil, []byte("block"))
	r.dispatchUnit(publisher, encodeMessage("eth", envelope))

	assert.Empty(t, subSent.sent)
}

func TestDispatchUnitIgnoresHeartbeat(t *testing.T) {
	r := &Relay{engine: newEngineForTest()}
	peer, _ := testPeer("p")
	assert.NotPanics(t, func() {
		r.dispatchUnit(peer, encodeControl(MsgHeartbeat, ""))
	})
}

func TestDispatchUnitRejectsMalformedUnit(t *testing.T) {
	r := &Relay{engine: newEngineForTest()}
	peer, sent := testPeer("p")
	r.dispatchUnit(peer, []byte{1})
	assert.Empty(t, sent.sent)
}
