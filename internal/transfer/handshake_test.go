package transfer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func newTestHandshakes(maxPending int) (*Handshakes, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return NewHandshakes(HandshakeConfig{
		MaxPendingPerTarget: maxPending,
		RequestTimeout:      time.Minute,
		IdleTimeout:         30 * time.Second,
		Now:                 clock.Now,
	}), clock
}

func TestHandshakeAccept(t *testing.T) {
	hs, _ := newTestHandshakes(0)

	req, err := hs.Request("t1", "a", "b", "song.mp3", 4096)
	require.NoError(t, err)
	assert.Equal(t, StateRequested, req.State)

	_, err = hs.Authorize("t1", "a", "b")
	assert.ErrorIs(t, err, ErrUnknownTransfer, "chunks must wait for acceptance")

	res, err := hs.Respond("b", "t1", "", true)
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, res.State)
	assert.Equal(t, "a", res.SenderID)

	_, err = hs.Authorize("t1", "a", "b")
	assert.NoError(t, err)

	_, err = hs.Authorize("t1", "c", "b")
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, ok := hs.Complete("t1")
	assert.True(t, ok)
	assert.Equal(t, 0, hs.Len())
}

func TestHandshakeDecline(t *testing.T) {
	hs, _ := newTestHandshakes(0)

	_, err := hs.Request("t1", "a", "b", "song.mp3", 4096)
	require.NoError(t, err)

	res, err := hs.Respond("b", "t1", "", false)
	require.NoError(t, err)
	assert.Equal(t, "a", res.SenderID)

	_, err = hs.Authorize("t1", "a", "b")
	assert.ErrorIs(t, err, ErrUnknownTransfer)
	assert.Equal(t, 0, hs.Len())
}

func TestHandshakeRespondValidation(t *testing.T) {
	hs, _ := newTestHandshakes(0)
	_, _ = hs.Request("t1", "a", "b", "f", 1)

	_, err := hs.Respond("c", "t1", "", true)
	assert.ErrorIs(t, err, ErrNotParticipant)

	_, err = hs.Respond("b", "nope", "", true)
	assert.ErrorIs(t, err, ErrUnknownTransfer)

	_, err = hs.Respond("b", "t1", "", true)
	require.NoError(t, err)

	_, err = hs.Respond("b", "t1", "", true)
	assert.ErrorIs(t, err, ErrUnknownTransfer, "second answer is rejected")
}

func TestHandshakeRespondBySender(t *testing.T) {
	hs, _ := newTestHandshakes(0)
	_, _ = hs.Request("t1", "a", "b", "one", 1)
	_, _ = hs.Request("t2", "c", "b", "two", 1)

	res, err := hs.Respond("b", "", "c", true)
	require.NoError(t, err)
	assert.Equal(t, "t2", res.ID)

	_, _ = hs.Request("t3", "a", "b", "three", 1)
	_, err = hs.Respond("b", "", "a", true)
	assert.ErrorIs(t, err, ErrAmbiguous)

	_, err = hs.Respond("b", "", "ghost", true)
	assert.ErrorIs(t, err, ErrUnknownTransfer)
}

func TestHandshakeDuplicateAndBusy(t *testing.T) {
	hs, _ := newTestHandshakes(2)

	_, err := hs.Request("t1", "a", "z", "f", 1)
	require.NoError(t, err)
	_, err = hs.Request("t1", "b", "z", "f", 1)
	assert.ErrorIs(t, err, ErrTransferExists)

	_, err = hs.Request("t2", "b", "z", "f", 1)
	require.NoError(t, err)
	_, err = hs.Request("t3", "c", "z", "f", 1)
	assert.ErrorIs(t, err, ErrTargetBusy)

	_, err = hs.Respond("z", "t1", "", true)
	require.NoError(t, err)
	_, err = hs.Request("t3", "c", "z", "f", 1)
	assert.NoError(t, err, "accepted transfers no longer count as pending")
}

func TestHandshakeExpire(t *testing.T) {
	hs, clock := newTestHandshakes(0)

	_, _ = hs.Request("pending", "a", "b", "f", 1)
	_, _ = hs.Request("active", "c", "d", "f", 1)
	_, err := hs.Respond("d", "active", "", true)
	require.NoError(t, err)

	clock.now = clock.now.Add(45 * time.Second)
	expired := hs.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, "active", expired[0].ID)

	clock.now = clock.now.Add(30 * time.Second)
	expired = hs.Expire()
	require.Len(t, expired, 1)
	assert.Equal(t, "pending", expired[0].ID)
	assert.Equal(t, 0, hs.Len())
}

func TestHandshakeCancelAndDropPeer(t *testing.T) {
	hs, _ := newTestHandshakes(0)
	_, _ = hs.Request("t1", "a", "b", "f", 1)
	_, _ = hs.Request("t2", "c", "a", "f", 1)
	_, _ = hs.Request("t3", "c", "d", "f", 1)

	_, err := hs.Cancel("t3", "a")
	assert.ErrorIs(t, err, ErrNotParticipant)

	dropped := hs.DropPeer("a")
	assert.Len(t, dropped, 2)

	cancelled, err := hs.Cancel("t3", "d")
	require.NoError(t, err)
	assert.Equal(t, "c", cancelled.Peer("d"))
	assert.Equal(t, 0, hs.Len())
}

func TestErrorCodeMapping(t *testing.T) {
	_, err := NewAssembler(AssemblerConfig{}).Submit(Key{TransferID: "x"}, Chunk{Total: 0})
	var terr *Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "MALFORMED_CHUNK", terr.Code().String())
	assert.Contains(t, err.Error(), "transfer x")
}
