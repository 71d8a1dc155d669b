package opp

import (
	"errors"
	"testing"
	"time"

	"github.com/opd-ai/obexd/file"
	"github.com/opd-ai/obexd/loop"
	"github.com/opd-ai/obexd/notify"
	"github.com/opd-ai/obexd/obex"
	"github.com/opd-ai/obexd/storage"
	"github.com/opd-ai/obexd/transport"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const peer = "00:1A:7D:DA:71:13"

type pushFixture struct {
	l         *loop.Loop
	tr        *memTransport
	fs        afero.Fs
	srv       *Server
	srvEvents *notify.ChannelNotifier
	pusher    *Pusher
	events    *notify.ChannelNotifier
}

func newPushFixture(t *testing.T, autoAccept bool, serverMax int) *pushFixture {
	t.Helper()
	l := startLoop(t)
	tr := newMemTransport()
	fs := afero.NewMemMapFs()
	store, err := storage.NewFSStore(fs, "/inbox")
	require.NoError(t, err)

	svc := transport.OPPService(transport.DefaultOPPChannel)
	srvEvents := notify.NewChannelNotifier(256)
	srv := NewServer(ServerDeps{Scheduler: l, Store: store, Notifier: srvEvents},
		ServerOptions{AutoAccept: autoAccept, MaxPacketLength: serverMax})
	require.NoError(t, tr.Listen(svc, srv))

	events := notify.NewChannelNotifier(256)
	pusher := NewPusher(PusherDeps{Scheduler: l, Transport: tr, Service: svc, Notifier: events}, PusherOptions{})
	t.Cleanup(pusher.Close)

	return &pushFixture{l: l, tr: tr, fs: fs, srv: srv, srvEvents: srvEvents, pusher: pusher, events: events}
}

func (f *pushFixture) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		idle := false
		onLoop(t, f.l, func() { idle = !f.pusher.Busy() && f.pusher.Queue().Len() == 0 })
		return idle
	}, 5*time.Second, 10*time.Millisecond)
}

func countOps(packets [][]byte) map[obex.Opcode]int {
	counts := make(map[obex.Opcode]int)
	for _, p := range packets {
		counts[obex.Opcode(p[0])]++
	}
	return counts
}

func drainCompletions(n *notify.ChannelNotifier) []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev := <-n.Events():
			if ev.Kind == notify.KindTransferComplete {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func TestPushLargeFilePacketCount(t *testing.T) {
	f := newPushFixture(t, true, 4096)

	data := make([]byte, 120000)
	for i := range data {
		data[i] = byte(i % 251)
	}
	require.True(t, f.pusher.SendFile(peer, file.NewMemorySource("big.bin", "application/octet-stream", data)))

	done := waitEvent(t, f.events, notify.KindTransferComplete)
	assert.True(t, done.Success)
	assert.Equal(t, uint64(120000), done.FileLength)
	assert.Equal(t, uint64(120000), done.Transferred)
	assert.Equal(t, notify.Outbound, done.Direction)
	f.waitIdle(t)

	conns := f.tr.clientConns()
	require.Len(t, conns, 1)
	packets := conns[0].packets()
	ops := countOps(packets)

	// ceil(120000 / (4096 - 6)) PUT packets, the metadata riding in the first.
	assert.Equal(t, 30, ops[obex.OpPut]+ops[obex.OpPutFinal])
	assert.Equal(t, 1, ops[obex.OpPutFinal])
	assert.Equal(t, 1, ops[obex.OpConnect])
	assert.Equal(t, 1, ops[obex.OpDisconnect])

	var puts [][]byte
	for _, p := range packets {
		if op := obex.Opcode(p[0]); op == obex.OpPut || op == obex.OpPutFinal {
			puts = append(puts, p)
		}
		assert.LessOrEqual(t, len(p), 4096)
	}
	assert.Equal(t, obex.OpPutFinal, obex.Opcode(puts[len(puts)-1][0]))

	first, err := obex.DecodeRequest(puts[0])
	require.NoError(t, err)
	name, _ := first.Headers.Name()
	assert.Equal(t, "big.bin", name)
	length, _ := first.Headers.Length()
	assert.Equal(t, uint32(120000), length)

	stored, err := afero.ReadFile(f.fs, "/inbox/big.bin")
	require.NoError(t, err)
	assert.Equal(t, data, stored)
	assert.Empty(t, drainCompletions(f.events), "exactly one completion")
}

func TestPushBatchSharesSession(t *testing.T) {
	f := newPushFixture(t, true, 0)

	onLoop(t, f.l, func() {
		f.pusher.Queue().Enqueue(peer, file.NewMemorySource("a.txt", "text/plain", []byte("first")))
		f.pusher.Queue().Enqueue(peer, file.NewMemorySource("empty.txt", "text/plain", nil))
		f.pusher.startIfIdle()
	})

	first := waitEvent(t, f.events, notify.KindTransferComplete)
	second := waitEvent(t, f.events, notify.KindTransferComplete)
	assert.True(t, first.Success)
	assert.True(t, second.Success)
	assert.Equal(t, "a.txt", first.FileName)
	assert.Equal(t, "empty.txt", second.FileName)
	f.waitIdle(t)

	conns := f.tr.clientConns()
	require.Len(t, conns, 1, "one session for the batch")
	ops := countOps(conns[0].packets())
	assert.Equal(t, 1, ops[obex.OpConnect])
	assert.Equal(t, 2, ops[obex.OpPutFinal])

	empty, err := afero.ReadFile(f.fs, "/inbox/empty.txt")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPushConnectFailureFailsEveryFile(t *testing.T) {
	f := newPushFixture(t, true, 0)
	boom := errors.New("page timeout")
	f.tr.connectErr = boom

	f.pusher.SendFile(peer, src("A"))
	f.pusher.SendFile(peer, src("B"))

	for _, want := range []string{"A", "B"} {
		ev := waitEvent(t, f.events, notify.KindTransferComplete)
		assert.False(t, ev.Success)
		assert.Equal(t, want, ev.FileName)
		assert.ErrorIs(t, ev.Err, boom)
	}
	f.waitIdle(t)
}

func TestPushRejectedFailsRemainingFiles(t *testing.T) {
	f := newPushFixture(t, false, 0)

	f.pusher.SendFile(peer, src("A"))
	f.pusher.SendFile(peer, src("B"))

	waitEvent(t, f.srvEvents, notify.KindReceivingConfirmation)
	f.srv.ConfirmReceivingFile(false)

	for _, want := range []string{"A", "B"} {
		ev := waitEvent(t, f.events, notify.KindTransferComplete)
		assert.False(t, ev.Success)
		assert.Equal(t, want, ev.FileName)
		assert.ErrorIs(t, ev.Err, ErrUnexpectedResponse)
		assert.Contains(t, ev.Err.Error(), "object rejected")
	}
	f.waitIdle(t)

	ops := countOps(f.tr.clientConns()[0].packets())
	assert.Equal(t, 1, ops[obex.OpDisconnect])
}

func TestPushCancelBeforeFirstFile(t *testing.T) {
	f := newPushFixture(t, true, 0)

	onLoop(t, f.l, func() {
		f.pusher.Queue().Enqueue(peer, src("A"))
		f.pusher.startIfIdle()
		f.pusher.client.cancel()
	})

	ev := waitEvent(t, f.events, notify.KindTransferComplete)
	assert.False(t, ev.Success)
	assert.ErrorIs(t, ev.Err, ErrCancelled)
	f.waitIdle(t)

	infos, err := afero.ReadDir(f.fs, "/inbox")
	require.NoError(t, err)
	assert.Empty(t, infos)
}

func TestPushCancelMidFileAbortsBatch(t *testing.T) {
	f := newPushFixture(t, false, 0)

	f.pusher.SendFile(peer, src("A"))
	f.pusher.SendFile(peer, src("B"))

	waitEvent(t, f.srvEvents, notify.KindReceivingConfirmation)
	require.True(t, f.pusher.Cancel())
	f.srv.ConfirmReceivingFile(true)

	for _, want := range []string{"A", "B"} {
		ev := waitEvent(t, f.events, notify.KindTransferComplete)
		assert.False(t, ev.Success)
		assert.Equal(t, want, ev.FileName)
		assert.ErrorIs(t, ev.Err, ErrCancelled)
	}
	f.waitIdle(t)
	assert.Empty(t, drainCompletions(f.events), "each file reported once")

	ops := countOps(f.tr.clientConns()[0].packets())
	assert.Equal(t, 1, ops[obex.OpConnect])
	assert.Equal(t, 1, ops[obex.OpPut])
	assert.Equal(t, 0, ops[obex.OpPutFinal])
	assert.Equal(t, 1, ops[obex.OpAbort])
	assert.Equal(t, 1, ops[obex.OpDisconnect])

	infos, err := afero.ReadDir(f.fs, "/inbox")
	require.NoError(t, err)
	assert.Empty(t, infos)
}
