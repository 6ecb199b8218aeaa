package gossip

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/stakeforge/bftchain/config"
)

type recordingNetwork struct {
	sent []PeerID
}

func (n *recordingNetwork) SendToPeer(peer PeerID, kind string, payload []byte) {
	n.sent = append(n.sent, peer)
}

func testGossipConfig() config.GossipConfig {
	return config.GossipConfig{MinBroadcastPeers: 4, MaxBroadcastPeers: 128, CatchUpHeightGap: 2}
}

func TestSampleSizeRespectsBounds(t *testing.T) {
	net := &recordingNetwork{}
	c := New(testGossipConfig(), net)
	require.Equal(t, 1, c.sampleSize(1))
	require.Equal(t, 4, c.sampleSize(10))
	require.Equal(t, 10, c.sampleSize(100))
	require.Equal(t, 128, c.sampleSize(100000))
}

func TestBroadcastStateSamplesConnectedPeers(t *testing.T) {
	net := &recordingNetwork{}
	c := New(testGossipConfig(), net)
	for i := 0; i < 20; i++ {
		c.PeerConnected(PeerID(rune('a'+i)), 4)
	}
	c.BroadcastState([]byte("hello"))
	require.Len(t, net.sent, 4)
}

func TestCatchUpSilencePolicy(t *testing.T) {
	net := &recordingNetwork{}
	c := New(testGossipConfig(), net)
	c.UpdateOurState(100, VoteStep{Height: 100}, [32]byte{}, false, 0, nil)
	require.False(t, c.ShouldStaySilent(101))
	require.True(t, c.ShouldStaySilent(102))
}
