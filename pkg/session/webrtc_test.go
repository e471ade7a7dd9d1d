package session

import (
	"context"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"auteur/pkg/room"
)

func TestTrackerGreetsWebRTCParticipant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping WebRTC loopback test in short mode")
	}

	tr := newTestTracker(t, nil)
	rm, _, err := tr.Join("studio")
	require.NoError(t, err)

	se := webrtc.SettingEngine{}
	se.SetIncludeLoopbackCandidate(true)
	client, err := webrtc.NewAPI(webrtc.WithSettingEngine(se)).NewPeerConnection(webrtc.Configuration{})
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	dc, err := client.CreateDataChannel("side", nil)
	require.NoError(t, err)
	received := make(chan string, 4)
	dc.OnMessage(func(msg webrtc.DataChannelMessage) { received <- string(msg.Data) })

	offer, err := client.CreateOffer(nil)
	require.NoError(t, err)
	gathered := webrtc.GatheringCompletePromise(client)
	require.NoError(t, client.SetLocalDescription(offer))
	<-gathered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	answer, err := room.AnswerOffer(ctx, rm, "user-42", client.LocalDescription().SDP, room.WebRTCOptions{IncludeLoopback: true})
	require.NoError(t, err)
	require.NoError(t, client.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}))

	select {
	case msg := <-received:
		assert.Equal(t, greeting, decodeFrame(t, msg).Text)
	case <-time.After(10 * time.Second):
		t.Fatal("greeting never arrived on the data channel")
	}
}
