package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

const defaultGatherTimeout = 10 * time.Second

var errNoOpenChannel = errors.New("no open data channel")

// WebRTCOptions tune AnswerOffer.
type WebRTCOptions struct {
	ICEServers    []string // STUN/TURN URLs
	GatherTimeout time.Duration
	// IncludeLoopback offers loopback candidates, for same-host clients.
	IncludeLoopback bool
}

type rtcPeer struct {
	identity string
	pc       *webrtc.PeerConnection
	room     *Room

	mu       sync.Mutex
	channels []*webrtc.DataChannel
	joined   bool
	left     bool
}

func (p *rtcPeer) Identity() string { return p.identity }

// Send writes frame as text on every open data channel.
func (p *rtcPeer) Send(frame []byte) error {
	p.mu.Lock()
	channels := append([]*webrtc.DataChannel(nil), p.channels...)
	p.mu.Unlock()

	sent := false
	var firstErr error
	for _, dc := range channels {
		if dc.ReadyState() != webrtc.DataChannelStateOpen {
			continue
		}
		if err := dc.SendText(string(frame)); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		sent = true
	}
	switch {
	case sent:
		return nil
	case firstErr != nil:
		return fmt.Errorf("data channel send: %w", firstErr)
	default:
		return errNoOpenChannel
	}
}

func (p *rtcPeer) Close() error {
	if err := p.pc.Close(); err != nil {
		return fmt.Errorf("closing peer connection: %w", err)
	}
	return nil
}

// channelOpened registers dc for Send. The first open channel joins the
// peer to the room, so participant_connected is only emitted once frames
// can actually reach the client.
func (p *rtcPeer) channelOpened(dc *webrtc.DataChannel) {
	p.mu.Lock()
	p.channels = append(p.channels, dc)
	first := !p.joined && !p.left
	p.joined = true
	p.mu.Unlock()
	if first {
		if err := p.room.Join(p); err != nil {
			go p.Close()
		}
	}
}

func (p *rtcPeer) removeChannel(dc *webrtc.DataChannel) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range p.channels {
		if c == dc {
			p.channels = append(p.channels[:i], p.channels[i+1:]...)
			return
		}
	}
}

func (p *rtcPeer) handleState(state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		p.mu.Lock()
		leave := p.joined && !p.left
		p.left = true
		p.mu.Unlock()
		if leave {
			p.room.Leave(p)
		}
		if state == webrtc.PeerConnectionStateFailed {
			// Close must not run on pion's callback goroutine.
			go p.Close()
		}
	}
}

// AnswerOffer accepts a client's SDP offer for identity in rm and returns
// the complete SDP answer (non-trickle ICE). The client joins rm when its
// first data channel opens; every message on any data channel it opens
// is delivered as a side-channel payload.
func AnswerOffer(ctx context.Context, rm *Room, identity, offerSDP string, opts WebRTCOptions) (string, error) {
	if identity == "" {
		return "", fmt.Errorf("identity is required")
	}
	if opts.GatherTimeout <= 0 {
		opts.GatherTimeout = defaultGatherTimeout
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	api := webrtc.NewAPI(webrtc.WithSettingEngine(settingEngine))

	config := webrtc.Configuration{}
	if len(opts.ICEServers) > 0 {
		config.ICEServers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}
	pc, err := api.NewPeerConnection(config)
	if err != nil {
		return "", fmt.Errorf("creating PeerConnection: %w", err)
	}

	peer := &rtcPeer{identity: identity, pc: pc, room: rm}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() { peer.channelOpened(dc) })
		dc.OnClose(func() { peer.removeChannel(dc) })
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			rm.Deliver(identity, msg.Data)
		})
	})
	pc.OnConnectionStateChange(peer.handleState)

	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("setting remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("creating SDP answer: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(answer); err != nil {
		_ = pc.Close()
		return "", fmt.Errorf("setting local description: %w", err)
	}

	select {
	case <-gatherComplete:
	case <-time.After(opts.GatherTimeout):
		_ = pc.Close()
		return "", fmt.Errorf("ICE gathering timed out after %s", opts.GatherTimeout)
	case <-ctx.Done():
		_ = pc.Close()
		return "", ctx.Err()
	}

	return pc.LocalDescription().SDP, nil
}
