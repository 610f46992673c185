// Package media drives the realtime transport with pion against an SFU
// gateway. One PeerConnection per joined channel; published tracks ride the
// usual offer/answer exchange and control notifications arrive on a data
// channel owned by the gateway.
package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type Config struct {
	// GatewayURL is the SFU signaling endpoint, e.g. https://sfu.example.com.
	GatewayURL string
	// STUNServers override the default public STUN set.
	STUNServers []string
}

type Transport struct {
	cfg    Config
	client *http.Client
}

var _ core.MediaTransport = (*Transport)(nil)

func NewTransport(cfg Config) *Transport {
	return &Transport{cfg: cfg, client: http.DefaultClient}
}

func (t *Transport) rtcConfig() webrtc.Configuration {
	urls := t.cfg.STUNServers
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: urls}},
	}
}

type joinRequest struct {
	Identity string `json:"identity"`
	SDP      string `json:"sdp"`
}

type joinResponse struct {
	SDP     string `json:"sdp"`
	Session string `json:"session"`
}

// ctrlEvent is a gateway push on the control data channel.
type ctrlEvent struct {
	Kind    string       `json:"kind"` // peer_left | volumes
	Peer    string       `json:"peer,omitempty"`
	Volumes []ctrlVolume `json:"volumes,omitempty"`
}

type ctrlVolume struct {
	Peer  string `json:"peer"`
	Level int    `json:"level"`
}

func (t *Transport) Join(ctx context.Context, channel string, token string, identity domain.UserID) (core.MediaConn, error) {
	pc, err := webrtc.NewPeerConnection(t.rtcConfig())
	if err != nil {
		return nil, err
	}
	c := &conn{
		transport: t,
		channel:   channel,
		token:     token,
		pc:        pc,
		events:    make(chan core.MediaEvent, 32),
		senders:   make(map[core.LocalTrack]*webrtc.RTPSender),
	}

	// receive-only to start with; Publish adds senders and renegotiates
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
		_ = pc.Close()
		return nil, err
	}

	pc.OnTrack(c.onTrack)
	pc.OnDataChannel(c.onDataChannel)
	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Info().Str("module", "media").Str("channel", channel).Str("ice_state", s.String()).Msg("ICE state")
		switch s {
		case webrtc.ICEConnectionStateConnected:
			c.emit(core.MediaEvent{Kind: core.EvConnState, State: core.ConnConnected})
		case webrtc.ICEConnectionStateDisconnected:
			c.emit(core.MediaEvent{Kind: core.EvConnState, State: core.ConnReconnecting})
		case webrtc.ICEConnectionStateFailed, webrtc.ICEConnectionStateClosed:
			c.emit(core.MediaEvent{Kind: core.EvConnState, State: core.ConnDisconnected})
		}
	})

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(offer); err != nil {
		_ = pc.Close()
		return nil, err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		_ = pc.Close()
		return nil, ctx.Err()
	}

	answer, session, err := t.signal(ctx, fmt.Sprintf("%s/v1/channels/%s/join", t.cfg.GatewayURL, channel), token, string(identity), pc.LocalDescription().SDP)
	if err != nil {
		_ = pc.Close()
		return nil, err
	}
	c.session = session
	if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
		_ = pc.Close()
		return nil, err
	}
	log.Info().Str("module", "media").Str("channel", channel).Str("session", session).Msg("channel joined")
	return c, nil
}

// signal posts an offer and returns the remote answer.
func (t *Transport) signal(ctx context.Context, url, token, identity, sdp string) (string, string, error) {
	body, err := json.Marshal(joinRequest{Identity: identity, SDP: sdp})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := t.client.Do(req)
	if err != nil {
		return "", "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", "", fmt.Errorf("gateway %s: %s", resp.Status, payload)
	}
	var jr joinResponse
	if err := json.NewDecoder(resp.Body).Decode(&jr); err != nil {
		return "", "", err
	}
	return jr.SDP, jr.Session, nil
}

type conn struct {
	transport *Transport
	channel   string
	token     string
	session   string
	pc        *webrtc.PeerConnection

	mu      sync.Mutex
	closed  bool
	senders map[core.LocalTrack]*webrtc.RTPSender
	events  chan core.MediaEvent
}

var _ core.MediaConn = (*conn)(nil)

func (c *conn) Events() <-chan core.MediaEvent { return c.events }

func (c *conn) emit(ev core.MediaEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- ev:
	default:
		log.Warn().Str("module", "media").Str("channel", c.channel).Msg("event buffer full, dropped")
	}
}

func (c *conn) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	peer := domain.UserID(track.StreamID())
	kind := core.TrackAudio
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		kind = core.TrackVideo
	}
	log.Info().Str("module", "media").Str("channel", c.channel).
		Str("peer", string(peer)).Str("kind", kind.String()).Msg("remote track")
	c.emit(core.MediaEvent{Kind: core.EvPeerPublished, Peer: peer, Track: kind})

	// drain RTP until the sender withdraws the track
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := track.Read(buf); err != nil {
				c.emit(core.MediaEvent{Kind: core.EvPeerUnpublished, Peer: peer, Track: kind})
				return
			}
		}
	}()
}

func (c *conn) onDataChannel(dc *webrtc.DataChannel) {
	if dc.Label() != "control" {
		return
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		var ev ctrlEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warn().Str("module", "media").Str("channel", c.channel).Err(err).Msg("bad control message")
			return
		}
		switch ev.Kind {
		case "peer_left":
			c.emit(core.MediaEvent{Kind: core.EvPeerLeft, Peer: domain.UserID(ev.Peer)})
		case "volumes":
			levels := make([]core.VolumeLevel, 0, len(ev.Volumes))
			for _, v := range ev.Volumes {
				levels = append(levels, core.VolumeLevel{Peer: domain.UserID(v.Peer), Level: v.Level})
			}
			c.emit(core.MediaEvent{Kind: core.EvVolumes, Volumes: levels})
		}
	})
}

func (c *conn) Publish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return io.ErrClosedPipe
	}
	for _, lt := range tracks {
		st, ok := lt.(*sampleTrack)
		if !ok {
			c.mu.Unlock()
			return fmt.Errorf("unsupported track type %T", lt)
		}
		sender, err := c.pc.AddTrack(st.rtc)
		if err != nil {
			c.mu.Unlock()
			return err
		}
		c.senders[lt] = sender
	}
	c.mu.Unlock()
	return c.renegotiate(ctx)
}

func (c *conn) Unpublish(ctx context.Context, tracks ...core.LocalTrack) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	for _, lt := range tracks {
		if sender, ok := c.senders[lt]; ok {
			if err := c.pc.RemoveTrack(sender); err != nil {
				log.Warn().Str("module", "media").Str("channel", c.channel).Err(err).Msg("remove track")
			}
			delete(c.senders, lt)
		}
	}
	c.mu.Unlock()
	return c.renegotiate(ctx)
}

func (c *conn) renegotiate(ctx context.Context) error {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return err
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return err
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}
	url := fmt.Sprintf("%s/v1/sessions/%s", c.transport.cfg.GatewayURL, c.session)
	answer, _, err := c.transport.signal(ctx, url, c.token, "", c.pc.LocalDescription().SDP)
	if err != nil {
		return err
	}
	return c.pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer})
}

// Leave closes the PeerConnection and the event channel. Idempotent.
func (c *conn) Leave() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	err := c.pc.Close()
	close(c.events)
	if err != nil {
		log.Error().Str("module", "media").Str("channel", c.channel).Err(err).Msg("close error")
		return err
	}
	log.Info().Str("module", "media").Str("channel", c.channel).Msg("channel left")
	return nil
}
