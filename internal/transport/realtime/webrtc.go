package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
)

const (
	dataChannelLabel = "oai-events"
	remoteAudioMIME  = "audio/opus"
	maxRTPPacket     = 1500
)

var errChannelNotOpen = errors.New("data channel not open")

// handlers receive what the upstream connection produces. Each may be called
// from a pion goroutine.
type handlers struct {
	onOpen  func()
	onEvent func(data []byte)
	onAudio func(payload []byte)
	onClose func()
}

// conn is a negotiated upstream session.
type conn interface {
	// Send writes one client event.
	Send(event any) error
	Close() error
}

// dialer negotiates a session with key.
type dialer func(ctx context.Context, key EphemeralKey, h handlers) (conn, error)

// webrtcDialer negotiates over WebRTC: a receive-only audio transceiver for
// the reply and a data channel for events, with the SDP answer obtained over HTTP.
func webrtcDialer(baseURL, model string, client *http.Client, logger *slog.Logger) dialer {
	return func(ctx context.Context, key EphemeralKey, h handlers) (conn, error) {
		pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: []string{"stun:stun.l.google.com:19302"}}},
		})
		if err != nil {
			return nil, fmt.Errorf("create peer connection: %w", err)
		}
		c := &rtcConn{pc: pc}

		if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add audio transceiver: %w", err)
		}

		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create data channel: %w", err)
		}
		c.dc = dc

		var closeOnce sync.Once
		closed := func() { closeOnce.Do(h.onClose) }

		dc.OnOpen(h.onOpen)
		dc.OnMessage(func(msg webrtc.DataChannelMessage) { h.onEvent(msg.Data) })
		dc.OnClose(closed)

		pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			logger.Debug("Remote track received", "kind", track.Kind().String(), "codec", track.Codec().MimeType)
			if track.Kind() == webrtc.RTPCodecTypeAudio {
				go readTrack(track, h.onAudio)
			}
		})
		pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
			logger.Debug("Peer connection state changed", "state", s.String())
			if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateDisconnected {
				closed()
			}
		})

		offer, err := pc.CreateOffer(nil)
		if err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("create offer: %w", err)
		}
		if err := pc.SetLocalDescription(offer); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("set local description: %w", err)
		}
		select {
		case <-webrtc.GatheringCompletePromise(pc):
		case <-ctx.Done():
			_ = pc.Close()
			return nil, ctx.Err()
		}

		answer, err := exchangeSDP(ctx, client, baseURL, model, key.Value, pc.LocalDescription().SDP)
		if err != nil {
			_ = pc.Close()
			return nil, err
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer}); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("set remote description: %w", err)
		}
		return c, nil
	}
}

func exchangeSDP(ctx context.Context, client *http.Client, baseURL, model, token, offer string) (string, error) {
	endpoint := baseURL + "?model=" + url.QueryEscape(model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(offer))
	if err != nil {
		return "", fmt.Errorf("build sdp request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("exchange sdp: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("read sdp answer: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("exchange sdp: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return string(body), nil
}

// readTrack forwards the payload of every RTP packet until the track ends.
func readTrack(track *webrtc.TrackRemote, onAudio func([]byte)) {
	buf := make([]byte, maxRTPPacket)
	for {
		n, _, err := track.Read(buf)
		if err != nil {
			return
		}
		var pkt rtp.Packet
		if err := pkt.Unmarshal(buf[:n]); err != nil || len(pkt.Payload) == 0 {
			continue
		}
		onAudio(append([]byte(nil), pkt.Payload...))
	}
}

type rtcConn struct {
	pc *webrtc.PeerConnection
	dc *webrtc.DataChannel
}

func (c *rtcConn) Send(event any) error {
	if c.dc.ReadyState() != webrtc.DataChannelStateOpen {
		return errChannelNotOpen
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.dc.Send(data)
}

func (c *rtcConn) Close() error {
	_ = c.dc.Close()
	return c.pc.Close()
}
