// Package transport wraps the WebRTC peer connection and control data
// channel for the robot agent. The robot is always the answerer; the
// operator console creates the offer and the data channel.
package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

var ErrNotConnected = errors.New("data channel not open")

// Config carries the ICE servers handed out in the session bundle.
type Config struct {
	ICEServers []string
}

// WebRTCTransport owns one peer connection at a time. Callbacks are set
// before HandleOffer and run on pion's goroutines.
type WebRTCTransport struct {
	cfg    Config
	logger *zap.Logger

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	dataChannel *webrtc.DataChannel

	onICE   func(candidate []byte)
	onData  func(data []byte)
	onState func(state webrtc.PeerConnectionState)
}

func NewWebRTCTransport(cfg Config, logger *zap.Logger) *WebRTCTransport {
	return &WebRTCTransport{cfg: cfg, logger: logger}
}

func (t *WebRTCTransport) SetICECallback(fn func(candidate []byte)) { t.onICE = fn }

func (t *WebRTCTransport) SetDataHandler(fn func(data []byte)) { t.onData = fn }

func (t *WebRTCTransport) SetStateCallback(fn func(webrtc.PeerConnectionState)) { t.onState = fn }

// CreatePeerConnection stands up a fresh peer connection, closing any
// previous one.
func (t *WebRTCTransport) CreatePeerConnection() error {
	t.Close()

	var iceServers []webrtc.ICEServer
	for _, u := range t.cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{u}})
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return fmt.Errorf("create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.onICE == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		t.onICE(data)
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		t.logger.Info("peer connection state", zap.String("state", state.String()))
		if t.onState != nil {
			t.onState(state)
		}
	})

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		t.logger.Info("data channel opened", zap.String("label", dc.Label()))
		t.mu.Lock()
		t.dataChannel = dc
		t.mu.Unlock()
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			if t.onData != nil {
				t.onData(msg.Data)
			}
		})
	})

	t.mu.Lock()
	t.pc = pc
	t.mu.Unlock()
	return nil
}

// HandleOffer applies the remote offer and returns the local answer SDP.
func (t *WebRTCTransport) HandleOffer(sdpData []byte) ([]byte, error) {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return nil, errors.New("no peer connection")
	}

	var offer webrtc.SessionDescription
	if err := json.Unmarshal(sdpData, &offer); err != nil {
		return nil, fmt.Errorf("parse offer: %w", err)
	}
	if err := pc.SetRemoteDescription(offer); err != nil {
		return nil, fmt.Errorf("set remote description: %w", err)
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	return json.Marshal(pc.LocalDescription())
}

// AddICECandidate feeds a remote candidate into the connection.
func (t *WebRTCTransport) AddICECandidate(data []byte) error {
	t.mu.Lock()
	pc := t.pc
	t.mu.Unlock()
	if pc == nil {
		return errors.New("no peer connection")
	}

	var candidate webrtc.ICECandidateInit
	if err := json.Unmarshal(data, &candidate); err != nil {
		return fmt.Errorf("parse candidate: %w", err)
	}
	return pc.AddICECandidate(candidate)
}

// SendData writes a frame to the control data channel.
func (t *WebRTCTransport) SendData(data []byte) error {
	t.mu.Lock()
	dc := t.dataChannel
	t.mu.Unlock()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrNotConnected
	}
	return dc.Send(data)
}

// Close tears down the current connection; safe when none exists.
func (t *WebRTCTransport) Close() {
	t.mu.Lock()
	pc := t.pc
	t.pc = nil
	t.dataChannel = nil
	t.mu.Unlock()
	if pc != nil {
		if err := pc.Close(); err != nil {
			t.logger.Warn("peer connection close", zap.Error(err))
		}
	}
}
