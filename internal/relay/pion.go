package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/sourcegraph/jsonrpc2"
	wsstream "github.com/sourcegraph/jsonrpc2/websocket"
	"go.uber.org/zap"
)

// Signaling wire types. The relay speaks JSON-RPC over a websocket, same
// methods in both directions where it makes sense.
type joinParams struct {
	Token string                    `json:"token"`
	Offer webrtc.SessionDescription `json:"offer"`
}

type joinResult struct {
	Identity     string                    `json:"identity"`
	Name         string                    `json:"name"`
	Answer       webrtc.SessionDescription `json:"answer"`
	Participants []peerInfo                `json:"participants"`
}

type peerInfo struct {
	Identity     string `json:"identity"`
	Name         string `json:"name"`
	Sharing      bool   `json:"sharing"`
	AudioEnabled bool   `json:"audio_enabled"`
	VideoEnabled bool   `json:"video_enabled"`
}

type peerTrackParams struct {
	Identity string `json:"identity"`
	Kind     string `json:"kind"`
	Muted    bool   `json:"muted"`
}

type trickleParams struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type muteParams struct {
	TrackSID string `json:"track_sid"`
	Muted    bool   `json:"muted"`
}

type unpublishParams struct {
	TrackSID string `json:"track_sid"`
}

type closeParams struct {
	Reason string `json:"reason"`
}

// PionRoom is the production Room, one WebRTC peer connection to the relay
// plus a websocket signaling channel.
type PionRoom struct {
	url     string
	logger  *zap.Logger
	handler *Handler

	mu           sync.Mutex
	state        ConnectionState
	identity     string
	name         string
	participants map[string]ParticipantInfo
	pubs         map[string]*pionPublication

	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	ws  *websocket.Conn
	rpc *jsonrpc2.Conn

	connected    chan struct{}
	connectedOne sync.Once
	closeOne     sync.Once
}

// NewPionRoom builds a room pointed at the given signaling URL. Connect must
// be called before anything else.
func NewPionRoom(url string, h *Handler, logger *zap.Logger) *PionRoom {
	return &PionRoom{
		url:          url,
		logger:       logger,
		handler:      h,
		state:        StateDisconnected,
		participants: make(map[string]ParticipantInfo),
		pubs:         make(map[string]*pionPublication),
		connected:    make(chan struct{}),
	}
}

func (r *PionRoom) Connect(ctx context.Context, token string) error {
	r.setState(StateConnecting)

	header := http.Header{"Authorization": {"Bearer " + token}}
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, r.url, header)
	if err != nil {
		r.setState(StateDisconnected)
		return fmt.Errorf("dial signaling: %w", err)
	}

	pc, err := r.newPeerConnection()
	if err != nil {
		ws.Close()
		r.setState(StateDisconnected)
		return err
	}

	r.mu.Lock()
	r.ws = ws
	r.pc = pc
	r.mu.Unlock()

	stream := wsstream.NewObjectStream(ws)
	rpc := jsonrpc2.NewConn(context.Background(), stream, &rpcHandler{room: r})
	r.mu.Lock()
	r.rpc = rpc
	r.mu.Unlock()

	if err := r.setupPeerConnection(pc, rpc); err != nil {
		r.teardown()
		return err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		r.teardown()
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		r.teardown()
		return fmt.Errorf("set local description: %w", err)
	}

	var res joinResult
	if err := rpc.Call(ctx, "join", joinParams{Token: token, Offer: offer}, &res); err != nil {
		r.teardown()
		return fmt.Errorf("join: %w", err)
	}
	if err := pc.SetRemoteDescription(res.Answer); err != nil {
		r.teardown()
		return fmt.Errorf("set remote description: %w", err)
	}

	r.mu.Lock()
	r.identity = res.Identity
	r.name = res.Name
	for _, p := range res.Participants {
		r.participants[p.Identity] = ParticipantInfo(p)
	}
	r.mu.Unlock()

	select {
	case <-r.connected:
	case <-ctx.Done():
		r.teardown()
		return fmt.Errorf("waiting for peer connection: %w", ctx.Err())
	}

	r.setState(StateConnected)
	r.handler.emitConnected()
	return nil
}

func (r *PionRoom) newPeerConnection() (*webrtc.PeerConnection, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeVP8,
			ClockRate: 90000,
		},
		PayloadType: 96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		},
		PayloadType: 102,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register h264: %w", err)
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithInterceptorRegistry(ir))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{URLs: []string{"stun:stun.l.google.com:19302"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return pc, nil
}

func (r *PionRoom) setupPeerConnection(pc *webrtc.PeerConnection, rpc *jsonrpc2.Conn) error {
	ordered := true
	dc, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return fmt.Errorf("create data channel: %w", err)
	}
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		r.handler.emitData(msg.Data)
	})
	r.mu.Lock()
	r.dc = dc
	r.mu.Unlock()

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if err := rpc.Notify(context.Background(), "trickle", trickleParams{Candidate: c.ToJSON()}); err != nil {
			r.logger.Warn("send trickle", zap.Error(err))
		}
	})

	pc.OnNegotiationNeeded(func() {
		if err := r.renegotiate(); err != nil {
			r.logger.Warn("renegotiate", zap.Error(err))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		r.logger.Debug("peer connection state", zap.String("state", s.String()))
		switch s {
		case webrtc.PeerConnectionStateConnected:
			r.connectedOne.Do(func() { close(r.connected) })
		case webrtc.PeerConnectionStateDisconnected:
			r.setState(StateReconnecting)
		case webrtc.PeerConnectionStateFailed:
			r.setState(StateDisconnected)
			r.closeOne.Do(func() {
				r.teardown()
				r.handler.emitDisconnected(ReasonNetwork)
			})
		}
	})
	return nil
}

// renegotiate runs a local-offer cycle after a track was added or removed.
func (r *PionRoom) renegotiate() error {
	r.mu.Lock()
	pc, rpc := r.pc, r.rpc
	r.mu.Unlock()
	if pc == nil || rpc == nil {
		return errors.New("not connected")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	var answer webrtc.SessionDescription
	if err := rpc.Call(context.Background(), "offer", offer, &answer); err != nil {
		return fmt.Errorf("offer: %w", err)
	}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (r *PionRoom) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	rpc := r.rpc
	r.mu.Unlock()
	if rpc != nil {
		// Best effort, the relay also notices the transport going away.
		if err := rpc.Notify(ctx, "leave", nil); err != nil {
			r.logger.Debug("send leave", zap.Error(err))
		}
	}
	r.closeOne.Do(func() {
		r.teardown()
		r.handler.emitDisconnected(ReasonClientInitiated)
	})
	return nil
}

func (r *PionRoom) teardown() {
	r.mu.Lock()
	pc, ws, rpc := r.pc, r.ws, r.rpc
	r.pc, r.ws, r.rpc, r.dc = nil, nil, nil, nil
	r.pubs = make(map[string]*pionPublication)
	r.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	if rpc != nil {
		rpc.Close()
	}
	if ws != nil {
		ws.Close()
	}
	r.setState(StateDisconnected)
}

func (r *PionRoom) LocalIdentity() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

func (r *PionRoom) Participants() []ParticipantInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		out = append(out, p)
	}
	return out
}

func (r *PionRoom) PublishTrack(ctx context.Context, track webrtc.TrackLocal, source TrackSource) (Publication, error) {
	r.mu.Lock()
	pc := r.pc
	r.mu.Unlock()
	if pc == nil {
		return nil, errors.New("not connected")
	}

	sender, err := pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", source, err)
	}

	pub := &pionPublication{
		room:   r,
		sid:    uuid.NewString(),
		source: source,
		sender: sender,
		track:  track,
	}
	r.mu.Lock()
	r.pubs[pub.sid] = pub
	r.mu.Unlock()
	return pub, nil
}

func (r *PionRoom) UnpublishTrack(sid string) error {
	r.mu.Lock()
	pub, ok := r.pubs[sid]
	if ok {
		delete(r.pubs, sid)
	}
	pc, rpc := r.pc, r.rpc
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("unknown track %s", sid)
	}
	if pc == nil {
		return nil
	}
	if err := pc.RemoveTrack(pub.sender); err != nil {
		return fmt.Errorf("remove track: %w", err)
	}
	if rpc != nil {
		if err := rpc.Notify(context.Background(), "unpublish", unpublishParams{TrackSID: sid}); err != nil {
			r.logger.Debug("send unpublish", zap.Error(err))
		}
	}
	return nil
}

func (r *PionRoom) SendData(payload []byte) error {
	r.mu.Lock()
	dc := r.dc
	r.mu.Unlock()
	if dc == nil {
		return errors.New("data channel not open")
	}
	return dc.Send(payload)
}

func (r *PionRoom) State() ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *PionRoom) setState(s ConnectionState) {
	r.mu.Lock()
	changed := r.state != s
	r.state = s
	r.mu.Unlock()
	if changed {
		r.handler.emitStateChanged(s)
	}
}

type pionPublication struct {
	room   *PionRoom
	sid    string
	source TrackSource
	sender *webrtc.RTPSender
	track  webrtc.TrackLocal

	mu    sync.Mutex
	muted bool
}

func (p *pionPublication) SID() string         { return p.sid }
func (p *pionPublication) Source() TrackSource { return p.source }

// SetMuted detaches the track from the sender while muted, so nothing is
// encoded or sent, and tells the relay so it can update the roster.
func (p *pionPublication) SetMuted(muted bool) error {
	p.mu.Lock()
	p.muted = muted
	p.mu.Unlock()

	replacement := p.track
	if muted {
		replacement = nil
	}
	if err := p.sender.ReplaceTrack(replacement); err != nil {
		return fmt.Errorf("replace %s track: %w", p.source, err)
	}

	p.room.mu.Lock()
	rpc := p.room.rpc
	p.room.mu.Unlock()
	if rpc == nil {
		return errors.New("not connected")
	}
	if err := rpc.Notify(context.Background(), "mute", muteParams{TrackSID: p.sid, Muted: muted}); err != nil {
		return fmt.Errorf("send mute: %w", err)
	}
	return nil
}

func (p *pionPublication) Muted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.muted
}

// rpcHandler receives server-initiated signaling.
type rpcHandler struct {
	room *PionRoom
}

func (h *rpcHandler) Handle(ctx context.Context, conn *jsonrpc2.Conn, req *jsonrpc2.Request) {
	r := h.room
	switch req.Method {
	case "offer":
		var offer webrtc.SessionDescription
		if err := unmarshalParams(req, &offer); err != nil {
			r.logger.Warn("bad offer params", zap.Error(err))
			return
		}
		r.mu.Lock()
		pc := r.pc
		r.mu.Unlock()
		if pc == nil {
			return
		}
		if err := pc.SetRemoteDescription(offer); err != nil {
			r.logger.Warn("set remote offer", zap.Error(err))
			return
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			r.logger.Warn("create answer", zap.Error(err))
			return
		}
		if err := pc.SetLocalDescription(answer); err != nil {
			r.logger.Warn("set local answer", zap.Error(err))
			return
		}
		if err := conn.Reply(ctx, req.ID, answer); err != nil {
			r.logger.Warn("reply answer", zap.Error(err))
		}

	case "trickle":
		var params trickleParams
		if err := unmarshalParams(req, &params); err != nil {
			r.logger.Warn("bad trickle params", zap.Error(err))
			return
		}
		r.mu.Lock()
		pc := r.pc
		r.mu.Unlock()
		if pc == nil {
			return
		}
		if err := pc.AddICECandidate(params.Candidate); err != nil {
			r.logger.Warn("add ice candidate", zap.Error(err))
		}

	case "peer_join":
		var p peerInfo
		if err := unmarshalParams(req, &p); err != nil {
			return
		}
		info := ParticipantInfo(p)
		r.mu.Lock()
		r.participants[p.Identity] = info
		r.mu.Unlock()
		r.handler.emitParticipantJoined(info)

	case "peer_update":
		var p peerInfo
		if err := unmarshalParams(req, &p); err != nil {
			return
		}
		info := ParticipantInfo(p)
		r.mu.Lock()
		r.participants[p.Identity] = info
		r.mu.Unlock()
		r.handler.emitParticipantUpdated(info)

	case "peer_track":
		var params peerTrackParams
		if err := unmarshalParams(req, &params); err != nil {
			return
		}
		kind := TrackKind(params.Kind)
		if kind != KindAudio && kind != KindVideo {
			r.logger.Debug("unknown track kind", zap.String("kind", params.Kind))
			return
		}
		r.mu.Lock()
		if info, ok := r.participants[params.Identity]; ok {
			switch kind {
			case KindAudio:
				info.AudioEnabled = !params.Muted
			case KindVideo:
				info.VideoEnabled = !params.Muted
			}
			r.participants[params.Identity] = info
		}
		r.mu.Unlock()
		r.handler.emitTrackMuted(params.Identity, kind, params.Muted)

	case "peer_leave":
		var p peerInfo
		if err := unmarshalParams(req, &p); err != nil {
			return
		}
		r.mu.Lock()
		info, ok := r.participants[p.Identity]
		delete(r.participants, p.Identity)
		r.mu.Unlock()
		if !ok {
			info = ParticipantInfo(p)
		}
		r.handler.emitParticipantLeft(info)

	case "close":
		var params closeParams
		if err := unmarshalParams(req, &params); err != nil {
			return
		}
		reason := parseReason(params.Reason)
		r.closeOne.Do(func() {
			r.teardown()
			r.handler.emitDisconnected(reason)
		})

	default:
		r.logger.Debug("unknown signaling method", zap.String("method", req.Method))
	}
}

func unmarshalParams(req *jsonrpc2.Request, v interface{}) error {
	if req.Params == nil {
		return errors.New("missing params")
	}
	return json.Unmarshal(*req.Params, v)
}

func parseReason(s string) DisconnectReason {
	switch s {
	case "kicked":
		return ReasonKicked
	case "removed":
		return ReasonRemoved
	case "meeting_ended":
		return ReasonMeetingEnded
	case "duplicate_identity":
		return ReasonDuplicateIdentity
	}
	return ReasonUnknown
}
