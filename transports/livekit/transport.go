package livekit

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"spritebot/core"
	"spritebot/events/animation"
	"spritebot/events/llm"
	"spritebot/events/stt"
	"spritebot/events/transport"
	"spritebot/events/tts"
	"spritebot/events/vad"
	"spritebot/utils/audio"

	media "github.com/livekit/media-sdk"
	"github.com/livekit/protocol/livekit"
	lksdk "github.com/livekit/server-sdk-go/v2"
	lkmedia "github.com/livekit/server-sdk-go/v2/pkg/media"
	"github.com/pion/webrtc/v4"
)

const (
	attrAgentState = "lk.agent.state"
	attrAgentName  = "lk.agent.name"

	topicTranscription = "transcription"
	topicAgentState    = "agent_state"
	topicAvatar        = "avatar"

	trackReadDeadline = 5 * time.Second
)

// RoomConfig holds the per-session settings for joining a LiveKit room.
// Token takes precedence over APIKey/APISecret when both are present
// (worker mode hands us a pre-minted token with the job assignment).
type RoomConfig struct {
	RoomName  string
	URL       string
	APIKey    string
	APISecret string
	Token     string

	// AgentName labels the local participant and its attributes.
	AgentName string

	// Participant, when set, restricts inbound media to that identity.
	// Otherwise the first standard participant to join is adopted.
	Participant string

	OutSampleRate int
	OutChannels   int
	TrackName     string

	// EndOnLeave ends the session when the adopted participant leaves.
	EndOnLeave bool

	Logger *core.Logger
}

// DefaultRoomConfig returns settings for a single-user agent session.
func DefaultRoomConfig() RoomConfig {
	return RoomConfig{
		AgentName:     "agent",
		OutSampleRate: 24000,
		OutChannels:   1,
		TrackName:     "agent_audio",
		EndOnLeave:    true,
	}
}

// RoomTransport is the ITransportService over a LiveKit room: it joins the
// room, publishes one PCM audio track, subscribes to the adopted
// participant's microphone, and relays text over the data channel.
type RoomTransport struct {
	cfg    RoomConfig
	logger *core.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.RWMutex
	room      *lksdk.Room
	connected bool
	closed    bool
	speaker   string // identity of the adopted participant

	outTrack *lkmedia.PCMLocalTrack

	// trackStops maps subscribed track SIDs to the cancel func of their
	// read goroutine.
	trackStops sync.Map
	wg         sync.WaitGroup
	closeOnce  sync.Once

	mediaOut chan<- core.MediaChunk
	errOut   chan<- error

	roomEvents  chan core.IEvent
	speakerGone chan string
}

// NewRoomTransport builds a transport for one session. Connect does the
// actual join.
func NewRoomTransport(cfg RoomConfig) *RoomTransport {
	logger := cfg.Logger
	if logger == nil {
		logger = core.GetLogger()
	}
	return &RoomTransport{
		cfg:         cfg,
		logger:      logger,
		speaker:     cfg.Participant,
		roomEvents:  make(chan core.IEvent, 8),
		speakerGone: make(chan string, 1),
	}
}

func (t *RoomTransport) Initialize(ctx context.Context) error {
	t.ctx, t.cancel = context.WithCancel(ctx)
	return nil
}

// Connect joins the room and publishes the outbound audio track.
func (t *RoomTransport) Connect() error {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return errors.New("livekit: transport closed")
	}
	if t.cfg.RoomName == "" {
		return errors.New("livekit: room name required")
	}

	cb := &lksdk.RoomCallback{
		ParticipantCallback: lksdk.ParticipantCallback{
			OnTrackSubscribed:   t.onTrackSubscribed,
			OnTrackUnsubscribed: t.onTrackUnsubscribed,
			OnDataPacket:        t.onDataPacket,
		},
		OnParticipantConnected:    t.onParticipantJoined,
		OnParticipantDisconnected: t.onParticipantLeft,
		OnReconnecting:            func() { t.logger.Info("livekit: reconnecting", "room", t.cfg.RoomName) },
		OnReconnected:             func() { t.logger.Info("livekit: reconnected", "room", t.cfg.RoomName) },
		OnDisconnected:            func() { t.logger.Info("livekit: disconnected", "room", t.cfg.RoomName) },
	}

	room, err := t.join(cb)
	if err != nil {
		return err
	}

	t.mu.Lock()
	t.room = room
	t.connected = true
	t.mu.Unlock()

	t.setLocalAttributes(map[string]string{
		attrAgentState: "listening",
		attrAgentName:  t.cfg.AgentName,
	})

	if err := t.publishAudioTrack(room); err != nil {
		return err
	}

	// Participants that joined before us never hit the callback.
	for _, rp := range room.GetRemoteParticipants() {
		t.onParticipantJoined(rp)
	}

	t.logger.Info("livekit: joined room",
		"room", room.Name(),
		"identity", room.LocalParticipant.Identity(),
	)
	return nil
}

func (t *RoomTransport) join(cb *lksdk.RoomCallback) (*lksdk.Room, error) {
	opts := []lksdk.ConnectOption{lksdk.WithAutoSubscribe(true)}

	if t.cfg.Token != "" {
		room, err := lksdk.ConnectToRoomWithToken(t.cfg.URL, t.cfg.Token, cb, opts...)
		if err != nil {
			return nil, fmt.Errorf("livekit: token join failed: %w", err)
		}
		return room, nil
	}

	if t.cfg.APIKey == "" || t.cfg.APISecret == "" {
		return nil, errors.New("livekit: need a token or api key/secret pair")
	}
	room, err := lksdk.ConnectToRoom(t.cfg.URL, lksdk.ConnectInfo{
		APIKey:              t.cfg.APIKey,
		APISecret:           t.cfg.APISecret,
		RoomName:            t.cfg.RoomName,
		ParticipantIdentity: fmt.Sprintf("%s-%s", t.cfg.AgentName, randomSuffix()),
		ParticipantName:     t.cfg.AgentName,
		ParticipantKind:     lksdk.ParticipantAgent,
	}, cb, opts...)
	if err != nil {
		return nil, fmt.Errorf("livekit: join failed: %w", err)
	}
	return room, nil
}

func (t *RoomTransport) publishAudioTrack(room *lksdk.Room) error {
	track, err := lkmedia.NewPCMLocalTrack(t.cfg.OutSampleRate, t.cfg.OutChannels, nil)
	if err != nil {
		return fmt.Errorf("livekit: create audio track: %w", err)
	}
	if _, err := room.LocalParticipant.PublishTrack(track, &lksdk.TrackPublicationOptions{
		Name:   t.cfg.TrackName,
		Source: livekit.TrackSource_MICROPHONE,
	}); err != nil {
		track.Close()
		return fmt.Errorf("livekit: publish audio track: %w", err)
	}
	t.mu.Lock()
	t.outTrack = track
	t.mu.Unlock()
	return nil
}

// StartReceiving implements ITransportService. Media flows from the track
// read goroutines; this call only installs the channels and watches for the
// adopted participant leaving.
func (t *RoomTransport) StartReceiving(outputChan chan<- core.MediaChunk, errorChan chan<- error) {
	t.mu.Lock()
	t.mediaOut = outputChan
	t.errOut = errorChan
	t.mu.Unlock()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case <-t.ctx.Done():
		case identity := <-t.speakerGone:
			t.mu.RLock()
			errOut := t.errOut
			t.mu.RUnlock()
			if errOut != nil {
				select {
				case errOut <- fmt.Errorf("livekit: participant %s left", identity):
				case <-t.ctx.Done():
				}
			}
		}
	}()
}

// ParticipantEvents implements transport.IParticipantEventSource.
func (t *RoomTransport) ParticipantEvents() <-chan core.IEvent {
	return t.roomEvents
}

func (t *RoomTransport) onParticipantJoined(rp *lksdk.RemoteParticipant) {
	identity := rp.Identity()
	if t.isSelf(identity) {
		return
	}
	if t.cfg.Participant != "" && identity != t.cfg.Participant {
		return
	}

	t.mu.Lock()
	if t.speaker == "" {
		t.speaker = identity
	}
	adopted := t.speaker == identity
	t.mu.Unlock()

	if !adopted {
		return
	}

	// Auto-subscribe usually covers this; re-joining participants sometimes
	// need the explicit nudge.
	for _, pub := range rp.TrackPublications() {
		remote, ok := pub.(*lksdk.RemoteTrackPublication)
		if !ok || remote.IsSubscribed() {
			continue
		}
		if pub.Source() != livekit.TrackSource_MICROPHONE || pub.Kind() != lksdk.TrackKindAudio {
			continue
		}
		if err := remote.SetSubscribed(true); err != nil {
			t.logger.Warn("livekit: subscribe failed",
				"participant", identity, "track", remote.SID(), "error", err)
		}
	}

	t.emitRoomEvent(&transport.ParticipantJoinedEvent{
		ParticipantID: identity,
		Name:          rp.Name(),
	})
	t.logger.Info("livekit: participant adopted", "identity", identity, "room", t.cfg.RoomName)
}

func (t *RoomTransport) onParticipantLeft(rp *lksdk.RemoteParticipant) {
	identity := rp.Identity()
	if t.isSelf(identity) {
		return
	}

	t.mu.Lock()
	wasSpeaker := t.speaker == identity
	if wasSpeaker {
		t.speaker = ""
	}
	t.mu.Unlock()

	t.emitRoomEvent(&transport.ParticipantLeftEvent{
		ParticipantID: identity,
		Reason:        "left",
	})

	if wasSpeaker && t.cfg.EndOnLeave {
		select {
		case t.speakerGone <- identity:
		default:
		}
	}
	t.logger.Info("livekit: participant left", "identity", identity, "room", t.cfg.RoomName)
}

func (t *RoomTransport) isSelf(identity string) bool {
	t.mu.RLock()
	room := t.room
	t.mu.RUnlock()
	return room != nil && room.LocalParticipant != nil &&
		identity == room.LocalParticipant.Identity()
}

func (t *RoomTransport) emitRoomEvent(ev core.IEvent) {
	select {
	case t.roomEvents <- ev:
	default:
		t.logger.Warn("livekit: room event dropped, channel full")
	}
}

func (t *RoomTransport) onTrackSubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if track.Kind() != webrtc.RTPCodecTypeAudio {
		return
	}
	t.mu.RLock()
	speaker := t.speaker
	t.mu.RUnlock()
	if speaker != "" && rp.Identity() != speaker {
		return
	}

	sampleRate, channels := codecParams(track.Codec().MimeType)
	t.logger.Info("livekit: reading track",
		"track", track.ID(),
		"codec", track.Codec().MimeType,
		"sampleRate", sampleRate,
		"participant", rp.Identity(),
	)

	readCtx, stop := context.WithCancel(t.ctx)
	t.trackStops.Store(track.ID(), stop)

	t.wg.Add(1)
	go t.readTrack(readCtx, track, rp.Identity(), sampleRate, channels)
}

func (t *RoomTransport) onTrackUnsubscribed(track *webrtc.TrackRemote, pub *lksdk.RemoteTrackPublication, rp *lksdk.RemoteParticipant) {
	if stop, ok := t.trackStops.LoadAndDelete(track.ID()); ok {
		stop.(context.CancelFunc)()
	}
}

// codecParams maps an RTP mime type to the sample rate and channel count the
// payload carries.
func codecParams(mimeType string) (sampleRate, channels int) {
	switch mimeType {
	case "audio/PCMU", "audio/PCMA":
		return 8000, 1
	case "audio/G722":
		return 16000, 1
	default: // opus
		return 48000, 1
	}
}

func (t *RoomTransport) readTrack(ctx context.Context, track *webrtc.TrackRemote, identity string, sampleRate, channels int) {
	defer t.wg.Done()
	defer t.trackStops.Delete(track.ID())

	for {
		if ctx.Err() != nil {
			return
		}

		_ = track.SetReadDeadline(time.Now().Add(trackReadDeadline))
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if ctx.Err() == nil {
				t.logger.Debug("livekit: track read ended",
					"track", track.ID(), "participant", identity, "error", err)
			}
			return
		}
		if pkt == nil || len(pkt.Payload) == 0 {
			continue
		}

		payload := make([]byte, len(pkt.Payload))
		copy(payload, pkt.Payload)

		chunk := core.MediaChunk{Audio: core.AudioChunk{
			Data:       &payload,
			SampleRate: sampleRate,
			Channels:   channels,
			Format:     core.OPUS,
			Timestamp:  time.Now(),
		}}

		t.mu.RLock()
		out := t.mediaOut
		t.mu.RUnlock()
		if out == nil {
			continue
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		default:
			// Pipeline is behind; dropping live audio beats stalling RTP.
		}
	}
}

func (t *RoomTransport) onDataPacket(data lksdk.DataPacket, params lksdk.DataReceiveParams) {
	t.mu.RLock()
	speaker := t.speaker
	out := t.mediaOut
	t.mu.RUnlock()

	if out == nil {
		return
	}
	if speaker != "" && params.SenderIdentity != speaker {
		return
	}

	payload := data.ToProto().GetUser().GetPayload()
	if len(payload) == 0 {
		return
	}

	select {
	case out <- core.MediaChunk{Text: core.TextChunk{Text: string(payload)}}:
	case <-t.ctx.Done():
	}
}

// SendEvent renders pipeline events onto the room: audio onto the published
// track, transcripts and state changes onto the data channel.
func (t *RoomTransport) SendEvent(event core.IEvent) error {
	t.mu.RLock()
	room := t.room
	connected := t.connected
	outTrack := t.outTrack
	t.mu.RUnlock()

	if !connected || room == nil {
		return errors.New("livekit: not connected")
	}

	switch e := event.(type) {
	case *tts.TTSOutputEvent:
		return t.writeAudio(outTrack, e.AudioChunk)

	case *tts.TTSSpeakingStartedEvent:
		return t.announceState("speaking")

	case *tts.TTSSpeakingEndedEvent:
		return t.announceState("listening")

	case *tts.TTSSpokenTextChunkEvent:
		return t.publishData(topicTranscription, e.Text)

	case *llm.LLMGenerateResponseEvent, *llm.LLMResponseStartedEvent:
		return t.announceState("thinking")

	case *llm.LLMResponseCompletedEvent:
		if e.FullText != "" {
			return t.publishData(topicTranscription, e.FullText)
		}
		return nil

	case *stt.STTFinalOutputEvent:
		if e.Text != "" {
			return t.publishData(topicTranscription, e.Text)
		}
		return nil

	case *vad.VadUserSpeechStartedEvent:
		return t.announceState("listening")

	case *vad.VadUserSpeechEndedEvent:
		return t.announceState("thinking")

	case *vad.VadInterruptionSuspectedEvent, *vad.VadInterruptionConfirmedEvent:
		// Whatever is queued on the track is speech the user talked over.
		if outTrack != nil {
			outTrack.ClearQueue()
		}
		return t.announceState("listening")

	// The SDK publishes raw PCM but has no video encoder, so sprite frames
	// cannot go out as a track. Clients hold their own sprite sheet and we
	// flip them between loop and still over the data channel.
	case *animation.SpriteAnimationEvent:
		return t.publishData(topicAvatar, `{"state":"talking"}`)

	case *animation.StaticImageEvent:
		return t.publishData(topicAvatar, `{"state":"quiet"}`)

	default:
		return nil
	}
}

func (t *RoomTransport) writeAudio(track *lkmedia.PCMLocalTrack, chunk core.AudioChunk) error {
	if track == nil {
		return errors.New("livekit: audio track not published")
	}
	if chunk.Data == nil || len(*chunk.Data) == 0 {
		return nil
	}
	pcm, err := audio.ConvertAudioChunk(chunk, core.PCM, t.cfg.OutChannels, t.cfg.OutSampleRate)
	if err != nil {
		return fmt.Errorf("livekit: audio conversion: %w", err)
	}
	if err := track.WriteSample(pcm16Samples(*pcm.Data)); err != nil {
		return fmt.Errorf("livekit: write sample: %w", err)
	}
	return nil
}

func (t *RoomTransport) announceState(state string) error {
	t.setLocalAttributes(map[string]string{attrAgentState: state})
	return t.publishData(topicAgentState, fmt.Sprintf(`{"state":%q}`, state))
}

func (t *RoomTransport) setLocalAttributes(attrs map[string]string) {
	t.mu.RLock()
	room := t.room
	t.mu.RUnlock()
	if room == nil || room.LocalParticipant == nil {
		return
	}
	room.LocalParticipant.SetAttributes(attrs)
}

func (t *RoomTransport) publishData(topic, payload string) error {
	t.mu.RLock()
	room := t.room
	t.mu.RUnlock()
	if room == nil || room.LocalParticipant == nil {
		return errors.New("livekit: not connected")
	}
	return room.LocalParticipant.PublishDataPacket(
		lksdk.UserData([]byte(payload)),
		lksdk.WithDataPublishReliable(true),
		lksdk.WithDataPublishTopic(topic),
	)
}

// Cleanup stops track readers, waits for them, and leaves the room. Track
// teardown happens before Disconnect so Pion unpublishes cleanly.
func (t *RoomTransport) Cleanup() error {
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.connected = false
		t.mediaOut = nil
		t.errOut = nil
		outTrack := t.outTrack
		t.outTrack = nil
		room := t.room
		t.room = nil
		t.mu.Unlock()

		if t.cancel != nil {
			t.cancel()
		}
		t.trackStops.Range(func(key, stop any) bool {
			stop.(context.CancelFunc)()
			t.trackStops.Delete(key)
			return true
		})
		t.wg.Wait()

		if outTrack != nil {
			outTrack.Close()
		}
		if room != nil {
			room.Disconnect()
		}
		t.logger.Info("livekit: left room", "room", t.cfg.RoomName)
	})
	return nil
}

// Reset tears the session down and joins again.
func (t *RoomTransport) Reset() error {
	t.Cleanup()

	t.closeOnce = sync.Once{}
	t.mu.Lock()
	t.closed = false
	t.speaker = t.cfg.Participant
	t.mu.Unlock()
	t.speakerGone = make(chan string, 1)

	if t.ctx != nil {
		t.ctx, t.cancel = context.WithCancel(context.Background())
	}
	return t.Connect()
}

func pcm16Samples(data []byte) media.PCM16Sample {
	out := make(media.PCM16Sample, len(data)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}
	return out
}

func randomSuffix() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}
