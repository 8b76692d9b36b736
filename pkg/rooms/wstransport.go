package rooms

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/pailflow/pailflow/pkg/types"
)

const (
	// transportSampleRate is the PCM rate the room gateway exchanges with bots.
	transportSampleRate = 16000

	outboundBuffer = 256
	inboundBuffer  = 256
	eventBuffer    = 64
)

// DialConfig configures a live room connection.
type DialConfig struct {
	// RoomURL is the room's join URL. The trailing path segment is the room name.
	RoomURL string

	// Token is the meeting token minted for this bot. May be empty for rooms
	// that allow anonymous joins.
	Token string

	// BotName is the display name the bot presents to other participants.
	BotName string
}

// wireMessage is the JSON envelope for text frames on the bot gateway socket.
// Binary frames carry raw PCM audio in both directions.
type wireMessage struct {
	Type           string            `json:"type"`
	Token          string            `json:"token,omitempty"`
	Name           string            `json:"name,omitempty"`
	Data           string            `json:"data,omitempty"` // base64 image payload
	LocalSessionID string            `json:"local_session_id,omitempty"`
	Participant    *wireParticipant  `json:"participant,omitempty"`
	Participants   []wireParticipant `json:"participants,omitempty"`
	Reason         string            `json:"reason,omitempty"`
	Present        int               `json:"present,omitempty"`
	Hidden         int               `json:"hidden,omitempty"`
}

type wireParticipant struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Name      string `json:"name"`
}

// outMessage is one queued outbound frame.
type outMessage struct {
	binary bool
	data   []byte
}

// WSTransport implements Transport over the room provider's bot gateway
// WebSocket. Text frames carry JSON control and event messages; binary frames
// carry 16 kHz mono PCM audio.
type WSTransport struct {
	conn  *websocket.Conn
	start time.Time

	audio  chan types.AudioFrame
	events chan Event
	out    chan outMessage

	joined   chan struct{}
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
	wg       sync.WaitGroup

	mu           sync.RWMutex
	participants map[string]types.Participant
	localSession string
	presentCount int
}

var _ Transport = (*WSTransport)(nil)

// Dial connects to the room's bot gateway, performs the join handshake, and
// returns a ready transport. The returned transport already carries the
// provider's initial participant snapshot.
func Dial(ctx context.Context, cfg DialConfig) (*WSTransport, error) {
	if cfg.RoomURL == "" {
		return nil, errors.New("rooms: RoomURL must not be empty")
	}

	headers := http.Header{}
	if cfg.Token != "" {
		headers.Set("Authorization", "Bearer "+cfg.Token)
	}

	conn, _, err := websocket.Dial(ctx, toGatewayURL(cfg.RoomURL), &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("rooms: dial gateway: %w", err)
	}

	t := &WSTransport{
		conn:         conn,
		start:        time.Now(),
		audio:        make(chan types.AudioFrame, inboundBuffer),
		events:       make(chan Event, eventBuffer),
		out:          make(chan outMessage, outboundBuffer),
		joined:       make(chan struct{}),
		done:         make(chan struct{}),
		readDone:     make(chan struct{}),
		participants: make(map[string]types.Participant),
	}

	join, _ := json.Marshal(wireMessage{Type: "join", Token: cfg.Token, Name: cfg.BotName})
	if err := conn.Write(ctx, websocket.MessageText, join); err != nil {
		conn.Close(websocket.StatusInternalError, "join failed")
		return nil, fmt.Errorf("rooms: send join: %w", err)
	}

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()

	select {
	case <-t.joined:
		return t, nil
	case <-t.readDone:
		t.Close()
		return nil, errors.New("rooms: gateway closed before join completed")
	case <-ctx.Done():
		t.Close()
		return nil, fmt.Errorf("rooms: join: %w", ctx.Err())
	}
}

// toGatewayURL rewrites a room join URL into its WebSocket gateway equivalent.
func toGatewayURL(roomURL string) string {
	switch {
	case strings.HasPrefix(roomURL, "https://"):
		return "wss://" + strings.TrimPrefix(roomURL, "https://")
	case strings.HasPrefix(roomURL, "http://"):
		return "ws://" + strings.TrimPrefix(roomURL, "http://")
	default:
		return roomURL
	}
}

// SendAudio queues one PCM frame for playback into the room.
func (t *WSTransport) SendAudio(frame types.AudioFrame) error {
	return t.enqueue(outMessage{binary: true, data: frame.Data})
}

// SendImage queues one encoded image for the bot's video track.
func (t *WSTransport) SendImage(img []byte) error {
	payload, _ := json.Marshal(wireMessage{
		Type: "image",
		Data: base64.StdEncoding.EncodeToString(img),
	})
	return t.enqueue(outMessage{data: payload})
}

func (t *WSTransport) enqueue(msg outMessage) error {
	select {
	case <-t.done:
		return errors.New("rooms: transport is closed")
	default:
	}
	select {
	case t.out <- msg:
		return nil
	case <-t.done:
		return errors.New("rooms: transport is closed")
	}
}

// Audio returns the channel of mixed room audio.
func (t *WSTransport) Audio() <-chan types.AudioFrame { return t.audio }

// Events returns the channel of participant lifecycle events.
func (t *WSTransport) Events() <-chan Event { return t.events }

// Participants returns a snapshot of the current room roster.
func (t *WSTransport) Participants() []types.Participant {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]types.Participant, 0, len(t.participants))
	for _, p := range t.participants {
		out = append(out, p)
	}
	return out
}

// LocalSessionID returns the session id assigned to this connection.
func (t *WSTransport) LocalSessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.localSession
}

// PresentCount returns the provider's present-participant count.
func (t *WSTransport) PresentCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.presentCount
}

// Leave performs a graceful room exit. It queues the leave message, then waits
// for the gateway to close the connection or for ctx to expire.
func (t *WSTransport) Leave(ctx context.Context) error {
	payload, _ := json.Marshal(wireMessage{Type: "leave"})
	if err := t.enqueue(outMessage{data: payload}); err != nil {
		return err
	}
	select {
	case <-t.readDone:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("rooms: leave: %w", ctx.Err())
	}
}

// Close tears down the connection. Safe to call multiple times.
func (t *WSTransport) Close() error {
	t.once.Do(func() {
		close(t.done)
		t.conn.Close(websocket.StatusNormalClosure, "transport closed")
		t.wg.Wait()
	})
	return nil
}

// writeLoop drains the outbound queue onto the socket.
func (t *WSTransport) writeLoop() {
	defer t.wg.Done()
	ctx := context.Background()
	for {
		select {
		case msg := <-t.out:
			kind := websocket.MessageText
			if msg.binary {
				kind = websocket.MessageBinary
			}
			if err := t.conn.Write(ctx, kind, msg.data); err != nil {
				return
			}
		case <-t.done:
			// Flush whatever is already queued before exiting.
			for {
				select {
				case msg := <-t.out:
					kind := websocket.MessageText
					if msg.binary {
						kind = websocket.MessageBinary
					}
					_ = t.conn.Write(ctx, kind, msg.data)
				default:
					return
				}
			}
		}
	}
}

// readLoop receives gateway frames and dispatches audio and events.
func (t *WSTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.readDone)
	defer close(t.audio)
	defer close(t.events)

	ctx := context.Background()
	for {
		kind, data, err := t.conn.Read(ctx)
		if err != nil {
			return
		}

		if kind == websocket.MessageBinary {
			frame := types.AudioFrame{
				Data:       data,
				SampleRate: transportSampleRate,
				Channels:   1,
				Timestamp:  time.Since(t.start),
			}
			select {
			case t.audio <- frame:
			case <-t.done:
				return
			}
			continue
		}

		var msg wireMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if ev, ok := t.apply(msg); ok {
			select {
			case t.events <- ev:
			case <-t.done:
				return
			}
		}
	}
}

// apply folds one gateway message into the roster snapshot and, when the
// message is participant-facing, returns the Event to surface.
func (t *WSTransport) apply(msg wireMessage) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch msg.Type {
	case "joined":
		t.localSession = msg.LocalSessionID
		t.participants = make(map[string]types.Participant, len(msg.Participants))
		for _, wp := range msg.Participants {
			t.participants[wp.SessionID] = toParticipant(wp)
		}
		t.presentCount = len(t.participants)
		// Unblock Dial exactly once.
		select {
		case <-t.joined:
		default:
			close(t.joined)
		}
		return Event{}, false

	case "participant-joined":
		if msg.Participant == nil {
			return Event{}, false
		}
		p := toParticipant(*msg.Participant)
		t.participants[p.SessionID] = p
		t.presentCount = len(t.participants)
		return Event{Kind: EventParticipantJoined, Participant: p}, true

	case "participant-left":
		if msg.Participant == nil {
			return Event{}, false
		}
		p := toParticipant(*msg.Participant)
		delete(t.participants, p.SessionID)
		t.presentCount = len(t.participants)
		return Event{Kind: EventParticipantLeft, Participant: p, Reason: msg.Reason}, true

	case "active-speaker-changed":
		if msg.Participant == nil {
			return Event{}, false
		}
		return Event{Kind: EventActiveSpeakerChanged, Participant: toParticipant(*msg.Participant)}, true

	case "counts-updated":
		t.presentCount = msg.Present
		return Event{
			Kind:   EventCountsUpdated,
			Counts: ParticipantCounts{Present: msg.Present, Hidden: msg.Hidden},
		}, true

	default:
		return Event{}, false
	}
}

func toParticipant(wp wireParticipant) types.Participant {
	return types.Participant{
		SessionID: wp.SessionID,
		UserID:    wp.UserID,
		Name:      wp.Name,
	}
}
