// Package stream implements the in-process carrier: single-writer,
// multi-reader logs of framed messages addressed by monotonic byte positions.
// The framer publishes inbound/outbound session traffic onto these logs; the
// indexer and the recording archive consume them at their own pace.
package stream

import (
	"sync"

	"github.com/Aidin1998/fixgate/common/errors"
)

// FrameAlignment is the byte alignment of every fragment on a stream. All
// positions and lengths recorded in the indexes are aligned to it.
const FrameAlignment = 32

// HeaderLength is the number of bytes of framing metadata preceding each
// fragment payload.
const HeaderLength = 24

// Align rounds length up to the next frame boundary.
func Align(length int) int {
	return (length + FrameAlignment - 1) &^ (FrameAlignment - 1)
}

// Header describes one polled fragment.
type Header struct {
	// Position is the stream position of the first byte past this fragment,
	// aligned. Matches the carrier convention: a consumer that has seen
	// Position has seen every byte before it.
	Position int64
	// SessionID tags the gateway session the fragment belongs to.
	SessionID int64
	// StreamID tags the logical direction (inbound/outbound).
	StreamID int32
}

// FragmentHandler consumes one fragment. Returning false pauses the poll so
// the fragment is redelivered on the next call.
type FragmentHandler func(buf []byte, header Header) bool

type fragment struct {
	begin     int64
	end       int64
	sessionID int64
	payload   []byte
}

// Stream is one carrier log. Exactly one Publication writes it; any number of
// Subscriptions read it.
type Stream struct {
	id       int32
	capacity int64

	mu        sync.RWMutex
	fragments []fragment
	lowPos    int64 // stream position of fragments[0].begin
	highPos   int64 // position past the newest fragment
	subs      []*Subscription
}

// NewStream creates a carrier log with the given identifier and buffered-byte
// capacity. When the window between the slowest subscriber and the head
// exceeds capacity, publications back-pressure.
func NewStream(id int32, capacity int64) *Stream {
	return &Stream{id: id, capacity: capacity}
}

// NewStreamAt creates a carrier log whose positions begin at position.
// Positions are causal timestamps that must keep increasing across restarts,
// so a resumed stream starts where its recording stopped.
func NewStreamAt(id int32, capacity int64, position int64) *Stream {
	return &Stream{id: id, capacity: capacity, lowPos: position, highPos: position}
}

// ID returns the stream identifier.
func (s *Stream) ID() int32 { return s.id }

// Position returns the position past the newest committed fragment.
func (s *Stream) Position() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.highPos
}

func (s *Stream) window() int64 {
	slowest := s.highPos
	for _, sub := range s.subs {
		if p := sub.position; p < slowest {
			slowest = p
		}
	}
	return s.highPos - slowest
}

func (s *Stream) evict() {
	// Drop fragments every live subscriber has consumed.
	minPos := s.highPos
	for _, sub := range s.subs {
		if sub.position < minPos {
			minPos = sub.position
		}
	}
	i := 0
	for i < len(s.fragments) && s.fragments[i].end <= minPos {
		i++
	}
	if i > 0 {
		s.fragments = s.fragments[i:]
		if len(s.fragments) > 0 {
			s.lowPos = s.fragments[0].begin
		} else {
			s.lowPos = s.highPos
		}
	}
}

// Publication is the single-writer handle onto a stream for one session.
type Publication struct {
	stream    *Stream
	sessionID int64
}

// NewPublication binds a session to the stream's write side.
func NewPublication(s *Stream, sessionID int64) *Publication {
	return &Publication{stream: s, sessionID: sessionID}
}

// SessionID returns the gateway session this publication writes for.
func (p *Publication) SessionID() int64 { return p.sessionID }

// StreamID returns the underlying stream identifier.
func (p *Publication) StreamID() int32 { return p.stream.id }

// Position returns the stream position past the last committed fragment.
func (p *Publication) Position() int64 { return p.stream.Position() }

// Claim is a two-step publication: fill Buffer, then Commit or Abort.
type Claim struct {
	Buffer []byte

	pub      *Publication
	length   int
	consumed bool
}

// TryClaim reserves space for a fragment of the given payload length. It
// returns errors.ErrBackPressured when the stream window is full.
func (p *Publication) TryClaim(length int) (*Claim, error) {
	s := p.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.window()+int64(Align(length+HeaderLength)) > s.capacity {
		s.evict()
		if s.window()+int64(Align(length+HeaderLength)) > s.capacity {
			return nil, errors.ErrBackPressured
		}
	}
	return &Claim{Buffer: make([]byte, length), pub: p, length: length}, nil
}

// Commit publishes the claimed fragment and returns the new stream position.
func (c *Claim) Commit() int64 {
	if c.consumed {
		return c.pub.stream.Position()
	}
	c.consumed = true
	s := c.pub.stream
	s.mu.Lock()
	defer s.mu.Unlock()
	begin := s.highPos
	end := begin + int64(Align(c.length+HeaderLength))
	s.fragments = append(s.fragments, fragment{
		begin:     begin,
		end:       end,
		sessionID: c.pub.sessionID,
		payload:   c.Buffer,
	})
	s.highPos = end
	return end
}

// Abort releases the claim without publishing.
func (c *Claim) Abort() {
	c.consumed = true
}

// TryOffer publishes buf as one fragment, returning the new stream position
// or errors.ErrBackPressured.
func (p *Publication) TryOffer(buf []byte) (int64, error) {
	claim, err := p.TryClaim(len(buf))
	if err != nil {
		return 0, err
	}
	copy(claim.Buffer, buf)
	return claim.Commit(), nil
}

// Subscription is one reader cursor over a stream.
type Subscription struct {
	stream   *Stream
	position int64
}

// Subscribe registers a new reader starting at the current head.
func (s *Stream) Subscribe() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &Subscription{stream: s, position: s.highPos}
	s.subs = append(s.subs, sub)
	return sub
}

// SubscribeFrom registers a reader starting at an explicit position. Positions
// before the retained window snap to the window start.
func (s *Stream) SubscribeFrom(position int64) *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	if position < s.lowPos {
		position = s.lowPos
	}
	sub := &Subscription{stream: s, position: position}
	s.subs = append(s.subs, sub)
	return sub
}

// Position returns the subscription's consumed position.
func (sub *Subscription) Position() int64 { return sub.position }

// Poll delivers up to limit fragments to handler, returning how many were
// consumed.
func (sub *Subscription) Poll(handler FragmentHandler, limit int) int {
	s := sub.stream
	s.mu.RLock()
	// Snapshot the candidate fragments under the read lock; handlers run
	// outside it so they may publish to other streams.
	var batch []fragment
	for _, f := range s.fragments {
		if f.begin >= sub.position {
			batch = append(batch, f)
			if len(batch) == limit {
				break
			}
		}
	}
	streamID := s.id
	s.mu.RUnlock()

	consumed := 0
	for _, f := range batch {
		ok := handler(f.payload, Header{Position: f.end, SessionID: f.sessionID, StreamID: streamID})
		if !ok {
			break
		}
		sub.position = f.end
		consumed++
	}
	if consumed > 0 {
		s.mu.Lock()
		s.evict()
		s.mu.Unlock()
	}
	return consumed
}
