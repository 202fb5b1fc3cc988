package session

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"voicechat-backend/internal/conversation"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrTurnInProgress  = errors.New("a turn is already being processed for this session")
)

// Clip is a synthesized reply kept for the page's audio player.
type Clip struct {
	ID       uuid.UUID
	TurnIdx  int
	MIMEType string
	Data     []byte
}

// Session is the state owned by one user: their conversation and the
// audio rendered for it. It is never shared between users.
type Session struct {
	ID           uuid.UUID
	Conversation *conversation.Conversation
	CreatedAt    time.Time

	busy atomic.Bool

	mu       sync.Mutex
	lastSeen time.Time
	clips    map[uuid.UUID]Clip
}

func newSession(now time.Time) *Session {
	return &Session{
		ID:           uuid.New(),
		Conversation: conversation.New(),
		CreatedAt:    now,
		lastSeen:     now,
		clips:        make(map[uuid.UUID]Clip),
	}
}

// BeginTurn claims the session for one pipeline run. The returned func
// releases it; callers must defer it.
func (s *Session) BeginTurn() (func(), error) {
	if !s.busy.CompareAndSwap(false, true) {
		return nil, ErrTurnInProgress
	}
	return func() { s.busy.Store(false) }, nil
}

func (s *Session) Busy() bool {
	return s.busy.Load()
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastSeen = now
	s.mu.Unlock()
}

func (s *Session) LastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeen
}

// PutClip stores audio for the turn at turnIdx and returns its ID.
func (s *Session) PutClip(turnIdx int, mimeType string, data []byte) uuid.UUID {
	id := uuid.New()
	s.mu.Lock()
	s.clips[id] = Clip{ID: id, TurnIdx: turnIdx, MIMEType: mimeType, Data: data}
	s.mu.Unlock()
	return id
}

func (s *Session) Clip(id uuid.UUID) (Clip, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clips[id]
	return c, ok
}

// ClipForTurn returns the clip rendered for a turn index, if any.
func (s *Session) ClipForTurn(turnIdx int) (uuid.UUID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, c := range s.clips {
		if c.TurnIdx == turnIdx {
			return id, true
		}
	}
	return uuid.Nil, false
}
