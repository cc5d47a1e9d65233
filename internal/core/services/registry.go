package services

import (
	"sync"

	"stagecast/internal/core/domain"
	"stagecast/internal/core/ports"
)

// room holds one session's roster. participants preserves join order; index
// gives O(1) lookup. Mutations go through the owning registry's per-room lock
// so roster writes within a session are serialized.
type room struct {
	mu           sync.Mutex
	participants []*domain.Participant
	index        map[domain.ParticipantID]int

	// pruned marks a room that was emptied and detached from the registry.
	// A writer that fetched it before the prune must not mutate it.
	pruned bool
}

// RoomRegistry is the in-memory session → participant-set mapping. It is
// deliberately ephemeral: process restart loses it and clients rejoin.
type RoomRegistry struct {
	mu    sync.RWMutex
	rooms map[domain.SessionID]*room
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms: make(map[domain.SessionID]*room),
	}
}

var _ ports.RoomRegistry = (*RoomRegistry)(nil)

func (r *RoomRegistry) AddParticipant(sessionID domain.SessionID, participant *domain.Participant) {
	for {
		r.mu.Lock()
		rm, ok := r.rooms[sessionID]
		if !ok {
			rm = &room{index: make(map[domain.ParticipantID]int)}
			r.rooms[sessionID] = rm
		}
		r.mu.Unlock()

		rm.mu.Lock()
		if rm.pruned {
			// A concurrent remove emptied and detached this room between
			// the fetch and the append. Writing into it would lose the
			// join, so fetch a fresh room and try again.
			rm.mu.Unlock()
			continue
		}
		if i, exists := rm.index[participant.ID]; exists {
			rm.participants[i] = participant
		} else {
			rm.index[participant.ID] = len(rm.participants)
			rm.participants = append(rm.participants, participant)
		}
		rm.mu.Unlock()
		return
	}
}

func (r *RoomRegistry) RemoveParticipant(sessionID domain.SessionID, participantID domain.ParticipantID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[sessionID]
	if !ok {
		return
	}

	rm.mu.Lock()
	rm.remove(participantID)
	empty := len(rm.participants) == 0
	if empty {
		rm.pruned = true
	}
	rm.mu.Unlock()

	if empty {
		delete(r.rooms, sessionID)
	}
}

func (r *RoomRegistry) UpdateParticipant(sessionID domain.SessionID, participantID domain.ParticipantID, update domain.ParticipantUpdate) {
	r.mu.RLock()
	rm, ok := r.rooms[sessionID]
	r.mu.RUnlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if i, exists := rm.index[participantID]; exists {
		update.Apply(rm.participants[i])
	}
}

func (r *RoomRegistry) ListParticipants(sessionID domain.SessionID) []*domain.Participant {
	r.mu.RLock()
	rm, ok := r.rooms[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	out := make([]*domain.Participant, len(rm.participants))
	for i, p := range rm.participants {
		cp := *p
		out[i] = &cp
	}
	return out
}

func (r *RoomRegistry) GetParticipant(sessionID domain.SessionID, participantID domain.ParticipantID) (*domain.Participant, bool) {
	r.mu.RLock()
	rm, ok := r.rooms[sessionID]
	r.mu.RUnlock()
	if !ok {
		return nil, false
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()
	if i, exists := rm.index[participantID]; exists {
		cp := *rm.participants[i]
		return &cp, true
	}
	return nil, false
}

func (r *RoomRegistry) RemoveFromAllSessions(participantID domain.ParticipantID) []domain.SessionID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var affected []domain.SessionID
	for sessionID, rm := range r.rooms {
		rm.mu.Lock()
		_, exists := rm.index[participantID]
		if exists {
			rm.remove(participantID)
			affected = append(affected, sessionID)
		}
		empty := len(rm.participants) == 0
		if exists && empty {
			rm.pruned = true
		}
		rm.mu.Unlock()

		if exists && empty {
			delete(r.rooms, sessionID)
		}
	}
	return affected
}

func (r *RoomRegistry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

// SessionIDs lists every session with at least one participant.
func (r *RoomRegistry) SessionIDs() []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]domain.SessionID, 0, len(r.rooms))
	for id := range r.rooms {
		ids = append(ids, id)
	}
	return ids
}

func (r *RoomRegistry) TotalParticipants() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	total := 0
	for _, rm := range r.rooms {
		rm.mu.Lock()
		total += len(rm.participants)
		rm.mu.Unlock()
	}
	return total
}

// remove deletes the participant and reindexes; caller holds rm.mu.
func (rm *room) remove(participantID domain.ParticipantID) {
	i, exists := rm.index[participantID]
	if !exists {
		return
	}
	rm.participants = append(rm.participants[:i], rm.participants[i+1:]...)
	delete(rm.index, participantID)
	for j := i; j < len(rm.participants); j++ {
		rm.index[rm.participants[j].ID] = j
	}
}
