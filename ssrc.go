package voicelink

import (
	"math"
	"sync"

	"github.com/voscord/voicelink/signaling"
)

// SSRCRegistry maintains the bidirectional mapping between user IDs
// and the RTP synchronization sources the server announces for them.
// Reassigning a user to a new SSRC removes the stale reverse entry so
// the old SSRC no longer resolves to anyone.
type SSRCRegistry struct {
	mu     sync.RWMutex
	byUser map[signaling.ID]uint32
	bySSRC map[uint32]signaling.ID
}

func NewSSRCRegistry() *SSRCRegistry {
	return &SSRCRegistry{
		byUser: make(map[signaling.ID]uint32),
		bySSRC: make(map[uint32]signaling.ID),
	}
}

// Assign records that userID transmits under ssrc, replacing any
// previous assignment for that user.
func (r *SSRCRegistry) Assign(userID signaling.ID, ssrc uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.byUser[userID]; ok && old != ssrc {
		delete(r.bySSRC, old)
	}
	r.byUser[userID] = ssrc
	r.bySSRC[ssrc] = userID
}

// Remove forgets the assignment for userID, if any.
func (r *SSRCRegistry) Remove(userID signaling.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ssrc, ok := r.byUser[userID]; ok {
		delete(r.bySSRC, ssrc)
		delete(r.byUser, userID)
	}
}

// Lookup resolves in either direction: given a user ID it returns that
// user's SSRC, and given an SSRC it returns the owning user ID. User
// IDs are tried first; values above the 32-bit range can only be user
// IDs and are never matched against SSRCs.
func (r *SSRCRegistry) Lookup(query uint64) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if ssrc, ok := r.byUser[signaling.ID(query)]; ok {
		return uint64(ssrc), true
	}
	if query <= math.MaxUint32 {
		if user, ok := r.bySSRC[uint32(query)]; ok {
			return uint64(user), true
		}
	}
	return 0, false
}

// SSRCOf returns the SSRC assigned to userID.
func (r *SSRCRegistry) SSRCOf(userID signaling.ID) (uint32, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ssrc, ok := r.byUser[userID]
	return ssrc, ok
}

// UserOf returns the user transmitting under ssrc.
func (r *SSRCRegistry) UserOf(ssrc uint32) (signaling.ID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	user, ok := r.bySSRC[ssrc]
	return user, ok
}
