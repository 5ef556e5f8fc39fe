package game

import "math/rand/v2"

const roomCodeLetters = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// NewRoomCode returns a short human-typeable room ID.
func NewRoomCode(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = roomCodeLetters[rand.IntN(len(roomCodeLetters))]
	}
	return string(b)
}
