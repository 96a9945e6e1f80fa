package orchestratorhttp

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
)

// StubSynth is a deterministic TTSSynth with no external dependency: it
// produces a fixed-size payload derived from the text/voice/rate triple
// rather than real audio. No example repo in the reference pack ships a
// TTS SDK the rest of this module's domain stack could plausibly adopt
// (the teacher's own Discord integration never synthesizes audio), so
// this stands in for a production backend behind the TTSSynth boundary
// until one is wired.
type StubSynth struct {
	// FrameBytes sets the size of the deterministic payload; defaults to
	// 4096 when zero.
	FrameBytes int
}

func (s *StubSynth) Synthesize(ctx context.Context, text, voice string, rate float64) ([]byte, error) {
	n := s.FrameBytes
	if n <= 0 {
		n = 4096
	}
	seed := sha256.Sum256([]byte(text + "|" + voice))
	out := make([]byte, n)
	copy(out, []byte("ID3"))
	var rateBits [8]byte
	binary.LittleEndian.PutUint64(rateBits[:], uint64(rate*1000))
	copy(out[3:], rateBits[:])
	for i := 11; i < n; i++ {
		out[i] = seed[i%len(seed)]
	}
	return out, nil
}
