package playback

import (
	"sync"

	"github.com/google/uuid"

	"github.com/MrWong99/aletheia/pkg/types"
)

// Neutral rate and pitch applied to every new utterance.
const (
	DefaultRate  = 1.0
	DefaultPitch = 1.0
)

// Utterance is a reusable synthesis handle for one exact text. The adapter
// caches utterances by text and hands the same pointer to the [Synthesizer] on
// every replay.
type Utterance struct {
	// ID uniquely identifies the handle in logs.
	ID string

	// Text is the exact text to speak.
	Text string

	// Voice is the selected voice. Nil leaves the choice to the synthesizer.
	Voice *types.VoiceProfile

	// Rate and Pitch are speech parameters where 1.0 is neutral.
	Rate  float64
	Pitch float64

	onDone func(*Utterance)

	mu  sync.Mutex
	pcm []byte
}

func newUtterance(text string, voice *types.VoiceProfile) *Utterance {
	return &Utterance{
		ID:    uuid.NewString(),
		Text:  text,
		Voice: voice,
		Rate:  DefaultRate,
		Pitch: DefaultPitch,
	}
}

// Done reports that playback of u finished naturally. Synthesizers call it
// exactly once per Speak that was not cancelled.
func (u *Utterance) Done() {
	if u.onDone != nil {
		u.onDone(u)
	}
}

// Audio returns the memoised PCM for u, if a previous playback produced it.
func (u *Utterance) Audio() ([]byte, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.pcm, u.pcm != nil
}

// SetAudio memoises the synthesized PCM so that replays skip synthesis.
func (u *Utterance) SetAudio(pcm []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.pcm = pcm
}
