package mlprotocol

import (
	"fmt"
	"sync"
)

// Tags issues correlation tags and remembers up to 26 of them in named
// slots a..z. In replay mode a new tag is the script line number that
// issued it, which keeps tags stable across runs of the same script.
//
// Tags is safe for concurrent use.
type Tags struct {
	mu      sync.Mutex
	replay  bool
	counter int64
	slots   [26]int64
}

// NewTags creates a correlator. replay selects line-number tags.
func NewTags(replay bool) *Tags {
	return &Tags{replay: replay}
}

// Replay reports whether tags follow script line numbers.
func (t *Tags) Replay() bool {
	return t.replay
}

// Next returns the current tag, advancing it first when advance is set.
// line is the input line being processed and is only used in replay mode.
func (t *Tags) Next(advance bool, line int64) int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nextLocked(advance, line)
}

func (t *Tags) nextLocked(advance bool, line int64) int64 {
	switch {
	case advance && t.replay:
		t.counter = line
	case advance:
		t.counter++
	}
	return t.counter
}

// Mint advances the counter and, when slot is a letter, stores the new
// value there in the same critical section.
func (t *Tags) Mint(slot byte, line int64) (int64, error) {
	idx, err := slotIndex(slot)
	if slot != 0 && err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	v := t.nextLocked(true, line)
	if slot != 0 {
		t.slots[idx] = v
	}
	return v, nil
}

// Save stores value in the slot named by letter.
func (t *Tags) Save(letter byte, value int64) error {
	idx, err := slotIndex(letter)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.slots[idx] = value
	t.mu.Unlock()
	return nil
}

// Load returns the value saved in the slot named by letter.
func (t *Tags) Load(letter byte) (int64, error) {
	idx, err := slotIndex(letter)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.slots[idx], nil
}

func slotIndex(letter byte) (int, error) {
	switch {
	case letter >= 'a' && letter <= 'z':
		return int(letter - 'a'), nil
	case letter >= 'A' && letter <= 'Z':
		return int(letter - 'A'), nil
	}
	return 0, fmt.Errorf("invalid tag slot %q", letter)
}
