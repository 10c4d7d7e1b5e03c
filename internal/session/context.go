package session

import (
	"fmt"
	"sort"
	"sync"
)

// Mode selects the narrator's behavioral profile.
type Mode string

const (
	ModeCombat      Mode = "combat"
	ModeExploration Mode = "exploration"
	ModeRoleplay    Mode = "roleplay"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeCombat, ModeExploration, ModeRoleplay:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown scene mode %q", s)
}

// Utterance is one speaker-attributed line of table talk.
type Utterance struct {
	Speaker string
	Text    string
}

// Snapshot is an immutable copy of the context handed to the decision
// engine, so no lock is held across its slow model call.
type Snapshot struct {
	Mode             Mode
	SceneDescription string
	RecentUtterances []Utterance
	CharacterSummary string
	ActiveNPCs       []string
}

// Context is the process-wide conversational state. The pipeline worker
// is the only writer of utterances; scene setters are called by the
// external UI and funneled through the same worker.
type Context struct {
	mu               sync.Mutex
	mode             Mode
	sceneDescription string
	utterances       []Utterance
	window           int
	characterSummary string
	npcs             map[string]struct{}
}

func NewContext(initialMode Mode, window int) *Context {
	return &Context{
		mode:   initialMode,
		window: window,
		npcs:   make(map[string]struct{}),
	}
}

// AppendUtterance records a transcribed line, evicting the oldest entry
// once the window is full.
func (c *Context) AppendUtterance(speaker, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utterances = append(c.utterances, Utterance{Speaker: speaker, Text: text})
	if len(c.utterances) > c.window {
		c.utterances = c.utterances[len(c.utterances)-c.window:]
	}
}

func (c *Context) SetMode(mode Mode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mode = mode
}

func (c *Context) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

func (c *Context) SetSceneDescription(description string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sceneDescription = description
}

func (c *Context) SetActiveNPCs(npcs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.npcs = make(map[string]struct{}, len(npcs))
	for _, npc := range npcs {
		if npc != "" {
			c.npcs[npc] = struct{}{}
		}
	}
}

func (c *Context) SetCharacterSummary(summary string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.characterSummary = summary
}

// Reset clears the rolling utterance window. Scene settings are user
// controls and survive a history clear.
func (c *Context) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.utterances = nil
}

// Snapshot returns a deep copy of the current state.
func (c *Context) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	utterances := make([]Utterance, len(c.utterances))
	copy(utterances, c.utterances)

	npcs := make([]string, 0, len(c.npcs))
	for npc := range c.npcs {
		npcs = append(npcs, npc)
	}
	sort.Strings(npcs)

	return Snapshot{
		Mode:             c.mode,
		SceneDescription: c.sceneDescription,
		RecentUtterances: utterances,
		CharacterSummary: c.characterSummary,
		ActiveNPCs:       npcs,
	}
}
