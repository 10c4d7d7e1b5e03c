package decision

import (
	"fmt"
	"strings"

	"github.com/sam2332/vtt-tts-llm-dm/internal/config"
	"github.com/sam2332/vtt-tts-llm-dm/internal/llm"
	"github.com/sam2332/vtt-tts-llm-dm/internal/session"
)

// modeProfile is the behavioral guidance injected for each scene mode.
func modeProfile(mode session.Mode) string {
	switch mode {
	case session.ModeCombat:
		return "The party is in combat. Keep narration short and tactical: at most two sentences unless a pivotal event (a kill, a critical failure, a turning point) demands more. Track initiative implications, do not slow the fight down."
	case session.ModeRoleplay:
		return "The party is in conversation. Respond in character as the relevant NPC, with distinct voice and mannerisms. Favor dialogue over description and keep the scene moving."
	default:
		return "The party is exploring. Favor sensory, atmospheric description: what they see, hear, and smell. Reward curiosity with detail, and hint at what lies beyond the obvious."
	}
}

func temperatureFor(mode session.Mode, cfg config.DecisionConfig) float64 {
	switch mode {
	case session.ModeCombat:
		return cfg.TemperatureCombat
	case session.ModeRoleplay:
		return cfg.TemperatureRoleplay
	default:
		return cfg.TemperatureExploration
	}
}

func systemPrompt(snap session.Snapshot) string {
	var b strings.Builder
	b.WriteString("You are an AI Dungeon Master assistant listening to a live tabletop session. ")
	b.WriteString("You decide whether this moment calls for narration. ")
	b.WriteString("Use the speak tool to narrate, or the wait tool to stay silent. Never answer outside those two actions.\n\n")
	b.WriteString(modeProfile(snap.Mode))
	if snap.SceneDescription != "" {
		fmt.Fprintf(&b, "\n\nCurrent scene: %s", snap.SceneDescription)
	}
	if snap.CharacterSummary != "" {
		fmt.Fprintf(&b, "\n\nParty status: %s", snap.CharacterSummary)
	}
	if len(snap.ActiveNPCs) > 0 {
		fmt.Fprintf(&b, "\n\nNPCs present: %s", strings.Join(snap.ActiveNPCs, ", "))
	}
	return b.String()
}

func buildUserPrompt(snap session.Snapshot, knowledge []string) string {
	var b strings.Builder
	if len(snap.RecentUtterances) > 0 {
		b.WriteString("Recent table talk:\n")
		for _, u := range snap.RecentUtterances {
			speaker := u.Speaker
			if speaker == "" {
				speaker = "unknown"
			}
			fmt.Fprintf(&b, "%s: %s\n", speaker, u.Text)
		}
	}
	if len(knowledge) > 0 {
		b.WriteString("\nRelevant campaign knowledge:\n")
		for _, passage := range knowledge {
			fmt.Fprintf(&b, "- %s\n", passage)
		}
	}
	b.WriteString("\nDecide: speak or wait.")
	return b.String()
}

func toolSchema() []llm.Tool {
	return []llm.Tool{
		{
			Name:        "speak",
			Description: "Narrate as the Dungeon Master. Use npc_voice when speaking as a specific NPC.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"text": map[string]any{
						"type":        "string",
						"description": "The narration or dialogue to deliver aloud.",
					},
					"npc_voice": map[string]any{
						"type":        "string",
						"description": "Optional NPC whose voice should deliver the line.",
					},
				},
				"required": []string{"text"},
			},
		},
		{
			Name:        "wait",
			Description: "Stay silent and keep listening.",
			Parameters: map[string]any{
				"type":       "object",
				"properties": map[string]any{},
			},
		},
	}
}
