package discussion

import "github.com/koscakluka/ema-coach/core/session"

// DefaultVoice is used for a persona nobody assigned a voice to.
const DefaultVoice = "default"

// VoiceProfiles maps persona names to voice profile ids. The DefaultVoice
// key, when present, covers everyone else.
type VoiceProfiles map[string]string

// Lookup resolves the voice for persona. An explicit VoiceProfileID wins over
// the table.
func (v VoiceProfiles) Lookup(persona session.Persona) string {
	if persona.VoiceProfileID != "" {
		return persona.VoiceProfileID
	}
	if voice, ok := v[persona.Name]; ok {
		return voice
	}
	return v[DefaultVoice]
}
