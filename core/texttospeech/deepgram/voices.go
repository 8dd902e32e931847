package deepgram

type deepgramVoice string

const defaultVoice deepgramVoice = "aura-2-thalia-en"

// GetAvailableVoices lists the English speak models the synthesizer accepts.
func GetAvailableVoices() []deepgramVoice {
	return []deepgramVoice{
		"aura-2-thalia-en",
		"aura-2-andromeda-en",
		"aura-2-helena-en",
		"aura-2-apollo-en",
		"aura-2-arcas-en",
		"aura-2-aries-en",
		"aura-2-athena-en",
		"aura-2-orion-en",
		"aura-2-luna-en",
		"aura-2-zeus-en",
		"aura-asteria-en",
		"aura-orion-en",
	}
}
