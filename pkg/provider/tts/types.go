package tts

// VoiceProfile describes one voice in a provider's catalogue.
type VoiceProfile struct {
	// ID is the provider-specific voice identifier.
	ID string

	// Name is the human-readable voice name.
	Name string

	// Provider identifies which TTS provider this voice belongs to.
	Provider string

	// Metadata holds provider-specific voice attributes (gender, accent, etc.).
	Metadata map[string]string
}

// DialogueLine is one line of a multi-voice dialogue.
type DialogueLine struct {
	VoiceID string
	Text    string
}
