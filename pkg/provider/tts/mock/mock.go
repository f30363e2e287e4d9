// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to hand controlled payloads to the fetch layer and to verify
// which text and voices reached the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Audio:            []byte("ID3..."),
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	data, _ := p.Synthesize(ctx, "hello", "v1")
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/speakd/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// VoiceID is the voice passed to Synthesize.
	VoiceID string
}

// SynthesizeDialogueCall records a single invocation of SynthesizeDialogue.
type SynthesizeDialogueCall struct {
	// Lines is a copy of the dialogue passed to SynthesizeDialogue.
	Lines []tts.DialogueLine
}

// Response is one scripted reply for a synthesis call.
type Response struct {
	Audio []byte
	Err   error
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Responses, when non-empty, is consumed in order by Synthesize and
	// SynthesizeDialogue. Once exhausted the Audio/Err fields apply.
	Responses []Response

	// Audio is returned by synthesis calls when no scripted response is left.
	Audio []byte

	// Err, if non-nil, is returned by synthesis calls when no scripted
	// response is left.
	Err error

	// Block, if non-nil, makes synthesis calls wait until it is closed or the
	// context is done.
	Block chan struct{}

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// SynthesizeDialogueCalls records every call to SynthesizeDialogue in order.
	SynthesizeDialogueCalls []SynthesizeDialogueCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// Synthesize records the call and returns the next scripted response.
func (p *Provider) Synthesize(ctx context.Context, text, voiceID string) ([]byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, VoiceID: voiceID})
	p.mu.Unlock()
	return p.respond(ctx)
}

// SynthesizeDialogue records the call and returns the next scripted response.
func (p *Provider) SynthesizeDialogue(ctx context.Context, lines []tts.DialogueLine) ([]byte, error) {
	p.mu.Lock()
	linesCopy := make([]tts.DialogueLine, len(lines))
	copy(linesCopy, lines)
	p.SynthesizeDialogueCalls = append(p.SynthesizeDialogueCalls, SynthesizeDialogueCall{Lines: linesCopy})
	p.mu.Unlock()
	return p.respond(ctx)
}

func (p *Provider) respond(ctx context.Context) ([]byte, error) {
	p.mu.Lock()
	block := p.Block
	var r Response
	if len(p.Responses) > 0 {
		r = p.Responses[0]
		p.Responses = p.Responses[1:]
	} else {
		r = Response{Audio: p.Audio, Err: p.Err}
	}
	p.mu.Unlock()

	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return r.Audio, r.Err
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns the number of synthesis calls made so far. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls) + len(p.SynthesizeDialogueCalls)
}

// VoiceListCalls returns the number of ListVoices calls made so far. Thread-safe.
func (p *Provider) VoiceListCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ListVoicesCalls
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.SynthesizeDialogueCalls = nil
	p.ListVoicesCalls = 0
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
