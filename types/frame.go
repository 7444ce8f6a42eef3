package types

// FrameKind identifies what a Frame carries through the call pipeline.
type FrameKind int

const (
	// FrameStart is queued once the transport connects and kicks off the flow.
	FrameStart FrameKind = iota
	FrameAudioIn
	FrameUserStartedSpeaking
	FrameUserStoppedSpeaking
	// FrameTranscript carries recognized text; Final marks a settled segment.
	FrameTranscript
	// FrameLLMRun asks the generator to produce the next assistant turn.
	FrameLLMRun
	FrameLLMText
	// FrameSpeak is fixed text to be spoken as-is.
	FrameSpeak
	FrameLLMTurnEnd
	// FrameTTSText is the text whose audio was just synthesized.
	FrameTTSText
	FrameAudioOut
	// FrameAssistantTurnDone is emitted once a turn's audio has been written
	// to the transport without interruption.
	FrameAssistantTurnDone
	FrameInterrupt
	FrameEndCall
)

var frameKindNames = map[FrameKind]string{
	FrameStart:               "start",
	FrameAudioIn:             "audio_in",
	FrameUserStartedSpeaking: "user_started_speaking",
	FrameUserStoppedSpeaking: "user_stopped_speaking",
	FrameTranscript:          "transcript",
	FrameLLMRun:              "llm_run",
	FrameLLMText:             "llm_text",
	FrameSpeak:               "speak",
	FrameLLMTurnEnd:          "llm_turn_end",
	FrameTTSText:             "tts_text",
	FrameAudioOut:            "audio_out",
	FrameAssistantTurnDone:   "assistant_turn_done",
	FrameInterrupt:           "interrupt",
	FrameEndCall:             "end_call",
}

func (k FrameKind) String() string {
	if name, ok := frameKindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Frame is the unit of data moving between pipeline stages. Audio is always
// 16-bit little endian PCM at the pipeline sample rate.
type Frame struct {
	Kind   FrameKind
	Audio  []byte
	Text   string
	Final  bool
	TurnID uint64
}
