package transport

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/Reverse-Call-Center/callflow-agent/audio"
)

type InboundKind int

const (
	InboundUnknown InboundKind = iota
	InboundStart
	InboundMedia
	InboundDTMF
	InboundStop
)

func (k InboundKind) String() string {
	switch k {
	case InboundStart:
		return "start"
	case InboundMedia:
		return "media"
	case InboundDTMF:
		return "dtmf"
	case InboundStop:
		return "stop"
	}
	return "unknown"
}

// Inbound is a decoded media stream message. Audio is PCM.
type Inbound struct {
	Kind  InboundKind
	Info  Info
	Audio []byte
	Digit string
}

type plivoMessage struct {
	Event    string `json:"event"`
	StreamID string `json:"streamId,omitempty"`
	Start    *struct {
		CallID   string `json:"callId"`
		StreamID string `json:"streamId"`
	} `json:"start,omitempty"`
	Media *struct {
		Track   string `json:"track"`
		Payload string `json:"payload"`
	} `json:"media,omitempty"`
	DTMF *struct {
		Digit string `json:"digit"`
	} `json:"dtmf,omitempty"`
}

type playAudioMedia struct {
	ContentType string `json:"contentType"`
	SampleRate  int    `json:"sampleRate"`
	Payload     string `json:"payload"`
}

type playAudio struct {
	Event string         `json:"event"`
	Media playAudioMedia `json:"media"`
}

type clearAudio struct {
	Event    string `json:"event"`
	StreamID string `json:"streamId"`
}

// PlivoSerializer converts between Plivo audio stream messages and PCM.
// StreamID must be set from the start message before clearing audio.
type PlivoSerializer struct {
	StreamID string
}

func (s *PlivoSerializer) Decode(data []byte) (Inbound, error) {
	var msg plivoMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return Inbound{}, fmt.Errorf("decode stream message: %w", err)
	}

	switch msg.Event {
	case "start":
		if msg.Start == nil {
			return Inbound{}, fmt.Errorf("%w: start event without start block", ErrMalformedStart)
		}
		if msg.Start.CallID == "" || msg.Start.StreamID == "" {
			return Inbound{}, fmt.Errorf("%w: start event without callId or streamId", ErrMalformedStart)
		}
		return Inbound{Kind: InboundStart, Info: Info{CallID: msg.Start.CallID, StreamID: msg.Start.StreamID}}, nil
	case "media":
		if msg.Media == nil {
			return Inbound{}, fmt.Errorf("media event without media block")
		}
		ulaw, err := base64.StdEncoding.DecodeString(msg.Media.Payload)
		if err != nil {
			return Inbound{}, fmt.Errorf("decode media payload: %w", err)
		}
		return Inbound{Kind: InboundMedia, Audio: audio.UlawToPCM(ulaw)}, nil
	case "dtmf":
		in := Inbound{Kind: InboundDTMF}
		if msg.DTMF != nil {
			in.Digit = msg.DTMF.Digit
		}
		return in, nil
	case "stop":
		return Inbound{Kind: InboundStop}, nil
	}
	return Inbound{Kind: InboundUnknown}, nil
}

func (s *PlivoSerializer) EncodeAudio(pcm []byte) ([]byte, error) {
	return json.Marshal(playAudio{
		Event: "playAudio",
		Media: playAudioMedia{
			ContentType: "audio/x-mulaw",
			SampleRate:  audio.SampleRate,
			Payload:     base64.StdEncoding.EncodeToString(audio.PCMToUlaw(pcm)),
		},
	})
}

func (s *PlivoSerializer) EncodeClear() ([]byte, error) {
	return json.Marshal(clearAudio{Event: "clearAudio", StreamID: s.StreamID})
}
