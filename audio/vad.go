package audio

type VADEvent int

const (
	VADNone VADEvent = iota
	VADStarted
	VADStopped
)

type VADParams struct {
	Threshold float64
	StartSecs float64
	StopSecs  float64
}

// VAD is an energy based voice activity detector. Speech starts after
// StartSecs of audio above Threshold and stops after StopSecs below it.
type VAD struct {
	params   VADParams
	rate     int
	speaking bool
	voiced   float64
	silent   float64
}

func NewVAD(params VADParams, rate int) *VAD {
	if params.Threshold <= 0 {
		params.Threshold = 0.02
	}
	if params.StartSecs <= 0 {
		params.StartSecs = 0.2
	}
	if params.StopSecs <= 0 {
		params.StopSecs = 0.8
	}
	return &VAD{params: params, rate: rate}
}

func (v *VAD) Speaking() bool { return v.speaking }

func (v *VAD) Process(pcm []byte) VADEvent {
	d := Duration(pcm, v.rate)
	if RMS(pcm) >= v.params.Threshold {
		v.silent = 0
		if v.speaking {
			return VADNone
		}
		v.voiced += d
		if v.voiced >= v.params.StartSecs {
			v.speaking = true
			v.voiced = 0
			return VADStarted
		}
		return VADNone
	}

	v.voiced = 0
	if !v.speaking {
		return VADNone
	}
	v.silent += d
	if v.silent >= v.params.StopSecs {
		v.speaking = false
		v.silent = 0
		return VADStopped
	}
	return VADNone
}
