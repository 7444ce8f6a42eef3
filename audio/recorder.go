package audio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"sync"
)

func wavHeader(dataLen uint32, rate int) []byte {
	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))     // chunk size
	binary.Write(&buf, binary.LittleEndian, uint16(1))      // PCM
	binary.Write(&buf, binary.LittleEndian, uint16(1))      // mono
	binary.Write(&buf, binary.LittleEndian, uint32(rate))   // sample rate
	binary.Write(&buf, binary.LittleEndian, uint32(rate*2)) // byte rate
	binary.Write(&buf, binary.LittleEndian, uint16(2))      // block align
	binary.Write(&buf, binary.LittleEndian, uint16(16))     // bits per sample

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, dataLen)
	return buf.Bytes()
}

// Recorder writes PCM to a WAV file. The header sizes are patched on Close.
type Recorder struct {
	mutex sync.Mutex
	file  *os.File
	rate  int
	total uint32
}

func NewRecorder(path string, rate int) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	if _, err := f.Write(wavHeader(0, rate)); err != nil {
		f.Close()
		return nil, fmt.Errorf("write recording header: %w", err)
	}
	return &Recorder{file: f, rate: rate}, nil
}

func (r *Recorder) Write(pcm []byte) (int, error) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.file == nil {
		return 0, os.ErrClosed
	}
	n, err := r.file.Write(pcm)
	r.total += uint32(n)
	return n, err
}

func (r *Recorder) Close() error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil
	if _, err := f.WriteAt(wavHeader(r.total, r.rate), 0); err != nil {
		f.Close()
		return fmt.Errorf("finalize recording: %w", err)
	}
	return f.Close()
}
