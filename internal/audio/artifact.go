package audio

import (
	"bytes"
	"encoding/binary"
	"time"
)

// MIMETypeWAV tags artifacts produced from captured PCM.
const MIMETypeWAV = "audio/wav"

// Artifact is a finished, encoded audio clip ready for upload.
type Artifact struct {
	Data     []byte
	MIMEType string
	Format   Format
	Duration time.Duration
}

// Size returns the encoded size in bytes. A nil artifact has size 0.
func (a *Artifact) Size() int {
	if a == nil {
		return 0
	}
	return len(a.Data)
}

// FileName returns an upload file name matching the encoding.
func (a *Artifact) FileName() string {
	if a.MIMEType == MIMETypeWAV {
		return "recording.wav"
	}
	return "recording.bin"
}

// NewWAVArtifact concatenates PCM16 chunks into a WAV artifact.
// It returns nil when the chunks hold no audio.
func NewWAVArtifact(format Format, chunks [][]byte) *Artifact {
	total := 0
	for _, c := range chunks {
		total += len(c)
	}
	if total == 0 {
		return nil
	}

	var buf bytes.Buffer
	buf.Grow(wavHeaderSize + total)
	writeWAVHeader(&buf, format, total)
	for _, c := range chunks {
		buf.Write(c)
	}

	var duration time.Duration
	if bps := format.BytesPerSecond(); bps > 0 {
		duration = time.Duration(total) * time.Second / time.Duration(bps)
	}

	return &Artifact{
		Data:     buf.Bytes(),
		MIMEType: MIMETypeWAV,
		Format:   format,
		Duration: duration,
	}
}

const wavHeaderSize = 44

// writeWAVHeader writes a canonical RIFF/WAVE header for 16-bit PCM
func writeWAVHeader(buf *bytes.Buffer, format Format, dataSize int) {
	blockAlign := format.Channels * 2

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(format.Channels))
	binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(format.SampleRate*blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(blockAlign))
	binary.Write(buf, binary.LittleEndian, uint16(16))

	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))
}
