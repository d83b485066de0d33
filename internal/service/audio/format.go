package audio

import (
	"encoding/binary"
	"mime"
	"strconv"
	"strings"
)

// Format is the wire encoding of a submitted audio payload.
type Format int

const (
	// FormatPCM is raw PCM16LE mono.
	FormatPCM Format = iota
	// FormatWAV is a RIFF/WAVE container with 16-bit PCM.
	FormatWAV
	// FormatContainer is any compressed container (webm, ogg, ...) that needs ffmpeg.
	FormatContainer
)

// String returns the format name.
func (f Format) String() string {
	switch f {
	case FormatPCM:
		return "pcm"
	case FormatWAV:
		return "wav"
	default:
		return "container"
	}
}

// MediaType is a parsed mime_type field.
type MediaType struct {
	Format     Format
	Raw        string
	SampleRate int // from a rate= parameter, 0 if absent
}

// ParseMediaType classifies a client mime_type. An empty value means raw PCM.
// Unparseable values are treated as containers and left to ffmpeg.
func ParseMediaType(s string) MediaType {
	s = strings.TrimSpace(s)
	if s == "" {
		return MediaType{Format: FormatPCM}
	}

	mt, params, err := mime.ParseMediaType(s)
	if err != nil {
		return MediaType{Format: FormatContainer, Raw: s}
	}

	out := MediaType{Raw: mt}
	if r, err := strconv.Atoi(params["rate"]); err == nil && r > 0 {
		out.SampleRate = r
	}

	switch mt {
	case "audio/pcm", "audio/l16", "audio/x-raw", "application/octet-stream":
		out.Format = FormatPCM
	case "audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave":
		out.Format = FormatWAV
	default:
		out.Format = FormatContainer
	}
	return out
}

// Resample converts PCM16LE mono between sample rates by linear
// interpolation. It returns pcm unchanged when the rates match.
func Resample(pcm []byte, from, to int) []byte {
	if from == to || from <= 0 || to <= 0 || len(pcm) < 2 {
		return pcm
	}

	n := len(pcm) / 2
	outN := int(int64(n) * int64(to) / int64(from))
	if outN == 0 {
		return nil
	}
	out := make([]byte, outN*2)
	step := float64(from) / float64(to)
	for i := 0; i < outN; i++ {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		a := float64(int16(binary.LittleEndian.Uint16(pcm[j*2:])))
		b := a
		if j+1 < n {
			b = float64(int16(binary.LittleEndian.Uint16(pcm[(j+1)*2:])))
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(a+(b-a)*frac)))
	}
	return out
}
