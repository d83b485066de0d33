// Package vad classifies PCM audio frames as speech or non-speech.
//
// A Detector splits each frame into short sub-frames and classifies every
// sub-frame, either with a pluggable Classifier or with an RMS energy test
// against an adaptive noise threshold. The frame confidence is the fraction
// of voiced sub-frames.
package vad

import (
	"encoding/binary"
	"math"
	"sync"
	"time"
)

// Classifier is a dedicated voice-activity model (e.g. an ONNX Silero engine).
type Classifier interface {
	// Classify reports whether a PCM16LE mono sub-frame contains speech.
	Classify(pcm []byte, sampleRate int) (bool, error)
}

// Config holds detector parameters.
type Config struct {
	SubFrame        time.Duration // sub-frame length
	Threshold       float64       // voiced fraction needed for hasSpeech
	EnergyFloor     float64       // minimum RMS treated as speech
	NoiseMultiplier float64       // speech must exceed noiseFloor * NoiseMultiplier
	NoiseAdaptRate  float64       // EMA weight of a new non-speech sub-frame
	Classifier      Classifier    // optional
}

// DefaultConfig returns thresholds tuned for recall over precision.
func DefaultConfig() Config {
	return Config{
		SubFrame:        30 * time.Millisecond,
		Threshold:       0.3,
		EnergyFloor:     300,
		NoiseMultiplier: 2.5,
		NoiseAdaptRate:  0.05,
	}
}

// Stats is a snapshot of detector counters.
type Stats struct {
	Frames          uint64  `json:"frames"`
	VoicedFrames    uint64  `json:"voiced_frames"`
	SubFrames       uint64  `json:"sub_frames"`
	VoicedSubFrames uint64  `json:"voiced_sub_frames"`
	Fallbacks       uint64  `json:"classifier_fallbacks"`
	NoiseFloor      float64 `json:"noise_floor"`
}

// Detector is safe for concurrent use. Its only state is the adaptive noise
// floor and counters.
type Detector struct {
	cfg Config

	mu         sync.Mutex
	noiseFloor float64
	stats      Stats
}

// NewDetector creates a detector, filling unset fields from DefaultConfig.
func NewDetector(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.SubFrame <= 0 {
		cfg.SubFrame = def.SubFrame
	}
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.EnergyFloor <= 0 {
		cfg.EnergyFloor = def.EnergyFloor
	}
	if cfg.NoiseMultiplier <= 0 {
		cfg.NoiseMultiplier = def.NoiseMultiplier
	}
	if cfg.NoiseAdaptRate < 0 || cfg.NoiseAdaptRate > 1 {
		cfg.NoiseAdaptRate = def.NoiseAdaptRate
	}
	return &Detector{cfg: cfg}
}

// Detect classifies a PCM16LE mono frame. It never fails: classifier errors
// degrade to the energy test for the affected sub-frame.
func (d *Detector) Detect(frame []byte, sampleRate int) (bool, float64) {
	if sampleRate <= 0 || len(frame) < 2 {
		return false, 0
	}

	size := subFrameBytes(sampleRate, d.cfg.SubFrame)

	d.mu.Lock()
	defer d.mu.Unlock()

	// The threshold is fixed for the whole frame; adaptation happens after.
	threshold := d.energyThreshold()

	var total, voiced int
	var quiet []float64
	for off := 0; off < len(frame); off += size {
		end := off + size
		if end > len(frame) {
			end = len(frame) &^ 1
			// Skip a short tail unless it is the only sub-frame.
			if end-off < size/2 && total > 0 {
				break
			}
		}
		sub := frame[off:end]
		if len(sub) < 2 {
			break
		}

		rms := RMS(sub)
		speech := false
		classified := false
		if d.cfg.Classifier != nil {
			v, err := d.cfg.Classifier.Classify(sub, sampleRate)
			if err == nil {
				speech, classified = v, true
			} else {
				d.stats.Fallbacks++
			}
		}
		if !classified {
			speech = rms >= threshold
		}

		total++
		if speech {
			voiced++
		} else {
			quiet = append(quiet, rms)
		}
	}

	if total == 0 {
		return false, 0
	}

	for _, rms := range quiet {
		d.noiseFloor = d.noiseFloor*(1-d.cfg.NoiseAdaptRate) + rms*d.cfg.NoiseAdaptRate
	}

	confidence := float64(voiced) / float64(total)
	hasSpeech := confidence >= d.cfg.Threshold

	d.stats.Frames++
	d.stats.SubFrames += uint64(total)
	d.stats.VoicedSubFrames += uint64(voiced)
	if hasSpeech {
		d.stats.VoicedFrames++
	}
	return hasSpeech, confidence
}

// Stats returns a snapshot of detector counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := d.stats
	s.NoiseFloor = d.noiseFloor
	return s
}

func (d *Detector) energyThreshold() float64 {
	adaptive := d.noiseFloor * d.cfg.NoiseMultiplier
	if adaptive > d.cfg.EnergyFloor {
		return adaptive
	}
	return d.cfg.EnergyFloor
}

func subFrameBytes(sampleRate int, dur time.Duration) int {
	samples := int(int64(sampleRate) * int64(dur) / int64(time.Second))
	if samples < 1 {
		samples = 1
	}
	return samples * 2
}

// RMS returns the root-mean-square amplitude of PCM16LE samples.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}
