package native

import (
	"encoding/binary"
	"math"
	"time"
)

// VADConfig tunes voice-activity detection. The threshold and both timers are
// independent because ambient noise differs per device.
type VADConfig struct {
	// Threshold is the energy level, 0 to 255, above which a frame counts as speech.
	Threshold float64
	// Attack is how long energy must stay above Threshold before recording starts.
	Attack time.Duration
	// Release is how long energy must stay below Threshold before recording stops.
	Release time.Duration
	// PollInterval is the sampling period.
	PollInterval time.Duration
	// MinClipBytes discards shorter recordings without calling the pipeline.
	MinClipBytes int
}

// DefaultVADConfig returns defaults tuned for a quiet room.
func DefaultVADConfig() VADConfig {
	return VADConfig{
		Threshold:    30,
		Attack:       300 * time.Millisecond,
		Release:      1500 * time.Millisecond,
		PollInterval: 100 * time.Millisecond,
		MinClipBytes: 8 << 10,
	}
}

// withDefaults fills zero fields from DefaultVADConfig.
func (c VADConfig) withDefaults() VADConfig {
	d := DefaultVADConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Attack <= 0 {
		c.Attack = d.Attack
	}
	if c.Release <= 0 {
		c.Release = d.Release
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.MinClipBytes <= 0 {
		c.MinClipBytes = d.MinClipBytes
	}
	return c
}

// Energy returns the level of a 16-bit little-endian PCM frame on a 0 to 255
// scale. By Parseval's theorem the RMS equals the mean spectral energy, so this
// matches a frequency-domain average without running a transform.
func Energy(frame []byte) float64 {
	n := len(frame) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(frame[2*i:])))
		sum += s * s
	}
	rms := math.Sqrt(sum / float64(n))
	return math.Min(255, rms/math.MaxInt16*255)
}

// Action is what the detector asks the provider to do after a sample.
type Action int

const (
	ActionNone Action = iota
	ActionStart
	ActionStop
)

// Detector applies the attack and release timers to a series of samples.
type Detector struct {
	cfg        VADConfig
	loudSince  time.Time
	quietSince time.Time
}

// NewDetector creates a detector. Zero fields in cfg take their defaults.
func NewDetector(cfg VADConfig) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Observe records one sample taken at now.
func (d *Detector) Observe(now time.Time, energy float64, recording bool) Action {
	loud := energy > d.cfg.Threshold
	if !recording {
		d.quietSince = time.Time{}
		if !loud {
			d.loudSince = time.Time{}
			return ActionNone
		}
		if d.loudSince.IsZero() {
			d.loudSince = now
		}
		if now.Sub(d.loudSince) >= d.cfg.Attack {
			d.Reset()
			return ActionStart
		}
		return ActionNone
	}

	d.loudSince = time.Time{}
	if loud {
		d.quietSince = time.Time{}
		return ActionNone
	}
	if d.quietSince.IsZero() {
		d.quietSince = now
	}
	if now.Sub(d.quietSince) >= d.cfg.Release {
		d.Reset()
		return ActionStop
	}
	return ActionNone
}

// Reset forgets any partial attack or release.
func (d *Detector) Reset() {
	d.loudSince = time.Time{}
	d.quietSince = time.Time{}
}
