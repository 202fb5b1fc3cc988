package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrNotWAV        = errors.New("not a RIFF/WAVE file")
	ErrMissingFmt    = errors.New("WAV file has no fmt chunk")
	ErrMissingData   = errors.New("WAV file has no data chunk")
	ErrEmptyAudio    = errors.New("WAV file has no audio samples")
	ErrBadSampleRate = errors.New("WAV file has zero sample rate")

	ErrUnsupportedFormat = errors.New("WAV file is not integer PCM")
)

const (
	riffHeaderSize  = 12
	chunkHeaderSize = 8
	minFmtSize      = 16
	extFmtSize      = 40
	subFormatOffset = 24

	FormatPCM        = 1
	FormatExtensible = 0xFFFE
)

// ClipInfo describes an uploaded recording.
type ClipInfo struct {
	AudioFormat   uint16  `json:"audio_format"`
	Channels      uint16  `json:"channels"`
	SampleRate    uint32  `json:"sample_rate"`
	BitsPerSample uint16  `json:"bits_per_sample"`
	DataSize      uint32  `json:"data_size_bytes"`
	Duration      float64 `json:"duration_seconds"`
}

// Inspect walks the RIFF chunks of a WAV clip and reports its format.
// Only integer PCM is accepted, either plain or as the sub-format of
// WAVE_FORMAT_EXTENSIBLE. Chunks other than fmt and data are skipped.
func Inspect(data []byte) (*ClipInfo, error) {
	if len(data) < riffHeaderSize || string(data[0:4]) != "RIFF" || string(data[8:12]) != "WAVE" {
		return nil, ErrNotWAV
	}

	var (
		info     ClipInfo
		pcm      bool
		haveFmt  bool
		haveData bool
	)

	off := riffHeaderSize
	for off+chunkHeaderSize <= len(data) {
		id := string(data[off : off+4])
		size := binary.LittleEndian.Uint32(data[off+4 : off+8])
		body := off + chunkHeaderSize

		switch id {
		case "fmt ":
			if size < minFmtSize || body+minFmtSize > len(data) {
				return nil, fmt.Errorf("fmt chunk too short: %d bytes", size)
			}
			info.AudioFormat = binary.LittleEndian.Uint16(data[body : body+2])
			info.Channels = binary.LittleEndian.Uint16(data[body+2 : body+4])
			info.SampleRate = binary.LittleEndian.Uint32(data[body+4 : body+8])
			info.BitsPerSample = binary.LittleEndian.Uint16(data[body+14 : body+16])
			pcm = info.AudioFormat == FormatPCM
			if info.AudioFormat == FormatExtensible && size >= extFmtSize && body+extFmtSize <= len(data) {
				// first two bytes of the sub-format GUID carry the format code
				pcm = binary.LittleEndian.Uint16(data[body+subFormatOffset : body+subFormatOffset+2]) == FormatPCM
			}
			haveFmt = true
		case "data":
			// Recorders that stream sometimes leave the size at 0 or 0xFFFFFFFF.
			avail := uint32(len(data) - body)
			if size == 0 || size > avail {
				size = avail
			}
			info.DataSize = size
			haveData = true
		}

		if haveFmt && haveData {
			break
		}

		// Chunks are word aligned.
		next := body + int(size) + int(size&1)
		if next <= off {
			break
		}
		off = next
	}

	if !haveFmt {
		return nil, ErrMissingFmt
	}
	if !pcm {
		return nil, fmt.Errorf("%w: format tag 0x%04x", ErrUnsupportedFormat, info.AudioFormat)
	}
	if !haveData {
		return nil, ErrMissingData
	}
	if info.SampleRate == 0 {
		return nil, ErrBadSampleRate
	}
	if info.DataSize == 0 {
		return nil, ErrEmptyAudio
	}

	if info.Channels > 0 && info.BitsPerSample > 0 {
		bytesPerSecond := float64(info.SampleRate) * float64(info.Channels) * float64(info.BitsPerSample) / 8
		info.Duration = float64(info.DataSize) / bytesPerSecond
	}

	return &info, nil
}
