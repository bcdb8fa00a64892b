package audio

import (
	"fmt"

	"layeh.com/gopus"
)

// maxOpusPacket is the recommended upper bound for a single Opus packet
const maxOpusPacket = 4000

// OpusFrameDurations lists the whole-millisecond frame sizes Opus can encode
var OpusFrameDurations = []int{5, 10, 20, 40, 60}

// ValidateOpus checks p against the general rules and the Opus frame sizes
func ValidateOpus(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	for _, ms := range OpusFrameDurations {
		if p.FrameDurationMs == ms {
			return nil
		}
	}
	return fmt.Errorf("%w: opus frame duration must be one of %v ms, got %d", ErrInvalidParams, OpusFrameDurations, p.FrameDurationMs)
}

// OpusCodec compresses frames with Opus in VoIP mode. Encoder and decoder
// state carry across frames, so one instance serves exactly one session.
type OpusCodec struct {
	params Params
	enc    *gopus.Encoder
	dec    *gopus.Decoder
}

// NewOpusCodec creates an Opus encoder/decoder pair for p. It has the
// CodecFactory signature.
func NewOpusCodec(p Params) (FrameCodec, error) {
	if err := ValidateOpus(p); err != nil {
		return nil, err
	}

	enc, err := gopus.NewEncoder(p.SampleRate, p.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}

	dec, err := gopus.NewDecoder(p.SampleRate, p.Channels)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}

	return &OpusCodec{params: p, enc: enc, dec: dec}, nil
}

// EncodeFrame encodes exactly one frame of interleaved PCM
func (o *OpusCodec) EncodeFrame(pcm []byte) ([]byte, error) {
	if len(pcm) != o.params.FrameBytes() {
		return nil, fmt.Errorf("opus encode: expected %d bytes, got %d", o.params.FrameBytes(), len(pcm))
	}

	frame, err := o.enc.Encode(BytesToSamples(pcm), o.params.FrameSamples(), maxOpusPacket)
	if err != nil {
		return nil, fmt.Errorf("opus encode: %w", err)
	}
	return frame, nil
}

// DecodeFrame decodes one Opus packet into interleaved PCM
func (o *OpusCodec) DecodeFrame(frame []byte) ([]byte, error) {
	if len(frame) == 0 {
		return nil, fmt.Errorf("opus decode: empty frame")
	}

	samples, err := o.dec.Decode(frame, o.params.FrameSamples(), false)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}
	return SamplesToBytes(samples), nil
}
