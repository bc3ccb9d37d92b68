package audio

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/ebitengine/oto/v3"
	"github.com/google/uuid"
	zlog "github.com/rs/zerolog/log"
)

// Oto is a Player backed by ebitengine/oto. Sounds are WAV files; each
// handle loops its sound until stopped, which suits alarm tones and
// white-noise beds alike.
type Oto struct {
	mu      sync.Mutex
	ctxOnce sync.Once
	ctxErr  error
	otoCtx  *oto.Context
	sounds  map[string]*otoSound
}

type otoSound struct {
	mu       sync.Mutex
	data     []byte
	player   *oto.Player
	volume   float64
	playing  bool
	stopChan chan struct{}
	stopped  bool
}

// NewOto creates an oto-backed player. The audio device is opened lazily on
// the first Create so headless test runs never touch the hardware.
func NewOto() *Oto {
	return &Oto{sounds: make(map[string]*otoSound)}
}

func (o *Oto) Create(ctx context.Context, source string) (string, error) {
	data, err := os.ReadFile(source)
	if err != nil {
		return "", errors.Wrapf(err, "read sound %s", source)
	}

	format, samples, err := parseWAV(data)
	if err != nil {
		return "", errors.Wrapf(err, "parse sound %s", source)
	}

	if err := o.initContext(format); err != nil {
		return "", err
	}

	handle := uuid.New().String()
	o.mu.Lock()
	o.sounds[handle] = &otoSound{
		data:     samples,
		volume:   1.0,
		stopChan: make(chan struct{}),
	}
	o.mu.Unlock()
	return handle, nil
}

func (o *Oto) Play(handle string) error {
	s, err := o.sound(handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.playing {
		if s.player != nil {
			s.player.Play()
		}
		return nil
	}
	s.playing = true
	go o.loop(s)
	return nil
}

func (o *Oto) Pause(handle string) error {
	s, err := o.sound(handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player != nil {
		s.player.Pause()
	}
	return nil
}

func (o *Oto) Stop(handle string) error {
	o.mu.Lock()
	s, ok := o.sounds[handle]
	if ok {
		delete(o.sounds, handle)
	}
	o.mu.Unlock()

	if !ok {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
		if s.player != nil {
			s.player.Pause()
		}
	}
	return nil
}

func (o *Oto) SetVolume(handle string, volume float64) error {
	s, err := o.sound(handle)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.volume = volume
	if s.player != nil {
		s.player.SetVolume(volume)
	}
	return nil
}

func (o *Oto) sound(handle string) (*otoSound, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	s, ok := o.sounds[handle]
	if !ok {
		return nil, ErrUnknownHandle
	}
	return s, nil
}

// loop replays the sound until the stop channel closes. A fresh oto player
// is created per iteration; the handle volume is re-applied each time.
func (o *Oto) loop(s *otoSound) {
	for {
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			return
		}
		p := o.otoCtx.NewPlayer(bytes.NewReader(s.data))
		p.SetVolume(s.volume)
		s.player = p
		s.mu.Unlock()

		p.Play()
		for p.IsPlaying() {
			select {
			case <-s.stopChan:
				p.Pause()
				if err := p.Close(); err != nil {
					zlog.Warn().Err(err).Msg("audio: close player")
				}
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
		if err := p.Close(); err != nil {
			zlog.Warn().Err(err).Msg("audio: close player")
		}

		select {
		case <-s.stopChan:
			return
		default:
		}
	}
}

func (o *Oto) initContext(format wavFormat) error {
	o.ctxOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   format.SampleRate,
			ChannelCount: format.Channels,
			Format:       oto.FormatSignedInt16LE,
		})
		if err != nil {
			o.ctxErr = errors.Wrap(err, "open audio context")
			return
		}
		<-ready
		o.otoCtx = ctx
	})
	return o.ctxErr
}

// skipPad consumes the pad byte after an odd-sized RIFF chunk.
func skipPad(r *bytes.Reader, size uint32) error {
	if size%2 == 0 {
		return nil
	}
	if _, err := r.Seek(1, io.SeekCurrent); err != nil {
		return errors.Wrap(err, "skip chunk padding")
	}
	return nil
}

type wavFormat struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// parseWAV walks the RIFF chunks and returns the format plus raw samples.
func parseWAV(data []byte) (wavFormat, []byte, error) {
	var format wavFormat
	r := bytes.NewReader(data)

	header := make([]byte, 12)
	if _, err := io.ReadFull(r, header); err != nil {
		return format, nil, errors.Wrap(err, "read RIFF header")
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		return format, nil, errors.New("not a WAV file")
	}

	for {
		chunk := make([]byte, 8)
		if _, err := io.ReadFull(r, chunk); err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return format, nil, errors.New("missing data chunk")
			}
			return format, nil, errors.Wrap(err, "read chunk header")
		}
		size := binary.LittleEndian.Uint32(chunk[4:8])

		switch string(chunk[0:4]) {
		case "fmt ":
			// A PCM fmt chunk is at least 16 bytes; anything shorter is a
			// corrupt file, not a reason to panic.
			if size < 16 {
				return format, nil, errors.Newf("fmt chunk too short (%d bytes)", size)
			}
			fmtChunk := make([]byte, size)
			if _, err := io.ReadFull(r, fmtChunk); err != nil {
				return format, nil, errors.Wrap(err, "read fmt chunk")
			}
			format.Channels = int(binary.LittleEndian.Uint16(fmtChunk[2:4]))
			format.SampleRate = int(binary.LittleEndian.Uint32(fmtChunk[4:8]))
			format.BitDepth = int(binary.LittleEndian.Uint16(fmtChunk[14:16]))
			if err := skipPad(r, size); err != nil {
				return format, nil, err
			}
		case "data":
			samples := make([]byte, size)
			if _, err := io.ReadFull(r, samples); err != nil {
				return format, nil, errors.Wrap(err, "read data chunk")
			}
			return format, samples, nil
		default:
			// Chunks are word-aligned: odd sizes carry one pad byte.
			if _, err := r.Seek(int64(size+size%2), io.SeekCurrent); err != nil {
				return format, nil, errors.Wrap(err, "skip chunk")
			}
		}
	}
}
