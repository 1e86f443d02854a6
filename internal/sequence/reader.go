package sequence

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"

	"github.com/dgnsrekt/datacollector/internal/buffer"
)

// Sequence is a sequence file loaded into memory.
type Sequence struct {
	Header     Header
	Frames     []buffer.Frame
	Compressed bool
}

// Read loads a sequence file. Missing or unreadable files fail with ErrIO,
// malformed contents with ErrEncoding.
func Read(path string) (*Sequence, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIO, err)
	}
	defer f.Close()
	return Decode(f)
}

// Decode reads a sequence from r.
func Decode(r io.Reader) (*Sequence, error) {
	br := bufio.NewReader(r)
	compressed, err := readPreamble(br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncoding, err)
	}

	body := br
	if compressed {
		zr, err := zstd.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("%w: create zstd decoder: %v", ErrEncoding, err)
		}
		defer zr.Close()
		body = bufio.NewReader(zr)
	}

	msg, err := readRecord(body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading header: %v", ErrEncoding, err)
	}
	hdr, err := parseHeader(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing header: %v", ErrEncoding, err)
	}

	seq := &Sequence{
		Header:     *hdr,
		Frames:     make([]buffer.Frame, 0, hdr.FrameCount),
		Compressed: compressed,
	}
	for {
		msg, err := readRecord(body)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrEncoding, len(seq.Frames), err)
		}
		f, err := parseFrame(msg)
		if err != nil {
			return nil, fmt.Errorf("%w: frame %d: %v", ErrEncoding, len(seq.Frames), err)
		}
		seq.Frames = append(seq.Frames, f)
	}

	if uint64(len(seq.Frames)) != hdr.FrameCount {
		return nil, fmt.Errorf("%w: header announces %d frames, found %d", ErrEncoding, hdr.FrameCount, len(seq.Frames))
	}
	return seq, nil
}

// TimeRange returns the first and last frame timestamps.
func (s *Sequence) TimeRange() (first, last float64, ok bool) {
	if len(s.Frames) == 0 {
		return 0, 0, false
	}
	return s.Frames[0].Timestamp, s.Frames[len(s.Frames)-1].Timestamp, true
}

// StatusCounts tallies frames per status.
func (s *Sequence) StatusCounts() map[buffer.Status]int {
	counts := make(map[buffer.Status]int)
	for _, f := range s.Frames {
		counts[f.Status]++
	}
	return counts
}
