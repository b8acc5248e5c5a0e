package protocol

import "errors"

// ErrNeedMore is returned by Scanner.Next until a full candidate is buffered.
var ErrNeedMore = errors.New("protocol: need more data")

// Scanner assembles frames from a byte stream. Bytes before a start marker
// are discarded; a candidate with a bad trailer is dropped one byte at a time
// so the scanner resynchronises on the next start marker.
type Scanner struct {
	dialect   Dialect
	buf       []byte
	discarded int
}

func NewScanner(d Dialect) *Scanner {
	return &Scanner{dialect: d, buf: make([]byte, 0, FrameLen*4)}
}

// Write appends received bytes. It never fails.
func (s *Scanner) Write(p []byte) (int, error) {
	s.buf = append(s.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame. A candidate with good markers but a
// bad validation byte is consumed and reported as ErrChecksumMismatch.
// ErrNeedMore means the buffer holds no complete candidate yet.
func (s *Scanner) Next() (Frame, error) {
	for {
		start := indexByte(s.buf, StartByte)
		if start < 0 {
			s.drop(len(s.buf))
			return Frame{}, ErrNeedMore
		}
		s.drop(start)
		if len(s.buf) < FrameLen {
			return Frame{}, ErrNeedMore
		}
		f, err := s.dialect.Decode(s.buf[:FrameLen])
		switch {
		case err == nil:
			s.consume(FrameLen)
			return f, nil
		case errors.Is(err, ErrChecksumMismatch):
			s.consume(FrameLen)
			return Frame{}, err
		default:
			s.drop(1)
		}
	}
}

// Pending reports buffered bytes not yet returned as a frame.
func (s *Scanner) Pending() int { return len(s.buf) }

// Discarded reports how many garbage bytes were dropped since Reset.
func (s *Scanner) Discarded() int { return s.discarded }

// Reset forgets buffered bytes.
func (s *Scanner) Reset() {
	s.buf = s.buf[:0]
	s.discarded = 0
}

func (s *Scanner) drop(n int) {
	s.discarded += n
	s.consume(n)
}

func (s *Scanner) consume(n int) {
	s.buf = append(s.buf[:0], s.buf[n:]...)
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}
