package shutdown

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/term"
)

// KeyReader delivers single key presses from a terminal. When the input is
// a terminal it is switched to unbuffered, unechoed mode until Close; other
// inputs are read byte by byte as they come.
type KeyReader struct {
	f       *os.File
	keys    chan byte
	state   *term.State
	once    sync.Once
	logger  *slog.Logger
	closeCh chan struct{}
}

// NewKeyReader starts reading keys from f.
func NewKeyReader(f *os.File, logger *slog.Logger) (*KeyReader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	k := &KeyReader{
		f:       f,
		keys:    make(chan byte, 8),
		logger:  logger,
		closeCh: make(chan struct{}),
	}

	fd := int(f.Fd())
	if term.IsTerminal(fd) {
		state, err := term.GetState(fd)
		if err != nil {
			return nil, err
		}
		if err := enableKeyMode(fd); err != nil {
			return nil, err
		}
		k.state = state
	}

	go k.read(f)
	return k, nil
}

// Keys returns the channel of pressed keys. Keys are dropped when nobody
// is polling.
func (k *KeyReader) Keys() <-chan byte {
	return k.keys
}

// Close restores the terminal. The blocked reader goroutine is abandoned.
func (k *KeyReader) Close() error {
	var err error
	k.once.Do(func() {
		close(k.closeCh)
		if k.state != nil {
			err = term.Restore(int(k.f.Fd()), k.state)
		}
	})
	return err
}

func (k *KeyReader) read(r io.Reader) {
	buf := make([]byte, 1)
	for {
		n, err := r.Read(buf)
		if n == 1 {
			select {
			case k.keys <- buf[0]:
			case <-k.closeCh:
				return
			default:
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				k.logger.Debug("Key reader stopped", "error", err)
			}
			return
		}
	}
}
