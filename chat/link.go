package chat

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/flynn/noise"
)

// MaxFrameSize bounds one frame on a link.
const MaxFrameSize = 1 << 20

// writeTimeout bounds a single frame write.
const writeTimeout = 5 * time.Second

// handshakeTimeout bounds the Noise handshake and login exchange.
const handshakeTimeout = 5 * time.Second

var noiseSuite = noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)

// link carries length-prefixed frames over a stream connection. Once
// secured, every frame is a Noise transport message.
type link struct {
	conn net.Conn

	writeMu sync.Mutex
	send    *noise.CipherState
	recv    *noise.CipherState
	header  [4]byte
}

func newLink(conn net.Conn) *link {
	return &link{conn: conn}
}

// secure runs a Noise NN handshake. The dialing side is the initiator.
func (l *link) secure(initiator bool) error {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite: noiseSuite,
		Random:      rand.Reader,
		Pattern:     noise.HandshakeNN,
		Initiator:   initiator,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHandshake, err)
	}

	_ = l.conn.SetDeadline(time.Now().Add(handshakeTimeout))
	defer l.conn.SetDeadline(time.Time{})

	var cs1, cs2 *noise.CipherState
	if initiator {
		msg, _, _, err := hs.WriteMessage(nil, nil)
		if err != nil {
			return fmt.Errorf("%w: write e: %v", ErrHandshake, err)
		}
		if err := l.writeRaw(msg); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		reply, err := l.readRaw()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if _, cs1, cs2, err = hs.ReadMessage(nil, reply); err != nil {
			return fmt.Errorf("%w: read e, ee: %v", ErrHandshake, err)
		}
	} else {
		first, err := l.readRaw()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
		if _, _, _, err := hs.ReadMessage(nil, first); err != nil {
			return fmt.Errorf("%w: read e: %v", ErrHandshake, err)
		}
		var msg []byte
		if msg, cs1, cs2, err = hs.WriteMessage(nil, nil); err != nil {
			return fmt.Errorf("%w: write e, ee: %v", ErrHandshake, err)
		}
		if err := l.writeRaw(msg); err != nil {
			return fmt.Errorf("%w: %v", ErrHandshake, err)
		}
	}
	if cs1 == nil || cs2 == nil {
		return fmt.Errorf("%w: handshake incomplete", ErrHandshake)
	}

	// cs1 protects initiator-to-responder traffic, cs2 the reverse.
	if initiator {
		l.send, l.recv = cs1, cs2
	} else {
		l.send, l.recv = cs2, cs1
	}
	return nil
}

// writeEnvelope encodes and sends env.
func (l *link) writeEnvelope(env Envelope) error {
	data, err := marshalEnvelope(env)
	if err != nil {
		return err
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()

	if l.send != nil {
		if data, err = l.send.Encrypt(nil, nil, data); err != nil {
			return fmt.Errorf("encrypt frame: %w", err)
		}
	}
	_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return l.writeFrame(data)
}

// readEnvelope blocks for the next envelope. Only one goroutine may read.
func (l *link) readEnvelope() (Envelope, error) {
	data, err := l.readRaw()
	if err != nil {
		return Envelope{}, err
	}
	if l.recv != nil {
		if data, err = l.recv.Decrypt(nil, nil, data); err != nil {
			return Envelope{}, fmt.Errorf("decrypt frame: %w", err)
		}
	}
	return unmarshalEnvelope(data)
}

func (l *link) writeRaw(data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	return l.writeFrame(data)
}

// writeFrame writes a 4-byte big-endian length prefix and data. The caller
// holds writeMu.
func (l *link) writeFrame(data []byte) error {
	if len(data) > MaxFrameSize {
		return ErrFrameTooLarge
	}
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err := l.conn.Write(frame)
	return err
}

func (l *link) readRaw() ([]byte, error) {
	if _, err := io.ReadFull(l.conn, l.header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(l.header[:])
	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(l.conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (l *link) close() error {
	return l.conn.Close()
}

func (l *link) remote() string {
	return l.conn.RemoteAddr().String()
}
