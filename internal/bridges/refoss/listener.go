package refoss

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/announcement.json
var announcementSchemaJSON string

// maxDatagramSize is the largest announcement read from the socket.
const maxDatagramSize = 4096

// Registrar receives validated announcements.
type Registrar interface {
	// RegisterDevice creates a session for the announced meter. It returns
	// ErrUnsupportedModel or ErrAlreadyRegistered for meters it skips.
	RegisterDevice(ctx context.Context, a Announcement) error
}

// AnnouncementValidator checks datagrams against the announcement schema.
type AnnouncementValidator struct {
	schema *jsonschema.Schema
}

// NewAnnouncementValidator compiles the embedded announcement schema.
func NewAnnouncementValidator() (*AnnouncementValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("announcement.json", strings.NewReader(announcementSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	schema, err := compiler.Compile("announcement.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}
	return &AnnouncementValidator{schema: schema}, nil
}

// Parse validates a datagram and returns the announcement it carries.
// The model tag is sanitised; the IP falls back to the datagram source.
func (v *AnnouncementValidator) Parse(data []byte, from net.IP) (Announcement, error) {
	if !utf8.Valid(data) {
		return Announcement{}, fmt.Errorf("%w: not UTF-8", ErrInvalidAnnouncement)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return Announcement{}, fmt.Errorf("%w: invalid JSON: %w", ErrInvalidAnnouncement, err)
	}
	if err := v.schema.Validate(doc); err != nil {
		return Announcement{}, fmt.Errorf("%w: %w", ErrInvalidAnnouncement, err)
	}

	fields := doc.(map[string]any)
	str := func(key string) string {
		s, _ := fields[key].(string)
		return s
	}

	a := Announcement{
		DevName: Sanitize(str("devName")),
		UUID:    str("uuid"),
		IP:      str("ip"),
		MAC:     str("mac"),
		Extra:   fields,
	}
	if !ValidUUID(a.UUID) {
		return Announcement{}, fmt.Errorf("%w: uuid %q", ErrInvalidAnnouncement, a.UUID)
	}
	if a.IP == "" && from != nil {
		a.IP = from.String()
	}
	return a, nil
}

// ListenerOptions holds configuration for creating a Listener.
type ListenerOptions struct {
	// ListenAddr is the UDP address to bind. Default: ":9989".
	ListenAddr string

	Registrar Registrar
	Logger    Logger
}

// Listener receives announcements and hands valid ones to the Registrar.
// A bad datagram is logged and dropped; the listener keeps reading.
type Listener struct {
	addr      string
	registrar Registrar
	validator *AnnouncementValidator
	logger    Logger

	mu   sync.Mutex
	conn *net.UDPConn

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewListener creates a discovery listener. Call Start to bind.
func NewListener(opts ListenerOptions) (*Listener, error) {
	if opts.Registrar == nil {
		return nil, fmt.Errorf("registrar is required")
	}
	if opts.ListenAddr == "" {
		opts.ListenAddr = fmt.Sprintf(":%d", DefaultListenPort)
	}
	logger := opts.Logger
	if logger == nil {
		logger = noopLogger{}
	}
	validator, err := NewAnnouncementValidator()
	if err != nil {
		return nil, err
	}
	return &Listener{
		addr:      opts.ListenAddr,
		registrar: opts.Registrar,
		validator: validator,
		logger:    logger,
	}, nil
}

// Start binds the socket and begins reading datagrams.
func (l *Listener) Start(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp4", l.addr)
	if err != nil {
		return fmt.Errorf("resolving %q: %w", l.addr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return fmt.Errorf("binding announcement socket: %w", err)
	}

	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()

	l.wg.Add(1)
	go l.readLoop(ctx, conn)

	l.logger.Info("refoss discovery listener started", "local", conn.LocalAddr().String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Stop closes the socket and waits for the read loop to exit.
func (l *Listener) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		if l.conn != nil {
			_ = l.conn.Close()
		}
		l.mu.Unlock()
		l.wg.Wait()
	})
}

func (l *Listener) readLoop(ctx context.Context, conn *net.UDPConn) {
	defer l.wg.Done()

	buf := make([]byte, maxDatagramSize)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}
			l.logger.Warn("refoss announcement read failed", "error", err)
			continue
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		if err := l.Handle(ctx, from, data); err != nil {
			l.logger.Debug("refoss announcement dropped", "from", from.String(), "error", err)
		}
	}
}

// Handle processes one datagram. Unsupported models and repeated
// announcements return nil; malformed datagrams return ErrInvalidAnnouncement.
func (l *Listener) Handle(ctx context.Context, from *net.UDPAddr, data []byte) error {
	var src net.IP
	if from != nil {
		src = from.IP
	}

	a, err := l.validator.Parse(data, src)
	if err != nil {
		return err
	}

	err = l.registrar.RegisterDevice(ctx, a)
	switch {
	case err == nil:
		l.logger.Info("refoss device announced",
			"model", a.DevName,
			"uuid", a.UUID,
			"address", a.IP,
		)
		return nil
	case errors.Is(err, ErrUnsupportedModel):
		l.logger.Debug("refoss unsupported model", "model", a.DevName, "address", a.IP)
		return nil
	case errors.Is(err, ErrAlreadyRegistered):
		return nil
	default:
		return err
	}
}
