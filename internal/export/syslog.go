package export

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/dtls/v2"

	"auditchain/internal/event"
)

// Syslog facilities (RFC 5424). Event severity maps directly onto the
// syslog severity field, so no facility-side translation is needed.
const (
	FacilityKern     = 0
	FacilityUser     = 1
	FacilityDaemon   = 3
	FacilityAuth     = 4
	FacilityAuthpriv = 10
	FacilityLocal0   = 16
	FacilityLocal1   = 17
	FacilityLocal2   = 18
	FacilityLocal3   = 19
	FacilityLocal4   = 20
	FacilityLocal5   = 21
	FacilityLocal6   = 22
	FacilityLocal7   = 23
)

// SyslogProtocol is the syslog transport.
type SyslogProtocol string

const (
	ProtocolUDP  SyslogProtocol = "udp"
	ProtocolTCP  SyslogProtocol = "tcp"
	ProtocolTLS  SyslogProtocol = "tls"
	ProtocolDTLS SyslogProtocol = "dtls"
)

// SyslogFormat is the wire format.
type SyslogFormat string

const (
	FormatRFC5424 SyslogFormat = "rfc5424"
	FormatRFC3164 SyslogFormat = "rfc3164"
	FormatCEF     SyslogFormat = "cef"
	FormatJSON    SyslogFormat = "json"
)

// sdID is the private structured-data ID carried on every RFC 5424 frame.
const sdID = "audit@auditchain"

// SyslogConfig configures the syslog exporter.
type SyslogConfig struct {
	// Addresses lists syslog servers (host:port). Multiple addresses
	// enable failover in order.
	Addresses []string `json:"addresses" yaml:"addresses"`

	// Protocol selects the transport (udp, tcp, tls, dtls).
	Protocol SyslogProtocol `json:"protocol" yaml:"protocol"`

	// Format selects the wire format (rfc5424, rfc3164, cef, json).
	Format SyslogFormat `json:"format" yaml:"format"`

	// Facility is the syslog facility.
	Facility int `json:"facility" yaml:"facility"`

	// AppName appears in the APP-NAME field.
	AppName string `json:"app_name" yaml:"app_name"`

	// Hostname overrides the local hostname in frames.
	Hostname string `json:"hostname" yaml:"hostname"`

	// TLS carries certificate material for tls and dtls transports.
	TLS *SyslogTLSConfig `json:"tls,omitempty" yaml:"tls,omitempty"`

	ConnectionTimeout time.Duration `json:"connection_timeout" yaml:"connection_timeout"`
	WriteTimeout      time.Duration `json:"write_timeout" yaml:"write_timeout"`
	KeepAlive         time.Duration `json:"keep_alive" yaml:"keep_alive"`
}

// SyslogTLSConfig holds TLS and DTLS settings.
type SyslogTLSConfig struct {
	CertFile           string `json:"cert_file" yaml:"cert_file"`
	KeyFile            string `json:"key_file" yaml:"key_file"`
	CAFile             string `json:"ca_file" yaml:"ca_file"`
	InsecureSkipVerify bool   `json:"insecure_skip_verify" yaml:"insecure_skip_verify"`
	ServerName         string `json:"server_name" yaml:"server_name"`
}

// DefaultSyslogConfig returns exporter defaults.
func DefaultSyslogConfig() SyslogConfig {
	return SyslogConfig{
		Protocol:          ProtocolTCP,
		Format:            FormatRFC5424,
		Facility:          FacilityLocal0,
		AppName:           "auditchain",
		ConnectionTimeout: 10 * time.Second,
		WriteTimeout:      5 * time.Second,
		KeepAlive:         30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *SyslogConfig) Validate() error {
	if len(c.Addresses) == 0 {
		return errors.New("export: no syslog addresses configured")
	}
	switch c.Protocol {
	case ProtocolUDP, ProtocolTCP, ProtocolTLS, ProtocolDTLS:
	default:
		return fmt.Errorf("export: unsupported syslog protocol %q", c.Protocol)
	}
	switch c.Format {
	case FormatRFC5424, FormatRFC3164, FormatCEF, FormatJSON:
	default:
		return fmt.Errorf("export: unsupported syslog format %q", c.Format)
	}
	if c.Facility < 0 || c.Facility > 23 {
		return fmt.Errorf("export: syslog facility %d out of range", c.Facility)
	}
	return nil
}

// Syslog forwards events to remote syslog collectors. It holds one
// connection at a time, failing over across the configured addresses and
// reconnecting lazily on write failure.
type Syslog struct {
	config   SyslogConfig
	logger   *slog.Logger
	hostname string
	procID   string

	mu          sync.Mutex
	conn        net.Conn
	addrIndex   int
	currentAddr string

	closed     atomic.Bool
	reconnects atomic.Uint64
}

// NewSyslog creates the exporter. The first connection is attempted
// eagerly but failure is not fatal; Export retries.
func NewSyslog(cfg SyslogConfig, logger *slog.Logger) (*Syslog, error) {
	def := DefaultSyslogConfig()
	if cfg.Protocol == "" {
		cfg.Protocol = def.Protocol
	}
	if cfg.Format == "" {
		cfg.Format = def.Format
	}
	if cfg.AppName == "" {
		cfg.AppName = def.AppName
	}
	if cfg.ConnectionTimeout <= 0 {
		cfg.ConnectionTimeout = def.ConnectionTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = def.KeepAlive
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	hostname := cfg.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
		if hostname == "" {
			hostname = "-"
		}
	}

	s := &Syslog{
		config:   cfg,
		logger:   logger.With(slog.String("component", "syslog-exporter")),
		hostname: hostname,
		procID:   strconv.Itoa(os.Getpid()),
	}

	s.mu.Lock()
	err := s.connectLocked(context.Background())
	s.mu.Unlock()
	if err != nil {
		s.logger.Warn("initial syslog connection failed, will retry on export", "error", err)
	}

	return s, nil
}

// Name implements Exporter.
func (s *Syslog) Name() string { return "syslog" }

// Export formats and sends one event. A failed write tears the connection
// down and retries once on a fresh one before reporting the failure.
func (s *Syslog) Export(ctx context.Context, e *event.Event) error {
	if s.closed.Load() {
		return ErrExporterClosed
	}

	frame, err := s.frame(e)
	if err != nil {
		return &ExportError{Exporter: s.Name(), EventID: e.EventID, Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		if s.conn == nil {
			if err := s.connectLocked(ctx); err != nil {
				lastErr = err
				break
			}
		}

		if s.config.WriteTimeout > 0 {
			s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		_, err := s.conn.Write(frame)
		if err == nil {
			return nil
		}
		lastErr = err
		s.conn.Close()
		s.conn = nil
	}

	return &ExportError{Exporter: s.Name(), EventID: e.EventID, Err: lastErr}
}

// Close tears down the connection.
func (s *Syslog) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		err := s.conn.Close()
		s.conn = nil
		return err
	}
	return nil
}

// Reconnects reports how many times a connection was established.
func (s *Syslog) Reconnects() uint64 {
	return s.reconnects.Load()
}

// connectLocked tries each address starting from the last successful one.
func (s *Syslog) connectLocked(ctx context.Context) error {
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	var lastErr error
	for i := 0; i < len(s.config.Addresses); i++ {
		idx := (s.addrIndex + i) % len(s.config.Addresses)
		addr := s.config.Addresses[idx]

		conn, err := s.dialAddress(ctx, addr)
		if err != nil {
			lastErr = err
			s.logger.Debug("syslog connection failed", "address", addr, "error", err)
			continue
		}

		s.conn = conn
		s.currentAddr = addr
		s.addrIndex = idx
		s.reconnects.Add(1)
		s.logger.Info("syslog connected", "address", addr, "protocol", string(s.config.Protocol))
		return nil
	}

	return fmt.Errorf("export: all syslog servers unreachable: %w", lastErr)
}

func (s *Syslog) dialAddress(ctx context.Context, addr string) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, s.config.ConnectionTimeout)
	defer cancel()

	dialer := net.Dialer{
		Timeout:   s.config.ConnectionTimeout,
		KeepAlive: s.config.KeepAlive,
	}

	switch s.config.Protocol {
	case ProtocolUDP:
		return dialer.DialContext(dialCtx, "udp", addr)

	case ProtocolTCP:
		return dialer.DialContext(dialCtx, "tcp", addr)

	case ProtocolTLS:
		tlsConfig, err := s.buildTLSConfig()
		if err != nil {
			return nil, err
		}
		return tls.DialWithDialer(&dialer, "tcp", addr, tlsConfig)

	case ProtocolDTLS:
		raddr, err := net.ResolveUDPAddr("udp", addr)
		if err != nil {
			return nil, err
		}
		dtlsConfig, err := s.buildDTLSConfig(ctx)
		if err != nil {
			return nil, err
		}
		return dtls.Dial("udp", raddr, dtlsConfig)

	default:
		return nil, fmt.Errorf("export: unsupported syslog protocol %q", s.config.Protocol)
	}
}

func (s *Syslog) buildTLSConfig() (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if s.config.TLS == nil {
		return tlsConfig, nil
	}
	cfg := s.config.TLS

	tlsConfig.InsecureSkipVerify = cfg.InsecureSkipVerify
	if cfg.ServerName != "" {
		tlsConfig.ServerName = cfg.ServerName
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("export: load client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		caCert, err := os.ReadFile(cfg.CAFile)
		if err != nil {
			return nil, fmt.Errorf("export: read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("export: parse CA certificate")
		}
		tlsConfig.RootCAs = pool
	}

	return tlsConfig, nil
}

func (s *Syslog) buildDTLSConfig(ctx context.Context) (*dtls.Config, error) {
	base, err := s.buildTLSConfig()
	if err != nil {
		return nil, err
	}

	dtlsConfig := &dtls.Config{
		Certificates:         base.Certificates,
		RootCAs:              base.RootCAs,
		ServerName:           base.ServerName,
		InsecureSkipVerify:   base.InsecureSkipVerify,
		ExtendedMasterSecret: dtls.RequireExtendedMasterSecret,
		ConnectContextMaker: func() (context.Context, func()) {
			return context.WithTimeout(ctx, s.config.ConnectionTimeout)
		},
	}
	return dtlsConfig, nil
}

// frame renders the event in the configured format.
func (s *Syslog) frame(e *event.Event) ([]byte, error) {
	switch s.config.Format {
	case FormatRFC3164:
		return s.frameRFC3164(e), nil
	case FormatCEF:
		return s.frameCEF(e), nil
	case FormatJSON:
		return s.frameJSON(e)
	default:
		return s.frameRFC5424(e), nil
	}
}

func (s *Syslog) priority(e *event.Event) int {
	return s.config.Facility*8 + int(e.Severity)
}

// frameRFC5424 renders PRI VERSION TIMESTAMP HOSTNAME APP-NAME PROCID
// MSGID SD [MSG]. The audit SD element carries the chain coordinates; HTTP
// and origin elements follow when the event has them.
func (s *Syslog) frameRFC5424(e *event.Event) []byte {
	timestamp := e.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z")

	var sd strings.Builder
	fmt.Fprintf(&sd, "[%s event_id=\"%s\" kind=\"%s\" sequence=\"%d\" hash=\"%s\"]",
		sdID, e.EventID, escapeSDValue(string(e.Kind)), e.Sequence, e.Hash.Hex())

	if e.Service != "" || e.Subject != "" {
		fmt.Fprintf(&sd, "[origin@auditchain service=\"%s\" subject=\"%s\"]",
			escapeSDValue(e.Service), escapeSDValue(e.Subject))
	}
	if e.HTTP != nil {
		fmt.Fprintf(&sd, "[http@auditchain method=\"%s\" path=\"%s\" status=\"%d\"]",
			escapeSDValue(e.HTTP.Method), escapeSDValue(e.HTTP.Path), e.HTTP.Status)
	}

	msg := ""
	if len(e.Metadata) > 0 {
		if data, err := e.MetadataJSON(); err == nil {
			msg = " " + string(data)
		}
	}

	frame := fmt.Sprintf("<%d>1 %s %s %s %s %s %s%s",
		s.priority(e),
		timestamp,
		s.hostname,
		s.config.AppName,
		s.procID,
		string(e.Kind),
		sd.String(),
		msg)

	return []byte(frame + "\n")
}

func (s *Syslog) frameRFC3164(e *event.Event) []byte {
	timestamp := e.Timestamp.UTC().Format("Jan _2 15:04:05")

	msg := fmt.Sprintf("<%d>%s %s %s: [%s] sequence=%d event_id=%s hash=%s",
		s.priority(e),
		timestamp,
		s.hostname,
		s.config.AppName,
		string(e.Kind),
		e.Sequence,
		e.EventID,
		e.Hash.Hex())

	return []byte(msg + "\n")
}

func (s *Syslog) frameCEF(e *event.Event) []byte {
	timestamp := e.Timestamp.UTC().Format(time.RFC3339)

	ext := s.buildCEFExtension(e)
	cef := fmt.Sprintf("CEF:0|AuditChain|auditchain|1.0|%s|%s|%d|%s",
		escapeCEFField(string(e.Kind)),
		escapeCEFField(string(e.Kind)),
		cefSeverity(e.Severity),
		ext)

	msg := fmt.Sprintf("<%d>%s %s %s", s.priority(e), timestamp, s.hostname, cef)
	return []byte(msg + "\n")
}

func (s *Syslog) buildCEFExtension(e *event.Event) string {
	parts := []string{
		fmt.Sprintf("rt=%d", e.Timestamp.UnixMilli()),
		fmt.Sprintf("cs1=%s", e.EventID),
		"cs1Label=EventID",
		fmt.Sprintf("cn1=%d", e.Sequence),
		"cn1Label=Sequence",
		fmt.Sprintf("cs2=%s", e.Hash.Hex()),
		"cs2Label=EventHash",
		fmt.Sprintf("cs3=%s", e.PrevHash.Hex()),
		"cs3Label=PrevHash",
	}

	if e.Service != "" {
		parts = append(parts, fmt.Sprintf("app=%s", escapeCEFField(e.Service)))
	}
	if e.Subject != "" {
		parts = append(parts, fmt.Sprintf("suser=%s", escapeCEFField(e.Subject)))
	}
	if e.HTTP != nil {
		parts = append(parts, fmt.Sprintf("requestMethod=%s", escapeCEFField(e.HTTP.Method)))
		parts = append(parts, fmt.Sprintf("request=%s", escapeCEFField(e.HTTP.Path)))
		if e.HTTP.Status != 0 {
			parts = append(parts, fmt.Sprintf("cn2=%d", e.HTTP.Status), "cn2Label=HTTPStatus")
		}
	}

	return strings.Join(parts, " ")
}

func (s *Syslog) frameJSON(e *event.Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}

	timestamp := e.Timestamp.UTC().Format(time.RFC3339)
	msg := fmt.Sprintf("<%d>%s %s %s: %s",
		s.priority(e), timestamp, s.hostname, s.config.AppName, data)

	return []byte(msg + "\n"), nil
}

// cefSeverity maps syslog severity (0 most severe) onto the CEF 0-10 scale
// (10 most severe).
func cefSeverity(sev event.Severity) int {
	switch sev {
	case event.SeverityEmergency:
		return 10
	case event.SeverityAlert:
		return 9
	case event.SeverityCritical:
		return 8
	case event.SeverityError:
		return 6
	case event.SeverityWarning:
		return 4
	case event.SeverityNotice:
		return 3
	case event.SeverityInformational:
		return 2
	default:
		return 1
	}
}

// escapeSDValue escapes an RFC 5424 structured-data parameter value.
func escapeSDValue(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	s = strings.ReplaceAll(s, "]", `\]`)
	return s
}

// escapeCEFField escapes a CEF extension value.
func escapeCEFField(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "|", `\|`)
	s = strings.ReplaceAll(s, "=", `\=`)
	s = strings.ReplaceAll(s, "\n", `\n`)
	s = strings.ReplaceAll(s, "\r", `\r`)
	return s
}
