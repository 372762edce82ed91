package probe

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/pion/logging"
	pion "github.com/pion/webrtc/v4"
)

// DataChannelLabel is the label of the channel the probe opens to each peer.
const DataChannelLabel = "probe"

// Peer states reported by a probe run.
const (
	StateJoined     = "joined"
	StateConnecting = "connecting"
	StateConnected  = "connected"
	StateFailed     = "failed"
	StateLeft       = "left"
)

// peer is the probe's view of one remote connection. Only the Run loop
// touches it.
type peer struct {
	id      string
	pc      *pion.PeerConnection
	pending []pion.ICECandidateInit
	state   string
	rtt     time.Duration
	err     error
}

func (p *peer) remoteReady() bool {
	return p.pc != nil && p.pc.RemoteDescription() != nil
}

// addCandidate applies c now or buffers it until the remote description is
// known.
func (p *peer) addCandidate(c pion.ICECandidateInit) error {
	if !p.remoteReady() {
		p.pending = append(p.pending, c)
		return nil
	}
	if err := p.pc.AddICECandidate(c); err != nil {
		return NewPeerError("add ICE candidate", p.id, err)
	}
	return nil
}

func (p *peer) flushCandidates() error {
	pending := p.pending
	p.pending = nil
	for _, c := range pending {
		if err := p.pc.AddICECandidate(c); err != nil {
			return NewPeerError("add ICE candidate", p.id, err)
		}
	}
	return nil
}

func (p *peer) close() {
	if p.pc != nil {
		p.pc.Close()
	}
}

// newAPI builds the pion API with the probe's network settings and a logger
// factory that writes pion's logs to logger.
func newAPI(opts Options, logger *slog.Logger) *pion.API {
	se := pion.SettingEngine{
		LoggerFactory: &slogLoggerFactory{log: logger},
	}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)

	return pion.NewAPI(pion.WithSettingEngine(se))
}

func (o Options) configuration() pion.Configuration {
	var servers []pion.ICEServer
	if len(o.ICEServers) > 0 {
		servers = []pion.ICEServer{{URLs: o.ICEServers}}
	}
	return pion.Configuration{ICEServers: servers}
}

// slogLoggerFactory adapts slog to pion's leveled logger interface.
type slogLoggerFactory struct {
	log *slog.Logger
}

func (f *slogLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &slogLeveledLogger{log: f.log.With("component", "pion", "scope", scope)}
}

type slogLeveledLogger struct {
	log *slog.Logger
}

func (l *slogLeveledLogger) Trace(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Tracef(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Debug(msg string) { l.log.Debug(msg) }
func (l *slogLeveledLogger) Debugf(format string, args ...any) {
	l.log.Debug(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Info(msg string) { l.log.Info(msg) }
func (l *slogLeveledLogger) Infof(format string, args ...any) {
	l.log.Info(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Warn(msg string) { l.log.Warn(msg) }
func (l *slogLeveledLogger) Warnf(format string, args ...any) {
	l.log.Warn(fmt.Sprintf(format, args...))
}
func (l *slogLeveledLogger) Error(msg string) { l.log.Error(msg) }
func (l *slogLeveledLogger) Errorf(format string, args ...any) {
	l.log.Error(fmt.Sprintf(format, args...))
}
