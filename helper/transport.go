package helper

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh"

	"apphub/m/v2/engine"
	"apphub/m/v2/internal/obslog"
	"apphub/m/v2/progress"
	"apphub/m/v2/ref"
	"apphub/m/v2/remote"
	"apphub/m/v2/summary"
)

// engineAPI is the subset of *engine.Installation the helper dispatches
// onto. Narrowing to an interface keeps the transport and policy logic
// testable against a fake without touching a real installation root.
type engineAPI interface {
	Status(kind ref.Kind, name, arch, branch string) (ref.InstalledRef, error)
	Install(ctx context.Context, remoteName string, kind ref.Kind, name, arch, branch string, subpaths []string, flags engine.Flags, sink progress.Sink) (ref.InstalledRef, error)
	Update(ctx context.Context, remoteName string, kind ref.Kind, name, arch, branch string, subpaths []string, flags engine.Flags, sink progress.Sink) (ref.InstalledRef, error)
	Uninstall(ctx context.Context, kind ref.Kind, name, arch, branch string, flags engine.Flags) error
	InstallBundle(ctx context.Context, bundlePath string, flags engine.Flags) (ref.InstalledRef, error)
	ConfigureRemote(rem remote.Remote, gpgKeys [][]byte) error
	Configure(key, value string) error
	MergeAppstream(remoteName, arch, sourceDir string, filter summary.Filter) (summary.Result, error)
	AdoptRemoteSummary(summaryPath, summarySigPath string) (map[string]string, error)
	RemoveLocalRef(remoteName string, r ref.Ref) error
	PruneLocalRepo(ctx context.Context) error
	EnsureRepo() error
	RunTriggers() error
}

// Server is the privileged process's listening side of the channel (spec
// §4.8). One Server serves one Installation.
type Server struct {
	eng   engineAPI
	authz Authorizer
	log   *obslog.Logger

	hostKey ssh.Signer
	idle    *idleTracker
}

// New constructs a Server over eng, authorizing every request through
// authz. hostKey pins the transport's identity per spec §4.8's "host-key
// pinned to the helper's own key".
func New(eng engineAPI, authz Authorizer, hostKey ssh.Signer, log *obslog.Logger) *Server {
	if authz == nil {
		authz = DenyAllAuthorizer{}
	}
	if log == nil {
		log = obslog.New(nil, obslog.LevelNone, false)
	}
	return &Server{eng: eng, authz: authz, log: log.With("helper"), hostKey: hostKey, idle: newIdleTracker()}
}

// ListenAndServe accepts connections on a unix socket at socketPath until
// ctx is cancelled or the idle-exit/exe-replacement conditions fire (spec
// §4.8 "Lifecycle"). It removes any stale socket file at socketPath first.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("helper: remove stale socket %s: %w", socketPath, err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("helper: listen %s: %w", socketPath, err)
	}
	defer ln.Close()

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go s.runLifecycle(ctx, ln)

	config := &ssh.ServerConfig{NoClientAuth: true}
	config.AddHostKey(s.hostKey)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("helper: accept: %w", err)
			}
		}
		go s.serveConn(ctx, conn, config)
	}
}

// serveConn handles one SSH connection: complete the handshake, then
// service every "session" channel it opens as a sequence of JSON
// request/response pairs (spec §4.8: "carrying the typed §6.3 requests").
func (s *Server) serveConn(ctx context.Context, conn net.Conn, config *ssh.ServerConfig) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		s.log.Error("helper.serveConn handshake", err)
		return
	}
	defer sshConn.Close()
	go ssh.DiscardRequests(reqs)

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "only session channels are served")
			continue
		}
		channel, chanReqs, err := newChan.Accept()
		if err != nil {
			s.log.Error("helper.serveConn accept channel", err)
			continue
		}
		go ssh.DiscardRequests(chanReqs)
		go s.serveChannel(ctx, channel)
	}
}

func (s *Server) serveChannel(ctx context.Context, channel ssh.Channel) {
	defer channel.Close()

	dec := json.NewDecoder(channel)
	enc := json.NewEncoder(channel)

	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if err != io.EOF {
				s.log.Error("helper.serveChannel decode", err)
			}
			return
		}

		s.idle.beginRequest()
		resp := s.dispatch(ctx, req)
		s.idle.endRequest()

		if err := enc.Encode(resp); err != nil {
			s.log.Error("helper.serveChannel encode", err)
			return
		}
	}
}

// callerSubject identifies the requesting process for the authorization
// broker (spec §4.8 step 3: "subject = caller process name"). The SSH
// transport over a unix socket carries no caller identity of its own (no
// client auth is requested — the socket's filesystem permissions are the
// access boundary); a real deployment derives this from SO_PEERCRED on the
// underlying unix connection, which is out of scope for this reference
// transport.
func (s *Server) callerSubject(ctx context.Context) string {
	return "unknown"
}
