package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/mossy-p/livestore-signaling/config"
	"github.com/mossy-p/livestore-signaling/internal/eventloop"
	"github.com/mossy-p/livestore-signaling/internal/livestore"
	"github.com/mossy-p/livestore-signaling/internal/log"
	"github.com/mossy-p/livestore-signaling/internal/media"
	"github.com/mossy-p/livestore-signaling/internal/models"
	"github.com/mossy-p/livestore-signaling/internal/negotiation"
	"github.com/mossy-p/livestore-signaling/internal/precheck"
	"github.com/mossy-p/livestore-signaling/internal/request"
	"github.com/mossy-p/livestore-signaling/internal/transport"
)

const loginTimeout = 10 * time.Second

type participantFlags struct {
	autoAccept bool
	request    bool
	noCamera   bool
	noMic      bool
}

func newParticipantCmd(root *rootFlags, agent bool) *cobra.Command {
	flags := &participantFlags{}
	cmd := &cobra.Command{
		Use:   "customer",
		Short: "Join as a customer and ask for an agent",
	}
	if agent {
		cmd.Use = "agent"
		cmd.Short = "Join as an agent and answer requests"
		cmd.Flags().BoolVar(&flags.autoAccept, "auto-accept", false, "accept every incoming request")
	} else {
		cmd.Flags().BoolVar(&flags.request, "request", true, "request a connection right after joining")
	}
	cmd.Flags().BoolVar(&flags.noCamera, "no-camera", false, "simulate a host without a camera")
	cmd.Flags().BoolVar(&flags.noMic, "no-mic", false, "simulate a host without a microphone")

	cmd.RunE = func(cmd *cobra.Command, _ []string) error {
		cfg, err := root.load()
		if err != nil {
			return err
		}
		cfg.Client.IsAgent = agent
		return runParticipant(cmd.Context(), cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr(), cfg, root.token, flags)
	}
	return cmd
}

func runParticipant(ctx context.Context, in io.Reader, out, errOut io.Writer, cfg config.Config, token string, flags *participantFlags) error {
	logger := log.NewWithWriter(errOut, cfg.LogLevel)
	identity := models.Identity{
		Email: cfg.Client.Email,
		Name:  cfg.Client.Name,
		Role:  models.RoleFromBool(cfg.Client.IsAgent),
	}

	check, err := authenticate(ctx, cfg.Client.ServerURL, identity, token)
	if err != nil {
		return err
	}

	wsURL, err := signalingURL(cfg.Client.ServerURL, identity.DisplayName())
	if err != nil {
		return err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+check.Token())
	sock := transport.NewSocket(wsURL, header, logger)

	factory, err := negotiation.NewPionFactory(negotiation.FactoryOptions{
		ICEServers:          cfg.Client.ICEServers,
		DisconnectedTimeout: cfg.Client.ICEDisconnectedTimeout,
		FailedTimeout:       cfg.Client.ICEFailedTimeout,
		KeepaliveInterval:   cfg.Client.ICEKeepaliveInterval,
		IncludeLoopback:     cfg.Client.IncludeLoopback,
	})
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}

	var capturer media.Capturer = &media.SampleCapturer{NoCamera: flags.noCamera, NoMic: flags.noMic}
	if cfg.Client.RequireSecureContext {
		capturer = media.SecureContext{Origin: cfg.Client.ServerURL, Next: capturer}
	}

	loop := eventloop.New(0, logger)
	go loop.Run(ctx)
	defer loop.Close()

	ctrl := livestore.New(sock, loop, livestore.Options{
		Identity: identity,
		Request: request.Options{
			AcceptDelay: cfg.Client.AcceptDelay,
			RevertDelay: cfg.Client.RevertDelay,
		},
		Capturer: capturer,
		Factory:  factory,
		PreCheck: check,
		Logger:   logger,
	})

	p := &prompt{ctrl: ctrl, out: out, log: logger}
	ctrl.OnNotice(p.notice)
	ctrl.OnChange(p.changed)
	if flags.autoAccept {
		ctrl.OnChange(func(s livestore.Snapshot) {
			if s.View.ShowIncomingRequest {
				go p.run("accept")
			}
		})
	}

	if err := ctrl.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = ctrl.Shutdown() }()

	if flags.request {
		p.run("request")
	}
	p.help(identity.Role)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-loop.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				<-ctx.Done()
				return nil
			}
			if p.run(line) {
				return nil
			}
		}
	}
}

// authenticate returns a pre-check client carrying a token: the one given,
// or a fresh one from the login endpoint.
func authenticate(ctx context.Context, serverURL string, identity models.Identity, token string) (*precheck.Client, error) {
	check := precheck.New(serverURL)
	if token != "" {
		check.SetToken(token)
		return check, nil
	}

	loginCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()
	if _, err := check.Login(loginCtx, identity); err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}
	return check, nil
}

// signalingURL is the /ws endpoint with the display name attached.
func signalingURL(serverURL, name string) (string, error) {
	raw, err := transport.WebSocketURL(serverURL)
	if err != nil {
		return "", err
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("name", name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// prompt maps typed commands onto controller actions.
type prompt struct {
	ctrl *livestore.Controller
	out  io.Writer
	log  *zerolog.Logger
	last string
}

func (p *prompt) help(role models.Role) {
	cmds := "request, cancel"
	if role.IsAgent() {
		cmds = "accept, decline"
	}
	fmt.Fprintf(p.out, "commands: %s, video, audio, end, status, quit\n", cmds)
}

// run executes one command and reports whether to quit.
func (p *prompt) run(line string) bool {
	var err error
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "":
	case "request":
		err = p.ctrl.RequestConnection()
	case "cancel":
		err = p.ctrl.CancelRequest()
	case "accept":
		err = p.ctrl.Accept()
	case "decline":
		err = p.ctrl.Decline()
	case "video":
		var on bool
		if on, err = p.ctrl.ToggleVideo(); err == nil {
			fmt.Fprintf(p.out, "camera %s\n", onOff(on))
		}
	case "audio":
		var muted bool
		if muted, err = p.ctrl.ToggleAudio(); err == nil {
			fmt.Fprintf(p.out, "microphone %s\n", onOff(!muted))
		}
	case "end":
		p.ctrl.EndCall()
	case "status":
		p.print(p.ctrl.Snapshot())
	case "quit", "exit":
		return true
	default:
		fmt.Fprintf(p.out, "unknown command %q\n", line)
	}
	if err != nil {
		fmt.Fprintf(p.out, "error: %v\n", err)
	}
	return false
}

func (p *prompt) notice(msg string) {
	fmt.Fprintf(p.out, "! %s\n", msg)
}

// changed prints a line only when the visible state moves.
func (p *prompt) changed(s livestore.Snapshot) {
	key := s.State + "|" + s.View.Status + "|" + s.PeerState.String()
	if key == p.last {
		return
	}
	p.last = key
	p.print(s)
}

func (p *prompt) print(s livestore.Snapshot) {
	fmt.Fprintf(p.out, "[%s] %s", s.Role, s.State)
	if s.View.Status != "" {
		fmt.Fprintf(p.out, " - %s", s.View.Status)
	}
	if s.Request != nil {
		fmt.Fprintf(p.out, " - request from %s", s.Request.UserName)
	}
	if s.SessionID != "" {
		fmt.Fprintf(p.out, " - with %s (peer %s, camera %s, remote camera %s)",
			s.OtherParty, s.PeerState, onOff(s.IsVideoOn), onOff(s.RemoteVideoOn))
	}
	if s.MediaIssue != "" {
		fmt.Fprintf(p.out, " - degraded media (%s)", s.MediaIssue)
	}
	if s.Message != "" {
		fmt.Fprintf(p.out, " - %s", s.Message)
	}
	fmt.Fprintln(p.out)
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
