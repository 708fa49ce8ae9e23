package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RenatoCabral2022/voicelink/internal/assistant"
	"github.com/RenatoCabral2022/voicelink/internal/audio"
	"github.com/RenatoCabral2022/voicelink/internal/clock"
	"github.com/RenatoCabral2022/voicelink/internal/credential"
	"github.com/RenatoCabral2022/voicelink/internal/session"
	"github.com/RenatoCabral2022/voicelink/internal/transport"
)

func newConnectCmd(a *app) *cobra.Command {
	var (
		tokenURL string
		audioIn  string
		audioOut string
	)

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Open a realtime voice session and chat",
		Long: `Restores the stored session (or starts a new one), connects to the
realtime service and sends each line typed on stdin as a user turn.
Transcripts and replies are printed as they arrive. Type /quit or send EOF
to leave; the session is kept for the next run.`,
		Example: `  voicectl connect
  voicectl connect --audio-in question.ogg --audio-out reply.ogg
  voicectl connect --context support --token-url https://example.com/v1/realtime/token`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if tokenURL == "" {
				tokenURL = a.cfg.TokenEndpoint
			}
			backend, err := openBackend(ctx, a.cfg.Session)
			if err != nil {
				return err
			}
			defer backend.Close()

			clk := clock.NewReal()
			out := cmd.OutOrStdout()
			store := session.NewStore(backend, a.contextKey, clk, a.logger)
			rt := assistant.New(store, credential.NewClient(tokenURL, a.cfg.Upstream.Timeout), clk, a.logger)

			var capture audio.Source = audio.SilenceSource{}
			if audioIn != "" {
				capture = audio.OggFileSource{Path: audioIn, Logger: a.logger}
			}
			var playback audio.Playback = audio.DiscardPlayback{Logger: a.logger}
			if audioOut != "" {
				playback = audio.OggPlayback{Path: audioOut, Logger: a.logger}
			}

			tr, err := transport.New(transportConfig(a.cfg), rt.Credentials(), capture, playback, clk, a.logger)
			if err != nil {
				return err
			}
			rt.Attach(tr)
			defer rt.Close()

			rt.OnMessage(func(m session.Message) {
				if m.Role == session.RoleAssistant {
					fmt.Fprintf(out, "assistant> %s\n", m.Content)
				}
			})
			lost := make(chan *transport.Error, 1)
			rt.OnError(func(err *transport.Error) {
				select {
				case lost <- err:
				default:
				}
			})

			sess, restored, err := rt.Start(ctx)
			if err != nil {
				return describe(err)
			}
			if restored {
				fmt.Fprintf(out, "resumed session %s (%d messages)\n", sess.SessionID, len(sess.Messages))
				for _, m := range sess.Messages {
					fmt.Fprintf(out, "%s> %s\n", label(m.Role), m.Content)
				}
			} else {
				fmt.Fprintf(out, "started session %s\n", sess.SessionID)
			}

			sh := &shell{
				conv:  rt,
				lines: readLines(ctx, cmd.InOrStdin()),
				lost:  lost,
				out:   out,
				clock: clk,
			}
			if err := sh.connect(ctx); err != nil {
				return err
			}
			return sh.chat(ctx)
		},
	}

	cmd.Flags().StringVar(&tokenURL, "token-url", "", "credential endpoint (default $VOICELINK_TOKEN_URL)")
	cmd.Flags().StringVar(&audioIn, "audio-in", "", "Ogg/Opus file streamed as microphone input")
	cmd.Flags().StringVar(&audioOut, "audio-out", "", "Ogg/Opus file the assistant's audio is written to")
	return cmd
}

// conversation is what the interactive shell drives.
type conversation interface {
	Connect(ctx context.Context) error
	SendText(ctx context.Context, text string) error
}

// shell is the interactive part of connect. Recoverable connection
// failures are offered a retry; fatal ones end the command.
type shell struct {
	conv  conversation
	lines <-chan string
	lost  <-chan *transport.Error
	out   io.Writer
	clock clock.Clock
}

// connect keeps attempting until the connection is up or the user gives up.
func (s *shell) connect(ctx context.Context) error {
	for {
		err := s.conv.Connect(ctx)
		// A failed attempt is also reported through OnError.
		s.drainLost()
		if err == nil {
			fmt.Fprintln(s.out, "connected; type a message, /quit to leave")
			return nil
		}
		if !s.offerRetry(ctx, err) {
			return describe(err)
		}
	}
}

// chat sends stdin lines until EOF, /quit, or ctx ends.
func (s *shell) chat(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case terr := <-s.lost:
			fmt.Fprintln(s.out, "connection lost")
			if !s.offerRetry(ctx, terr) {
				return nil
			}
			if err := s.connect(ctx); err != nil {
				return err
			}
		case line, ok := <-s.lines:
			if !ok {
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "/quit", "/exit":
				return nil
			}
			if err := s.conv.SendText(ctx, line); err != nil {
				fmt.Fprintf(s.out, "not sent: %v\n", err)
			}
		}
	}
}

// offerRetry reports err and, when a fresh attempt may succeed, asks
// whether to make one. Rate-limited failures wait out RetryAfter first.
func (s *shell) offerRetry(ctx context.Context, err error) bool {
	retry, wait := recoverable(err)
	if !retry {
		fmt.Fprintf(s.out, "fatal: %v\n", describe(err))
		return false
	}
	fmt.Fprintf(s.out, "recoverable: %v\n", describe(err))
	if wait > 0 {
		fmt.Fprintf(s.out, "waiting %s before retrying\n", wait.Round(time.Second))
		select {
		case <-s.clock.After(wait):
		case <-ctx.Done():
			return false
		}
	}

	fmt.Fprint(s.out, "retry? [y/N] ")
	select {
	case <-ctx.Done():
		return false
	case line, ok := <-s.lines:
		if !ok {
			return false
		}
		switch strings.ToLower(strings.TrimSpace(line)) {
		case "y", "yes":
			return true
		}
		return false
	}
}

func (s *shell) drainLost() {
	select {
	case <-s.lost:
	default:
	}
}

// readLines delivers lines from in until EOF or ctx ends.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()
	return lines
}

// recoverable reports whether a fresh Connect may succeed after err, and
// how long to wait before trying.
func recoverable(err error) (bool, time.Duration) {
	var terr *transport.Error
	if errors.As(err, &terr) {
		return terr.Recoverable(), terr.RetryAfter
	}
	var rle *credential.RateLimitedError
	if errors.As(err, &rle) {
		return true, rle.RetryAfter
	}
	return false, 0
}

func label(r session.Role) string {
	if r == session.RoleUser {
		return "you"
	}
	return "assistant"
}

// describe turns connection failures into something a person can act on.
func describe(err error) error {
	var terr *transport.Error
	if errors.As(err, &terr) {
		switch terr.Kind {
		case transport.KindRateLimited:
			return fmt.Errorf("too many requests, try again in %s", terr.RetryAfter.Round(time.Second))
		case transport.KindMediaDenied:
			return fmt.Errorf("audio input unavailable: %w", terr.Err)
		}
		return err
	}
	var rle *credential.RateLimitedError
	if errors.As(err, &rle) {
		return fmt.Errorf("too many requests, try again in %s", rle.RetryAfter.Round(time.Second))
	}
	return err
}
