package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/germanamz/qwen/cmd/qwen/internal/render"
	"github.com/germanamz/qwen/cmd/qwen/internal/waitview"
	"github.com/germanamz/qwen/pkg/engine"
	"github.com/germanamz/qwen/pkg/modeladapter"
)

const chatLongDesc = `Send a prompt to the model, or start a conversation.

With a prompt argument or piped input, qwen prints one reply and exits.
Otherwise it starts a conversation that keeps its history between turns.
Inside a conversation, /help lists the available commands.

Examples:
  qwen chat "What is a monad?"
  git diff | qwen chat --system "Review this diff."
  qwen chat --model qwen-max`

const chatHelp = `/help     show this help
/reset    forget the conversation so far
/history  show how many turns are kept
/usage    show token usage for this run
/quit     leave (Ctrl+D works too)`

type chatCommander struct {
	root *rootCommander

	system      string
	stop        string
	model       string
	raw         bool
	interactive bool
}

func newChatCmd(root *rootCommander) *cobra.Command {
	cmder := &chatCommander{root: root}

	cmd := &cobra.Command{
		Use:   "chat [prompt]",
		Short: "Chat with the model",
		Long:  chatLongDesc,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmder.run(cmd, args)
		},
	}

	cmd.Flags().StringVarP(&cmder.system, "system", "s", "", "system message (overrides config)")
	cmd.Flags().StringVar(&cmder.stop, "stop", "", "stop sequence (overrides config)")
	cmd.Flags().StringVarP(&cmder.model, "model", "m", "", "model name (overrides config)")
	cmd.Flags().BoolVar(&cmder.raw, "raw", false, "print replies without markdown rendering")
	cmd.Flags().BoolVarP(&cmder.interactive, "interactive", "i", false, "start a conversation even when input is piped")

	return cmd
}

func (c *chatCommander) run(cmd *cobra.Command, args []string) error {
	cfg := &c.root.cfg
	if cmd.Flags().Changed("model") {
		cfg.Model = c.model
	}
	if cmd.Flags().Changed("system") {
		cfg.SystemMessage = c.system
	}
	if cmd.Flags().Changed("stop") {
		cfg.Stop = c.stop
	}

	eng, err := c.root.newEngine()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	in, out, errOut := cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr()

	if !c.raw && render.IsTerminal(out) {
		render.InitMarkdown(render.Width(out), lipgloss.HasDarkBackground())
	}

	prompt := strings.TrimSpace(strings.Join(args, " "))
	if prompt == "" && !c.interactive && !isTerminalReader(in) {
		data, err := io.ReadAll(in)
		if err != nil {
			return fmt.Errorf("chat: read input: %w", err)
		}
		prompt = strings.TrimSpace(string(data))
	}

	sess := eng.NewSession()
	defer func() { _ = eng.CloseSession(sess.ID()) }()

	if prompt != "" && !c.interactive {
		reply, err := c.send(ctx, sess, errOut, prompt)
		if err != nil {
			return err
		}
		c.printReply(out, reply)
		return nil
	}

	return c.repl(ctx, eng, sess, in, out, errOut, prompt)
}

// repl runs the conversation loop until EOF, /quit or cancellation. first,
// when set, is sent before any input is read.
func (c *chatCommander) repl(ctx context.Context, eng *engine.Engine, sess *engine.Session, in io.Reader, out, errOut io.Writer, first string) error {
	fmt.Fprintf(out, "%s %s\n", render.DimStyle.Render("model:"), eng.Config().Model)
	fmt.Fprintln(out, render.DimStyle.Render("Type a message and press Enter. /help lists commands."))

	events := eng.Events().Subscribe(8, engine.EventTruncated)
	defer eng.Events().Unsubscribe(events)

	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	line := first
	for {
		if line == "" {
			fmt.Fprint(out, render.UserPrefixStyle.Render("you> "))
			if !scanner.Scan() {
				fmt.Fprintln(out)
				return scanner.Err()
			}
			line = strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
		}

		if strings.HasPrefix(line, "/") {
			if quit := c.command(out, eng, sess, line); quit {
				return nil
			}
			line = ""
			continue
		}

		reply, err := c.send(ctx, sess, errOut, line)
		line = ""
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			fmt.Fprintln(errOut, render.Error(err.Error()))
			continue
		}

		c.printReply(out, reply)
		for _, ev := range events.Drain() {
			if n, ok := ev.Data.(int); ok && ev.SessionID == sess.ID() {
				fmt.Fprintln(out, render.WarnStyle.Render(fmt.Sprintf("%d old turns dropped from the history to fit the reply", n)))
			}
		}
	}
}

// command handles a slash command and reports whether the loop should end.
func (c *chatCommander) command(out io.Writer, eng *engine.Engine, sess *engine.Session, line string) bool {
	switch strings.Fields(line)[0] {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Fprintln(out, chatHelp)
	case "/reset":
		sess.Reset()
		fmt.Fprintln(out, render.DimStyle.Render("Conversation cleared."))
	case "/history":
		fmt.Fprintln(out, render.DimStyle.Render(fmt.Sprintf("%d turns in history", len(sess.History()))))
	case "/usage":
		fmt.Fprintln(out, render.Usage(eng.Usage()))
	default:
		fmt.Fprintln(out, render.WarnStyle.Render(fmt.Sprintf("unknown command %q, /help lists commands", line)))
	}
	return false
}

func (c *chatCommander) send(ctx context.Context, sess *engine.Session, errOut io.Writer, text string) (modeladapter.Reply, error) {
	return waitview.Run(ctx, errOut, "Thinking", func(ctx context.Context) (modeladapter.Reply, error) {
		return sess.Send(ctx, text)
	})
}

func (c *chatCommander) printReply(out io.Writer, reply modeladapter.Reply) {
	if c.raw || !render.IsTerminal(out) {
		fmt.Fprintln(out, reply.Content)
		return
	}

	fmt.Fprintln(out, render.AnswerPrefixStyle.Render("qwen>"))
	fmt.Fprintln(out, render.Markdown(reply.Content))

	fmt.Fprintln(out, render.DimStyle.Render(fmt.Sprintf("%s tokens, finish: %s", render.FmtTokens(reply.Usage.Total()), reply.FinishReason)))
}

func isTerminalReader(r io.Reader) bool {
	f, ok := r.(*os.File)
	return ok && term.IsTerminal(int(f.Fd())) //nolint:gosec // fd fits in int
}
