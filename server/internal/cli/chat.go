package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"interview-engine/server/internal/model"
	"interview-engine/server/internal/session"

	"github.com/spf13/cobra"
)

var (
	chatName   string
	chatTopics []string
	chatResume string
)

// chatOptions 决定 runChat 新建会话还是继续已有会话。
type chatOptions struct {
	Request session.CreateRequest
	// Resume 非空时继续该会话，忽略 Request。
	Resume string
	// Resumable 为 false 时退出即丢弃会话。
	Resumable bool
}

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Run an interview in the terminal",
	Long: `Run an interview line by line. Type an answer and press enter.
Commands: /skip, /undo, /restart, /stats, /quit.
With a sqlite store, --resume continues a session left with /quit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(configPath)
		if err != nil {
			return err
		}
		defer a.close()
		opts := chatOptions{
			Request:   session.CreateRequest{UserName: chatName, Topics: chatTopics},
			Resume:    chatResume,
			Resumable: a.resumable(),
		}
		return runChat(cmd.Context(), a.manager, opts, cmd.InOrStdin(), cmd.OutOrStdout())
	},
}

func init() {
	chatCmd.Flags().StringVar(&chatName, "name", "", "name used in the greeting")
	chatCmd.Flags().StringSliceVar(&chatTopics, "topic", nil, "preferred topic id, repeatable")
	chatCmd.Flags().StringVar(&chatResume, "resume", "", "continue an existing session")
}

// runChat 驱动一次终端访谈，直到完成、输入 /quit 或输入结束。
func runChat(ctx context.Context, mgr *session.Manager, opts chatOptions, in io.Reader, out io.Writer) error {
	id, err := openChat(ctx, mgr, opts, out)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(out)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/quit":
			if opts.Resumable {
				fmt.Fprintf(out, "bye, resume later with: chat --resume %s\n", id)
			} else {
				fmt.Fprintln(out, "bye, session discarded (storage.driver is memory)")
			}
			return nil
		case "/stats":
			stats, err := mgr.Stats(ctx, id)
			if err != nil {
				return err
			}
			printStats(out, stats)
			continue
		}

		var r *model.Reply
		switch line {
		case "/skip":
			r, err = mgr.Skip(ctx, id)
		case "/undo":
			r, err = mgr.Undo(ctx, id)
		case "/restart":
			r, err = mgr.Restart(ctx, id)
		default:
			r, err = mgr.SubmitAnswer(ctx, id, line)
		}
		if err != nil {
			// 输入类错误提示后继续，其余错误结束会话
			if errors.Is(err, model.ErrInvalidInput) || errors.Is(err, model.ErrNoHistoryToUndo) ||
				errors.Is(err, model.ErrSessionCompleted) || errors.Is(err, model.ErrStorage) {
				fmt.Fprintf(out, "! %v\n", err)
				continue
			}
			return err
		}
		printReply(out, r)

		if r.Finished {
			stats, err := mgr.Stats(ctx, id)
			if err != nil {
				return err
			}
			printStats(out, stats)
			return nil
		}
	}
}

// openChat 新建会话并输出开场白，或者输出已有会话的对话记录。
func openChat(ctx context.Context, mgr *session.Manager, opts chatOptions, out io.Writer) (string, error) {
	if opts.Resume == "" {
		sess, reply, err := mgr.Create(ctx, opts.Request)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(out, "session %s\n\n", sess.ID)
		printReply(out, reply)
		return sess.ID, nil
	}

	sess, err := mgr.Get(ctx, opts.Resume)
	if err != nil {
		return "", fmt.Errorf("resume %s: %w", opts.Resume, err)
	}
	msgs, err := mgr.Messages(ctx, sess.ID)
	if err != nil {
		return "", err
	}
	fmt.Fprintf(out, "session %s (resumed)\n\n", sess.ID)
	for _, m := range msgs {
		if m.Role == "user" {
			fmt.Fprintf(out, "> %s\n\n", m.Content)
			continue
		}
		fmt.Fprintf(out, "%s\n\n", m.Content)
	}
	if sess.Status == model.StatusCompleted {
		return "", model.ErrSessionCompleted
	}
	return sess.ID, nil
}

func printReply(out io.Writer, r *model.Reply) {
	for _, m := range r.Messages {
		fmt.Fprintf(out, "%s\n\n", m)
	}
}

func printStats(out io.Writer, s model.SessionStats) {
	fmt.Fprintf(out, "progress %d/%d  answers %d  skips %d  follow-ups %d preset / %d ai  avg depth %.2f\n",
		s.QuestionIndex, s.TopicCount, s.Answers, s.Skips, s.PresetFollowups, s.AIFollowups, s.AverageDepth)
}
