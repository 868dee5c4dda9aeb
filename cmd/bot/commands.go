package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/arkb75/SoloPilot-sub000/internal/conversation"
	"github.com/arkb75/SoloPilot-sub000/internal/email"
	"github.com/arkb75/SoloPilot-sub000/internal/formatter"
	"github.com/arkb75/SoloPilot-sub000/internal/intake"
	"github.com/arkb75/SoloPilot-sub000/internal/telegram"
	"github.com/arkb75/SoloPilot-sub000/internal/workflow"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Poll the intake mailbox, run the review bot and sweep expired records",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var sender workflow.Sender = noSender{}
			if a.cfg.SMTPEnabled() {
				smtpSender, err := a.sender(ctx)
				if err != nil {
					return err
				}
				sender = smtpSender
			} else {
				a.logger.Warn("SMTP is not configured, approvals will fail")
			}

			var attachments workflow.AttachmentGenerator
			if a.collab != nil {
				attachments = a.collab
			}
			wf := workflow.New(a.store, sender, attachments, a.canon, workflow.Config{SenderAddress: a.cfg.SenderAddress}, a.logger)

			parent := ctx
			g, ctx := errgroup.WithContext(ctx)

			var (
				notifier intake.Notifier
				bot      *telegram.Bot
			)
			if a.cfg.TelegramEnabled() {
				bot, err = telegram.NewBot(telegram.BotDeps{
					Config:    a.cfg,
					Store:     a.store,
					Workflow:  wf,
					Formatter: formatter.NewTelegramFormatter(),
					Logger:    a.logger,
				})
				if err != nil {
					return fmt.Errorf("failed to create bot: %w", err)
				}
				notifier = bot
				g.Go(func() error {
					bot.Start(ctx)
					return nil
				})
			} else {
				a.logger.Warn("Telegram is not configured, drafts can only be reviewed once it is")
			}

			processor := a.processor(notifier)

			if a.cfg.IMAPEnabled() {
				mailbox, err := a.mailbox(ctx)
				if err != nil {
					return err
				}
				handler := processor.Handle
				if bot != nil {
					handler = func(ctx context.Context, raw io.Reader) error {
						err := processor.Handle(ctx, raw)
						if err != nil {
							bot.NotifyError(ctx, "Failed to process inbound email", err)
						}
						return err
					}
				}
				poller := email.NewPoller(mailbox, email.PollerConfig{
					Interval:     a.cfg.EmailPollInterval,
					BatchSize:    a.cfg.EmailBatchSize,
					FetchTimeout: a.cfg.IMAPDialTimeout,
				}, handler, a.logger)
				g.Go(func() error { return poller.Run(ctx) })
			} else {
				a.logger.Warn("IMAP is not configured, use the ingest command to feed messages")
			}

			sweeper := conversation.NewSweeper(a.db, a.cfg.SweepInterval, a.logger)
			g.Go(func() error { return sweeper.Run(ctx) })

			a.logger.Info("SoloPilot is running, press Ctrl+C to stop")
			err = g.Wait()
			a.logger.Info("SoloPilot stopped")
			if err != nil && parent.Err() == nil {
				return err
			}
			return nil
		},
	}
}

func ingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "ingest",
		Usage:     "Process raw RFC 5322 messages from files, or stdin when none are given",
		ArgsUsage: "[FILE...]",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			processor := a.processor(nil)
			ingest := func(name string, r io.Reader) error {
				res, err := processor.Process(ctx, r)
				if err != nil {
					return fmt.Errorf("%s: %w", name, err)
				}
				if res.Skipped != "" {
					fmt.Fprintf(c.App.Writer, "%s: skipped (%s)\n", name, res.Skipped)
					return nil
				}
				fmt.Fprintf(c.App.Writer, "%s: conversation %s seq %d via %s\n", name, res.ConversationID, res.Seq, res.Method)
				return nil
			}

			if c.NArg() == 0 {
				return ingest("stdin", os.Stdin)
			}
			for _, path := range c.Args().Slice() {
				f, err := os.Open(path)
				if err != nil {
					return err
				}
				err = ingest(path, f)
				f.Close()
				if err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func startCommand() *cli.Command {
	return &cli.Command{
		Name:  "start",
		Usage: "Create a conversation that did not come from an inbound email",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:     "to",
				Usage:    "Participant address, repeatable",
				Required: true,
			},
			&cli.StringFlag{
				Name:  "subject",
				Usage: "Conversation subject",
			},
		},
		Action: func(c *cli.Context) error {
			ctx := c.Context
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			conv, err := a.processor(nil).StartConversation(ctx, c.StringSlice("to"), c.String("subject"))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, conv.ConversationID)
			return nil
		},
	}
}

func sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Delete expired conversations and message id mappings once",
		Action: func(c *cli.Context) error {
			ctx := c.Context
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := conversation.NewSweeper(a.db, a.cfg.SweepInterval, a.logger).SweepOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "removed %d conversations and %d mappings\n", res.Conversations, res.Mappings)
			return nil
		},
	}
}

func migrateCommand() *cli.Command {
	return &cli.Command{
		Name:  "migrate",
		Usage: "Create or upgrade the database schema",
		Action: func(c *cli.Context) error {
			a, err := newApp(c.Context)
			if err != nil {
				return err
			}
			defer a.Close()

			a.logger.Info("Database migrations completed")
			return nil
		},
	}
}
