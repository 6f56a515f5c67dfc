package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"commhub/internal/app"
	"commhub/internal/campaign"
	"commhub/internal/report"
	kit "commhub/internal/transport"
)

type rootFlags struct {
	config   string
	envFiles []string
	noColor  bool
	verbose  bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:   "commhub",
		Short: "Bulk email and chat dispatcher",
		Long: `commhub sends a templated message to every recipient of a CSV roster,
either by email through an SMTP relay (rotating sender accounts) or by chat
through an Evolution API gateway.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "commhub.yaml", "config file (YAML or JSON)")
	root.PersistentFlags().StringSliceVar(&f.envFiles, "env-file", nil, "dotenv files to load (default .env)")
	root.PersistentFlags().BoolVar(&f.noColor, "no-color", false, "disable colored output")
	root.PersistentFlags().BoolVarP(&f.verbose, "verbose", "v", false, "print a line per recipient")

	root.AddCommand(newSendCmd(f), newGroupsCmd(f), newServeCmd(f), newValidateCmd(f))
	return root
}

// open builds the app. The default config path may be absent, in which case
// defaults and environment variables are used.
func (f *rootFlags) open(cmd *cobra.Command, strict bool) (*app.App, error) {
	return app.New(app.Options{
		ConfigPath:     f.config,
		ConfigOptional: !cmd.Flags().Changed("config"),
		EnvFiles:       f.envFiles,
		Terminal:       cmd.OutOrStdout(),
		Colors:         !f.noColor,
		Verbose:        f.verbose,
		StrictChat:     strict,
	})
}

func newSendCmd(f *rootFlags) *cobra.Command {
	var (
		channel, tmpl, tmplFile, subject string
		recipients, senders            string
		groups                         []string
		delay                          time.Duration
		strict                         bool
	)
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send one message to every selected recipient",
		Example: `  commhub send --channel email --subject "Welcome" --template "Hello {name}," --groups Eng,Ops
  commhub send --channel chat --template-file hello.txt --delay 5s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := kit.ParseChannel(channel)
			if err != nil {
				return err
			}
			if tmplFile != "" {
				if cmd.Flags().Changed("template") {
					return fmt.Errorf("--template and --template-file are mutually exclusive")
				}
				b, err := os.ReadFile(tmplFile)
				if err != nil {
					return err
				}
				tmpl = strings.TrimRight(string(b), "\r\n")
			}

			a, err := f.open(cmd, strict)
			if err != nil {
				return err
			}
			defer a.Close()

			opt := app.SendOptions{
				Channel:    ch,
				Template:   tmpl,
				Subject:    subject,
				Groups:     groups,
				Recipients: recipients,
				Senders:    senders,
			}
			if cmd.Flags().Changed("delay") {
				opt.Delay = &delay
			}
			_, err = a.Send(cmd.Context(), opt)
			return err
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&channel, "channel", "", "email or chat")
	fl.StringVarP(&tmpl, "template", "t", "", "message body; {name} is replaced per recipient")
	fl.StringVar(&tmplFile, "template-file", "", "read the message body from a file")
	fl.StringVarP(&subject, "subject", "s", "", "email subject (default \"Test Email\")")
	fl.StringSliceVarP(&groups, "groups", "g", nil, "only send to these groups (default all)")
	fl.DurationVar(&delay, "delay", 0, "pause between recipients (default from config, 2s)")
	fl.StringVar(&recipients, "recipients", "", "recipients CSV (overrides roster.recipients)")
	fl.StringVar(&senders, "senders", "", "senders CSV (overrides roster.senders)")
	fl.BoolVar(&strict, "strict", false, "count gateway error replies as failures")
	_ = cmd.MarkFlagRequired("channel")
	return cmd
}

func newGroupsCmd(f *rootFlags) *cobra.Command {
	var channel, recipients string
	cmd := &cobra.Command{
		Use:   "groups",
		Short: "List the groups found in the recipients sheet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ch, err := kit.ParseChannel(channel)
			if err != nil {
				return err
			}
			a, err := f.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			groups, ok, err := a.Groups(ch, recipients)
			if err != nil {
				return err
			}
			if !ok {
				fmt.Fprintln(cmd.OutOrStdout(), "The recipients sheet has no group column; every send goes to all recipients.")
				return nil
			}
			report.Groups(cmd.OutOrStdout(), groups)
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "email", "email or chat (selects the address column)")
	cmd.Flags().StringVar(&recipients, "recipients", "", "recipients CSV (overrides roster.recipients)")
	return cmd
}

func newServeCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled campaigns until interrupted",
		Long: `serve triggers the campaigns listed in the config file, reloads the file
when it changes and, when metrics.enabled is set, exposes Prometheus metrics.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()
			return a.Serve(cmd.Context())
		},
	}
}

func newValidateCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and list campaign schedules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.open(cmd, false)
			if err != nil {
				return err
			}
			defer a.Close()

			cfg := a.Config()
			list, err := app.Campaigns(cfg)
			if err != nil {
				return err
			}
			loc, err := cfg.Location()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "config OK")
			now := time.Now().In(loc)
			for _, c := range list {
				s, err := campaign.ParseSchedule(c.Schedule, loc)
				if err != nil {
					return err
				}
				next := "never"
				if n := s.Next(now); !n.IsZero() {
					next = n.Format(time.RFC3339)
				}
				fmt.Fprintf(out, "  %s (%s): next run %s\n", c.Name, c.Channel, next)
			}
			return nil
		},
	}
}
