package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/term"

	"auteur/pkg/config"
	"auteur/pkg/directive"
	"auteur/pkg/eventlog"
	"auteur/pkg/ingest"
	"auteur/pkg/logx"
	"auteur/pkg/version"
)

// envSecretsPassword supplies the secrets password non-interactively.
const envSecretsPassword = "AUTEUR_SECRETS_PASSWORD"

// newCLIApp creates the CLI application with all commands.
func newCLIApp() *cli.App {
	app := &cli.App{
		Name:    "auteur",
		Usage:   "Voice cinematographer session server",
		Version: version.String(),
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "debug", EnvVars: []string{"DEBUG"}, Usage: "Enable debug logging"},
			&cli.StringSliceFlag{Name: "debug-domain", Usage: "Restrict debug logging to a domain (repeatable)"},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("debug") {
				logx.SetDebugConfig(true)
			}
			if domains := c.StringSlice("debug-domain"); len(domains) > 0 {
				logx.SetDebugDomains(domains)
			}
			return nil
		},
		Commands: []*cli.Command{
			serveCmd(),
			renderCmd(),
			eventsCmd(),
			secretsCmd(),
		},
	}
	// Disable default exit error handler to allow proper error return in tests
	app.ExitErrHandler = func(_ *cli.Context, _ error) {}
	return app
}

// serveCmd creates the serve command.
func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the session server",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config", Aliases: []string{"c"}, EnvVars: []string{"AUTEUR_CONFIG"}, Usage: "Config file (.json, .yaml or .yml)"},
			&cli.StringFlag{Name: "secrets", Usage: "Encrypted secrets file holding provider API keys"},
		},
		Action: func(c *cli.Context) error {
			if path := c.String("secrets"); path != "" {
				password, err := readPassword(c.App.ErrWriter, false)
				if err != nil {
					return err
				}
				if err := config.LoadSecretsFile(path, password); err != nil {
					return fmt.Errorf("failed to load secrets: %w", err)
				}
			}

			cfg, err := config.Load(c.String("config"))
			if err != nil {
				return err
			}
			return serve(c.Context, cfg)
		},
	}
}

// renderOutput is what render prints with --json.
type renderOutput struct {
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	Error     string `json:"error,omitempty"`
	Directive string `json:"directive,omitempty"`
}

// renderCmd decodes one side-channel payload and prints the directive it
// would produce, without starting a session.
func renderCmd() *cli.Command {
	return &cli.Command{
		Name:      "render",
		Usage:     "Print the directive a side-channel payload produces (reads stdin for -)",
		ArgsUsage: "<payload.json|->",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Print the outcome as JSON"},
		},
		Action: func(c *cli.Context) error {
			if c.NArg() != 1 {
				return fmt.Errorf("expected exactly one payload argument")
			}
			raw, err := readInput(c.Args().First(), c.App.Reader)
			if err != nil {
				return err
			}

			out := ingest.Decode(raw)
			result := renderOutput{Outcome: out.Kind.String()}
			switch out.Kind {
			case ingest.Applied:
				result.Directive = directive.Render(out.Snapshot)
			case ingest.Ignored:
				result.Reason = out.Reason
			case ingest.Rejected:
				result.Error = out.Err.Error()
			}

			if c.Bool("json") {
				enc := json.NewEncoder(c.App.Writer)
				enc.SetIndent("", "  ")
				if err := enc.Encode(result); err != nil {
					return fmt.Errorf("failed to encode output: %w", err)
				}
			} else {
				switch out.Kind {
				case ingest.Applied:
					fmt.Fprintln(c.App.Writer, result.Directive)
				case ingest.Ignored:
					fmt.Fprintf(c.App.Writer, "ignored: %s\n", result.Reason)
				}
			}

			if out.Kind == ingest.Rejected {
				return fmt.Errorf("payload rejected: %w", out.Err)
			}
			return nil
		},
	}
}

// eventsCmd prints session events from the JSONL event logs, oldest first.
func eventsCmd() *cli.Command {
	return &cli.Command{
		Name:  "events",
		Usage: "Print session events recorded in the event log",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "dir", Value: config.DefaultEventLogDir, Usage: "Event log directory"},
			&cli.StringFlag{Name: "session", Usage: "Only events of this session id"},
			&cli.StringFlag{Name: "kind", Usage: "Only events of this kind (e.g. context_update)"},
			&cli.BoolFlag{Name: "json", Usage: "Print one JSON event per line"},
		},
		Action: func(c *cli.Context) error {
			files, err := eventlog.ListLogFiles(c.String("dir"))
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no event logs in %s", c.String("dir"))
			}

			enc := json.NewEncoder(c.App.Writer)
			for _, file := range files {
				events, err := eventlog.ReadEvents(file)
				if err != nil {
					return fmt.Errorf("%s: %w", file, err)
				}
				for _, e := range events {
					if s := c.String("session"); s != "" && e.SessionID != s {
						continue
					}
					if k := c.String("kind"); k != "" && string(e.Kind) != k {
						continue
					}
					if c.Bool("json") {
						if err := enc.Encode(e); err != nil {
							return fmt.Errorf("failed to encode event: %w", err)
						}
						continue
					}
					line := fmt.Sprintf("%s %s %s %s %s %s",
						e.Timestamp.Format(time.RFC3339), e.SessionID, e.Room, e.Kind,
						orDash(e.Outcome), orDash(e.Identity))
					if e.Detail != "" {
						line += " " + e.Detail
					}
					fmt.Fprintln(c.App.Writer, line)
				}
			}
			return nil
		},
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// secretsCmd manages the encrypted secrets file.
func secretsCmd() *cli.Command {
	return &cli.Command{
		Name:  "secrets",
		Usage: "Manage the encrypted secrets file",
		Subcommands: []*cli.Command{
			{
				Name:  "encrypt",
				Usage: "Encrypt a JSON object of secrets (e.g. {\"OPENAI_API_KEY\": \"...\"})",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "in", Required: true, Usage: "Plaintext JSON file (- for stdin)"},
					&cli.StringFlag{Name: "out", Required: true, Usage: "Encrypted output file"},
				},
				Action: func(c *cli.Context) error {
					raw, err := readInput(c.String("in"), c.App.Reader)
					if err != nil {
						return err
					}
					var secrets map[string]string
					if err := json.Unmarshal(raw, &secrets); err != nil {
						return fmt.Errorf("secrets must be a JSON object of strings: %w", err)
					}

					password, err := readPassword(c.App.ErrWriter, true)
					if err != nil {
						return err
					}
					if err := config.EncryptSecretsFile(c.String("out"), password, secrets); err != nil {
						return err
					}
					fmt.Fprintf(c.App.Writer, "Encrypted %d secrets to %s\n", len(secrets), c.String("out"))
					return nil
				},
			},
		},
	}
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		if stdin == nil {
			stdin = os.Stdin
		}
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return data, nil
}

// readPassword takes the password from the environment, or prompts on the
// terminal. confirm asks twice.
func readPassword(prompt io.Writer, confirm bool) (string, error) {
	if password := os.Getenv(envSecretsPassword); password != "" {
		return password, nil
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("no terminal to prompt for the secrets password; set %s", envSecretsPassword)
	}

	fmt.Fprint(prompt, "Secrets password: ")
	password1, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if !confirm {
		return string(password1), nil
	}

	fmt.Fprint(prompt, "Confirm password: ")
	password2, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if !bytes.Equal(password1, password2) {
		return "", fmt.Errorf("passwords do not match")
	}
	if strings.TrimSpace(string(password1)) == "" {
		return "", fmt.Errorf("password cannot be empty")
	}
	return string(password1), nil
}
