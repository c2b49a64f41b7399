package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/rs/zerolog/log"

	"github.com/amuif/derma-scan/internal/auth"
	"github.com/amuif/derma-scan/internal/config"
	"github.com/amuif/derma-scan/internal/logging"
	"github.com/amuif/derma-scan/internal/scanning"
	"github.com/amuif/derma-scan/internal/session"
	"github.com/amuif/derma-scan/internal/workflow"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

// app holds the dependencies built after flags are parsed
type app struct {
	cfg      *config.Config
	store    *session.BoltStore
	scanner  *scanning.Client
	auth     *auth.Client
	preparer *scanning.Preparer
	out      io.Writer
}

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout); err != nil {
		switch {
		case errors.Is(err, ff.ErrHelp):
			os.Exit(0)
		case errors.Is(err, ff.ErrNoExec):
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %s\n  (%v)\n", workflow.UserMessage(err), err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, out io.Writer) error {
	a := &app{out: out}

	rootFlags := ff.NewFlagSet("dermascan")
	var (
		configPath = rootFlags.StringLong("config", "", "YAML config file path")
		baseURL    = rootFlags.StringLong("base-url", "", "Backend API base URL (overrides config)")
		storePath  = rootFlags.StringLong("store", "", "Session database path (overrides config)")
		policy     = rootFlags.StringLong("policy", "", "Image quality policy: 'standard' or 'strict' (overrides config)")
		logLevel   = rootFlags.StringLong("log-level", "", "Log level: debug, info, warn, error (overrides config)")
		logFormat  = rootFlags.StringLong("log-format", "", "Log format: console or json (overrides config)")
	)
	root := &ff.Command{
		Name:      "dermascan",
		Usage:     "dermascan [FLAGS] <SUBCOMMAND> ...",
		ShortHelp: "skin lesion pre-screening and analysis client",
		Flags:     rootFlags,
	}

	loginFlags := ff.NewFlagSet("login").SetParent(rootFlags)
	var (
		email    = loginFlags.StringLong("email", "", "Account email")
		password = loginFlags.StringLong("password", "", "Account password (or set DERMASCAN_PASSWORD env var)")
	)
	login := &ff.Command{
		Name:      "login",
		Usage:     "dermascan login --email EMAIL --password PASSWORD",
		ShortHelp: "sign in and store the session",
		Flags:     loginFlags,
		Exec: func(ctx context.Context, _ []string) error {
			return a.login(ctx, *email, *password)
		},
	}

	registerFlags := ff.NewFlagSet("register").SetParent(rootFlags)
	var (
		regEmail    = registerFlags.StringLong("email", "", "Account email")
		regPassword = registerFlags.StringLong("password", "", "Account password, at least 6 characters")
		regName     = registerFlags.StringLong("name", "", "Display name")
		regPicture  = registerFlags.StringLong("picture", "", "Profile picture URL (optional)")
	)
	register := &ff.Command{
		Name:      "register",
		Usage:     "dermascan register --email EMAIL --password PASSWORD --name NAME",
		ShortHelp: "create an account and sign in",
		Flags:     registerFlags,
		Exec: func(ctx context.Context, _ []string) error {
			user, err := a.auth.Register(ctx, auth.RegisterRequest{
				Email:          *regEmail,
				Password:       *regPassword,
				Name:           *regName,
				ProfilePicture: *regPicture,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Welcome, %s\n", user.Name)
			return nil
		},
	}

	whoami := &ff.Command{
		Name:      "whoami",
		Usage:     "dermascan whoami",
		ShortHelp: "show the signed-in user",
		Flags:     ff.NewFlagSet("whoami").SetParent(rootFlags),
		Exec: func(ctx context.Context, _ []string) error {
			user, err := a.auth.CurrentUser(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "%s <%s> (id %s)\n", user.Name, user.Email, user.ID)
			return nil
		},
	}

	scanFlags := ff.NewFlagSet("scan").SetParent(rootFlags)
	var (
		imagePath = scanFlags.StringLong("image", "", "Path to a skin photo (JPEG, PNG, GIF or HEIC)")
		text      = scanFlags.StringLong("text", "", "Symptom description for a text-only analysis")
		symptoms  = scanFlags.StringLong("symptoms", "", "Optional symptom note sent with an image")
		share     = scanFlags.BoolLong("share", "Share the result with the community after analysis")
	)
	scan := &ff.Command{
		Name:      "scan",
		Usage:     "dermascan scan (--image PATH [--symptoms TEXT] | --text TEXT) [--share]",
		ShortHelp: "analyze a photo or a symptom description",
		Flags:     scanFlags,
		Exec: func(ctx context.Context, _ []string) error {
			return a.scan(ctx, *imagePath, *text, *symptoms, *share)
		},
	}

	historyFlags := ff.NewFlagSet("history").SetParent(rootFlags)
	community := historyFlags.BoolLong("community", "Show scans shared by other users instead of your own")
	history := &ff.Command{
		Name:      "history",
		Usage:     "dermascan history [--community]",
		ShortHelp: "list previous scans",
		Flags:     historyFlags,
		Exec: func(ctx context.Context, _ []string) error {
			return a.history(ctx, *community)
		},
	}

	logout := &ff.Command{
		Name:      "logout",
		Usage:     "dermascan logout",
		ShortHelp: "remove the stored session",
		Flags:     ff.NewFlagSet("logout").SetParent(rootFlags),
		Exec: func(_ context.Context, _ []string) error {
			return a.auth.Logout()
		},
	}

	root.Subcommands = []*ff.Command{login, register, whoami, scan, history, logout}

	if err := root.Parse(args, ff.WithEnvVarPrefix("DERMASCAN")); err != nil {
		selected := root.GetSelected()
		if selected == nil {
			selected = root
		}
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(selected))
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	overrideString(&cfg.Backend.BaseURL, *baseURL)
	overrideString(&cfg.Store.Path, *storePath)
	overrideString(&cfg.Quality.Policy, *policy)
	overrideString(&cfg.Log.Level, *logLevel)
	overrideString(&cfg.Log.Format, *logFormat)
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg = cfg

	logging.Init(cfg.Log.Level, cfg.Log.Format)

	if err := a.open(); err != nil {
		return err
	}
	defer a.store.Close()

	if err := root.Run(ctx); err != nil {
		if errors.Is(err, ff.ErrNoExec) {
			fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Command(root))
		}
		return err
	}
	return nil
}

func overrideString(dst *string, value string) {
	if strings.TrimSpace(value) != "" {
		*dst = value
	}
}

func (a *app) open() error {
	log.Debug().Str("path", a.cfg.Store.Path).Msg("Opening session store")
	store, err := session.NewBoltStore(a.cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("initializing session store: %w", err)
	}
	a.store = store

	a.preparer = scanning.NewPreparer(a.cfg.Upload.MaxDimension, a.cfg.Upload.JPEGQuality)

	a.scanner, err = scanning.NewClient(a.cfg.Backend.BaseURL, a.cfg.Backend.Timeout, a.preparer)
	if err != nil {
		store.Close()
		return fmt.Errorf("initializing scanner: %w", err)
	}

	a.auth, err = auth.NewClient(a.cfg.Backend.BaseURL, a.cfg.Backend.Timeout, store)
	if err != nil {
		store.Close()
		return fmt.Errorf("initializing auth: %w", err)
	}
	return nil
}

func (a *app) login(ctx context.Context, email, password string) error {
	user, err := a.auth.Login(ctx, email, password)
	if err != nil {
		return err
	}
	name := user.Name
	if name == "" {
		name = user.Email
	}
	fmt.Fprintf(a.out, "Signed in as %s\n", name)
	return nil
}

func (a *app) scan(ctx context.Context, imagePath, text, symptoms string, share bool) error {
	if (imagePath == "") == (text == "") {
		return &scanning.ValidationError{Field: "input", Reason: "exactly one of --image or --text is required"}
	}

	ctrl := workflow.NewController(a.scanner, a.store, a.cfg.Policy())

	if imagePath != "" {
		asset, err := a.preparer.Inspect(imagePath)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.out, "Checking image (%dx%d)...\n", asset.Width, asset.Height)

		pre, err := ctrl.SelectImage(ctx, asset)
		if err != nil {
			return err
		}
		if !pre.LesionDetected {
			return workflow.ErrLesionNotDetected
		}
		if symptoms != "" {
			if err := ctrl.SetImageNote(symptoms); err != nil {
				return err
			}
		}
	} else if err := ctrl.EnterText(text); err != nil {
		return err
	}

	fmt.Fprintln(a.out, "Analyzing...")
	result, err := ctrl.Submit(ctx)
	if err != nil {
		return err
	}
	printResult(a.out, result)

	if share {
		if _, err := ctrl.Share(ctx); err != nil {
			return err
		}
		fmt.Fprintln(a.out, "Shared with the community.")
	}
	return nil
}

func (a *app) history(ctx context.Context, community bool) error {
	creds, err := a.store.Credentials(ctx)
	if err != nil {
		return err
	}

	records, err := a.scanner.History(ctx, creds)
	if err != nil {
		return err
	}

	if community {
		records = scanning.CommunityScans(records, creds.UserID)
	} else {
		records = scanning.OwnScans(records, creds.UserID)
	}

	if len(records) == 0 {
		fmt.Fprintln(a.out, "No scans yet.")
		return nil
	}
	for _, r := range records {
		kind := "image"
		if r.IsTextAnalysis() {
			kind = "text"
		}
		fmt.Fprintf(a.out, "%s  %-5s  %-6s  %3.0f%%  %s\n",
			r.Timestamp.Local().Format("2006-01-02 15:04"),
			kind,
			r.Risk,
			r.Confidence*100,
			strings.Join(r.Conditions, ", "),
		)
	}
	return nil
}

func printResult(w io.Writer, r scanning.AnalysisResult) {
	fmt.Fprintf(w, "Risk:       %s\n", r.Risk)
	fmt.Fprintf(w, "Confidence: %.0f%%\n", r.Confidence*100)
	if len(r.Conditions) == 0 {
		fmt.Fprintln(w, "Conditions: none identified")
	} else {
		fmt.Fprintf(w, "Conditions: %s\n", strings.Join(r.Conditions, ", "))
	}
	fmt.Fprintf(w, "Guidance:   %s\n", r.GuidanceNote)
	fmt.Fprintln(w, "This is not a diagnosis. Consult a dermatologist about any concern.")
}
