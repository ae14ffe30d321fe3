package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/client"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/config"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/consent"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/logger"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/resolve"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/submit"
)

type options struct {
	file         string
	provider     string
	photos       bool
	work         bool
	acceptTerms  bool
	timezone     string
	country      string
	brokenPhotos string
	retry        bool
	email        string
}

func main() {
	var opts options
	flag.StringVar(&opts.file, "file", "", "path to the provider data export (data.json)")
	flag.StringVar(&opts.provider, "provider", "", "tinder | hinge (detected when empty)")
	flag.BoolVar(&opts.photos, "photos", false, "share photos")
	flag.BoolVar(&opts.work, "work", false, "share job and workplace")
	flag.BoolVar(&opts.acceptTerms, "accept-terms", false, "accept the terms of service")
	flag.StringVar(&opts.timezone, "timezone", "", "IANA timezone of the uploader")
	flag.StringVar(&opts.country, "country", "", "country code of the uploader")
	flag.StringVar(&opts.brokenPhotos, "broken-photos", "", "file listing photo URLs to leave out, one per line")
	flag.BoolVar(&opts.retry, "retry", false, "offer one retry when the commit fails")
	flag.StringVar(&opts.email, "email", "", "sign in before uploading; password is read from SWIPESTATS_PASSWORD")
	flag.Parse()

	cfg, err := config.LoadClient()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	log, err := logger.NewConsole(cfg.LogLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api, err := client.New(cfg, nil, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if err := run(ctx, opts, api, os.Stdin, os.Stdout, log); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, opts options, api *client.Client, in io.Reader, out io.Writer, log *zap.Logger) error {
	if opts.file == "" {
		return errors.New("-file is required")
	}
	state := consent.State{Terms: opts.acceptTerms, Photos: opts.photos, Work: opts.work}
	if !state.Terms {
		return fmt.Errorf("%w (pass -accept-terms)", consent.ErrTermsNotAccepted)
	}

	upload, err := extract(opts)
	if err != nil {
		return err
	}
	broken, err := readLines(opts.brokenPhotos)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s export, account %s, active %s to %s\n",
		upload.Payload.Provider,
		upload.Payload.AccountID,
		upload.Facts.FirstActivityDay.Format("2006-01-02"),
		upload.Facts.LastActivityDay.Format("2006-01-02"),
	)

	if opts.email != "" {
		if _, err := api.SignIn(ctx, opts.email, os.Getenv("SWIPESTATS_PASSWORD")); err != nil {
			return fmt.Errorf("sign in: %w", err)
		}
	}

	request := resolve.Request{
		Provider:  upload.Payload.Provider,
		AccountID: upload.Payload.AccountID,
		Facts:     upload.Facts,
	}
	uctx, err := api.UploadContext(ctx, request)
	if err != nil {
		return fmt.Errorf("%w: %v", resolve.ErrUnresolvable, err)
	}
	fmt.Fprintf(out, "scenario: %s\n", uctx.Scenario)
	if err := resolve.Gate(uctx, upload.Facts); err != nil {
		return explainBlocked(err)
	}

	orch := submit.New(api, api, api, log)
	attempt := orch.NewAttempt(upload, state, submit.Options{
		Timezone:     opts.timezone,
		Country:      opts.country,
		BrokenPhotos: broken,
	})

	accountID, err := attempt.Submit(ctx, uctx)
	var subErr *submit.SubmissionError
	if errors.As(err, &subErr) && opts.retry {
		fmt.Fprintf(out, "%s (%v)\nretry? [y/N] ", subErr.UserMessage(), subErr.Err)
		if !confirm(in) {
			return err
		}
		// The scenario may have changed under us; the staged blob is reused.
		api.ForgetContexts()
		if uctx, err = api.UploadContext(ctx, request); err != nil {
			return fmt.Errorf("%w: %v", resolve.ErrUnresolvable, err)
		}
		if err := resolve.Gate(uctx, upload.Facts); err != nil {
			return explainBlocked(err)
		}
		accountID, err = attempt.Submit(ctx, uctx)
	}
	if err != nil {
		return describe(err)
	}

	fmt.Fprintf(out, "uploaded %s profile %s\n", upload.Payload.Provider, accountID)
	return nil
}

func extract(opts options) (export.Result, error) {
	raw, err := os.ReadFile(opts.file)
	if err != nil {
		return export.Result{}, err
	}
	var result export.Result
	if opts.provider == "" {
		result, err = export.Extract(raw)
	} else {
		provider, perr := export.ParseProvider(opts.provider)
		if perr != nil {
			return export.Result{}, perr
		}
		result, err = export.ExtractAs(provider, raw)
	}
	var verr *export.ValidationError
	if errors.As(err, &verr) {
		return export.Result{}, fmt.Errorf("%w; download a fresh export from the app and try again", verr)
	}
	return result, err
}

func explainBlocked(err error) error {
	var chrono *resolve.ChronologyError
	switch {
	case errors.Is(err, resolve.ErrIdentityMismatch):
		return fmt.Errorf("%w: delete the stored profile before uploading this export", err)
	case errors.Is(err, resolve.ErrNeedsSignIn):
		return fmt.Errorf("%w: rerun with -email to sign in", err)
	case errors.Is(err, resolve.ErrOwnedByOther):
		return fmt.Errorf("%w: this profile belongs to another account", err)
	case errors.As(err, &chrono):
		return fmt.Errorf("%w: upload your older exports first, or delete the newer profile", err)
	default:
		return err
	}
}

func describe(err error) error {
	var sessErr *submit.SessionError
	if errors.As(err, &sessErr) {
		return fmt.Errorf("%s: %w", sessErr.UserMessage(), err)
	}
	var subErr *submit.SubmissionError
	if errors.As(err, &subErr) {
		return fmt.Errorf("%s: %w", subErr.UserMessage(), err)
	}
	return explainBlocked(err)
}

func confirm(in io.Reader) bool {
	line, _ := bufio.NewReader(in).ReadString('\n')
	answer := strings.ToLower(strings.TrimSpace(line))
	return answer == "y" || answer == "yes"
}

func readLines(path string) ([]string, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read broken photo list: %w", err)
	}
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}
