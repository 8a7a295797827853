package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/otpmail/internal/notify"
	"github.com/knadh/otpmail/internal/otp"
	"github.com/knadh/otpmail/internal/store"
	"github.com/zerodha/logf"
)

// App is the global app context that groups the necessary
// controls (store, issuer, verifier etc.) to be injected into the HTTP handlers.
type App struct {
	store    store.Store
	issuer   *otp.Issuer
	verifier *otp.Verifier
	validate *validator.Validate
	lo       logf.Logger
}

var (
	ko = koanf.New(".")

	// Version of the build injected at build time.
	buildString = "unknown"
)

func main() {
	initConfig()

	lo := initLogger(ko.Bool("app.debug"))
	lo.Info("starting otpmail", "version", buildString)

	st, closeStore := initStore(lo)
	defer closeStore()

	hasher, err := initHasher()
	if err != nil {
		lo.Fatal("error initializing hasher", "error", err)
	}

	// Delivery.
	prov, closeProv := initProvider(lo)
	defer closeProv()

	tpls, err := initTemplates(initFS(os.Args[0], lo))
	if err != nil {
		lo.Fatal("error loading message templates", "error", err)
	}

	var (
		d     = notify.New(prov, tpls, lo)
		disp  otp.Dispatcher = d
		async *notify.Async
	)
	if ko.Bool("delivery.async") {
		var o notify.AsyncOpt
		ko.UnmarshalWithConf("delivery", &o, koanf.UnmarshalConf{Tag: "json"})
		async = notify.NewAsync(d, o, lo)
		disp = async
	}

	branding, sett := initSettings(st, lo)

	app := &App{
		store: st,
		issuer: otp.NewIssuer(otp.Opt{
			Generator:  otp.NewGenerator(ko.Int("app.otp_len")),
			Hasher:     hasher,
			Store:      st,
			Settings:   sett,
			Dispatcher: disp,
			Branding:   branding,
			TTL:        ko.Duration("app.otp_ttl"),
		}, lo),
		verifier: otp.NewVerifier(st, hasher, lo),
		validate: validator.New(),
		lo:       lo,
	}

	authCreds := initAuth(lo)
	if len(authCreds) == 0 {
		lo.Fatal("no auth entries found in config")
	}

	// HTTP Server.
	timeout := ko.Duration("app.server_timeout")
	if timeout.Seconds() < 1 {
		timeout = time.Second * 5
	}

	srv := &http.Server{
		Addr:         ko.String("app.address"),
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
		Handler:      initHTTPHandler(app, authCreds),
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		lo.Info("starting server", "address", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lo.Fatal("couldn't start server", "error", err)
		}
	}()

	<-ctx.Done()
	lo.Info("shutting down")

	sCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(sCtx); err != nil {
		lo.Error("error shutting down server", "error", err)
	}

	// Deliver whatever is still queued.
	if async != nil {
		async.Close()
	}
}

// initHTTPHandler registers the HTTP routes.
func initHTTPHandler(app *App, authCreds map[string]string) http.Handler {
	r := chi.NewRouter()
	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("otpmail"))
	})
	r.Get("/api/health", wrap(app, handleHealthCheck))
	r.Post("/api/otp/{purpose}", auth(authCreds, wrap(app, handleIssueOTP)))
	r.Post("/api/otp/{purpose}/verify", auth(authCreds, wrap(app, handleVerifyOTP)))

	return r
}
