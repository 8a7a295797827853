package main

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/knadh/otpmail/internal/notify"
	"github.com/knadh/otpmail/internal/otp"
	"github.com/knadh/otpmail/internal/providers/pinpoint"
	"github.com/knadh/otpmail/internal/providers/smtp"
	"github.com/knadh/otpmail/internal/providers/webhook"
	"github.com/knadh/otpmail/internal/settings"
	"github.com/knadh/otpmail/internal/store"
	"github.com/knadh/otpmail/internal/store/redis"
	"github.com/knadh/otpmail/internal/store/sqldb"
	"github.com/knadh/otpmail/pkg/models"
	"github.com/knadh/stuffbin"
	flag "github.com/spf13/pflag"
	"github.com/zerodha/logf"
)

const envPrefix = "OTPMAIL_"

func initConfig() {
	// Register --help handler.
	f := flag.NewFlagSet("config", flag.ContinueOnError)
	f.Usage = func() {
		fmt.Println(f.FlagUsages())
		os.Exit(0)
	}
	f.StringSlice("config", []string{"config.toml"},
		"Path to one or more TOML config files to load in order")
	f.Bool("version", false, "Show build version")
	f.Parse(os.Args[1:])

	// Display version.
	if ok, _ := f.GetBool("version"); ok {
		fmt.Println(buildString)
		os.Exit(0)
	}

	// Read the config files.
	cFiles, _ := f.GetStringSlice("config")
	for _, f := range cFiles {
		log.Printf("reading config: %s", f)
		if err := ko.Load(file.Provider(f), toml.Parser()); err != nil {
			log.Printf("error reading config: %v", err)
		}
	}

	// Load environment variables and merge into the loaded config.
	// eg: OTPMAIL_STORE__REDIS__HOST => store.redis.host.
	if err := ko.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(
			strings.TrimPrefix(s, envPrefix)), "__", ".", -1)
	}), nil); err != nil {
		log.Printf("error loading env config: %v", err)
	}

	ko.Load(posflag.Provider(f, ".", ko), nil)
}

func initLogger(debug bool) logf.Logger {
	opts := logf.Opts{Level: logf.InfoLevel, EnableCaller: true}
	if debug {
		opts.Level = logf.DebugLevel
		opts.EnableColor = true
	}

	return logf.New(opts)
}

// initStore initializes the configured OTP store and returns it along
// with a function that closes it.
func initStore(lo logf.Logger) (store.Store, func()) {
	switch typ := ko.String("store.type"); typ {
	case "redis", "":
		var c redis.Conf
		ko.UnmarshalWithConf("store.redis", &c, koanf.UnmarshalConf{Tag: "json"})
		lo.Info("using redis store", "host", c.Host, "port", c.Port)
		return redis.New(c, lo), func() {}

	case "sql":
		var c sqldb.Conf
		ko.UnmarshalWithConf("store.sql", &c, koanf.UnmarshalConf{Tag: "json"})
		st, err := sqldb.New(c)
		if err != nil {
			lo.Fatal("error initializing sql store", "error", err)
		}
		lo.Info("using sql store", "driver", c.Driver)
		return st, func() { st.Close() }

	default:
		lo.Fatal("unknown store.type", "type", typ)
	}

	return nil, nil
}

func initHasher() (otp.Hasher, error) {
	var o otp.HasherOpt
	ko.UnmarshalWithConf("hasher", &o, koanf.UnmarshalConf{Tag: "json"})
	return otp.NewHasher(o)
}

// initProvider initializes the e-mail provider picked by app.provider.
func initProvider(lo logf.Logger) (models.Provider, func()) {
	var (
		id  = ko.String("app.provider")
		key = "provider." + id
	)
	if !ko.Exists(key) {
		lo.Fatal("provider config not found", "provider", id, "key", key)
	}

	var (
		p       models.Provider
		closeFn = func() {}
		err     error
	)
	switch id {
	case "smtp":
		var c smtp.Config
		ko.UnmarshalWithConf(key, &c, koanf.UnmarshalConf{Tag: "json"})

		var s *smtp.SMTP
		if s, err = smtp.New(c); err == nil {
			p, closeFn = s, s.Close
		}

	case "webhook":
		var c webhook.Config
		ko.UnmarshalWithConf(key, &c, koanf.UnmarshalConf{Tag: "json"})
		p, err = webhook.New(c)

	case "pinpoint":
		var c pinpoint.Config
		ko.UnmarshalWithConf(key, &c, koanf.UnmarshalConf{Tag: "json"})
		p, err = pinpoint.New(c)

	default:
		lo.Fatal("unknown provider", "provider", id)
	}

	if err != nil {
		lo.Fatal("error initializing provider", "provider", id, "error", err)
	}

	lo.Info("loaded provider", "provider", p.ID(), "channel", p.ChannelName())
	return p, closeFn
}

// initTemplates compiles the per-purpose message templates listed under
// [templates.*] in the config.
func initTemplates(fs stuffbin.FileSystem) (map[models.Purpose]notify.Tpl, error) {
	var raw map[string]notify.TplConfig
	if err := ko.UnmarshalWithConf("templates", &raw, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}

	cfg := make(map[models.Purpose]notify.TplConfig, len(raw))
	for k, c := range raw {
		p, err := models.ParsePurpose(k)
		if err != nil {
			return nil, fmt.Errorf("templates.%s: %v", k, err)
		}
		cfg[p] = c
	}

	return notify.ParseTemplates(fs, cfg)
}

// initSettings returns the default branding and the settings source
// the issuer reads the branding from.
func initSettings(st store.Store, lo logf.Logger) (models.Branding, otp.Settings) {
	b := models.Branding{
		AppName: ko.String("settings.app_name"),
		AppLogo: ko.String("settings.app_logo"),
	}
	if b.AppName == "" {
		b.AppName = settings.DefaultAppName
	}

	switch src := ko.String("settings.source"); src {
	case "static", "":
		return b, settings.NewStatic(b)

	case "redis":
		r, ok := st.(*redis.Redis)
		if !ok {
			lo.Fatal("settings.source 'redis' requires store.type 'redis'")
		}

		key := ko.String("settings.redis_key")
		if key == "" {
			key = "OTPMAIL:settings"
		}
		return b, settings.NewRedis(r.Client(), key, b)

	default:
		lo.Fatal("unknown settings.source", "source", src)
	}

	return b, nil
}

// initAuth loads the user:secret API credentials.
func initAuth(lo logf.Logger) map[string]string {
	out := make(map[string]string)
	for _, a := range ko.MapKeys("auth") {
		var (
			user   = ko.String("auth." + a + ".user")
			secret = ko.String("auth." + a + ".secret")
		)

		if user == "" || secret == "" {
			lo.Fatal("user or secret keys not found", "key", "auth."+a)
		}
		out[user] = secret
	}

	return out
}

func initFS(exe string, lo logf.Logger) stuffbin.FileSystem {
	// Read stuffed data from self.
	fs, err := stuffbin.UnStuff(exe)
	if err != nil {
		// Binary is unstuffed or is running in dev mode.
		// Fall back to the local filesystem.
		if err == stuffbin.ErrNoID {
			fs, err = stuffbin.NewLocalFS("/", "static/")
			if err != nil {
				lo.Fatal("error falling back to local filesystem", "error", err)
			}
		} else {
			lo.Fatal("error reading stuffed binary", "error", err)
		}
	}

	return fs
}
