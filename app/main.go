package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"
	"github.com/umputun/go-flags"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/progsync/progsync/app/broadcast"
	"github.com/progsync/progsync/app/config"
	"github.com/progsync/progsync/app/controller"
	"github.com/progsync/progsync/app/notify"
	"github.com/progsync/progsync/app/reaper"
	"github.com/progsync/progsync/app/store"
	"github.com/progsync/progsync/app/tracker"
	"github.com/progsync/progsync/app/web"
	"github.com/progsync/progsync/app/worker"
)

var opts struct {
	Listen      string `short:"l" long:"listen" env:"LISTEN" default:":8080" description:"listen address"`
	DBPath      string `long:"db" env:"DB" default:"var/progsync.db" description:"sqlite database path"`
	ConfigFile  string `short:"f" long:"config" env:"CONFIG" description:"limits yaml file"`
	TempDir     string `long:"temp-dir" env:"TEMP_DIR" default:"var/uploads" description:"upload temp directory"`
	AdminPasswd string `long:"admin-passwd" env:"ADMIN_PASSWD" description:"bcrypt hash guarding reset-all"`
	Dbg         bool   `long:"dbg" env:"DEBUG" description:"debug mode"`

	Worker struct {
		Command       string        `long:"command" env:"COMMAND" default:"python3 worker.py --file {file}" description:"worker command template"`
		TailLines     int           `long:"tail-lines" env:"TAIL_LINES" default:"50" description:"stderr lines kept for failure reports"`
		CPUBelow      int           `long:"cpu-below" env:"CPU_BELOW" description:"spawn only when CPU below percent"`
		MemoryBelow   int           `long:"memory-below" env:"MEMORY_BELOW" description:"spawn only when memory below percent"`
		LoadAvgBelow  float64       `long:"load-avg-below" env:"LOAD_AVG_BELOW" description:"spawn only when load average below"`
		MaxPostpone   time.Duration `long:"max-postpone" env:"MAX_POSTPONE" description:"max spawn postpone waiting for conditions"`
		CheckInterval time.Duration `long:"check-interval" env:"CHECK_INTERVAL" default:"5s" description:"conditions check interval"`
	} `group:"worker" namespace:"worker" env-namespace:"PROGSYNC_WORKER"`

	Repeater struct {
		Attempts int           `long:"attempts" env:"ATTEMPTS" default:"1" description:"how many times repeat failed worker start"`
		Duration time.Duration `long:"duration" env:"DURATION" default:"1s" description:"initial duration"`
		Factor   float64       `long:"factor" env:"FACTOR" default:"3" description:"backoff factor"`
		Jitter   bool          `long:"jitter" env:"JITTER" description:"jitter"`
	} `group:"repeater" namespace:"repeater" env-namespace:"PROGSYNC_REPEATER"`

	Notify struct {
		EnabledError      bool          `long:"enabled-error" env:"ENABLED_ERROR" description:"enable notifications on worker failures"`
		EnabledCompletion bool          `long:"enabled-complete" env:"ENABLED_COMPLETE" description:"enable completion notifications"`
		ErrorTemplate     string        `long:"err-template" env:"ERR_TEMPLATE" description:"error template file"`
		CompletTemplate   string        `long:"complete-template" env:"COMPLETE_TEMPLATE" description:"completion template file"`
		SMTPHost          string        `long:"smtp-host" env:"SMTP_HOST" description:"SMTP host"`
		SMTPPort          int           `long:"smtp-port" env:"SMTP_PORT" description:"SMTP port"`
		SMTPUsername      string        `long:"smtp-username" env:"SMTP_USERNAME" description:"SMTP user name"`
		SMTPPassword      string        `long:"smtp-password" env:"SMTP_PASSWORD" description:"SMTP password"`
		SMTPTLS           bool          `long:"smtp-tls" env:"SMTP_TLS" description:"enable SMTP TLS"`
		SMTPStartTLS      bool          `long:"smtp-starttls" env:"SMTP_STARTTLS" description:"enable SMTP StartTLS"`
		SMTPTimeOut       time.Duration `long:"smtp-timeout" env:"SMTP_TIMEOUT" default:"10s" description:"SMTP TCP connection timeout"`
		FromEmail         string        `long:"from" env:"FROM" description:"SMTP from email"`
		ToEmails          []string      `long:"to" env:"TO" description:"SMTP to email(s)" env-delim:","`
		SlackToken        string        `long:"slack-token" env:"SLACK_TOKEN" description:"slack token"`
		SlackChannels     []string      `long:"slack-channels" env:"SLACK_CHANNELS" description:"slack channels" env-delim:","`
		WebhookURLs       []string      `long:"webhook-urls" env:"WEBHOOK_URLS" description:"webhook urls" env-delim:","`
		HostName          string        `long:"host" env:"HOSTNAME" description:"host name running the service"`
	} `group:"notify" namespace:"notify" env-namespace:"PROGSYNC_NOTIFY"`

	Log struct {
		Enabled         bool   `long:"enabled" env:"ENABLED" description:"enable logging to file"`
		Filename        string `long:"filename" env:"FILENAME" default:"var/progsync.log" description:"log file name"`
		MaxSize         int    `long:"max-size" env:"MAX_SIZE" default:"100" description:"max log size, megabytes"`
		MaxBackups      int    `long:"max-backups" env:"MAX_BACKUPS" default:"7" description:"max number of rotated files"`
		MaxAge          int    `long:"max-age" env:"MAX_AGE" default:"0" description:"max age of rotated files, days"`
		EnabledCompress bool   `long:"enabled-compress" env:"ENABLED_COMPRESS" description:"gzip rotated files"`
	} `group:"log" namespace:"log" env-namespace:"PROGSYNC_LOG"`
}

var revision = "unknown"

func main() {
	fmt.Printf("progsync %s\n", revision)

	if _, err := flags.Parse(&opts); err != nil {
		os.Exit(2)
	}
	setupLogs()

	defer func() {
		if x := recover(); x != nil {
			log.Printf("[WARN] run time panic:\n%v", x)
			panic(x)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	signals(cancel) // handle SIGQUIT and SIGTERM

	if err := run(ctx); err != nil {
		log.Printf("[ERROR] %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	limits, err := config.Load(opts.ConfigFile)
	if err != nil {
		return err
	}

	st, err := store.New(opts.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Printf("[WARN] failed to close store: %v", err)
		}
	}()

	quota := store.NewQuota(st, limits.QuotaDailyLimit, limits.QuotaHardCap)
	registry := tracker.New(limits.BatchResetBound, limits.SpeedMax)
	broadcaster := broadcast.New()
	hub := broadcast.NewHub(5 * time.Second)

	bridge := worker.New(opts.Worker.Command, opts.Worker.TailLines)
	bridge.Repeater = repeater.New(&strategy.Backoff{Repeats: opts.Repeater.Attempts,
		Duration: opts.Repeater.Duration, Factor: opts.Repeater.Factor, Jitter: opts.Repeater.Jitter})
	if opts.Worker.CPUBelow > 0 || opts.Worker.MemoryBelow > 0 || opts.Worker.LoadAvgBelow > 0 {
		bridge.Conditions = &worker.Conditions{
			CPUBelow:      opts.Worker.CPUBelow,
			MemoryBelow:   opts.Worker.MemoryBelow,
			LoadAvgBelow:  opts.Worker.LoadAvgBelow,
			MaxPostpone:   opts.Worker.MaxPostpone,
			CheckInterval: opts.Worker.CheckInterval,
		}
	}

	ctrl := controller.New(st, registry, bridge, broadcaster, quota)
	ctrl.AutoCloseDelay = limits.AutoCloseDelay
	ctrl.RetentionDelay = limits.RetentionDelay
	ctrl.DebounceWindow = limits.DebounceWindow
	if notifier := makeNotifier(); notifier != nil {
		ctrl.Notifier = notifier
	}
	defer ctrl.Close()

	rpr := reaper.New(st, registry, opts.TempDir, limits.ReapAge, limits.TempMaxAge)
	go func() {
		if err := rpr.Run(ctx, fmt.Sprintf("@every %s", limits.ReapInterval)); err != nil && ctx.Err() == nil {
			log.Printf("[ERROR] reaper failed: %v", err)
		}
	}()

	srv, err := web.New(web.Config{
		Version:         revision,
		Controller:      ctrl,
		Broadcaster:     broadcaster,
		Hub:             hub,
		AdminPasswdHash: opts.AdminPasswd,
		StreamInterval:  limits.StreamInterval,
		UploadDir:       opts.TempDir,
	})
	if err != nil {
		return err
	}
	return srv.Run(ctx, opts.Listen)
}

func makeNotifier() *notify.Service {
	if !opts.Notify.EnabledError && !opts.Notify.EnabledCompletion {
		return nil
	}

	if opts.Notify.FromEmail == "" {
		opts.Notify.FromEmail = "progsync@" + makeHostName()
	}

	return notify.NewService(
		notify.Params{
			EnabledError:       opts.Notify.EnabledError,
			EnabledCompletion:  opts.Notify.EnabledCompletion,
			ErrorTemplate:      opts.Notify.ErrorTemplate,
			CompletionTemplate: opts.Notify.CompletTemplate,
		},
		notify.SendersParams{
			FromEmail:     opts.Notify.FromEmail,
			ToEmails:      opts.Notify.ToEmails,
			SMTPHost:      opts.Notify.SMTPHost,
			SMTPPort:      opts.Notify.SMTPPort,
			SMTPTLS:       opts.Notify.SMTPTLS,
			SMTPStartTLS:  opts.Notify.SMTPStartTLS,
			SMTPUsername:  opts.Notify.SMTPUsername,
			SMTPPassword:  opts.Notify.SMTPPassword,
			SlackToken:    opts.Notify.SlackToken,
			SlackChannels: opts.Notify.SlackChannels,
			WebhookURLs:   opts.Notify.WebhookURLs,
			TimeOut:       opts.Notify.SMTPTimeOut,
		})
}

func makeHostName() string {
	if opts.Notify.HostName != "" {
		return opts.Notify.HostName
	}
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// setupLogs configures lgr output, optionally rotated to a file. Returns the
// writer for tests.
func setupLogs() io.Writer {
	logOpts := []log.Option{log.Msec, log.LevelBraces, log.StackTraceOnError}
	if opts.Dbg {
		logOpts = []log.Option{log.Debug, log.Msec, log.LevelBraces, log.CallerFunc, log.CallerPkg, log.CallerFile}
	}

	var out io.Writer = os.Stdout
	if opts.Log.Enabled && opts.Log.Filename != "" {
		out = &lumberjack.Logger{
			Filename:   opts.Log.Filename,
			MaxSize:    opts.Log.MaxSize,
			MaxBackups: opts.Log.MaxBackups,
			MaxAge:     opts.Log.MaxAge,
			Compress:   opts.Log.EnabledCompress,
		}
	}
	logOpts = append(logOpts, log.Out(out))
	log.Setup(logOpts...)
	return out
}

func signals(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	go func() {
		stacktrace := make([]byte, 8192)
		for sig := range sigChan {
			if sig == syscall.SIGQUIT { // catch SIGQUIT and print stack traces
				length := runtime.Stack(stacktrace, true)
				fmt.Println(string(stacktrace[:length]))
				continue
			}
			cancel() // terminate on SIGTERM
		}
	}()
	signal.Notify(sigChan, syscall.SIGQUIT, syscall.SIGTERM)
}
