package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/lumina-studio/deploy-monitor/internal/alerter"
	"github.com/lumina-studio/deploy-monitor/internal/analyzer"
	"github.com/lumina-studio/deploy-monitor/internal/api"
	"github.com/lumina-studio/deploy-monitor/internal/deploy"
	"github.com/lumina-studio/deploy-monitor/internal/health"
	"github.com/lumina-studio/deploy-monitor/internal/session"
	"github.com/lumina-studio/deploy-monitor/internal/supervisor"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	dataDir                 string
	baseURL                 string
	endpointsFile           string
	deployListCommand       string
	branch                  string
	minAlertSeverity        string
	webhookURL              string
	webhookSigningKey       string
	webhookTokenIssuer      string
	telegramToken           string
	telegramChatID          string
	mqUser                  string
	mqPass                  string
	mqHost                  string
	mqPort                  string
	disableBroker           bool
	s3SecretAccessKey       string
	s3Origin                string
	s3Bucket                string
	s3Region                string
	s3AccessKeyID           string
	s3useSSL                bool
	disableS3Upload         bool
	pollBaseSeconds         int
	pollMaxSeconds          int
	pollMaxWaitSeconds      int
	cycleIntervalSeconds    int
	maxConsecutiveFailures  int
	watch                   bool
	disableWebservice       bool
	webservicePort          int
	webserviceListenAddress string
	enableDebug             bool
)

const logFileName = "monitor.log"

func main() {
	flag.StringVar(&dataDir, "data-dir", "./data", "Directory for the session database, exported documents and logs.")
	flag.StringVar(&baseURL, "base-url", "http://localhost:3000", "Base URL of the deployed application to probe.")
	flag.StringVar(&endpointsFile, "endpoints-file", "./endpoints.yaml", "Health endpoint definitions to load.")
	flag.StringVar(&deployListCommand, "deploy-list-command", "vercel ls", "Command used to list recent deployments.")
	flag.StringVar(&branch, "branch", "main", "Branch the monitored deployments belong to.")
	flag.StringVar(&minAlertSeverity, "min-alert-severity", "medium", "Minimum report severity that triggers alert delivery.")
	flag.StringVar(&webhookURL, "webhook-url", "", "Webhook URL for alert delivery.")
	flag.StringVar(&webhookSigningKey, "webhook-signing-key", "", "The jwt signing token key or secret for webhook delivery.")
	flag.StringVar(&webhookTokenIssuer, "webhook-token-issuer", "deploy-monitor", "The jwt issuer for webhook delivery.")
	flag.StringVar(&telegramToken, "telegram-token", "", "Telegram bot token for alert delivery.")
	flag.StringVar(&telegramChatID, "telegram-chat-id", "", "Telegram chat id for alert delivery.")
	flag.StringVar(&mqUser, "rabbitmq-username", "guest", "The username of the rabbitmq user.")
	flag.StringVar(&mqPass, "rabbitmq-password", "guest", "The password for the rabbitmq user.")
	flag.StringVar(&mqHost, "rabbitmq-hostname", "localhost", "The hostname for the rabbitmq host.")
	flag.StringVar(&mqPort, "rabbitmq-port", "5672", "The port for the rabbitmq host.")
	flag.BoolVar(&disableBroker, "disable-broker", true, "Set to false to publish alerts to the rabbitmq exchange.")
	flag.StringVar(&s3SecretAccessKey, "secret-access-key", "minio123", "s3 secret access key to use.")
	flag.StringVar(&s3Origin, "s3-host", "localhost:9000", "The s3 host/origin to use.")
	flag.StringVar(&s3AccessKeyID, "access-key-id", "minio", "The s3 access key id to use.")
	flag.StringVar(&s3Bucket, "s3-bucket", "deploy-monitor-reports", "The s3 bucket name.")
	flag.StringVar(&s3Region, "s3-region", "", "The s3 region.")
	flag.BoolVar(&s3useSSL, "s3-usessl", true, "Use SSL with S3")
	flag.BoolVar(&disableS3Upload, "disable-s3-upload", true, "Set to false to archive exported reports to an s3 bucket.")
	flag.IntVar(&pollBaseSeconds, "poll-base-interval-seconds", 5, "Initial wait between deployment status polls.")
	flag.IntVar(&pollMaxSeconds, "poll-max-interval-seconds", 30, "Cap on the wait between deployment status polls.")
	flag.IntVar(&pollMaxWaitSeconds, "poll-max-wait-seconds", 600, "Total time to wait for a deployment to reach a terminal state.")
	flag.IntVar(&cycleIntervalSeconds, "cycle-interval-seconds", 120, "Wait between continuous monitoring cycles.")
	flag.IntVar(&maxConsecutiveFailures, "max-consecutive-failures", 3, "Consecutive cycle failures before the supervisor halts.")
	flag.BoolVar(&watch, "watch", false, "Keep monitoring continuously instead of running one session.")
	flag.BoolVar(&disableWebservice, "disable-webservice", false, "Set to true if you need the web-service to be disabled")
	flag.IntVar(&webservicePort, "webservice-port", 3005, "Port webservice is started on")
	flag.StringVar(&webserviceListenAddress, "webservice-listen-add", "0.0.0.0", "Address on which to listen to incoming webservice connections")
	flag.BoolVar(&enableDebug, "debug", false, "Enable debugging output")

	flag.Parse()

	_ = godotenv.Load()

	// get overrides from environment variables
	dataDir = getEnv("MONITOR_DATA_DIR", dataDir)
	baseURL = getEnv("MONITOR_BASE_URL", baseURL)
	endpointsFile = getEnv("MONITOR_ENDPOINTS_FILE", endpointsFile)
	deployListCommand = getEnv("MONITOR_DEPLOY_LIST_COMMAND", deployListCommand)
	branch = getEnv("MONITOR_BRANCH", branch)
	minAlertSeverity = getEnv("MONITOR_MIN_ALERT_SEVERITY", minAlertSeverity)
	webhookURL = getEnv("MONITOR_WEBHOOK_URL", webhookURL)
	webhookSigningKey = getEnv("JWT_SECRET", webhookSigningKey)
	webhookTokenIssuer = getEnv("JWT_ISSUER", webhookTokenIssuer)
	telegramToken = getEnv("TELEGRAM_TOKEN", telegramToken)
	telegramChatID = getEnv("TELEGRAM_CHAT_ID", telegramChatID)
	mqUser = getEnv("RABBITMQ_USERNAME", mqUser)
	mqPass = getEnv("RABBITMQ_PASSWORD", mqPass)
	mqHost = getEnv("RABBITMQ_ADDRESS", mqHost)
	mqPort = getEnv("RABBITMQ_PORT", mqPort)
	disableBroker = getEnvBool("DISABLE_BROKER", disableBroker)
	s3Origin = getEnv("S3_FILES_HOST", s3Origin)
	s3AccessKeyID = getEnv("S3_FILES_ACCESS_KEY_ID", s3AccessKeyID)
	s3SecretAccessKey = getEnv("S3_FILES_SECRET_ACCESS_KEY", s3SecretAccessKey)
	s3Bucket = getEnv("S3_FILES_BUCKET", s3Bucket)
	s3Region = getEnv("S3_FILES_REGION", s3Region)
	s3useSSL = getEnvBool("S3_USESSL", s3useSSL)
	disableS3Upload = getEnvBool("DISABLE_S3_UPLOAD", disableS3Upload)
	cycleIntervalSeconds = getEnvInt("MONITOR_CYCLE_INTERVAL_SECONDS", cycleIntervalSeconds)
	maxConsecutiveFailures = getEnvInt("MONITOR_MAX_CONSECUTIVE_FAILURES", maxConsecutiveFailures)
	disableWebservice = getEnvBool("DISABLE_WEBSERVICE", disableWebservice)
	webservicePort = getEnvInt("WEBSERVICE_PORT", webservicePort)
	webserviceListenAddress = getEnv("WEBSERVICE_LISTEN_ADDRESS", webserviceListenAddress)
	enableDebug = getEnvBool("ENABLE_DEBUG", enableDebug)

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		slog.Error("unable to create data directory", "dir", dataDir, "err", err)
		os.Exit(1)
	}

	// If we enable debugging, we set the logging level to output debug for
	// the default logger. Log lines go to stdout and to the log file the
	// `logs` subcommand tails.
	debugLevel := slog.LevelInfo
	if enableDebug {
		debugLevel = slog.LevelDebug
	}

	logFile, err := os.OpenFile(filepath.Join(dataDir, logFileName), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Error("unable to open log file", "err", err)
		os.Exit(1)
	}
	defer logFile.Close()

	slog.SetDefault(slog.New(slog.NewJSONHandler(io.MultiWriter(os.Stdout, logFile), &slog.HandlerOptions{
		Level: debugLevel,
	})))

	command := "start"
	args := flag.Args()
	if len(args) > 0 {
		command = args[0]
		args = args[1:]
	}

	switch command {
	case "start":
		runStart(args)
	case "status":
		runStatus()
	case "stop":
		if len(args) < 1 {
			fmt.Fprintln(os.Stderr, "usage: deploy-monitor stop <sessionId>")
			os.Exit(2)
		}
		runStop(args[0])
	case "kill-all":
		runKillAll()
	case "clean":
		ageDays := 7
		if len(args) > 0 {
			ageDays, _ = strconv.Atoi(args[0])
		}
		runClean(ageDays)
	case "logs":
		lines := 50
		if len(args) > 0 {
			lines, _ = strconv.Atoi(args[0])
		}
		runLogs(lines)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (expected start, status, stop, kill-all, clean or logs)\n", command)
		os.Exit(2)
	}
}

func openStore() (*session.Store, error) {
	var archiver *session.Archiver
	if !disableS3Upload {
		var err error
		archiver, err = session.NewArchiver(session.ArchiveConfig{
			Endpoint:        s3Origin,
			AccessKeyID:     s3AccessKeyID,
			SecretAccessKey: s3SecretAccessKey,
			Bucket:          s3Bucket,
			Region:          s3Region,
			UseSSL:          s3useSSL,
			KeyPrefix:       "sessions",
		})
		if err != nil {
			return nil, fmt.Errorf("set up report archiver: %w", err)
		}
	}

	exporter, err := session.NewExporter(dataDir, archiver, slog.Default())
	if err != nil {
		return nil, fmt.Errorf("set up exporter: %w", err)
	}
	return session.Open(filepath.Join(dataDir, "sessions.db"), exporter, slog.Default())
}

func buildDispatcher() *alerter.Dispatcher {
	channels := []alerter.Channel{
		&alerter.LogChannel{Log: slog.Default()},
	}
	if webhookURL != "" {
		channels = append(channels, alerter.NewWebhookChannel(alerter.WebhookConfig{
			URL:         webhookURL,
			SigningKey:  webhookSigningKey,
			TokenIssuer: webhookTokenIssuer,
		}))
	}
	if telegram := alerter.NewTelegramChannel(telegramToken, telegramChatID); telegram.Enabled() {
		channels = append(channels, telegram)
	}
	if !disableBroker {
		channels = append(channels, alerter.NewAMQPChannel(alerter.AMQPConfig{
			DSN: fmt.Sprintf("amqp://%s:%s@%s:%s/", mqUser, mqPass, mqHost, mqPort),
		}, slog.Default()))
	}
	return alerter.NewDispatcher(channels, analyzer.ParseSeverity(minAlertSeverity), slog.Default())
}

func loadEndpoints() []health.Endpoint {
	endpoints, err := health.LoadEndpoints(endpointsFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("unable to load endpoint definitions", "file", endpointsFile, "err", err)
			os.Exit(1)
		}
		slog.Debug("no endpoints file found, using defaults", "file", endpointsFile)
		return health.DefaultEndpoints()
	}
	return endpoints
}

// runStart is the main monitoring entrypoint: one full session by default,
// a continuous loop with -watch.
func runStart(args []string) {
	store, err := openStore()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	runBranch := branch
	commitID := ""
	if len(args) > 0 && args[0] != "" {
		runBranch = args[0]
	}
	if len(args) > 1 {
		commitID = args[1]
	}

	parts := strings.Fields(deployListCommand)
	if len(parts) == 0 {
		slog.Error("deploy list command is empty")
		os.Exit(1)
	}
	lister := deploy.NewCommandLister(parts[0], parts[1:]...)

	pollCfg := deploy.DefaultPollConfig()
	pollCfg.BaseInterval = time.Duration(pollBaseSeconds) * time.Second
	pollCfg.MaxInterval = time.Duration(pollMaxSeconds) * time.Second
	poller := deploy.NewPoller(lister, pollCfg, slog.Default())

	checker := health.NewChecker(health.DefaultCheckerConfig(baseURL), slog.Default())
	endpoints := loadEndpoints()
	dispatcher := buildDispatcher()

	registry := supervisor.NewRegistry()
	promRegistry := prometheus.NewRegistry()
	metrics := supervisor.NewMetrics(promRegistry)

	sup := supervisor.New(lister, poller, checker, endpoints, store, dispatcher, registry, metrics,
		supervisor.Config{
			CycleInterval:          time.Duration(cycleIntervalSeconds) * time.Second,
			PollMaxWait:            time.Duration(pollMaxWaitSeconds) * time.Second,
			MaxConsecutiveFailures: maxConsecutiveFailures,
			Thresholds:             analyzer.DefaultThresholds(),
			Branch:                 runBranch,
		}, slog.Default())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Start up the web service if we need it
	if !disableWebservice {
		router := api.SetupRouter(&api.Server{
			Store:      store,
			Controller: supervisor.NewController(store, registry, slog.Default()),
			Metrics:    metrics,
			Registry:   promRegistry,
		})
		go func() {
			if err := router.Run(fmt.Sprintf("%v:%v", webserviceListenAddress, webservicePort)); err != nil {
				slog.Error("webservice stopped", "err", err)
			}
		}()
	}

	if watch {
		if err := sup.Run(ctx); err != nil {
			slog.Error("supervisor halted", "err", err)
			os.Exit(1)
		}
		return
	}

	report, err := sup.RunOnce(ctx, session.TriggerManual, runBranch, commitID)
	if err != nil {
		if errors.Is(err, session.ErrDuplicateSession) {
			slog.Warn("a monitoring session for this commit is already running")
			os.Exit(0)
		}
		slog.Error("monitoring session failed", "err", err)
		os.Exit(1)
	}

	if report.Severity.AtLeast(analyzer.SeverityHigh) {
		os.Exit(1)
	}
}

func runStatus() {
	store, err := openStore()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	controller := supervisor.NewController(store, supervisor.NewRegistry(), slog.Default())

	active, err := controller.Active()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}

	if len(active) == 0 {
		fmt.Println("no active monitoring sessions")
	}
	for _, sess := range active {
		state := "stale (no live task)"
		if sess.TaskRunning {
			state = "running"
		}
		fmt.Printf("%s  branch=%s commit=%s started=%s  %s\n",
			sess.SessionID, sess.Branch, sess.ShortSha,
			sess.StartedAt.Format(time.RFC3339), state)
	}

	recent, err := store.List(session.Filter{Limit: 5})
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	fmt.Println("\nrecent sessions:")
	for _, sess := range recent {
		fmt.Printf("%s  status=%s finalStatus=%s passRate=%.0f%%\n",
			sess.SessionID, sess.Status, orDash(sess.FinalStatus), sess.PassRate*100)
	}
}

func runStop(sessionID string) {
	store, err := openStore()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	controller := supervisor.NewController(store, supervisor.NewRegistry(), slog.Default())
	if err := controller.Stop(sessionID); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	fmt.Printf("session %s stopped\n", sessionID)
}

func runKillAll() {
	store, err := openStore()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	controller := supervisor.NewController(store, supervisor.NewRegistry(), slog.Default())
	stopped, err := controller.StopAll()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	fmt.Printf("%d sessions stopped\n", stopped)
}

func runClean(ageDays int) {
	store, err := openStore()
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	controller := supervisor.NewController(store, supervisor.NewRegistry(), slog.Default())
	deleted, err := controller.Clean(ageDays)
	if err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
	fmt.Printf("%d sessions deleted\n", deleted)
}

func runLogs(lines int) {
	if lines <= 0 {
		lines = 50
	}
	raw, err := os.ReadFile(filepath.Join(dataDir, logFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Println("no log file yet")
			return
		}
		slog.Error(err.Error())
		os.Exit(1)
	}

	all := strings.Split(strings.TrimRight(string(raw), "\n"), "\n")
	if len(all) > lines {
		all = all[len(all)-lines:]
	}
	for _, line := range all {
		fmt.Println(line)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// accepts fallback values 1, t, T, TRUE, true, True, 0, f, F, FALSE, false, False
// anything else is false.
func getEnvBool(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		rVal, _ := strconv.ParseBool(value)
		return rVal
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok {
		rVal, _ := strconv.ParseInt(value, 10, 16)
		return int(rVal)
	}
	return fallback
}
