package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/shandialamp/mqttsim"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var version = "dev"

type options struct {
	configFile string

	hostname     string
	hostnameList string
	port         int
	ssl          bool
	certificate  string
	privateKey   string

	username string
	password string
	clientID string

	active  int
	passive int
	delay   int

	burstInterval int
	burstSpread   int
	burstSize     int

	publishTopic   string
	subscribeTopic string
	rotatePerBurst bool

	qos          int
	retain       bool
	cleanSession bool

	reconnectInterval int

	payload        string
	payloadCeiling int
	modulo         uint64
	deferPublish   bool

	threads       int
	statsInterval int
	metricsAddr   string
	logDir        string
	verbose       bool
}

func newRootCmd() *cobra.Command {
	return newCommand(run)
}

func newCommand(runFn func(context.Context, mqttsim.SimulatorConfig) error) *cobra.Command {
	var o options
	defaults := mqttsim.DefaultSimulatorConfig()

	cmd := &cobra.Command{
		Use:           "mqtt-load-simulator",
		Short:         "Simulate a large population of MQTT clients against one broker",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := o.build(cmd)
			if err != nil {
				return err
			}
			return runFn(cmd.Context(), cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.configFile, "config", "", "Read options from a .toml, .yaml or .json file. Flags given explicitly win.")
	f.StringVar(&o.hostname, "hostname", defaults.Hostname, "Hostname of target.")
	f.StringVar(&o.hostnameList, "hostname-list", "", "Comma-separated list of hostnames clients will pick round-robin.")
	f.IntVar(&o.port, "port", defaults.Port, "Target port. Default: 1883|8883")
	f.BoolVar(&o.ssl, "ssl", false, "Enable SSL. Always insecure mode.")
	f.StringVar(&o.certificate, "certificate", "", "Client certificate file (PEM). Requires --private-key.")
	f.StringVar(&o.privateKey, "private-key", "", "Client private key file (PEM). Requires --certificate.")
	f.StringVar(&o.username, "username", defaults.Username, "Username. Any occurrence of %1 is replaced by a random string, also on each reconnect.")
	f.StringVar(&o.password, "password", defaults.Password, "Password. Any occurrence of %1 is replaced by a random string, also on each reconnect.")
	f.StringVar(&o.clientID, "client-id", "", "Fixed client id. %1 is replaced by a random string per client. Default: generated.")
	f.IntVar(&o.active, "amount-active", defaults.Active, "Amount of active clients.")
	f.IntVar(&o.passive, "amount-passive", defaults.Passive, "Amount of passive clients with one silent subscription.")
	f.IntVar(&o.delay, "delay", 0, "Wait <ms> milliseconds between each connecting client.")
	f.IntVar(&o.burstInterval, "burst-interval", int(defaults.BurstInterval/time.Millisecond), "Publish <msg-per-burst> messages per <burst interval> ms (+/- burst-spread).")
	f.IntVar(&o.burstSpread, "burst-spread", int(defaults.BurstSpread/time.Millisecond), "Random spread in ms applied to each client's burst interval.")
	f.IntVar(&o.burstSize, "msg-per-burst", defaults.BurstSize, "Publish x messages per burst interval.")
	f.StringVar(&o.publishTopic, "publish-topic", "", "Publish topic. %1 is replaced by a rotating number. Default: per client.")
	f.StringVar(&o.subscribeTopic, "subscribe-topic", "", "Topic for clients to subscribe to. Default: random per client.")
	f.BoolVar(&o.rotatePerBurst, "rotate-per-burst", false, "Pick a new rotating number for the publish topic after every burst.")
	f.IntVar(&o.qos, "qos", defaults.QoS, "QoS of publishes and subscriptions (0, 1 or 2).")
	f.BoolVar(&o.retain, "retain", false, "Set the retain flag on publishes.")
	f.BoolVar(&o.cleanSession, "clean-session", defaults.CleanSession, "Connect with a clean session.")
	f.IntVar(&o.reconnectInterval, "reconnect-interval", -1, "Time in ms between reconnects on error. -1 is dynamic.")
	f.StringVar(&o.payload, "payload", "", "Payload template: %utc%, %random%, %latency%, or positional %1 (counter) and %2 (unix ms).")
	f.IntVar(&o.payloadCeiling, "payload-ceiling", defaults.PayloadCeiling, "Upper bound (exclusive) of %random%.")
	f.Uint64Var(&o.modulo, "modulo", defaults.Modulo, "Modulo of the rotating topic number.")
	f.BoolVar(&o.deferPublish, "defer-publish", false, "Start publishing only after every client has connected once.")
	f.IntVar(&o.threads, "threads", 0, "Worker threads. Default: GOMAXPROCS.")
	f.IntVar(&o.statsInterval, "stats-interval", int(defaults.StatsInterval/time.Millisecond), "Status line refresh in ms.")
	f.StringVar(&o.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9100.")
	f.StringVar(&o.logDir, "log-dir", "./logs", "Directory for session, error and simulator logs.")
	f.BoolVar(&o.verbose, "verbose", false, "Print debugging info. Warning: ugly.")

	return cmd
}

// build layers defaults, then the config file, then explicitly set flags.
func (o *options) build(cmd *cobra.Command) (mqttsim.SimulatorConfig, error) {
	cfg := mqttsim.DefaultSimulatorConfig()

	if o.configFile != "" {
		fc, err := mqttsim.LoadConfigFile(o.configFile)
		if err != nil {
			return cfg, &mqttsim.ConfigError{Field: "config", Reason: err.Error()}
		}
		if err := fc.Apply(&cfg); err != nil {
			return cfg, err
		}
	}

	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	set := map[string]func(){
		"hostname":      func() { cfg.Hostname = o.hostname },
		"hostname-list": func() { cfg.Hostnames = splitList(o.hostnameList) },
		"port":          func() { cfg.Port = o.port },
		"ssl": func() {
			cfg.TLS = o.ssl
			if o.ssl && !cmd.Flags().Changed("port") {
				cfg.Port = mqttsim.DefaultTLSPort
			}
		},
		"certificate":      func() { cfg.Certificate = o.certificate },
		"private-key":      func() { cfg.PrivateKey = o.privateKey },
		"username":         func() { cfg.Username = o.username },
		"password":         func() { cfg.Password = o.password },
		"client-id":        func() { cfg.ClientID = o.clientID },
		"amount-active":    func() { cfg.Active = o.active },
		"amount-passive":   func() { cfg.Passive = o.passive },
		"delay":            func() { cfg.Delay = ms(o.delay) },
		"burst-interval":   func() { cfg.BurstInterval = ms(o.burstInterval) },
		"burst-spread":     func() { cfg.BurstSpread = ms(o.burstSpread) },
		"msg-per-burst":    func() { cfg.BurstSize = o.burstSize },
		"publish-topic":    func() { cfg.PublishTopic = o.publishTopic },
		"subscribe-topic":  func() { cfg.SubscribeTopic = o.subscribeTopic },
		"rotate-per-burst": func() { cfg.RotatePerBurst = o.rotatePerBurst },
		"qos":              func() { cfg.QoS = o.qos },
		"retain":           func() { cfg.Retain = o.retain },
		"clean-session":    func() { cfg.CleanSession = o.cleanSession },
		"reconnect-interval": func() {
			if o.reconnectInterval < 0 {
				cfg.ReconnectInterval = mqttsim.ReconnectDynamic
				return
			}
			cfg.ReconnectInterval = ms(o.reconnectInterval)
		},
		"payload":         func() { cfg.Payload = o.payload },
		"payload-ceiling": func() { cfg.PayloadCeiling = o.payloadCeiling },
		"modulo":          func() { cfg.Modulo = o.modulo },
		"defer-publish":   func() { cfg.DeferPublish = o.deferPublish },
		"threads":         func() { cfg.Threads = o.threads },
		"stats-interval":  func() { cfg.StatsInterval = ms(o.statsInterval) },
		"metrics-addr":    func() { cfg.MetricsAddr = o.metricsAddr },
		"verbose":         func() { cfg.Log.Verbose = o.verbose },
		"log-dir": func() {
			cfg.Log.SessionFile = o.logDir + "/session.log"
			cfg.Log.ErrorFile = o.logDir + "/error.log"
			cfg.Log.AppFile = o.logDir + "/simulator.log"
		},
	}
	for name, apply := range set {
		if cmd.Flags().Changed(name) {
			apply()
		}
	}

	return cfg, cfg.Validate()
}

func splitList(s string) []string {
	var out []string
	for _, h := range strings.Split(s, ",") {
		if h = strings.TrimSpace(h); h != "" {
			out = append(out, h)
		}
	}
	return out
}

func run(ctx context.Context, cfg mqttsim.SimulatorConfig) error {
	log := mqttsim.NewLog(cfg.Log)
	defer log.Sync()

	sim, err := mqttsim.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := sim.Run(ctx); err != nil {
		log.Error(err, "simulator failed")
		return err
	}
	log.App("shutdown complete", zap.Int("threads", sim.Threads()))
	return nil
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		var cfgErr *mqttsim.ConfigError
		if errors.As(err, &cfgErr) {
			fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}
