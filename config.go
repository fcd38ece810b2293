package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "WHOISIT"

type Config struct {
	verbose bool
	version bool

	// broker
	bind     string
	leaseTTL time.Duration
	metrics  bool
	port     int
	prefix   string
	profile  bool
	tlsCert  string
	tlsKey   string

	// play
	advertise      string
	brokerURL      string
	historyLimit   int
	historyPath    string
	id             string
	ignoreSpaces   bool
	join           string
	listen         string
	peer           string
	qr             bool
	resendInterval time.Duration
	retryInterval  time.Duration
}

func (c *Config) validateBroker() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.leaseTTL <= 0 {
		return fmt.Errorf("invalid lease ttl (must be positive): %s", c.leaseTTL)
	}
	return nil
}

func (c *Config) validatePlay() error {
	u, err := url.Parse(c.brokerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid broker url (must be http or https): %q", c.brokerURL)
	}
	switch {
	case c.join != "" && c.peer != "":
		return errors.New("--join and --peer are mutually exclusive")
	case c.peer != "" && c.id == "":
		return errors.New("--peer requires --id so both sides know the pair")
	case c.peer != "" && c.peer == c.id:
		return errors.New("--peer must differ from --id")
	case c.join != "" && c.join == c.id:
		return errors.New("--join must differ from --id")
	}
	if c.retryInterval <= 0 {
		return fmt.Errorf("invalid retry interval (must be positive): %s", c.retryInterval)
	}
	if c.resendInterval <= 0 {
		return fmt.Errorf("invalid resend interval (must be positive): %s", c.resendInterval)
	}
	if c.historyLimit < 0 {
		return fmt.Errorf("invalid history limit (must not be negative): %d", c.historyLimit)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

// loadDotEnv reads .env (or $WHOISIT_ENV_FILE) into the environment without
// overriding variables that are already set. A missing file is not an error.
func loadDotEnv() error {
	path := os.Getenv(envPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}

	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// bindEnv lets every flag in fs be set from WHOISIT_<FLAG_NAME>.
func bindEnv(v *viper.Viper, fs *pflag.FlagSet) {
	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "whoisit",
		Short:         "A two-player guess-who game played over a direct peer-to-peer channel.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
	}

	pfs := cmd.PersistentFlags()
	pfs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: WHOISIT_VERBOSE)")
	cmd.Flags().BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: WHOISIT_VERSION)")

	bindEnv(v, pfs)
	bindEnv(v, cmd.Flags())

	cmd.AddCommand(newBrokerCmd(cfg, v), newPlayCmd(cfg, v))

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("whoisit v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}

func newBrokerCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run the rendezvous broker that hands out room codes and peer addresses.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validateBroker(); err != nil {
				return err
			}
			return ServeBroker(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: WHOISIT_BIND)")
	fs.DurationVar(&cfg.leaseTTL, "lease-ttl", 30*time.Second, "time before an unrefreshed identifier is released (env: WHOISIT_LEASE_TTL)")
	fs.BoolVar(&cfg.metrics, "metrics", false, "serve prometheus metrics on /metrics (env: WHOISIT_METRICS)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: WHOISIT_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: WHOISIT_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: WHOISIT_PROFILE)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: WHOISIT_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: WHOISIT_TLS_KEY)")

	bindEnv(v, fs)

	return cmd
}

func newPlayCmd(cfg *Config, v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "play",
		Short: "Start or join a round from the terminal.",
		Args:  cobra.ExactArgs(0),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validatePlay(); err != nil {
				return err
			}
			return Play(cmd.Context(), cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}

	fs := cmd.Flags()

	fs.StringVar(&cfg.advertise, "advertise", "", "host:port other players dial to reach you, if not the listen address (env: WHOISIT_ADVERTISE)")
	fs.StringVar(&cfg.brokerURL, "broker", "http://localhost:8080", "base url of the rendezvous broker (env: WHOISIT_BROKER)")
	fs.StringVar(&cfg.historyPath, "history", "", "path to a match history database (env: WHOISIT_HISTORY)")
	fs.IntVar(&cfg.historyLimit, "history-limit", 10, "recent matches shown by /history, 0 for all (env: WHOISIT_HISTORY_LIMIT)")
	fs.StringVar(&cfg.id, "id", "", "identifier to claim, random room code if empty (env: WHOISIT_ID)")
	fs.BoolVar(&cfg.ignoreSpaces, "ignore-spaces", false, "ignore spaces inside names when checking guesses (env: WHOISIT_IGNORE_SPACES)")
	fs.StringVarP(&cfg.join, "join", "j", "", "room code of the host to join (env: WHOISIT_JOIN)")
	fs.StringVarP(&cfg.listen, "listen", "l", ":0", "local address for the peer channel (env: WHOISIT_LISTEN)")
	fs.StringVar(&cfg.peer, "peer", "", "fixed opponent identifier; both sides connect to each other (env: WHOISIT_PEER)")
	fs.BoolVar(&cfg.qr, "qr", false, "print the room code as a terminal QR code (env: WHOISIT_QR)")
	fs.DurationVar(&cfg.resendInterval, "resend-interval", 3*time.Second, "how often your secret is re-sent while the opponent has not chosen (env: WHOISIT_RESEND_INTERVAL)")
	fs.DurationVar(&cfg.retryInterval, "retry-interval", 2500*time.Millisecond, "delay between reconnection attempts (env: WHOISIT_RETRY_INTERVAL)")

	bindEnv(v, fs)

	return cmd
}
