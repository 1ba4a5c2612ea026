package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-multierror"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	api "go.opentelemetry.io/otel/metric"

	"github.com/jamlinkio/jamlink/encryption"
	"github.com/jamlinkio/jamlink/metrics"
	"github.com/jamlinkio/jamlink/server"
	"github.com/jamlinkio/jamlink/util"
	"github.com/jamlinkio/jamlink/version"
)

const shutdownTimeout = 30 * time.Second

type Config struct {
	ListenAddress      string
	QUICListenAddress  string
	AllowedOrigins     []string
	MetricsAddress     string
	TlsCertFile        string
	TlsKeyFile         string
	LetsencryptDataDir string
	LetsencryptDomains []string
	LogLevel           string
	LogFile            string
}

func (c Config) Validate() error {
	if c.ListenAddress == "" {
		return fmt.Errorf("listen address is required")
	}
	if (c.TlsCertFile == "") != (c.TlsKeyFile == "") {
		return fmt.Errorf("tls-cert-file and tls-key-file must be set together")
	}
	if c.HasCertConfig() && c.HasLetsEncrypt() {
		return fmt.Errorf("certificate files and Let's Encrypt are mutually exclusive")
	}
	if len(c.LetsencryptDomains) > 0 && c.LetsencryptDataDir == "" {
		return fmt.Errorf("letsencrypt-data-dir is required when Let's Encrypt domains are set")
	}
	return nil
}

func (c Config) HasCertConfig() bool {
	return c.TlsCertFile != "" && c.TlsKeyFile != ""
}

func (c Config) HasLetsEncrypt() bool {
	return c.LetsencryptDataDir != "" && len(c.LetsencryptDomains) > 0
}

var (
	cobraConfig *Config
	rootCmd     = &cobra.Command{
		Use:           "jamlink",
		Short:         "Signaling relay for peer-to-peer jam sessions",
		Long:          "jamlink relays connection negotiation and session state between room participants. Media never passes through it.",
		Version:       version.Version(),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          execute,
	}
)

func init() {
	_ = util.InitLog("trace", util.LogConsole)
	cobraConfig = &Config{}
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.ListenAddress, "listen-address", "l", ":8080", "WebSocket and HTTP listen address")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.QUICListenAddress, "quic-listen-address", "", "QUIC listen address for native clients, empty disables the listener")
	rootCmd.PersistentFlags().StringSliceVar(&cobraConfig.AllowedOrigins, "allowed-origins", []string{"*"}, "origins admitted for WebSocket upgrades and CORS")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.MetricsAddress, "metrics-address", ":9090", "Prometheus metrics listen address, empty disables the endpoint")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.TlsCertFile, "tls-cert-file", "c", "", "TLS certificate file")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.TlsKeyFile, "tls-key-file", "k", "", "TLS key file")
	rootCmd.PersistentFlags().StringVarP(&cobraConfig.LetsencryptDataDir, "letsencrypt-data-dir", "d", "", "a directory to store Let's Encrypt data. Required if Let's Encrypt is enabled.")
	rootCmd.PersistentFlags().StringSliceVarP(&cobraConfig.LetsencryptDomains, "letsencrypt-domains", "a", nil, "list of domains to issue Let's Encrypt certificate for. Enables TLS using Let's Encrypt.")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogLevel, "log-level", "info", "log level")
	rootCmd.PersistentFlags().StringVar(&cobraConfig.LogFile, "log-file", util.LogConsole, "log file")

	util.SetFlagsFromEnvVars(rootCmd)
}

func Execute() error {
	return rootCmd.Execute()
}

func waitForExitSignal() {
	osSigs := make(chan os.Signal, 1)
	signal.Notify(osSigs, syscall.SIGINT, syscall.SIGTERM)
	<-osSigs
}

func execute(cmd *cobra.Command, args []string) error {
	err := cobraConfig.Validate()
	if err != nil {
		log.Debugf("invalid config: %s", err)
		return fmt.Errorf("invalid config: %s", err)
	}

	err = util.InitLog(cobraConfig.LogLevel, cobraConfig.LogFile)
	if err != nil {
		log.Debugf("failed to initialize log: %s", err)
		return fmt.Errorf("failed to initialize log: %s", err)
	}

	// resource creation phase, fail fast before starting any goroutines

	var metricsServer *metrics.Metrics
	var meter api.Meter
	if cobraConfig.MetricsAddress != "" {
		metricsServer, err = metrics.NewServer(cobraConfig.MetricsAddress, "")
		if err != nil {
			log.Debugf("setup metrics: %v", err)
			return fmt.Errorf("setup metrics: %v", err)
		}
		meter = metricsServer.Meter
	} else {
		meter = otel.Meter("github.com/jamlinkio/jamlink")
	}

	tlsConfig, err := handleTLSConfig(cobraConfig)
	if err != nil {
		log.Debugf("failed to setup TLS config: %s", err)
		return fmt.Errorf("failed to setup TLS config: %s", err)
	}

	srv, err := server.NewServer(server.Config{
		Meter:             meter,
		ListenAddress:     cobraConfig.ListenAddress,
		QUICListenAddress: cobraConfig.QUICListenAddress,
		TLSConfig:         tlsConfig,
		AllowedOrigins:    cobraConfig.AllowedOrigins,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %v", err)
	}

	log.Infof("jamlink %s starting, instance %s", version.Version(), srv.InstanceID())

	wg := sync.WaitGroup{}
	startServers(&wg, metricsServer, srv)

	waitForExitSignal()

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err = shutdownServers(ctx, metricsServer, srv)
	wg.Wait()
	return err
}

func startServers(wg *sync.WaitGroup, metricsServer *metrics.Metrics, srv *server.Server) {
	if metricsServer != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Infof("running metrics server: %s%s", metricsServer.Addr, metricsServer.Endpoint)
			if err := metricsServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				log.Fatalf("failed to start metrics server: %v", err)
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := srv.Listen(); err != nil {
			log.Fatalf("failed to bind server: %s", err)
		}
	}()
}

func shutdownServers(ctx context.Context, metricsServer *metrics.Metrics, srv *server.Server) error {
	var errs error

	if err := srv.Shutdown(ctx); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("failed to close server: %w", err))
	}

	if metricsServer != nil {
		log.Infof("shutting down metrics server")
		if err := metricsServer.Shutdown(ctx); err != nil {
			errs = multierror.Append(errs, fmt.Errorf("failed to close metrics server: %w", err))
		}
	}

	return errs
}

func handleTLSConfig(cfg *Config) (*tls.Config, error) {
	if cfg.HasLetsEncrypt() {
		log.Infof("setting up TLS with Let's Encrypt")
		return encryption.EnableLetsEncrypt(cfg.LetsencryptDataDir, cfg.LetsencryptDomains)
	}

	if cfg.HasCertConfig() {
		log.Debugf("using file based TLS config")
		return encryption.LoadTLSConfig(cfg.TlsCertFile, cfg.TlsKeyFile)
	}

	return nil, nil
}
