// Package main implements the otun edge server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bc183/otun/internal/server"
	"github.com/bc183/otun/internal/version"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// ServerConfig represents the server configuration file, mirroring
// server.Config's fields under their YAML names.
type ServerConfig struct {
	HTTPSAddr           string        `yaml:"https_addr"`
	HTTPAddr            string        `yaml:"http_addr"`
	Domain              string        `yaml:"domain"`
	CertsDir            string        `yaml:"certs_dir"`
	APIKeys             []string      `yaml:"api_keys"`
	AdminToken          string        `yaml:"admin_token"`
	AdminEnabled        bool          `yaml:"admin_enabled"`
	IdleTunnelTimeout   time.Duration `yaml:"idle_tunnel_timeout"`
	MaxRequestBodyBytes int64         `yaml:"max_request_body_bytes"`
	ForwardTimeout      time.Duration `yaml:"forward_timeout"`
	ACMEEmail           string        `yaml:"acme_email"`
	ACMEDirectoryURL    string        `yaml:"acme_directory_url"`
}

func loadConfig(path string) (*ServerConfig, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var cfg ServerConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", path, err)
	}
	return &cfg, nil
}

var (
	configPath       string
	httpsAddr        string
	httpAddr         string
	domain           string
	certsDir         string
	apiKeysFlag      []string
	adminToken       string
	adminEnabled     bool
	acmeEmail        string
	acmeDirectoryURL string
	debug            bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "otun-server",
		Short: "Run the otun tunnel edge server",
		RunE:  runServer,
	}

	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to config file (YAML)")
	rootCmd.Flags().StringVar(&httpsAddr, "https", ":443", "HTTPS listener address")
	rootCmd.Flags().StringVar(&httpAddr, "http", ":80", "HTTP listener address (ACME challenges, redirect to HTTPS)")
	rootCmd.Flags().StringVar(&domain, "domain", "", "Base domain tunnels are minted under")
	rootCmd.Flags().StringVar(&certsDir, "certs", "/var/lib/otun/certs", "Certificate cache directory")
	rootCmd.Flags().StringSliceVar(&apiKeysFlag, "api-keys", nil, "Accepted client API keys (comma-separated)")
	rootCmd.Flags().StringVar(&adminToken, "admin-token", "", "Bearer token for the admin API")
	rootCmd.Flags().BoolVar(&adminEnabled, "admin", false, "Enable the admin API")
	rootCmd.Flags().StringVar(&acmeEmail, "acme-email", "", "Contact email for ACME account registration")
	rootCmd.Flags().StringVar(&acmeDirectoryURL, "acme-directory", "", "ACME directory URL (default: Let's Encrypt production)")
	rootCmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("otun-server " + version.Full())
		},
	}
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	fileCfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
	}

	if fileCfg != nil {
		if fileCfg.HTTPSAddr != "" && !cmd.Flags().Changed("https") {
			httpsAddr = fileCfg.HTTPSAddr
		}
		if fileCfg.HTTPAddr != "" && !cmd.Flags().Changed("http") {
			httpAddr = fileCfg.HTTPAddr
		}
		if fileCfg.Domain != "" && !cmd.Flags().Changed("domain") {
			domain = fileCfg.Domain
		}
		if fileCfg.CertsDir != "" && !cmd.Flags().Changed("certs") {
			certsDir = fileCfg.CertsDir
		}
		if len(fileCfg.APIKeys) > 0 && !cmd.Flags().Changed("api-keys") {
			apiKeysFlag = fileCfg.APIKeys
		}
		if fileCfg.AdminToken != "" && !cmd.Flags().Changed("admin-token") {
			adminToken = fileCfg.AdminToken
		}
		if fileCfg.AdminEnabled && !cmd.Flags().Changed("admin") {
			adminEnabled = true
		}
		if fileCfg.ACMEEmail != "" && !cmd.Flags().Changed("acme-email") {
			acmeEmail = fileCfg.ACMEEmail
		}
		if fileCfg.ACMEDirectoryURL != "" && !cmd.Flags().Changed("acme-directory") {
			acmeDirectoryURL = fileCfg.ACMEDirectoryURL
		}
	}

	if debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if domain == "" {
		return fmt.Errorf("--domain is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := server.Config{
		HTTPAddr:         httpAddr,
		HTTPSAddr:        httpsAddr,
		Domain:           domain,
		CertsDir:         certsDir,
		APIKeys:          apiKeysFlag,
		AdminToken:       adminToken,
		AdminEnabled:     adminEnabled,
		ACMEEmail:        acmeEmail,
		ACMEDirectoryURL: acmeDirectoryURL,
	}
	if fileCfg != nil {
		cfg.IdleTunnelTimeout = fileCfg.IdleTunnelTimeout
		cfg.MaxRequestBodyBytes = fileCfg.MaxRequestBodyBytes
		cfg.ForwardTimeout = fileCfg.ForwardTimeout
	}

	srv, err := server.New(ctx, cfg)
	if err != nil {
		return fmt.Errorf("initializing server: %w", err)
	}

	log.Info("otun server starting", "domain", domain, "https", httpsAddr, "http", httpAddr)
	return srv.Run(ctx)
}
