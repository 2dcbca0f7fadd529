package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/term"

	"sharedrop/internal/announce"
	"sharedrop/internal/auth"
	"sharedrop/internal/config"
	"sharedrop/internal/httpserver"
)

var (
	cfgFile  string
	password string
	noQR     bool

	rootCmd = &cobra.Command{
		Use:   "sharedrop [port]",
		Short: "Share a local directory over HTTP on your LAN",
		Long: `sharedrop serves a directory tree over HTTP for quick personal file
sharing: browse and download from any device on the network, upload from
the browser, search by filename, and optionally gate everything behind a
single access password.

At startup it prints a QR code of the server's LAN address so a phone can
open the share by scanning the terminal.`,
		Args: cobra.MaximumNArgs(1),
		Run:  serve,
	}

	passwdCmd = &cobra.Command{
		Use:   "passwd",
		Short: "Print the bcrypt hash of a password, for use in a config file",
		Run:   passwd,
	}
)

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.sharedrop.yaml)")
	rootCmd.Flags().StringP("root", "r", "", "directory to share (default: ~/Downloads)")
	rootCmd.Flags().String("state", "", "state dir for upload staging and thumbnails (default: <root>/.sharedrop)")
	rootCmd.Flags().IntP("port", "p", config.DefaultPort, "listen port")
	rootCmd.Flags().String("host", "", "listen host (default: all interfaces)")
	rootCmd.Flags().StringVar(&password, "password", "", "access password (omit for an interactive prompt)")
	rootCmd.Flags().BoolVar(&noQR, "no-qr", false, "skip the terminal QR code")

	_ = viper.BindPFlag("root", rootCmd.Flags().Lookup("root"))
	_ = viper.BindPFlag("state", rootCmd.Flags().Lookup("state"))
	_ = viper.BindPFlag("port", rootCmd.Flags().Lookup("port"))
	_ = viper.BindPFlag("host", rootCmd.Flags().Lookup("host"))

	_ = viper.BindEnv("root", "SHAREDROP_ROOT")
	_ = viper.BindEnv("port", "SHAREDROP_PORT")
	_ = viper.BindEnv("password_bcrypt", "SHAREDROP_PASSWORD_BCRYPT")

	passwdCmd.Flags().StringP("password", "p", "", "password (required)")
	passwdCmd.Flags().Int("cost", bcrypt.DefaultCost, "bcrypt cost")

	rootCmd.AddCommand(passwdCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home)
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".sharedrop")
	}

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func serve(cmd *cobra.Command, args []string) {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("config: %v", err)
	}
	if len(args) == 1 {
		port, err := strconv.Atoi(args[0])
		if err != nil {
			log.Fatalf("port %q: not a number", args[0])
		}
		cfg.Port = port
	}

	if password == "" && cfg.PasswordBcrypt == "" {
		password = promptPassword()
	}
	if password != "" {
		h, err := auth.HashPassword(password)
		if err != nil {
			log.Fatalf("hash password: %v", err)
		}
		cfg.PasswordBcrypt = h
		password = ""
	}

	if err := cfg.Resolve(); err != nil {
		log.Fatalf("config: %v", err)
	}

	host, hostErr := announce.LocalIP()
	if hostErr != nil {
		log.Printf("LAN discovery failed: %v (using localhost)", hostErr)
		host = "127.0.0.1"
	}
	serverURL := announce.URL(host, cfg.Port)

	srv, err := httpserver.New(httpserver.Options{
		Config:  cfg,
		BaseURL: serverURL,
	})
	if err != nil {
		log.Fatalf("server init: %v", err)
	}

	log.Printf("sharing %s", cfg.Root)
	log.Printf("server URL: %s", serverURL)
	if cfg.HasPassword() {
		log.Printf("access password required")
	}
	if !noQR && hostErr == nil {
		fmt.Println("\nScan this QR code to open the share from your phone:")
		announce.WriteTerminalQR(os.Stdout, serverURL)
		fmt.Println()
	}

	log.Printf("listening on %s", cfg.Addr())
	if err := http.ListenAndServe(cfg.Addr(), withHeaders(logRequests(srv.Handler()))); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

// promptPassword asks for an access key without echoing, matching the
// interactive startup of a personal tool. Non-interactive runs skip it.
func promptPassword() string {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return ""
	}
	fmt.Fprint(os.Stderr, "Enter access key (leave blank for no password): ")
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		log.Printf("read password: %v (running without one)", err)
		return ""
	}
	return string(b)
}

func passwd(cmd *cobra.Command, args []string) {
	pw, _ := cmd.Flags().GetString("password")
	cost, _ := cmd.Flags().GetInt("cost")
	if pw == "" {
		fmt.Fprintln(os.Stderr, "usage: sharedrop passwd -p <password>")
		os.Exit(2)
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		fmt.Fprintf(os.Stderr, "invalid cost %d (min=%d max=%d)\n", cost, bcrypt.MinCost, bcrypt.MaxCost)
		os.Exit(2)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(pw), cost)
	if err != nil {
		log.Fatalf("bcrypt: %v", err)
	}
	fmt.Println(string(h))
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		w.Header().Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("%s %s from %s (%s)", r.Method, r.URL.Path, r.RemoteAddr, time.Since(start).Round(time.Millisecond))
	})
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
