// Command ufsrv is a CLI for ufsrv fences.
//
// Usage:
//
//	ufsrv reconcile <file>...        Apply encoded fence envelopes from files
//	ufsrv listen                     Reconcile envelopes pushed by the server
//	ufsrv send <to>... --message m   Send a message to one or more recipients
//	ufsrv send-group <group> <msg>   Send a message to every member of a group
//	ufsrv groups                     List known groups
//	ufsrv history <group>            Show a group's history
//
// Settings are read from UFSRV_* environment variables; flags override them.
package main

import (
	"fmt"
	"os"

	flags "github.com/jessevdk/go-flags"

	unfacd "github.com/unfacd/unfacd-android-sub003"
	"github.com/unfacd/unfacd-android-sub003/internal/config"
	"github.com/unfacd/unfacd-android-sub003/internal/logging"
	"github.com/unfacd/unfacd-android-sub003/internal/signalservice"
)

type globalOpts struct {
	DB         string `long:"db" description:"Path to database file (UFSRV_DB_PATH)"`
	APIURL     string `long:"api" description:"REST API URL (UFSRV_API_URL)"`
	Account    string `short:"a" long:"account" description:"Local account ACI (UFSRV_LOCAL_ACI)"`
	Device     int    `long:"device" description:"Local device ID (UFSRV_LOCAL_DEVICE)"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Log level, optionally per subsystem: info,SEND=debug (UFSRV_DEBUG_LEVEL)"`
	LogFile    string `long:"logfile" description:"Also write logs to this rotated file (UFSRV_LOG_FILE)"`

	Reconcile reconcileCommand `command:"reconcile" description:"Apply encoded fence envelopes read from files"`
	Listen    listenCommand    `command:"listen" description:"Reconcile envelopes pushed by the server"`
	Send      sendCommand      `command:"send" description:"Send a message to one or more recipients"`
	SendGroup sendGroupCommand `command:"send-group" description:"Send a message to every member of a group"`
	Groups    groupsCommand    `command:"groups" description:"List known groups"`
	History   historyCommand   `command:"history" description:"Show a group's history"`
}

var (
	opts   globalOpts
	logger *logging.Backend
)

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = false

	_, err := parser.Parse()
	if logger != nil {
		logger.Close()
	}
	if err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}
}

// loadConfig merges the environment with the command line.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, err
	}
	if opts.DB != "" {
		cfg.DBPath = opts.DB
	}
	if opts.APIURL != "" {
		cfg.APIURL = opts.APIURL
	}
	if opts.Account != "" {
		cfg.LocalACI = opts.Account
	}
	if opts.Device != 0 {
		cfg.LocalDevice = opts.Device
	}
	if opts.DebugLevel != "" {
		cfg.DebugLevel = opts.DebugLevel
	}
	if opts.LogFile != "" {
		cfg.LogFile = opts.LogFile
	}
	return cfg, nil
}

func clientOpts(cfg config.Config) ([]unfacd.Option, error) {
	var err error
	logger, err = logging.New(os.Stderr, cfg.LogFile, cfg.DebugLevel)
	if err != nil {
		return nil, err
	}
	tlsConf, err := signalservice.TLSConfig(cfg.CAFile)
	if err != nil {
		return nil, err
	}
	copts := []unfacd.Option{
		unfacd.WithAPIURL(cfg.APIURL),
		unfacd.WithDBPath(cfg.DBPath),
		unfacd.WithLogger(logger.Logger),
		unfacd.WithWorkers(cfg.Workers),
		unfacd.WithRateLimit(cfg.RateLimit, cfg.RateBurst),
		unfacd.WithMaxEnvelopeSize(cfg.MaxEnvelopeSize),
		unfacd.WithTLSConfig(tlsConf),
	}
	if cfg.WSURL != "" {
		copts = append(copts, unfacd.WithWSURL(cfg.WSURL))
	}
	if cfg.CDNURL != "" {
		copts = append(copts, unfacd.WithCDNURL(cfg.CDNURL))
	}
	if cfg.LocalACI != "" {
		copts = append(copts, unfacd.WithLocalAddress(cfg.LocalACI, cfg.LocalDevice))
	}
	if cfg.Password != "" {
		copts = append(copts, unfacd.WithPassword(cfg.Password))
	}
	return copts, nil
}

func loadClient() (*unfacd.Client, config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, cfg, err
	}
	copts, err := clientOpts(cfg)
	if err != nil {
		return nil, cfg, err
	}
	c, err := unfacd.Open(copts...)
	if err != nil {
		return nil, cfg, fmt.Errorf("open client: %w", err)
	}
	return c, cfg, nil
}
