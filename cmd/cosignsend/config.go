// Copyright (c) 2025 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/cosign/fee"
	"github.com/btcsuite/cosign/spend"
	flags "github.com/jessevdk/go-flags"
)

const (
	defaultConfigFilename = "cosignsend.conf"
	defaultLogFilename    = "cosignsend.log"
	defaultDBFilename     = "cosign.db"
	defaultLogLevel       = "info"
	defaultLogDirname     = "logs"
	defaultRPCHost        = "localhost:18443"
)

var (
	defaultAppDataDir = btcutil.AppDataDir("cosignsend", false)
	defaultConfigFile = filepath.Join(defaultAppDataDir,
		defaultConfigFilename)

	errBadKey = errors.New("invalid private key")
)

type config struct {
	ConfigFile string `short:"C" long:"configfile" description:"Path to configuration file"`
	AppDataDir string `short:"A" long:"appdata" description:"Application data directory for the database and logs"`
	DebugLevel string `short:"d" long:"debuglevel" description:"Logging level {trace, debug, info, warn, error, critical}, or <subsystem>=<level>,... to set levels per subsystem"`
	Network    string `long:"network" description:"Bitcoin network" choice:"mainnet" choice:"testnet3" choice:"signet" choice:"regtest"`
	MinConfs   int64  `long:"minconfs" description:"Confirmations a coin needs before it is spent"`

	RPCConnect string `short:"c" long:"rpcconnect" description:"Hostname/IP and port of the bitcoind RPC server"`
	RPCUser    string `short:"u" long:"rpcuser" description:"RPC username"`
	RPCPass    string `short:"P" long:"rpcpass" default-mask:"-" description:"RPC password"`
	RPCCert    string `long:"rpccert" description:"File containing the RPC server's TLS certificate"`
	NoTLS      bool   `long:"notls" description:"Connect over plain HTTP, only for local nodes"`

	AppKey     string `long:"appkey" description:"Hex encoded private key of the app"`
	DeviceKey  string `long:"devicekey" description:"Hex encoded private key of the emulated hardware device"`
	ServiceKey string `long:"servicekey" description:"Hex encoded private key of the emulated co-signing service"`

	ServiceOffline bool  `long:"serviceoffline" description:"Report the co-signing service as unavailable"`
	ServiceFail    bool  `long:"servicefail" description:"Make the co-signing service fail every request"`
	DailyLimit     int64 `long:"dailylimit" description:"Daily co-signing limit in satoshis, 0 for no limit"`
	SpentToday     int64 `long:"spenttoday" description:"Satoshis already co-signed today"`

	To       string  `long:"to" description:"Recipient address"`
	Amount   float64 `long:"amount" description:"Amount to send in BTC"`
	SendAll  bool    `long:"sendall" description:"Send the whole spendable balance"`
	Priority string  `long:"priority" description:"Initial fee priority, the stored preference when unset" choice:"fastest" choice:"standard" choice:"slow"`

	// The fields below are derived from the options above.
	params     *chaincfg.Params
	appKey     *btcec.PrivateKey
	deviceKey  *btcec.PrivateKey
	serviceKey *btcec.PrivateKey
	recipient  spend.Recipient
	amount     spend.Amount
	priority   *fee.Priority
	rpcCert    []byte
	dbPath     string
	logFile    string
}

// cleanAndExpandPath expands environment variables and a leading ~ in path.
func cleanAndExpandPath(path string) string {
	if path == "" {
		return ""
	}

	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultAppDataDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	return filepath.Clean(os.ExpandEnv(path))
}

// parseKey decodes a hex encoded private key.
func parseKey(name, s string) (*btcec.PrivateKey, error) {
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != btcec.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: %s must be %d hex encoded bytes",
			errBadKey, name, btcec.PrivKeyBytesLen)
	}

	key, _ := btcec.PrivKeyFromBytes(b)

	return key, nil
}

// networkParams returns the parameters of a network name.
func networkParams(name string) (*chaincfg.Params, error) {
	switch name {
	case "mainnet":
		return &chaincfg.MainNetParams, nil
	case "testnet3":
		return &chaincfg.TestNet3Params, nil
	case "signet":
		return &chaincfg.SigNetParams, nil
	case "regtest":
		return &chaincfg.RegressionNetParams, nil
	}

	return nil, fmt.Errorf("unknown network %q", name)
}

// loadConfig initializes and parses the config using a config file and
// command line options.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Pre-parse the command line to check for an alternative config file
//  3. Load configuration file overwriting defaults with any specified
//     options
//  4. Parse CLI options and overwrite/add any specified options
func loadConfig() (*config, error) {
	cfg := config{
		ConfigFile: defaultConfigFile,
		AppDataDir: defaultAppDataDir,
		DebugLevel: defaultLogLevel,
		Network:    "regtest",
		RPCConnect: defaultRPCHost,
	}

	// Pre-parse the command line options to see if an alternative config
	// file or the version flag was specified.
	preCfg := cfg
	preParser := flags.NewParser(&preCfg, flags.Default)
	_, err := preParser.Parse()
	if err != nil {
		var e *flags.Error
		if errors.As(err, &e) && e.Type == flags.ErrHelp {
			os.Exit(0)
		}

		return nil, err
	}

	// Load additional config from file.
	parser := flags.NewParser(&cfg, flags.Default)
	configFile := cleanAndExpandPath(preCfg.ConfigFile)
	err = flags.NewIniParser(parser).ParseFile(configFile)
	if err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return nil, fmt.Errorf("error parsing config file: %w", err)
		}

		// A missing default config file is fine.
		if preCfg.ConfigFile != defaultConfigFile {
			return nil, err
		}
	}

	// Parse command line options again to ensure they take precedence.
	_, err = parser.Parse()
	if err != nil {
		return nil, err
	}

	err = cfg.validate()
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// validate checks the options and fills in the derived fields.
func (c *config) validate() error {
	var err error

	c.AppDataDir = cleanAndExpandPath(c.AppDataDir)

	c.params, err = networkParams(c.Network)
	if err != nil {
		return err
	}

	c.dbPath = filepath.Join(c.AppDataDir, c.params.Name, defaultDBFilename)
	c.logFile = filepath.Join(c.AppDataDir, defaultLogDirname,
		c.params.Name, defaultLogFilename)

	if c.MinConfs < 0 {
		return fmt.Errorf("minconfs must not be negative")
	}

	if c.DailyLimit < 0 || c.SpentToday < 0 {
		return fmt.Errorf("dailylimit and spenttoday must not be " +
			"negative")
	}

	if c.RPCConnect == "" {
		return fmt.Errorf("rpcconnect must be set")
	}

	if !c.NoTLS && c.RPCCert != "" {
		c.rpcCert, err = os.ReadFile(cleanAndExpandPath(c.RPCCert))
		if err != nil {
			return fmt.Errorf("unable to read rpccert: %w", err)
		}
	}

	keys := []struct {
		name string
		hex  string
		dst  **btcec.PrivateKey
	}{
		{"appkey", c.AppKey, &c.appKey},
		{"devicekey", c.DeviceKey, &c.deviceKey},
		{"servicekey", c.ServiceKey, &c.serviceKey},
	}
	for _, k := range keys {
		*k.dst, err = parseKey(k.name, k.hex)
		if err != nil {
			return err
		}
	}

	c.recipient, err = spend.ParseRecipient(c.To, c.params)
	if err != nil {
		return fmt.Errorf("invalid recipient: %w", err)
	}

	switch {
	case c.SendAll && c.Amount != 0:
		return fmt.Errorf("amount and sendall are mutually exclusive")

	case c.SendAll:
		c.amount = spend.SendAll{}

	default:
		value, err := btcutil.NewAmount(c.Amount)
		if err != nil {
			return fmt.Errorf("invalid amount: %w", err)
		}

		c.amount = spend.Exact{Value: value}

		err = spend.ValidateAmount(c.recipient, c.amount)
		if err != nil {
			return err
		}
	}

	if c.Priority != "" {
		p, err := fee.ParsePriority(c.Priority)
		if err != nil {
			return err
		}

		c.priority = &p
	}

	return parseAndSetDebugLevels(c.DebugLevel)
}
