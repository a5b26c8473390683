package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/google/uuid"
	flags "github.com/jessevdk/go-flags"

	"github.com/MonteCarloClub/powminer/log"
)

const (
	appName            = "powminer"
	defaultLogLevel    = "info"
	defaultLogDirname  = "logs"
	defaultLogFilename = "powminer.log"
)

var (
	defaultHomeDir = btcutil.AppDataDir(appName, false)
	defaultLogDir  = filepath.Join(defaultHomeDir, defaultLogDirname)
)

var (
	errNoConfigFile   = errors.New("the --config option is required")
	errMissingField   = errors.New("missing required field")
	errNoCores        = errors.New("cores must list at least one core index")
	errEmptyAddress   = errors.New("pool address is empty")
	errTrailingConfig = errors.New("unexpected data after configuration object")
	errKeepaliveRange = fmt.Errorf("keepalive_s must be at most %d",
		maxKeepaliveSecs)
)

// maxKeepaliveSecs is the largest keepalive interval representable as a
// time.Duration.
const maxKeepaliveSecs = math.MaxInt64 / int64(time.Second)

// poolConfig holds the pool connection parameters of the configuration file.
type poolConfig struct {
	Address   string
	Login     string
	Pass      string
	Keepalive time.Duration
	RigID     string
	Algo      string
	Proxy     string
	ProxyUser string
	ProxyPass string
}

// config defines the configuration options for powminer.
//
// See loadConfig for details on the configuration load process.
type config struct {
	ConfigFile    string        `short:"c" long:"config" description:"Path to the JSON configuration file with the pool and core settings"`
	AllowSlowMem  bool          `long:"allow-slow-mem" description:"Keep mining when huge pages cannot be allocated"`
	DebugLevel    string        `short:"d" long:"debuglevel" description:"Logging level for all subsystems {trace, debug, info, warn, error, critical} -- You may also specify <subsystem>=<level>,<subsystem2>=<level>,... to set the log level for individual subsystems -- Use show to list available subsystems"`
	LogDir        string        `long:"logdir" description:"Directory to log output"`
	NoFileLogging bool          `long:"nofilelogging" description:"Disable file logging"`
	StatsInterval time.Duration `long:"statsinterval" description:"Print worker stats on this interval instead of on each line read from stdin"`
	MetricsListen string        `long:"metricslisten" description:"Serve Prometheus metrics on this interface/port (eg. 127.0.0.1:9100)"`
	ShowVersion   bool          `short:"V" long:"version" description:"Display version information and exit"`

	Pool  poolConfig `no-flag:"true"`
	Cores []uint32   `no-flag:"true"`
}

// fileConfig mirrors the JSON configuration file.  Pointer fields tell an
// absent value apart from an empty one.
type fileConfig struct {
	Pool  *filePoolConfig `json:"pool"`
	Cores *[]uint32       `json:"cores"`
}

type filePoolConfig struct {
	Address    *string `json:"address"`
	Login      *string `json:"login"`
	Pass       *string `json:"pass"`
	KeepaliveS *uint64 `json:"keepalive_s"`
	RigID      *string `json:"rig_id"`
	Algo       *string `json:"algo"`
	Proxy      *string `json:"proxy"`
	ProxyUser  *string `json:"proxy_user"`
	ProxyPass  *string `json:"proxy_pass"`
}

func missing(field string) error {
	return fmt.Errorf("%w %q", errMissingField, field)
}

func stringOr(s *string, def string) string {
	if s == nil {
		return def
	}
	return *s
}

// parseFileConfig decodes and validates a JSON configuration.  Unknown
// fields are rejected at every level, as are absent required fields and an
// empty core list.
func parseFileConfig(r io.Reader) (*poolConfig, []uint32, error) {
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()

	var fc fileConfig
	if err := dec.Decode(&fc); err != nil {
		return nil, nil, err
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, nil, errTrailingConfig
	}

	switch {
	case fc.Pool == nil:
		return nil, nil, missing("pool")
	case fc.Pool.Address == nil:
		return nil, nil, missing("pool.address")
	case fc.Pool.Login == nil:
		return nil, nil, missing("pool.login")
	case fc.Pool.Pass == nil:
		return nil, nil, missing("pool.pass")
	case fc.Cores == nil:
		return nil, nil, missing("cores")
	}
	if strings.TrimSpace(*fc.Pool.Address) == "" {
		return nil, nil, errEmptyAddress
	}
	if len(*fc.Cores) == 0 {
		return nil, nil, errNoCores
	}

	p := fc.Pool
	pool := &poolConfig{
		Address:   *p.Address,
		Login:     *p.Login,
		Pass:      *p.Pass,
		RigID:     stringOr(p.RigID, uuid.NewString()),
		Algo:      stringOr(p.Algo, ""),
		Proxy:     stringOr(p.Proxy, ""),
		ProxyUser: stringOr(p.ProxyUser, ""),
		ProxyPass: stringOr(p.ProxyPass, ""),
	}
	if p.KeepaliveS != nil {
		if *p.KeepaliveS > uint64(maxKeepaliveSecs) {
			return nil, nil, errKeepaliveRange
		}
		pool.Keepalive = time.Duration(*p.KeepaliveS) * time.Second
	}
	return pool, *fc.Cores, nil
}

// loadFileConfig reads the configuration file at path.
func loadFileConfig(path string) (*poolConfig, []uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	pool, cores, err := parseFileConfig(f)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return pool, cores, nil
}

// loadConfig initializes and parses the config using command line options and
// the JSON configuration file they name.
//
// The configuration proceeds as follows:
//  1. Start with a default config with sane settings
//  2. Parse the command line options and exit on help or version requests
//  3. Initialize logging from the parsed options
//  4. Load and validate the configuration file
//
// The above results in powminer functioning properly without any
// configuration besides the pool settings and core list.
func loadConfig() (*config, []string, error) {
	cfg := config{
		DebugLevel: defaultLogLevel,
		LogDir:     defaultLogDir,
	}

	parser := flags.NewParser(&cfg, flags.Default)
	remainingArgs, err := parser.Parse()
	if err != nil {
		if e, ok := err.(*flags.Error); ok && e.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, nil, err
	}

	// Show the version and exit if the version flag was specified.
	if cfg.ShowVersion {
		fmt.Println(appName, "version", version())
		os.Exit(0)
	}

	funcName := "loadConfig"
	usageMessage := fmt.Sprintf("Use %s -h to show usage", appName)

	if len(remainingArgs) > 0 {
		err := fmt.Errorf("%s: unexpected arguments %v", funcName,
			remainingArgs)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	// Special show command to list supported subsystems and exit.
	if cfg.DebugLevel == "show" {
		fmt.Println("Supported subsystems", log.SupportedSubsystems())
		os.Exit(0)
	}

	// Initialize log rotation.  After log rotation has been initialized, the
	// logger variables may be used.
	if !cfg.NoFileLogging {
		cfg.LogDir = cleanAndExpandPath(cfg.LogDir)
		logFile := filepath.Join(cfg.LogDir, defaultLogFilename)
		if err := log.InitLogRotator(logFile); err != nil {
			err := fmt.Errorf("%s: %w", funcName, err)
			fmt.Fprintln(os.Stderr, err)
			return nil, nil, err
		}
	}

	// Parse, validate, and set debug log level(s).
	if err := log.ParseAndSetDebugLevels(cfg.DebugLevel); err != nil {
		err := fmt.Errorf("%s: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, err
	}

	if cfg.ConfigFile == "" {
		fmt.Fprintln(os.Stderr, errNoConfigFile)
		fmt.Fprintln(os.Stderr, usageMessage)
		return nil, nil, errNoConfigFile
	}

	pool, cores, err := loadFileConfig(cleanAndExpandPath(cfg.ConfigFile))
	if err != nil {
		err := fmt.Errorf("%s: invalid configuration: %w", funcName, err)
		fmt.Fprintln(os.Stderr, err)
		return nil, nil, err
	}
	cfg.Pool = *pool
	cfg.Cores = cores

	return &cfg, remainingArgs, nil
}

// cleanAndExpandPath expands environment variables and leading ~ in the
// passed path, cleans the result, and returns it.
func cleanAndExpandPath(path string) string {
	// Expand initial ~ to OS specific home directory.
	if strings.HasPrefix(path, "~") {
		homeDir := filepath.Dir(defaultHomeDir)
		path = strings.Replace(path, "~", homeDir, 1)
	}

	// NOTE: The os.ExpandEnv doesn't work with Windows-style %VARIABLE%,
	// but they variables can still be expanded via POSIX-style $VARIABLE.
	return filepath.Clean(os.ExpandEnv(path))
}
