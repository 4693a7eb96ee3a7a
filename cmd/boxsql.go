package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/leftmike/boxsql/config"
	"github.com/leftmike/boxsql/mvcc"
)

var (
	boxCmd = &cobra.Command{
		Use:   "boxsql",
		Short: "A transactional key-value store",
		Long: "Boxsql is a page based storage engine with a write-ahead log, B-Tree indexes, " +
			"and multi-version concurrency control.",
		PersistentPostRun: boxPostRun,
		SilenceUsage:      true,
	}

	appFs afero.Fs = afero.NewOsFs()
	cfg            = config.NewConfig(boxCmd.PersistentFlags())

	logFile   string
	logLevel  string
	logStderr bool
	logWriter io.WriteCloser

	configFile string
	noConfig   bool

	dataDir            string
	frames             int
	poolWait           time.Duration
	lockTimeout        time.Duration
	isolation          string
	checkpointInterval time.Duration
	archive            bool
	logBuffer          int
)

func init() {
	boxCmd.PersistentPreRunE = boxPreRun

	log.SetFormatter(&log.TextFormatter{
		DisableLevelTruncation: true,
	})

	cfg.Var(&logFile, "log-file").Env("BOXSQL_LOG_FILE").
		Usage("`file` to use for logging").String("boxsql.log")
	cfg.Var(&logLevel, "log-level").Env("BOXSQL_LOG_LEVEL").
		Usage("log level: trace, debug, info, warn, error, fatal, or panic").String("info")
	cfg.Var(&logStderr, "log-stderr").Short("s").NoConfig().
		Usage("log to standard error").Bool(false)

	cfg.Var(&configFile, "config-file").Env("BOXSQL_CONFIG_FILE").NoConfig().
		Usage("`file` to load config from").String("boxsql.hcl")
	cfg.Var(&noConfig, "no-config").NoConfig().Usage("don't load config file").Bool(false)

	cfg.Var(&dataDir, "data").Short("d").Env("BOXSQL_DATA").
		Usage("`directory` containing the data file and log").String("data")
	cfg.Var(&frames, "frames").Usage("number of buffer pool frames").Int(1024)
	cfg.Var(&poolWait, "pool-wait").
		Usage("how long to wait for a buffer pool frame").Duration(time.Second)
	cfg.Var(&lockTimeout, "lock-timeout").
		Usage("how long a write waits for a locked key").Duration(5 * time.Second)
	cfg.Var(&isolation, "isolation").Env("BOXSQL_ISOLATION").
		Usage("isolation level: snapshot or read-committed").String("snapshot")
	cfg.Var(&checkpointInterval, "checkpoint-interval").
		Usage("how often to checkpoint; 0 disables the checkpointer").Duration(0)
	cfg.Var(&archive, "archive").
		Usage("archive log segments instead of removing them").Bool(false)
	cfg.Var(&logBuffer, "log-buffer").
		Usage("initial `size` of the write-ahead log buffer").Size(64 * 1024)
}

func Execute() error {
	return boxCmd.Execute()
}

func boxPreRun(cmd *cobra.Command, args []string) error {
	err := cfg.Env()
	if err != nil {
		return fmt.Errorf("boxsql: %s", err)
	}

	if configFile != "" && !noConfig {
		v, _ := cfg.Lookup("config-file")
		err = cfg.LoadFile(appFs, configFile, v.By() == config.ByDefault)
		if err != nil {
			return fmt.Errorf("boxsql: %s", err)
		}
	}

	if !logStderr && logFile != "" {
		logWriter, err = appFs.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0666)
		if err != nil {
			logWriter = nil
			return fmt.Errorf("boxsql: %s", err)
		}
		log.SetOutput(logWriter)
	} else {
		log.SetOutput(os.Stderr)
	}

	ll, err := log.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("boxsql: %s", err)
	}
	log.SetLevel(ll)

	log.WithFields(log.Fields{
		"pid":     os.Getpid(),
		"command": cmd.Name(),
	}).Info("boxsql starting")
	return nil
}

func boxPostRun(cmd *cobra.Command, args []string) {
	log.WithField("pid", os.Getpid()).Info("boxsql done")

	if logWriter != nil {
		logWriter.Close()
		logWriter = nil
	}
}

func engineOptions() (mvcc.Options, error) {
	iso, err := mvcc.ParseIsolation(isolation)
	if err != nil {
		return mvcc.Options{}, err
	}
	return mvcc.Options{
		Fs:                 appFs,
		Dir:                dataDir,
		Frames:             frames,
		PoolWait:           poolWait,
		LockTimeout:        lockTimeout,
		Isolation:          iso,
		CheckpointInterval: checkpointInterval,
		Archive:            archive,
		LogBuffer:          logBuffer,
		Logger:             log.StandardLogger(),
	}, nil
}

// withEngine opens the engine, which runs recovery, calls fn, and closes the engine. An
// interrupt cancels the context passed to fn.
func withEngine(fn func(ctx context.Context, e *mvcc.Engine) error) error {
	opts, err := engineOptions()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	e, err := mvcc.Open(ctx, opts)
	if err != nil {
		return err
	}

	err = fn(ctx, e)
	cerr := e.Close(context.Background())
	if err == nil {
		err = cerr
	} else if cerr != nil {
		log.WithError(cerr).Error("boxsql: close")
	}
	return err
}
