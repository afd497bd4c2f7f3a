package main

import (
	"context"
	"flag"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/gridmount/gridmount/blobstore"
	"github.com/gridmount/gridmount/config"
	"github.com/gridmount/gridmount/internal/util"
	"github.com/gridmount/gridmount/metastore"
	"github.com/gridmount/gridmount/server"
)

func main() {
	// Parse command line arguments
	var (
		configPath string
		mongoURI   string
		database   string
		collection string
		verbose    int
		umount     bool
		sweep      bool
	)
	flag.StringVar(&configPath, "config", "", "Path to config file (yaml or json)")
	flag.StringVar(&configPath, "c", "", "--config (shorthand)")
	flag.StringVar(&mongoURI, "uri", "", "MongoDB connection string. Overrides the config file.")
	flag.StringVar(&database, "db", "", "Database name. Overrides the config file.")
	flag.StringVar(&collection, "collection", "", "Collection prefix. Overrides the config file.")
	flag.BoolVar(&umount, "umount", false,
		"Unmount the fs first if needed before mounting again. Useful for debuggers that don't exit properly.")
	flag.BoolVar(&umount, "u", false, "--umount (shorthand)")
	flag.BoolVar(&sweep, "sweep", false,
		"Before mounting, delete content chunks no live file references (left by crashes mid-write).")
	flag.IntVar(&verbose, "verbose", 3, "Log verbosity level between 1 (error) and 5 (trace). Default is 3 (info).")
	flag.IntVar(&verbose, "v", 3, "--verbose (shorthand)")
	flag.Parse()

	// Initialize logger
	verbose = util.Clamp(verbose, 1, 5)
	logLvls := [5]util.LogLevel{util.ErrorLevel, util.WarnLevel, util.InfoLevel, util.DebugLevel, util.TraceLevel}
	logLvl := logLvls[verbose-1]
	util.InitializeLogger(logLvl)
	logger := util.GetLogger("main")

	mnt := flag.Arg(0)
	if mnt == "" {
		logger.Fatal().Msg("Mount point not specified; it must be passed as the argument")
	}

	// Config file first, then flag overrides on top
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.NewConfigFromFile(configPath)
		if err != nil {
			logger.Fatal().Err(err).Str("config", configPath).Msg("Failed to load config file")
		}
	} else {
		cfg = config.NewDefaultConfig()
	}
	override := &config.ConfigOverride{Debug: util.Pointer(logLvl == util.TraceLevel)}
	if mongoURI != "" {
		override.MongoURI = &mongoURI
	}
	if database != "" {
		override.Database = &database
	}
	if collection != "" {
		override.Collection = &collection
	}
	cfg.Merge(override)

	logger.Info().
		Int("verbose", verbose).
		Str("uri", cfg.MongoURI).
		Str("db", cfg.Database).
		Str("collection", cfg.Collection).
		Str("mnt", mnt).
		Msg("GridMount initializing")

	// Try unmount if requested
	if umount { // send cli command
		cmd := exec.Command("fusermount", "-u", mnt)
		// we ignore error here if not already mounted
		cmd.Run() // nolint:errcheck
	}

	// Connect to the document store
	ctx := context.Background()
	connectCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.ConnectTimeout)*time.Second)
	defer cancel()
	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		logger.Fatal().Err(err).Str("uri", cfg.MongoURI).Msg("Failed to connect to MongoDB")
	}
	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		logger.Fatal().Err(err).Str("uri", cfg.MongoURI).Msg("Failed to reach MongoDB")
	}
	db := client.Database(cfg.Database)

	meta := metastore.NewMongoStore(db, cfg.Collection)
	if err := meta.Bootstrap(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to bootstrap metadata collection")
	}
	blobs := blobstore.NewMongoStore(db, cfg.Collection, cfg.ChunkSize)
	if err := blobs.Bootstrap(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Failed to bootstrap content collections")
	}

	if sweep {
		live, err := meta.LiveRefs(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to collect live content references")
		}
		removed, err := blobs.SweepOrphans(ctx, live)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to sweep orphaned content")
		}
		logger.Info().Int("removed", removed).Int("live", len(live)).Msg("Swept orphaned content")
	}

	// Init the fs
	gm, err := server.New(ctx, cfg, meta, blobs)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to initialize filesystem")
	}

	// Serve
	if err := gm.Serve(mnt); err != nil {
		logger.Fatal().Err(err).Msg("Failed to mount filesystem")
	}

	// Setup signal handling for graceful shutdown
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	logger.Info().Str("mountpoint", mnt).Msg("Filesystem mounted successfully")

	// Wait for termination signal
	sig := <-signalChan
	logger.Info().Str("signal", sig.String()).Msg("Received signal, unmounting filesystem")

	// Unmount the filesystem
	if err := gm.Unmount(); err != nil {
		logger.Error().Err(err).Msg("Failed to unmount filesystem")
	} else {
		logger.Info().Msg("Filesystem unmounted successfully")
	}

	if err := gm.Close(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to close stores")
	}
	if err := client.Disconnect(ctx); err != nil {
		logger.Error().Err(err).Msg("Failed to disconnect from MongoDB")
	}
}
