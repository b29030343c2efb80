package main

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/id"

	"go.mau.fi/roomgraph/config"
	"go.mau.fi/roomgraph/database"
	"go.mau.fi/roomgraph/ingest"
	"go.mau.fi/roomgraph/stateres"
	"go.mau.fi/roomgraph/util"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

type Roomgraph struct {
	Config *config.Config
	Log    *zerolog.Logger
	DB     *database.Database

	Ingestor *ingest.Ingestor
	Builder  *ingest.Builder
}

// logNotifier stands in for the sync/notification dispatcher boundary:
// admitted events are announced exactly once, in causal order per room.
type logNotifier struct{}

func (logNotifier) Notify(ctx context.Context, roomID id.RoomID, eventID id.EventID) {
	zerolog.Ctx(ctx).Info().
		Stringer("room_id", roomID).
		Stringer("event_id", eventID).
		Msg("Event admitted to room")
}

func (rg *Roomgraph) Init(ctx context.Context, configPath string, noSaveConfig bool) {
	var err error
	rg.Config = loadConfig(configPath, noSaveConfig)
	rg.Log, err = rg.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(rg.Log)

	rg.Log.Info().
		Str("version", VersionWithCommit).
		Time("built_at", ParsedBuildTime).
		Str("go_version", runtime.Version()).
		Msg("Initializing roomgraph")
	var rawDB *dbutil.Database
	rawDB, err = dbutil.NewFromConfig("roomgraph", rg.Config.Database, dbutil.ZeroLogger(rg.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		rg.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to database")
		os.Exit(12)
	}
	rg.DB = database.New(rawDB)

	seed, err := util.UnpaddedBase64.DecodeString(rg.Config.Server.SigningKeySeed)
	if err != nil || len(seed) != ed25519.SeedSize {
		rg.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Invalid signing key seed in config")
		os.Exit(13)
	}
	signingKey := ed25519.NewKeyFromSeed(seed)

	rg.Ingestor, err = ingest.New(ingest.Config{
		Store:    rg.DB,
		Notifier: logNotifier{},
		Limits: stateres.Limits{
			MaxConflictedEvents: rg.Config.Rooms.MaxConflictedEvents,
			MaxAncestryVisits:   rg.Config.Rooms.MaxAncestryVisits,
		},
		MaxConcurrentRooms: rg.Config.Rooms.MaxConcurrent,
		BackfillBudget:     rg.Config.Rooms.BackfillBudget,
		StateCacheSize:     rg.Config.Rooms.StateCacheSize,
	})
	if err != nil {
		rg.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to create ingestor")
		os.Exit(14)
	}
	rg.Builder = &ingest.Builder{
		Ingestor:   rg.Ingestor,
		ServerName: rg.Config.Server.Name,
		KeyID:      rg.Config.Server.SigningKeyID,
		SigningKey: signingKey,
	}

	rg.Log.Info().Msg("Initialization complete")
}

func (rg *Roomgraph) Run(ctx context.Context) {
	err := rg.DB.Upgrade(ctx)
	if err != nil {
		rg.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to upgrade database schema")
		os.Exit(20)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /_roomgraph/v1/health", rg.GetHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	server := &http.Server{Addr: rg.Config.Server.Address, Handler: mux}
	go func() {
		rg.Log.Info().Str("address", rg.Config.Server.Address).Msg("Starting health/metrics listener")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			rg.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("HTTP listener failed")
			os.Exit(21)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err = server.Shutdown(shutdownCtx); err != nil {
		rg.Log.Err(err).Msg("Failed to shut down HTTP listener")
	}
	if err = rg.DB.Close(); err != nil {
		rg.Log.Err(err).Msg("Failed to close database")
	}
}

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	err = yaml.Unmarshal(configData, &cfg)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	return &cfg
}

func main() {
	initVersion()
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}
	var rg Roomgraph
	ctx, cancel := context.WithCancel(context.Background())
	rg.Init(ctx, *configPath, *noSaveConfig)
	ctx = rg.Log.WithContext(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	rg.Run(ctx)
	rg.Log.Info().Msg("Roomgraph stopped")
}
